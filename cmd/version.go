package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of lineair",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lineair %s %s %s/%s\n", version, runtime.Version(),
				runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	lineairCmd.AddCommand(versionCmd)
}
