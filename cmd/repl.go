package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/leftmike/lineair/db"
)

const (
	lineairHistory = ".lineair_history"
)

var (
	replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Open the store and read and write keys interactively",
		RunE:  replRun,
	}
)

func init() {
	lineairCmd.AddCommand(replCmd)
}

// execute runs one transaction and waits for its final status.
func execute(d *db.DB, proc func(tx *db.Tx)) db.TxStatus {
	done := make(chan db.TxStatus, 1)
	d.ExecuteTransaction(proc,
		func(status db.TxStatus) {
			done <- status
		})
	return <-done
}

func replGet(d *db.DB, key string) {
	var val []byte
	var found bool
	status := execute(d,
		func(tx *db.Tx) {
			val, found = tx.Read([]byte(key))
		})
	if status != db.Committed {
		fmt.Printf("get %s: %s\n", key, status)
	} else if !found {
		fmt.Printf("%s: not found\n", key)
	} else {
		fmt.Printf("%s = %s\n", key, strconv.Quote(string(val)))
	}
}

func replPut(d *db.DB, key, val string) {
	status := execute(d,
		func(tx *db.Tx) {
			tx.Write([]byte(key), []byte(val))
		})
	fmt.Printf("put %s: %s\n", key, status)
}

func replDelete(d *db.DB, key string) {
	status := execute(d,
		func(tx *db.Tx) {
			tx.Write([]byte(key), nil)
		})
	fmt.Printf("delete %s: %s\n", key, status)
}

func replConfig(d *db.DB) {
	cfg := d.Config()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"Parameter", "Value"})
	tw.Append([]string{"concurrency_control", cfg.Protocol.String()})
	tw.Append([]string{"epoch_duration_ms",
		strconv.FormatInt(int64(cfg.EpochDuration/time.Millisecond), 10)})
	tw.Append([]string{"enable_logging", strconv.FormatBool(cfg.EnableLogging)})
	tw.Append([]string{"enable_recovery", strconv.FormatBool(cfg.EnableRecovery)})
	tw.Append([]string{"log_dir", cfg.LogDir})
	tw.Append([]string{"wal_store", cfg.WALStore})
	tw.Append([]string{"max_threads", strconv.Itoa(cfg.MaxThreads)})
	tw.Render()
}

func replStats(d *db.DB) {
	stats := d.Stats()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"Counter", "Value"})
	tw.Append([]string{"commits", strconv.FormatUint(stats.Commits, 10)})
	tw.Append([]string{"aborts", strconv.FormatUint(stats.Aborts, 10)})
	tw.Append([]string{"elided_writes", strconv.FormatUint(stats.ElidedWrites, 10)})
	tw.Render()
}

func replHelp() {
	fmt.Println(`commands:
    get <key>
    put <key> <value>
    delete <key>
    fence
    config
    stats
    exit`)
}

func replRun(cmd *cobra.Command, args []string) error {
	d, err := db.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("lineair: %s", err)
	}
	defer d.Close()

	line := liner.NewLiner()
	defer line.Close()

	if f, err := os.Open(lineairHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	for {
		s, err := line.Prompt("lineair: ")
		if err != nil {
			break
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		line.AppendHistory(s)

		flds := strings.Fields(s)
		switch flds[0] {
		case "get":
			if len(flds) != 2 {
				replHelp()
				continue
			}
			replGet(d, flds[1])
		case "put":
			if len(flds) != 3 {
				replHelp()
				continue
			}
			replPut(d, flds[1], flds[2])
		case "delete":
			if len(flds) != 2 {
				replHelp()
				continue
			}
			replDelete(d, flds[1])
		case "fence":
			d.Fence()
			fmt.Println("fenced")
		case "config":
			replConfig(d)
		case "stats":
			replStats(d)
		case "exit", "quit":
			goto done
		default:
			replHelp()
		}
	}

done:
	if f, err := os.Create(lineairHistory); err != nil {
		fmt.Fprintf(os.Stderr, "lineair: error writing history file, %s: %s\n",
			lineairHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
	return nil
}
