package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/lineair/config"
)

var (
	lineairCmd = &cobra.Command{
		Use:               "lineair",
		Short:             "An embedded transactional key-value store",
		Long:              "Lineair is an embedded in-memory key-value store with serializable transactions.",
		PersistentPreRunE: lineairPreRun,
		PersistentPostRun: lineairPostRun,
	}

	logFile   = "lineair.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "lineair.hcl"
	noConfig   = false

	protocolName string
	epochMS      int64
	logDir       string
	walStore     string
	maxThreads   int
	noLogging    = false
	noRecovery   = false

	cfg    = config.Default()
	logger = log.StandardLogger()
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := lineairCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	fs.StringVar(&protocolName, "protocol", cfg.Protocol.String(),
		"concurrency control protocol: silo or silonwr")
	fs.Int64Var(&epochMS, "epoch-duration", int64(cfg.EpochDuration/time.Millisecond),
		"epoch duration in `milliseconds`")
	fs.StringVar(&logDir, "log-dir", cfg.LogDir, "`directory` containing the commit log")
	fs.StringVar(&walStore, "wal-store", cfg.WALStore,
		"commit log store: bbolt, badger, pebble, or btree")
	fs.IntVar(&maxThreads, "max-threads", cfg.MaxThreads, "worker thread count")
	fs.BoolVar(&noLogging, "no-logging", noLogging, "don't log commits")
	fs.BoolVar(&noRecovery, "no-recovery", noRecovery, "don't recover at startup")
}

func Execute() error {
	return lineairCmd.Execute()
}

func lineairPreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		c, err := config.Load(configFile)
		if err == nil {
			cfg = c
		} else if !os.IsNotExist(err) || cmd.Flags().Changed("config-file") {
			return fmt.Errorf("lineair: %s", err)
		}
	}

	fs := cmd.Flags()
	if fs.Changed("protocol") {
		p, err := config.ParseProtocol(protocolName)
		if err != nil {
			return fmt.Errorf("lineair: %s", err)
		}
		cfg.Protocol = p
	}
	if fs.Changed("epoch-duration") {
		cfg.EpochDuration = time.Duration(epochMS) * time.Millisecond
	}
	if fs.Changed("log-dir") {
		cfg.LogDir = logDir
	}
	if fs.Changed("wal-store") {
		cfg.WALStore = walStore
	}
	if fs.Changed("max-threads") {
		cfg.MaxThreads = maxThreads
	}
	if noLogging {
		cfg.EnableLogging = false
	}
	if noRecovery {
		cfg.EnableRecovery = false
	}

	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("lineair: %s", err)
	}

	if !logStderr && logFile != "" {
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("lineair: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("lineair: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("lineair starting")
	return nil
}

func lineairPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("lineair done")

	if logWriter != nil {
		logWriter.Close()
	}
}
