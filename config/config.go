package config

import (
	"fmt"
	"io/ioutil"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
)

type Protocol int

const (
	Silo Protocol = iota
	SiloNWR
)

func (p Protocol) String() string {
	switch p {
	case Silo:
		return "silo"
	case SiloNWR:
		return "silonwr"
	}
	return fmt.Sprintf("Protocol(%d)", p)
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "silo":
		return Silo, nil
	case "silonwr":
		return SiloNWR, nil
	}
	return 0, fmt.Errorf("config: %s is not a concurrency control protocol", s)
}

var walStores = map[string]struct{}{
	"bbolt":  {},
	"badger": {},
	"pebble": {},
	"btree":  {},
}

type Config struct {
	Protocol       Protocol
	EpochDuration  time.Duration
	EnableLogging  bool
	EnableRecovery bool
	LogDir         string
	WALStore       string
	MaxThreads     int
}

func Default() Config {
	return Config{
		Protocol:       SiloNWR,
		EpochDuration:  40 * time.Millisecond,
		EnableLogging:  true,
		EnableRecovery: true,
		LogDir:         "lineairdb_logs",
		WALStore:       "bbolt",
		MaxThreads:     runtime.NumCPU(),
	}
}

func (cfg Config) Validate() error {
	if cfg.Protocol != Silo && cfg.Protocol != SiloNWR {
		return fmt.Errorf("config: unknown concurrency control protocol: %d", cfg.Protocol)
	}
	if cfg.EpochDuration <= 0 {
		return fmt.Errorf("config: epoch duration must be positive: %s", cfg.EpochDuration)
	}
	if cfg.MaxThreads < 1 {
		return fmt.Errorf("config: max threads must be at least one: %d", cfg.MaxThreads)
	}
	if _, ok := walStores[cfg.WALStore]; !ok {
		return fmt.Errorf("config: unknown wal store: %s", cfg.WALStore)
	}
	if (cfg.EnableLogging || cfg.EnableRecovery) && cfg.LogDir == "" {
		return fmt.Errorf("config: log directory must be set")
	}
	return nil
}

// fileConfig is the subset of Config which may be set in a config file;
// pointers distinguish absent fields from zero values.
type fileConfig struct {
	Protocol       *string `hcl:"concurrency_control"`
	EpochDuration  *int64  `hcl:"epoch_duration_ms"`
	EnableLogging  *bool   `hcl:"enable_logging"`
	EnableRecovery *bool   `hcl:"enable_recovery"`
	LogDir         *string `hcl:"log_dir"`
	WALStore       *string `hcl:"wal_store"`
	MaxThreads     *int    `hcl:"max_threads"`
}

func Load(filename string) (Config, error) {
	cfg := Default()

	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, err
	}

	var fc fileConfig
	err = hcl.Decode(&fc, string(b))
	if err != nil {
		return cfg, fmt.Errorf("config: %s: %s", filename, err)
	}

	if fc.Protocol != nil {
		cfg.Protocol, err = ParseProtocol(*fc.Protocol)
		if err != nil {
			return cfg, err
		}
	}
	if fc.EpochDuration != nil {
		cfg.EpochDuration = time.Duration(*fc.EpochDuration) * time.Millisecond
	}
	if fc.EnableLogging != nil {
		cfg.EnableLogging = *fc.EnableLogging
	}
	if fc.EnableRecovery != nil {
		cfg.EnableRecovery = *fc.EnableRecovery
	}
	if fc.LogDir != nil {
		cfg.LogDir = *fc.LogDir
	}
	if fc.WALStore != nil {
		cfg.WALStore = *fc.WALStore
	}
	if fc.MaxThreads != nil {
		cfg.MaxThreads = *fc.MaxThreads
	}

	return cfg, cfg.Validate()
}
