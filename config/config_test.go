package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leftmike/lineair/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Protocol != config.SiloNWR {
		t.Errorf("Protocol got %s want silonwr", cfg.Protocol)
	}
	if cfg.EpochDuration != 40*time.Millisecond {
		t.Errorf("EpochDuration got %s want 40ms", cfg.EpochDuration)
	}
	if !cfg.EnableLogging || !cfg.EnableRecovery {
		t.Error("logging and recovery are not enabled by default")
	}
	if cfg.LogDir != "lineairdb_logs" {
		t.Errorf("LogDir got %s want lineairdb_logs", cfg.LogDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() of the default config failed: %s", err)
	}
}

func TestParseProtocol(t *testing.T) {
	cases := []struct {
		s    string
		p    config.Protocol
		fail bool
	}{
		{s: "silo", p: config.Silo},
		{s: "Silo", p: config.Silo},
		{s: "silonwr", p: config.SiloNWR},
		{s: "SiloNWR", p: config.SiloNWR},
		{s: "serializable", fail: true},
		{s: "", fail: true},
	}

	for _, c := range cases {
		p, err := config.ParseProtocol(c.s)
		if c.fail {
			if err == nil {
				t.Errorf("ParseProtocol(%q) did not fail", c.s)
			}
		} else if err != nil {
			t.Errorf("ParseProtocol(%q) failed: %s", c.s, err)
		} else if p != c.p {
			t.Errorf("ParseProtocol(%q) got %s want %s", c.s, p, c.p)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.EpochDuration = 0
	if cfg.Validate() == nil {
		t.Error("Validate() with zero epoch duration did not fail")
	}

	cfg = config.Default()
	cfg.MaxThreads = 0
	if cfg.Validate() == nil {
		t.Error("Validate() with zero max threads did not fail")
	}

	cfg = config.Default()
	cfg.WALStore = "paper"
	if cfg.Validate() == nil {
		t.Error("Validate() with an unknown wal store did not fail")
	}

	cfg = config.Default()
	cfg.LogDir = ""
	if cfg.Validate() == nil {
		t.Error("Validate() with no log directory did not fail")
	}

	cfg = config.Default()
	cfg.LogDir = ""
	cfg.EnableLogging = false
	cfg.EnableRecovery = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %s", err)
	}
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "lineair_config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "lineair.hcl")
	err = ioutil.WriteFile(filename, []byte(`
concurrency_control = "silo"
epoch_duration_ms = 10
enable_logging = false
log_dir = "logs"
wal_store = "btree"
max_threads = 2
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(filename)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Protocol != config.Silo {
		t.Errorf("Protocol got %s want silo", cfg.Protocol)
	}
	if cfg.EpochDuration != 10*time.Millisecond {
		t.Errorf("EpochDuration got %s want 10ms", cfg.EpochDuration)
	}
	if cfg.EnableLogging {
		t.Error("EnableLogging got true want false")
	}
	if !cfg.EnableRecovery {
		t.Error("EnableRecovery got false; it was not set in the file")
	}
	if cfg.LogDir != "logs" {
		t.Errorf("LogDir got %s want logs", cfg.LogDir)
	}
	if cfg.WALStore != "btree" {
		t.Errorf("WALStore got %s want btree", cfg.WALStore)
	}
	if cfg.MaxThreads != 2 {
		t.Errorf("MaxThreads got %d want 2", cfg.MaxThreads)
	}

	err = ioutil.WriteFile(filename, []byte(`concurrency_control = "2pl"`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = config.Load(filename)
	if err == nil {
		t.Error("Load() with a bad protocol did not fail")
	}

	_, err = config.Load(filepath.Join(dir, "missing.hcl"))
	if !os.IsNotExist(err) {
		t.Errorf("Load() of a missing file got %v", err)
	}
}
