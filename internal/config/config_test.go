package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: bolt
  path: /tmp/doodles.bolt
  open_timeout: 3s
model:
  classes: [cat, dog, fish]
train:
  epochs: 5
import:
  roots: [/data/east, /data/west]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "bolt" || cfg.Store.OpenTimeout != 3*time.Second || cfg.Store.Table != "doodles" {
		t.Fatalf("store %+v", cfg.Store)
	}
	if cfg.Train.Epochs != 5 || cfg.Train.BatchSize != 16 || cfg.Train.ValidationSplit != 0.2 {
		t.Fatalf("train %+v", cfg.Train)
	}
	if got := cfg.BuildConfig(); got.NumClasses != 3 || got.Conv1Filters != 8 || got.DenseUnits != 64 {
		t.Fatalf("build config %+v", got)
	}
	if len(cfg.Import.Roots) != 2 || cfg.Import.Roots[1] != "/data/west" {
		t.Fatalf("roots %v", cfg.Import.Roots)
	}
	if opts := cfg.StoreOptions(); opts.Path != "/tmp/doodles.bolt" {
		t.Fatalf("store options %+v", opts)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "train:\n  epochz: 3\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "epochz") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":    func(c *Config) { c.Store.Driver = "indexeddb" },
		"path":      func(c *Config) { c.Store.Path = "" },
		"duplicate": func(c *Config) { c.Model.Classes = []string{"cat", "cat"} },
		"blank":     func(c *Config) { c.Model.Classes = []string{" "} },
		"epochs":    func(c *Config) { c.Train.Epochs = 0 },
		"batch":     func(c *Config) { c.Train.BatchSize = -1 },
		"split":     func(c *Config) { c.Train.ValidationSplit = 1 },
		"units":     func(c *Config) { c.Model.DenseUnits = 0 },
		"workers":   func(c *Config) { c.Import.NumWorkers = 0 },
		"dashboard": func(c *Config) { c.Dashboard.Enabled, c.Dashboard.Addr = true, "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	cfg := Default()
	cfg.Train.LogEvery = 0
	if err := cfg.Validate(); err != nil || cfg.Train.LogEvery != 10 {
		t.Fatalf("default log_every not applied: %v %d", err, cfg.Train.LogEvery)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		StorePath: "other.db",
		Classes:   SplitList(" cat, dog ,,"),
		Seed:      7,
		Workers:   3,
		Epochs:    2,
		Dashboard: true,
	})
	if cfg.Store.Path != "other.db" || !reflect.DeepEqual(cfg.Model.Classes, []string{"cat", "dog"}) {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Model.Seed != 7 || cfg.Import.Seed != 7 || cfg.Import.NumWorkers != 3 || cfg.Train.Epochs != 2 || !cfg.Dashboard.Enabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Train.BatchSize != 16 {
		t.Fatal("zero override replaced a value")
	}
}
