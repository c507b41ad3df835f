package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"doodle-forge/internal/model"
	"doodle-forge/internal/store"
)

// Config captures the runtime knobs for the store, the model, training,
// shard import and the dashboard.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Model     ModelConfig     `yaml:"model"`
	Train     TrainConfig     `yaml:"train"`
	Import    ImportConfig    `yaml:"import"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	Table       string        `yaml:"table"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type ModelConfig struct {
	// Classes fixes the class order. Empty derives it from the stored labels.
	Classes      []string `yaml:"classes"`
	Conv1Filters int      `yaml:"conv1_filters"`
	Conv2Filters int      `yaml:"conv2_filters"`
	DenseUnits   int      `yaml:"dense_units"`
	Artifact     string   `yaml:"artifact"`
	Seed         int64    `yaml:"seed"`
	Workers      int      `yaml:"workers"`
}

type TrainConfig struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
	LogEvery        int     `yaml:"log_every"`
}

type ImportConfig struct {
	// Roots are shard directories, streamed round-robin.
	Roots      []string `yaml:"roots"`
	NumWorkers int      `yaml:"num_workers"`
	Seed       int64    `yaml:"seed"`
	Limit      int      `yaml:"limit"`
}

type DashboardConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	BatchHistory int    `yaml:"batch_history"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	StoreDriver string
	StorePath   string
	Table       string
	Classes     []string
	Artifact    string
	Seed        int64
	Workers     int
	Epochs      int
	BatchSize   int
	LogEvery    int
	Addr        string
	Dashboard   bool
	ImportRoots []string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	b := model.DefaultBuildConfig()
	t := model.DefaultTrainOptions()
	return &Config{
		Store: StoreConfig{Driver: store.DriverSQLite, Path: "doodles.db", Table: "doodles", OpenTimeout: 10 * time.Second},
		Model: ModelConfig{
			Conv1Filters: b.Conv1Filters,
			Conv2Filters: b.Conv2Filters,
			DenseUnits:   b.DenseUnits,
			Artifact:     "model.gob",
		},
		Train:     TrainConfig{Epochs: t.Epochs, BatchSize: t.BatchSize, ValidationSplit: t.ValidationSplit, LogEvery: 10},
		Import:    ImportConfig{NumWorkers: 4},
		Dashboard: DashboardConfig{Addr: ":8080", BatchHistory: 2000},
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.StoreDriver != "" {
		c.Store.Driver = o.StoreDriver
	}
	if o.StorePath != "" {
		c.Store.Path = o.StorePath
	}
	if o.Table != "" {
		c.Store.Table = o.Table
	}
	if len(o.Classes) > 0 {
		c.Model.Classes = o.Classes
	}
	if o.Artifact != "" {
		c.Model.Artifact = o.Artifact
	}
	if o.Seed != 0 {
		c.Model.Seed = o.Seed
		c.Import.Seed = o.Seed
	}
	if o.Workers > 0 {
		c.Model.Workers = o.Workers
		c.Import.NumWorkers = o.Workers
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	if o.Addr != "" {
		c.Dashboard.Addr = o.Addr
	}
	if o.Dashboard {
		c.Dashboard.Enabled = true
	}
	if len(o.ImportRoots) > 0 {
		c.Import.Roots = o.ImportRoots
	}
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverBolt:
	default:
		return errors.Errorf("store.driver must be %q or %q (got %q)", store.DriverSQLite, store.DriverBolt, c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}
	if c.Store.Table == "" {
		return errors.New("store.table must be set")
	}
	seen := make(map[string]bool)
	for _, name := range c.Model.Classes {
		if strings.TrimSpace(name) == "" {
			return errors.New("model.classes contains an empty name")
		}
		if seen[name] {
			return errors.Errorf("model.classes lists %q twice", name)
		}
		seen[name] = true
	}
	if c.Model.Conv1Filters <= 0 || c.Model.Conv2Filters <= 0 || c.Model.DenseUnits <= 0 {
		return errors.Errorf("model filters and units must be > 0 (got %d, %d, %d)",
			c.Model.Conv1Filters, c.Model.Conv2Filters, c.Model.DenseUnits)
	}
	if c.Train.Epochs <= 0 {
		return errors.Errorf("train.epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if c.Train.ValidationSplit >= 1 {
		return errors.Errorf("train.validation_split must be < 1 (got %v)", c.Train.ValidationSplit)
	}
	if c.Import.NumWorkers <= 0 {
		return errors.Errorf("import.num_workers must be > 0 (got %d)", c.Import.NumWorkers)
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return errors.New("dashboard.addr must be set when the dashboard is enabled")
	}
	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 10
	}
	return nil
}

// StoreOptions converts the store section.
func (c *Config) StoreOptions() store.Options {
	return store.Options{Driver: c.Store.Driver, Path: c.Store.Path, Table: c.Store.Table, OpenTimeout: c.Store.OpenTimeout}
}

// BuildConfig converts the model section. NumClasses comes from the
// configured classes when there are any.
func (c *Config) BuildConfig() model.BuildConfig {
	return model.BuildConfig{
		Conv1Filters: c.Model.Conv1Filters,
		Conv2Filters: c.Model.Conv2Filters,
		DenseUnits:   c.Model.DenseUnits,
		NumClasses:   len(c.Model.Classes),
	}
}

// TrainOptions converts the train section.
func (c *Config) TrainOptions() model.TrainOptions {
	return model.TrainOptions{Epochs: c.Train.Epochs, BatchSize: c.Train.BatchSize, ValidationSplit: c.Train.ValidationSplit}
}
