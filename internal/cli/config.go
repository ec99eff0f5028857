package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/eah-pipeline/internal/controller"
	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// Defaults applied to unset config fields.
const (
	DefaultSlotsPerEpoch        = 100
	DefaultAccountsHashInterval = 10
	DefaultJournalPath          = "data/eah.wal"
	DefaultArchiveDir           = "data/archives"
	DefaultMetricsPort          = 9090
	DefaultSlotInterval         = 400 * time.Millisecond
	DefaultAccounts             = 16
	DefaultTransfersPerSlot     = 4
)

// Config represents the complete node configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Epoch struct {
		SlotsPerEpoch             uint64 `yaml:"slots_per_epoch"`
		AccountsHashIntervalSlots uint64 `yaml:"accounts_hash_interval_slots"`
	} `yaml:"epoch"`

	Snapshot struct {
		Dir                      string `yaml:"dir"`
		FullIntervalSlots        uint64 `yaml:"full_interval_slots"`
		IncrementalIntervalSlots uint64 `yaml:"incremental_interval_slots"`
		MaxFullArchives          int    `yaml:"max_full_archives"`
		MaxIncrementalArchives   int    `yaml:"max_incremental_archives"`
	} `yaml:"snapshot"`

	Journal struct {
		Path string `yaml:"path"`
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Gossip struct {
		Listen        string        `yaml:"listen"` // empty disables the server
		Peer          string        `yaml:"peer"`   // empty disables announcements
		RatePerSecond float64       `yaml:"rate_per_second"`
		Burst         int           `yaml:"burst"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"gossip"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`

	Simulate struct {
		SlotInterval     time.Duration `yaml:"slot_interval"`
		MaxSlots         uint64        `yaml:"max_slots"` // 0 runs until interrupted
		RootEvery        uint64        `yaml:"root_every"`
		ForkEvery        uint64        `yaml:"fork_every"` // 0 disables side forks
		Accounts         int           `yaml:"accounts"`
		TransfersPerSlot int           `yaml:"transfers_per_slot"`
		Seed             uint64        `yaml:"seed"`
	} `yaml:"simulate"`
}

// loadConfig reads a YAML config file. Missing fields keep their zero value;
// call applyDefaults before use.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Epoch.SlotsPerEpoch == 0 {
		c.Epoch.SlotsPerEpoch = DefaultSlotsPerEpoch
	}
	if c.Epoch.AccountsHashIntervalSlots == 0 {
		c.Epoch.AccountsHashIntervalSlots = DefaultAccountsHashInterval
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = DefaultArchiveDir
	}
	if c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Simulate.RootEvery == 0 {
		c.Simulate.RootEvery = 1
	}
	if c.Simulate.Accounts == 0 {
		c.Simulate.Accounts = DefaultAccounts
	}
	if c.Simulate.TransfersPerSlot == 0 {
		c.Simulate.TransfersPerSlot = DefaultTransfersPerSlot
	}
}

// validate checks the fields the controller does not.
func (c *Config) validate() error {
	var errs []error
	if c.Simulate.Accounts < 2 {
		errs = append(errs, errors.New("simulate.accounts must be at least 2"))
	}
	if c.Simulate.SlotInterval < 0 {
		errs = append(errs, errors.New("simulate.slot_interval must not be negative"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Gossip.RatePerSecond < 0 {
		errs = append(errs, errors.New("gossip.rate_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) snapshots() types.SnapshotConfig {
	return types.SnapshotConfig{
		FullIntervalSlots:        types.Slot(c.Snapshot.FullIntervalSlots),
		IncrementalIntervalSlots: types.Slot(c.Snapshot.IncrementalIntervalSlots),
	}
}

// controllerConfig maps the file config onto the pipeline config.
func (c *Config) controllerConfig(n gossip.Notifier, m *metrics.Collector, logger *slog.Logger) controller.Config {
	return controller.Config{
		SlotsPerEpoch:             c.Epoch.SlotsPerEpoch,
		Snapshots:                 c.snapshots(),
		AccountsHashIntervalSlots: types.Slot(c.Epoch.AccountsHashIntervalSlots),
		ArchiveDir:                c.Snapshot.Dir,
		MaxFullArchives:           c.Snapshot.MaxFullArchives,
		MaxIncrementalArchives:    c.Snapshot.MaxIncrementalArchives,
		JournalPath:               c.Journal.Path,
		SyncJournal:               c.Journal.Sync,
		Notifier:                  n,
		Metrics:                   m,
		Logger:                    logger,
	}
}

// newLogger builds the process logger from the log section.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
