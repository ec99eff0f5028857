package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/snapshot"
	"github.com/ChuLiYu/eah-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ============================================================================
// Config loading
// ============================================================================

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
epoch:
  slots_per_epoch: 432
  accounts_hash_interval_slots: 8
snapshot:
  dir: ./archives
  full_interval_slots: 100
  incremental_interval_slots: 20
  max_full_archives: 2
  max_incremental_archives: 4
journal:
  path: ./eah.wal
  sync: true
gossip:
  listen: 127.0.0.1:7000
  peer: 10.0.0.2:7000
  rate_per_second: 5
  burst: 2
  timeout: 1500ms
metrics:
  enabled: true
  port: 8080
log:
  level: debug
  format: json
simulate:
  slot_interval: 400ms
  max_slots: 1000
  root_every: 3
  fork_every: 7
  accounts: 32
  transfers_per_slot: 8
  seed: 42
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(432), cfg.Epoch.SlotsPerEpoch)
	assert.Equal(t, uint64(8), cfg.Epoch.AccountsHashIntervalSlots)
	assert.Equal(t, "./archives", cfg.Snapshot.Dir)
	assert.Equal(t, uint64(100), cfg.Snapshot.FullIntervalSlots)
	assert.Equal(t, uint64(20), cfg.Snapshot.IncrementalIntervalSlots)
	assert.Equal(t, 2, cfg.Snapshot.MaxFullArchives)
	assert.Equal(t, 4, cfg.Snapshot.MaxIncrementalArchives)
	assert.Equal(t, "./eah.wal", cfg.Journal.Path)
	assert.True(t, cfg.Journal.Sync)
	assert.Equal(t, "127.0.0.1:7000", cfg.Gossip.Listen)
	assert.Equal(t, "10.0.0.2:7000", cfg.Gossip.Peer)
	assert.Equal(t, 5.0, cfg.Gossip.RatePerSecond)
	assert.Equal(t, 1500*time.Millisecond, cfg.Gossip.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 400*time.Millisecond, cfg.Simulate.SlotInterval)
	assert.Equal(t, uint64(1000), cfg.Simulate.MaxSlots)
	assert.Equal(t, uint64(3), cfg.Simulate.RootEvery)
	assert.Equal(t, uint64(7), cfg.Simulate.ForkEvery)
	assert.Equal(t, 32, cfg.Simulate.Accounts)
	assert.Equal(t, uint64(42), cfg.Simulate.Seed)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
epoch:
  slots_per_epoch: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Zero(t, cfg.Epoch.SlotsPerEpoch)

	cfg.applyDefaults()
	assert.Equal(t, uint64(DefaultSlotsPerEpoch), cfg.Epoch.SlotsPerEpoch)
	assert.Equal(t, uint64(DefaultAccountsHashInterval), cfg.Epoch.AccountsHashIntervalSlots)
	assert.Equal(t, DefaultJournalPath, cfg.Journal.Path)
	assert.Equal(t, DefaultArchiveDir, cfg.Snapshot.Dir)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, uint64(1), cfg.Simulate.RootEvery)
	assert.Equal(t, DefaultAccounts, cfg.Simulate.Accounts)
	assert.NoError(t, cfg.validate())
	assert.True(t, cfg.snapshots().IsLoadOnly())
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "epoch:\n  slots_per_epoch: 64\n"))
	require.NoError(t, err)
	cfg.applyDefaults()

	assert.Equal(t, uint64(64), cfg.Epoch.SlotsPerEpoch)
	assert.Zero(t, cfg.Snapshot.FullIntervalSlots, "unset intervals stay disabled")
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	cfg.Simulate.Accounts = 1
	cfg.Simulate.SlotInterval = -time.Second
	cfg.Gossip.RatePerSecond = -1

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulate.accounts")
	assert.Contains(t, err.Error(), "simulate.slot_interval")
	assert.Contains(t, err.Error(), "gossip.rate_per_second")
}

func TestControllerConfigMapping(t *testing.T) {
	var cfg Config
	cfg.Snapshot.FullIntervalSlots = 100
	cfg.Snapshot.IncrementalIntervalSlots = 20
	cfg.Snapshot.MaxFullArchives = 2
	cfg.Journal.Sync = true
	cfg.applyDefaults()

	cc := cfg.controllerConfig(gossip.NopNotifier{}, nil, nil)
	assert.Equal(t, uint64(DefaultSlotsPerEpoch), cc.SlotsPerEpoch)
	assert.Equal(t, types.SnapshotConfig{FullIntervalSlots: 100, IncrementalIntervalSlots: 20}, cc.Snapshots)
	assert.Equal(t, types.Slot(DefaultAccountsHashInterval), cc.AccountsHashIntervalSlots)
	assert.Equal(t, DefaultArchiveDir, cc.ArchiveDir)
	assert.Equal(t, 2, cc.MaxFullArchives)
	assert.True(t, cc.SyncJournal)
	assert.NoError(t, cc.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "slot", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"slot":7`)

	_, err = newLogger("loud", "text", io.Discard)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", io.Discard)
	assert.Error(t, err)
}

// ============================================================================
// Commands
// ============================================================================

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	var cfg Config
	cfg.Epoch.SlotsPerEpoch = 100
	cfg.Snapshot.Dir = filepath.Join(dir, "archives")
	cfg.Snapshot.FullIntervalSlots = 20
	cfg.Snapshot.MaxFullArchives = 3
	cfg.Journal.Path = filepath.Join(dir, "eah.wal")
	cfg.Gossip.Listen = "127.0.0.1:0"
	cfg.Log.Level = "error"
	cfg.Simulate.MaxSlots = 160
	cfg.Simulate.ForkEvery = 7
	cfg.Simulate.Seed = 1
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())
	return &cfg
}

func TestRunNodeFiniteSimulation(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, runNode(ctx, cfg, io.Discard, &out))
	assert.Contains(t, out.String(), "root=160")

	states, err := wal.LoadStates(cfg.Journal.Path)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for i, s := range states {
		assert.Equal(t, types.Epoch(i), s.Epoch)
		assert.True(t, s.IsValid(), s.String())
	}

	store, err := snapshot.NewManager(snapshot.Config{Dir: cfg.Snapshot.Dir})
	require.NoError(t, err)
	info, ok, err := store.Highest(types.PackageFullSnapshot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Slot(160), info.Slot)

	list, err := store.List(types.PackageFullSnapshot)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(list), 3)
}

func TestStatusAndVerifyCommands(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, runNode(context.Background(), cfg, io.Discard, io.Discard))

	path := writeConfig(t, `
snapshot:
  dir: `+cfg.Snapshot.Dir+`
journal:
  path: `+cfg.Journal.Path+`
`)

	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Valid")
	assert.Contains(t, out.String(), "snapshot-160")

	store, err := snapshot.NewManager(snapshot.Config{Dir: cfg.Snapshot.Dir})
	require.NoError(t, err)
	info, _, err := store.Highest(types.PackageFullSnapshot)
	require.NoError(t, err)

	out.Reset()
	root = BuildCLI()
	root.SetOut(&out)
	root.SetArgs([]string{"verify", info.Path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "OK")
	assert.Contains(t, out.String(), "slot:          160 (epoch 1)")
	assert.NotContains(t, out.String(), "epoch hash:    none")
}

func TestVerifyRejectsTamperedArchive(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewManager(snapshot.Config{Dir: dir})
	require.NoError(t, err)
	path, _, err := store.Write(&types.Package{Slot: 20, Kind: types.PackageFullSnapshot, AccountsHash: types.Hash{1}})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"slot": 20`), []byte(`"slot": 21`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = verifyArchive(path, io.Discard)
	assert.ErrorIs(t, err, snapshot.ErrChecksumMismatch)
}

func TestStatusWithoutData(t *testing.T) {
	var cfg Config
	cfg.Journal.Path = filepath.Join(t.TempDir(), "missing.wal")
	cfg.Snapshot.Dir = filepath.Join(t.TempDir(), "missing")

	var out bytes.Buffer
	require.NoError(t, showStatus(&cfg, true, &out))
	assert.Contains(t, out.String(), "no epochs recorded")
	assert.Contains(t, out.String(), "none")
}
