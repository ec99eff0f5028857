package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/ledger"
	"github.com/ChuLiYu/eah-pipeline/internal/snapshot"
	"github.com/ChuLiYu/eah-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newForest(t *testing.T, slotsPerEpoch uint64) *ledger.Forest {
	t.Helper()
	s, err := epoch.NewSchedule(slotsPerEpoch)
	require.NoError(t, err)
	return ledger.NewForest(s, map[string]uint64{"alice": 1_000_000, "bob": 1_000_000})
}

func newController(t *testing.T, cfg Config, l *ledger.Forest) *Controller {
	t.Helper()
	c, err := NewController(cfg, l)
	require.NoError(t, err)
	l.SetPrunedSender(c.PrunedSender())
	l.SetEpochAccountsHashManager(c.EpochAccountsHash())
	t.Cleanup(c.Stop)
	return c
}

// rootChain extends the forest one slot at a time, moving a lamport on every
// slot so each bank hashes differently, and roots it. It returns the banks by slot.
func rootChain(t *testing.T, f *ledger.Forest, c *Controller, from, to types.Slot) map[types.Slot]*ledger.Bank {
	t.Helper()
	banks := make(map[types.Slot]*ledger.Bank)
	for s := from; s <= to; s++ {
		b, err := f.NewBank(s-1, s)
		require.NoError(t, err)
		require.NoError(t, b.Transfer("alice", "bob", 1))
		require.NoError(t, f.SetRoot(s, c.Router()))
		banks[s] = b
	}
	return banks
}

func waitProcessed(t *testing.T, c *Controller, slot types.Slot) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := c.LastProcessedSlot()
		return ok && s >= slot
	}, 5*time.Second, 5*time.Millisecond)
}

type fakeBank struct{ slot types.Slot }

func (b fakeBank) ID() types.BankID        { return types.BankID(b.slot) }
func (b fakeBank) Slot() types.Slot        { return b.slot }
func (b fakeBank) Ancestors() []types.Slot { return []types.Slot{b.slot} }
func (b fakeBank) IsFrozen() bool          { return true }

// gatedLedger blocks every calculation until gate is closed.
type gatedLedger struct {
	gate    chan struct{}
	entered atomic.Int32
}

func (l *gatedLedger) CalculateAccountsHash(ctx context.Context, bank types.BankView) (types.Hash, error) {
	l.entered.Add(1)
	<-l.gate
	return types.Hash{byte(bank.Slot()), 1}, nil
}

func (l *gatedLedger) Reclaim(types.BankID) bool { return true }

type panickingLedger struct{}

func (panickingLedger) CalculateAccountsHash(context.Context, types.BankView) (types.Hash, error) {
	panic("accounts index corrupted")
}

func (panickingLedger) Reclaim(types.BankID) bool { return true }

// ============================================================================
// Configuration
// ============================================================================

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"zero slots per epoch", Config{}, 1},
		{"incremental without full", Config{SlotsPerEpoch: 100, Snapshots: types.SnapshotConfig{IncrementalIntervalSlots: 10}, ArchiveDir: "x"}, 1},
		{"full interval longer than epoch", Config{SlotsPerEpoch: 100, Snapshots: types.SnapshotConfig{FullIntervalSlots: 200}, ArchiveDir: "x"}, 1},
		{"missing archive dir", Config{SlotsPerEpoch: 100, Snapshots: types.SnapshotConfig{FullIntervalSlots: 20}}, 1},
		{"several problems", Config{Snapshots: types.SnapshotConfig{FullIntervalSlots: 20}, MaxFullArchives: -1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.cfg, newForest(t, 100))
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Len(t, cerr.Problems, tt.want, cerr.Error())
		})
	}
}

func TestNewControllerRequiresLedger(t *testing.T) {
	_, err := NewController(Config{SlotsPerEpoch: 100}, nil)
	assert.Error(t, err)
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

// Load-only node rooting two epochs: one calculation per epoch at the
// first slot of each window, hash equal to the ledger's own calculation.
func TestLoadOnlyEpochAccountsHash(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "eah.wal")
	f := newForest(t, 100)
	c := newController(t, Config{SlotsPerEpoch: 100, JournalPath: journal}, f)
	c.Start()

	banks := rootChain(t, f, c, 1, 200)
	waitProcessed(t, c, 200)

	m := c.EpochAccountsHash()
	for _, want := range []struct {
		epoch types.Epoch
		slot  types.Slot
	}{{0, 25}, {1, 125}} {
		s := m.StateOf(want.epoch)
		require.True(t, s.IsValid(), "epoch %d: %s", want.epoch, s)
		assert.Equal(t, want.slot, s.Slot)

		expected, err := f.CalculateAccountsHash(context.Background(), banks[want.slot])
		require.NoError(t, err)
		assert.Equal(t, expected, s.Hash)

		got, ok := f.EpochAccountsHash(want.epoch)
		require.True(t, ok)
		assert.Equal(t, expected, got)
	}
	assert.Equal(t, types.NotStarted(2), m.StateOf(2))
	assert.NoError(t, m.Diagnose(200))
	assert.Nil(t, c.Archive())

	c.Stop()

	counts := map[string]int{}
	require.NoError(t, wal.ReplayFile(journal, func(e wal.Event) error {
		counts[fmt.Sprintf("%d/%s", e.Epoch, e.Type)]++
		return nil
	}))
	assert.Equal(t, 1, counts["0/IN_FLIGHT"])
	assert.Equal(t, 1, counts["0/VALID"])
	assert.Equal(t, 1, counts["1/IN_FLIGHT"])
	assert.Equal(t, 1, counts["1/VALID"])
}

// Archiving node rooting every slot with a full snapshot every 20 slots:
// each archive carries its epoch's hash once that hash is Valid, and none
// before the calculation window opens.
func TestArchivedSnapshotCarriesEpochAccountsHash(t *testing.T) {
	dir := t.TempDir()
	f := newForest(t, 100)
	c := newController(t, Config{
		SlotsPerEpoch:   100,
		Snapshots:       types.SnapshotConfig{FullIntervalSlots: 20},
		ArchiveDir:      dir,
		MaxFullArchives: 3,
	}, f)
	c.Start()

	schedule := c.EpochAccountsHash().Schedule()
	for slot := types.Slot(20); slot <= 200; slot += 20 {
		banks := rootChain(t, f, c, slot-19, slot)

		require.Eventually(t, func() bool {
			info, ok, err := c.Archive().Highest(types.PackageFullSnapshot)
			return err == nil && ok && info.Slot == slot
		}, 5*time.Second, 10*time.Millisecond, "archive for slot %d", slot)

		info, _, err := c.Archive().Highest(types.PackageFullSnapshot)
		require.NoError(t, err)
		archive, err := snapshot.Load(info.Path)
		require.NoError(t, err)

		expected, err := f.CalculateAccountsHash(context.Background(), banks[slot])
		require.NoError(t, err)
		assert.Equal(t, expected, archive.Package.AccountsHash, "slot %d", slot)

		e := schedule.EpochOf(slot)
		if slot < schedule.CalculationStart(e) {
			assert.Nil(t, archive.Package.EpochAccountsHash, "slot %d", slot)
			continue
		}
		eah, ok := c.EpochAccountsHash().ValidHash(e)
		require.True(t, ok, "epoch %d", e)
		require.NotNil(t, archive.Package.EpochAccountsHash, "slot %d", slot)
		assert.Equal(t, eah, *archive.Package.EpochAccountsHash, "slot %d", slot)
	}

	require.Eventually(t, func() bool {
		list, err := c.Archive().List(types.PackageFullSnapshot)
		return err == nil && len(list) == 3
	}, 2*time.Second, 10*time.Millisecond, "retention keeps three full archives")
}

func TestPrunedBanksAreReclaimed(t *testing.T) {
	f := newForest(t, 100)
	c := newController(t, Config{SlotsPerEpoch: 100}, f)
	c.Start()

	// fork at 1: 2 and 3 both descend from 1, rooting 3 drops 2
	_, err := f.NewBank(0, 1)
	require.NoError(t, err)
	_, err = f.NewBank(1, 2)
	require.NoError(t, err)
	_, err = f.NewBank(1, 3)
	require.NoError(t, err)
	require.NoError(t, f.SetRoot(3, c.Router()))

	// reclaiming happens before the next request is taken
	rootChain(t, f, c, 4, 5)
	waitProcessed(t, c, 5)

	// 0, 1, 2 when rooting 3, then 3 and 4
	require.Eventually(t, func() bool { return f.Stats().Reclaimed == 5 }, 2*time.Second, 5*time.Millisecond)
	st := f.Stats()
	assert.Equal(t, 1, st.LiveBanks)
	assert.Equal(t, st.LiveBanks, st.Arena)
}

// ============================================================================
// Restart
// ============================================================================

func TestRestartRestoresValidHash(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "eah.wal")

	f := newForest(t, 100)
	c1 := newController(t, Config{SlotsPerEpoch: 100, JournalPath: journal}, f)
	c1.Start()
	rootChain(t, f, c1, 1, 60)
	waitProcessed(t, c1, 60)
	want, ok := c1.EpochAccountsHash().ValidHash(0)
	require.True(t, ok)
	c1.Stop()

	c2, err := NewController(Config{SlotsPerEpoch: 100, JournalPath: journal}, newForest(t, 100))
	require.NoError(t, err)
	defer c2.Stop()

	got, ok := c2.EpochAccountsHash().ValidHash(0)
	require.True(t, ok)
	assert.Equal(t, want, got)

	n, err := wal.CountEvents(journal)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "journal compacted to one record per epoch")
	assert.Equal(t, uint64(1), c2.journal.GetLastSeq())
}

func TestRestartForgetsUnfinishedCalculation(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "eah.wal")
	j, err := wal.NewWAL(journal, false)
	require.NoError(t, err)
	require.NoError(t, j.Append(types.NotStarted(1)))
	require.NoError(t, j.Append(types.InFlight(1, 125)))
	require.NoError(t, j.Close())

	c, err := NewController(Config{SlotsPerEpoch: 100, JournalPath: journal}, newForest(t, 100))
	require.NoError(t, err)
	defer c.Stop()

	assert.Equal(t, types.NotStarted(1), c.EpochAccountsHash().State())
}

// A journal restored at epoch 2 while the ledger replays from genesis:
// the old windows are not recalculated and snapshots still get archived.
func TestRestoredJournalAheadOfLedger(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "eah.wal")
	j, err := wal.NewWAL(journal, false)
	require.NoError(t, err)
	for _, s := range []types.EpochAccountsHashState{
		types.Valid(0, 25, types.Hash{1}),
		types.Valid(1, 125, types.Hash{2}),
		types.NotStarted(2),
		types.InFlight(2, 225),
	} {
		require.NoError(t, j.Append(s))
	}
	require.NoError(t, j.Close())

	f := newForest(t, 100)
	c := newController(t, Config{
		SlotsPerEpoch:   100,
		Snapshots:       types.SnapshotConfig{FullIntervalSlots: 20},
		ArchiveDir:      filepath.Join(dir, "archives"),
		MaxFullArchives: 10,
		JournalPath:     journal,
	}, f)
	require.Equal(t, types.NotStarted(2), c.EpochAccountsHash().State())
	c.Start()

	rootChain(t, f, c, 1, 80)
	waitProcessed(t, c, 80)

	assert.Len(t, c.Errors(), 0)
	assert.Equal(t, uint64(4), c.Status().Emitted, "full snapshots at 20, 40, 60 and 80")
	assert.Equal(t, types.NotStarted(2), c.EpochAccountsHash().State())

	require.Eventually(t, func() bool {
		info, ok, err := c.Archive().Highest(types.PackageFullSnapshot)
		return err == nil && ok && info.Slot == 80
	}, 5*time.Second, 10*time.Millisecond)
	info, _, err := c.Archive().Highest(types.PackageFullSnapshot)
	require.NoError(t, err)
	archive, err := snapshot.Load(info.Path)
	require.NoError(t, err)
	require.NotNil(t, archive.Package.EpochAccountsHash)
	assert.Equal(t, types.Hash{1}, *archive.Package.EpochAccountsHash)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStopWaitsForCalculationInProgress(t *testing.T) {
	l := &gatedLedger{gate: make(chan struct{})}
	c, err := NewController(Config{SlotsPerEpoch: 100}, l)
	require.NoError(t, err)
	c.Start()

	c.Router().SendRoot(fakeBank{25})
	require.Eventually(t, func() bool { return l.entered.Load() == 1 }, 2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a calculation was running")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-c.Exit():
	default:
		t.Fatal("Exit not closed after Stop")
	}

	close(l.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, c.EpochAccountsHash().State().IsValid())
}

func TestStopSwallowsWorkerPanic(t *testing.T) {
	c, err := NewController(Config{SlotsPerEpoch: 100}, panickingLedger{})
	require.NoError(t, err)
	c.Start()

	c.Router().SendRoot(fakeBank{25})
	require.Eventually(t, func() bool {
		return c.EpochAccountsHash().State().Status == types.StatusInFlight
	}, 2*time.Second, time.Millisecond)

	assert.NotPanics(t, c.Stop)
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := NewController(Config{SlotsPerEpoch: 100}, newForest(t, 100))
	require.NoError(t, err)

	c.Stop() // before Start
	c.Stop()
	c.Start() // no-op after Stop

	st := c.Status()
	assert.Zero(t, st.Uptime)
	assert.Zero(t, st.Processed)
}

func TestStatus(t *testing.T) {
	f := newForest(t, 100)
	c := newController(t, Config{SlotsPerEpoch: 100, AccountsHashIntervalSlots: 10}, f)
	c.Start()

	rootChain(t, f, c, 1, 30)
	waitProcessed(t, c, 30)

	require.Eventually(t, func() bool {
		v, _ := c.verifier.Stats()
		return v == 4 // verifier packages at 10, 20, 30 plus the epoch hash at 25
	}, 2*time.Second, 5*time.Millisecond)

	st := c.Status()
	assert.Equal(t, types.Slot(30), st.LastRoutedSlot)
	assert.Equal(t, types.Slot(30), st.LastProcessedSlot)
	assert.Equal(t, uint64(30), st.Processed)
	assert.Equal(t, uint64(4), st.Verified)
	assert.True(t, st.State.IsValid())
}
