package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "eah.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func appendAll(t *testing.T, w *WAL, states ...types.EpochAccountsHashState) {
	t.Helper()
	for _, s := range states {
		require.NoError(t, w.Append(s))
	}
}

func TestAppendAndReplay(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w,
		types.NotStarted(1),
		types.InFlight(1, 125),
		types.Valid(1, 125, types.Hash{0xAB}),
	)
	assert.Equal(t, uint64(3), w.GetLastSeq())

	var got []Event
	require.NoError(t, ReplayFile(path, func(e Event) error {
		got = append(got, e)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, EventReset, got[0].Type)
	assert.Equal(t, EventInFlight, got[1].Type)
	assert.Equal(t, types.Slot(125), got[1].Slot)
	assert.Equal(t, EventValid, got[2].Type)
	assert.Equal(t, types.Valid(1, 125, types.Hash{0xAB}), got[2].State())
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.True(t, VerifyChecksum(e))
	}
}

func TestAppendRejectsUnknownState(t *testing.T) {
	w, _ := openTestWAL(t)
	err := w.Append(types.EpochAccountsHashState{Epoch: 1, Status: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(types.NotStarted(1)), ErrWALClosed)
	assert.NoError(t, w.Close(), "close is idempotent")
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w, types.NotStarted(1), types.InFlight(1, 30))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(types.Valid(1, 30, types.Hash{1})))
	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReplayMissingFile(t *testing.T) {
	called := false
	err := ReplayFile(filepath.Join(t.TempDir(), "absent.wal"), func(Event) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, called)

	_, err = GetLastEvent(filepath.Join(t.TempDir(), "absent.wal"))
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w, types.NotStarted(2), types.InFlight(2, 60))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"slot":60`, `"slot":61`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ReplayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(2), ce.Seq)
}

func TestReplayDetectsTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w, types.NotStarted(1), types.InFlight(1, 25), types.Valid(1, 25, types.Hash{3}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"type":"RES`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	states, err := LoadStates(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var corr *CorruptionError
	require.True(t, errors.As(err, &corr))
	assert.Equal(t, uint64(3), corr.LastGoodSeq)

	require.Len(t, states, 1, "records before the damage are still usable")
	assert.True(t, states[0].IsValid())
}

func TestLoadStatesFoldsPerEpoch(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w,
		types.NotStarted(1),
		types.InFlight(1, 125),
		types.Valid(1, 125, types.Hash{1}),
		types.NotStarted(2),
		types.InFlight(2, 225),
	)

	states, err := LoadStates(path)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, types.Valid(1, 125, types.Hash{1}), states[0])
	assert.Equal(t, types.NotStarted(2), states[1], "an unfinished calculation restarts")
}

func TestCompact(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w,
		types.NotStarted(1),
		types.InFlight(1, 125),
		types.Valid(1, 125, types.Hash{1}),
		types.NotStarted(2),
		types.InFlight(2, 225),
		types.Valid(2, 225, types.Hash{2}),
	)

	before, err := LoadStates(path)
	require.NoError(t, err)

	require.NoError(t, w.Compact())
	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), w.GetLastSeq())

	after, err := LoadStates(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the journal keeps accepting records after compaction
	require.NoError(t, w.Append(types.NotStarted(3)))
	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last.Seq)
	assert.Equal(t, types.Epoch(3), last.Epoch)
}

func TestCompactRepairsTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w, types.NotStarted(1), types.InFlight(1, 25))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.Compact())
	_, err = LoadStates(path)
	assert.NoError(t, err)
}

func TestDumpWAL(t *testing.T) {
	w, path := openTestWAL(t)
	appendAll(t, w, types.NotStarted(1), types.InFlight(1, 25), types.Valid(1, 25, types.Hash{0xFF}))

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "RESET")
	assert.Contains(t, lines[1], "slot=25")
	assert.Contains(t, lines[2], "hash=ff00")
}
