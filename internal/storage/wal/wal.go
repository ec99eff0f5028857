package wal

// ============================================================================
// Transition Journal
// Responsibility:
// 1. Append epoch accounts hash transitions (append-only JSON lines)
// 2. Replay them so a restarted pipeline keeps its Valid hashes
// 3. Compact the file down to the latest state per epoch
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is the transition journal.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

// ============================================================================
// Public API
// ============================================================================

/*
NewWAL creates or opens a journal.

If the file already has records, numbering continues after the last
readable one. The file is opened with O_APPEND so records are never
overwritten.
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	var seq uint64
	if last, err := GetLastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Path returns the journal file path.
func (w *WAL) Path() string {
	return w.path
}

// Append records a transition into state.
func (w *WAL) Append(state types.EpochAccountsHashState) error {
	eventType, ok := eventTypeFor(state.Status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, state.Status)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Epoch:     state.Epoch,
		Timestamp: w.now().UnixMilli(),
	}
	if state.Status != types.StatusNotStarted {
		event.Slot = state.Slot
	}
	if state.Status == types.StatusValid {
		event.Hash = state.Hash
	}
	event.Checksum = CalculateChecksum(event)

	if err := w.encoder.Encode(event); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	w.seq = event.Seq
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync seq=%d: %w", event.Seq, err)
		}
	}
	return nil
}

// Record is Append under the name the background worker expects.
func (w *WAL) Record(state types.EpochAccountsHashState) error {
	return w.Append(state)
}

// Compact rewrites the journal with one record per epoch holding its latest
// state, then continues appending to the new file. Records after a damaged
// one are dropped.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	latest := make(map[types.Epoch]Event)
	if err := ReplayFile(w.path, func(e Event) error {
		latest[e.Epoch] = e
		return nil
	}); err != nil && !errors.Is(err, ErrCorruptedWAL) && !errors.Is(err, ErrChecksumMismatch) {
		return err
	}

	epochs := make([]types.Epoch, 0, len(latest))
	for e := range latest {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	var seq uint64
	for _, ep := range epochs {
		seq++
		e := latest[ep]
		e.Seq = seq
		e.Checksum = CalculateChecksum(e)
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		w.closed = true
		return err
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.seq = seq
	return nil
}

// Close syncs and closes the journal. A closed journal cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended record.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
