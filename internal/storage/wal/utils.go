package wal

// ============================================================================
// Journal helpers
// Responsibility: read-only access used by recovery and the status command
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ReplayFile feeds every record of the journal at path to handler.
// A missing file replays nothing.
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	var lastGood uint64
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{LastGoodSeq: lastGood, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastGood = event.Seq
	}
}

// GetLastEvent returns the last readable record, or ErrEmptyWAL.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of readable records.
func CountEvents(path string) (int, error) {
	n := 0
	err := ReplayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// LoadStates folds the journal into the latest state of every epoch, ordered
// by epoch. A calculation that was InFlight when the journal ends never
// finished, so that epoch comes back as NotStarted.
//
// On a corrupted journal the states read before the damage are returned
// together with the error.
func LoadStates(path string) ([]types.EpochAccountsHashState, error) {
	latest := make(map[types.Epoch]types.EpochAccountsHashState)
	err := ReplayFile(path, func(e Event) error {
		latest[e.Epoch] = e.State()
		return nil
	})

	states := make([]types.EpochAccountsHashState, 0, len(latest))
	for _, s := range latest {
		if s.Status == types.StatusInFlight {
			s = types.NotStarted(s.Epoch)
		}
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Epoch < states[j].Epoch })
	return states, err
}

// DumpWAL writes a human readable listing of the journal to w.
func DumpWAL(path string, w io.Writer) error {
	return ReplayFile(path, func(e Event) error {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		var err error
		switch e.Type {
		case EventValid:
			_, err = fmt.Fprintf(w, "[seq:%d] %-9s epoch=%d slot=%d hash=%s at %s\n", e.Seq, e.Type, e.Epoch, e.Slot, e.Hash, ts)
		case EventInFlight:
			_, err = fmt.Fprintf(w, "[seq:%d] %-9s epoch=%d slot=%d at %s\n", e.Seq, e.Type, e.Epoch, e.Slot, ts)
		default:
			_, err = fmt.Fprintf(w, "[seq:%d] %-9s epoch=%d at %s\n", e.Seq, e.Type, e.Epoch, ts)
		}
		return err
	})
}
