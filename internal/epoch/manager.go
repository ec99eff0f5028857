// ============================================================================
// Epoch Accounts Hash Manager - per-epoch hash lifecycle
// ============================================================================
//
// Package: internal/epoch
// File: manager.go
//
// State machine (one instance per epoch):
//
//	NotStarted ──SetInFlight(slot)──▶ InFlight(slot) ──SetValid(slot, hash)──▶ Valid(hash, slot)
//	     ▲                                                                        │
//	     └──────────────────────── Reset(next epoch) ─────────────────────────────┘
//
// Single writer, many readers:
//   - Writer is handed out exactly once by NewManager and is owned by the
//     background worker.
//   - Manager only exposes point-in-time reads. No lock is held across a
//     read and whatever the caller decides from it; callers that need a
//     Valid hash poll.
//
// ============================================================================

package epoch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var (
	// ErrInvalidTransition is returned for any transition the state machine does not allow.
	ErrInvalidTransition = errors.New("epoch: invalid epoch accounts hash transition")
	// ErrOutsideWindow is returned when a calculation is started outside [start, stop).
	ErrOutsideWindow = errors.New("epoch: slot outside calculation window")
	// ErrEpochAccountsHashOverdue is the liveness symptom: the stop slot passed without a Valid hash.
	ErrEpochAccountsHashOverdue = errors.New("epoch: epoch accounts hash not valid after stop slot")
)

// Manager is the read side of the epoch accounts hash state.
type Manager struct {
	schedule Schedule

	mu      sync.RWMutex
	current types.EpochAccountsHashState
	history map[types.Epoch]types.EpochAccountsHashState
}

// Writer is the only handle allowed to mutate a Manager.
type Writer struct {
	m *Manager
}

// NewManager returns the reader and its single writer, starting at NotStarted(0).
func NewManager(schedule Schedule) (*Manager, *Writer) {
	m := &Manager{
		schedule: schedule,
		current:  types.NotStarted(0),
		history:  make(map[types.Epoch]types.EpochAccountsHashState),
	}
	return m, &Writer{m: m}
}

// Schedule returns the epoch schedule the manager was built with.
func (m *Manager) Schedule() Schedule {
	return m.schedule
}

// State returns a copy of the current epoch's state.
func (m *Manager) State() types.EpochAccountsHashState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// StateOf returns the last known state of epoch, or NotStarted if it was never touched.
func (m *Manager) StateOf(epoch types.Epoch) types.EpochAccountsHashState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.Epoch == epoch {
		return m.current
	}
	if s, ok := m.history[epoch]; ok {
		return s
	}
	return types.NotStarted(epoch)
}

// ValidHash returns the hash of epoch if it has become Valid.
func (m *Manager) ValidHash(epoch types.Epoch) (types.Hash, bool) {
	s := m.StateOf(epoch)
	if !s.IsValid() {
		return types.Hash{}, false
	}
	return s.Hash, true
}

// Diagnose checks the liveness condition for the epoch containing root:
// once root reaches the stop slot, that epoch's hash must be Valid.
func (m *Manager) Diagnose(root types.Slot) error {
	e := m.schedule.EpochOf(root)
	if root < m.schedule.CalculationStop(e) {
		return nil
	}
	s := m.StateOf(e)
	if s.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: epoch %d is %s at root %d (stop slot %d)",
		ErrEpochAccountsHashOverdue, e, s.Status, root, m.schedule.CalculationStop(e))
}

// ============================================================================
// Writer
// ============================================================================

// Reset moves the machine to NotStarted for a newer epoch and archives the old state.
// Resetting to the current or an older epoch is a no-op.
func (w *Writer) Reset(epoch types.Epoch) bool {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch <= m.current.Epoch {
		return false
	}
	m.history[m.current.Epoch] = m.current
	m.current = types.NotStarted(epoch)
	return true
}

// SetInFlight records that a calculation was started at slot.
func (w *Writer) SetInFlight(slot types.Slot) error {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.schedule.EpochOf(slot)
	if e != m.current.Epoch {
		return fmt.Errorf("%w: slot %d belongs to epoch %d, current epoch is %d",
			ErrInvalidTransition, slot, e, m.current.Epoch)
	}
	if !m.schedule.InCalculationWindow(slot) {
		return fmt.Errorf("%w: slot %d, window [%d, %d)", ErrOutsideWindow, slot,
			m.schedule.CalculationStart(e), m.schedule.CalculationStop(e))
	}
	if m.current.Status != types.StatusNotStarted {
		return fmt.Errorf("%w: %s -> InFlight(%d)", ErrInvalidTransition, m.current, slot)
	}
	m.current = types.InFlight(e, slot)
	return nil
}

// SetValid completes the calculation that was started at slot.
func (w *Writer) SetValid(slot types.Slot, hash types.Hash) error {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Status != types.StatusInFlight || m.current.Slot != slot {
		return fmt.Errorf("%w: %s -> Valid(%d)", ErrInvalidTransition, m.current, slot)
	}
	m.current = types.Valid(m.current.Epoch, slot, hash)
	return nil
}

// Restore installs a previously journaled state, used before the worker starts.
// States of older epochs only go to history; a state for a newer epoch becomes current.
func (w *Writer) Restore(s types.EpochAccountsHashState) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case s.Epoch < m.current.Epoch:
		m.history[s.Epoch] = s
	case s.Epoch == m.current.Epoch:
		m.current = s
	default:
		m.history[m.current.Epoch] = m.current
		m.current = s
	}
}
