// ============================================================================
// Ledger Forest - in-memory fork forest
// ============================================================================
//
// Package: internal/ledger
// File: forest.go
//
// The forest is the ledger facade the pipeline talks to:
//   - SetRoot hands the new root to a RootSender (the request router).
//   - Banks that leave the forest are reported to a PrunedSender; their
//     storage stays in the arena until the background worker calls Reclaim.
//   - CalculateAccountsHash is the hashing primitive the worker delegates to.
//   - The epoch accounts hash is read back through the attached manager.
//
// Banks live in an arena keyed by generation id, so a reclaim for an id
// that was already freed (at-least-once delivery) is harmless.
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var (
	ErrBankFrozen        = errors.New("ledger: bank is frozen")
	ErrBankNotFrozen     = errors.New("ledger: bank is not frozen")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnknownBank       = errors.New("ledger: unknown bank")
	ErrSlotExists        = errors.New("ledger: slot already exists")
	ErrInvalidSlot       = errors.New("ledger: child slot must be greater than parent slot")
)

// RootSender receives every new root. It must not block.
type RootSender interface {
	SendRoot(bank types.BankView)
}

// PrunedSender receives a notification for every bank dropped from the forest.
type PrunedSender interface {
	SendPruned(pruned types.PrunedBank)
}

// Stats describes the forest for status output and tests.
type Stats struct {
	Root      types.Slot
	Working   types.Slot
	LiveBanks int
	Arena     int
	Reclaimed uint64
}

// Forest is the fork forest of banks.
type Forest struct {
	schedule epoch.Schedule

	mu        sync.RWMutex
	nextID    types.BankID
	banks     map[types.Slot]*Bank
	arena     map[types.BankID]*Bank
	root      types.Slot
	working   types.Slot
	reclaimed uint64
	pruned    PrunedSender
	eah       *epoch.Manager
}

// NewForest creates a forest whose genesis bank (slot 0) holds the given accounts.
// The genesis bank is frozen and rooted.
func NewForest(schedule epoch.Schedule, genesis map[string]uint64) *Forest {
	f := &Forest{
		schedule: schedule,
		banks:    make(map[types.Slot]*Bank),
		arena:    make(map[types.BankID]*Bank),
	}
	accounts := make(map[string]uint64, len(genesis))
	for k, v := range genesis {
		if v > 0 {
			accounts[k] = v
		}
	}
	b := f.newBankLocked(0, nil, accounts)
	b.frozen = true
	return f
}

// SetPrunedSender installs the drop notification target.
func (f *Forest) SetPrunedSender(s PrunedSender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = s
}

// SetEpochAccountsHashManager attaches the per-epoch hash state read by banks.
func (f *Forest) SetEpochAccountsHashManager(m *epoch.Manager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eah = m
}

func (f *Forest) newBankLocked(slot types.Slot, parent *Bank, accounts map[string]uint64) *Bank {
	f.nextID++
	ancestors := []types.Slot{slot}
	if parent != nil {
		for _, a := range parent.ancestors {
			if a >= f.root {
				ancestors = append(ancestors, a)
			}
		}
	}
	b := &Bank{
		id:        f.nextID,
		slot:      slot,
		epoch:     f.schedule.EpochOf(slot),
		ancestors: ancestors,
		forest:    f,
		accounts:  accounts,
	}
	f.banks[slot] = b
	f.arena[b.id] = b
	if slot > f.working {
		f.working = slot
	}
	return b
}

// NewBank creates a child of parentSlot at slot. The parent is frozen.
func (f *Forest) NewBank(parentSlot, slot types.Slot) (*Bank, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.banks[parentSlot]
	if !ok {
		return nil, fmt.Errorf("%w: parent slot %d", ErrUnknownBank, parentSlot)
	}
	if slot <= parentSlot {
		return nil, fmt.Errorf("%w: parent %d, child %d", ErrInvalidSlot, parentSlot, slot)
	}
	if _, exists := f.banks[slot]; exists {
		return nil, fmt.Errorf("%w: %d", ErrSlotExists, slot)
	}

	parent.Freeze()
	parent.mu.RLock()
	accounts := make(map[string]uint64, len(parent.accounts))
	for k, v := range parent.accounts {
		accounts[k] = v
	}
	parent.mu.RUnlock()

	return f.newBankLocked(slot, parent, accounts), nil
}

// Bank returns the live bank at slot.
func (f *Forest) Bank(slot types.Slot) (*Bank, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.banks[slot]
	return b, ok
}

// WorkingBank returns the live bank with the highest slot.
func (f *Forest) WorkingBank() *Bank {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.banks[f.working]
}

// Root returns the current root slot.
func (f *Forest) Root() types.Slot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.root
}

// SetRoot freezes and roots the bank at slot, drops every bank that is not a
// descendant of it, and hands the new root to sender.
func (f *Forest) SetRoot(slot types.Slot, sender RootSender) error {
	f.mu.Lock()
	root, ok := f.banks[slot]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: root slot %d", ErrUnknownBank, slot)
	}
	root.Freeze()
	f.root = slot

	var dropped []types.PrunedBank
	for s, b := range f.banks {
		if s == slot || isDescendant(b, slot) {
			continue
		}
		delete(f.banks, s)
		dropped = append(dropped, types.PrunedBank{ID: b.id, Slot: s})
	}
	pruned := f.pruned
	f.mu.Unlock()

	if pruned != nil {
		for _, d := range dropped {
			pruned.SendPruned(d)
		}
	}
	if sender != nil {
		sender.SendRoot(root)
	}
	return nil
}

func isDescendant(b *Bank, ancestor types.Slot) bool {
	for _, a := range b.ancestors[1:] {
		if a == ancestor {
			return true
		}
	}
	return false
}

// Reclaim releases the storage of a dropped bank. Unknown or already reclaimed ids are ignored.
func (f *Forest) Reclaim(id types.BankID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.arena[id]
	if !ok {
		return false
	}
	if live, ok := f.banks[b.slot]; ok && live.id == id {
		// still part of the forest; a stale notification
		return false
	}
	delete(f.arena, id)
	f.reclaimed++
	return true
}

// EpochAccountsHash returns the Valid hash of epoch from the attached manager.
func (f *Forest) EpochAccountsHash(e types.Epoch) (types.Hash, bool) {
	f.mu.RLock()
	m := f.eah
	f.mu.RUnlock()
	if m == nil {
		return types.Hash{}, false
	}
	return m.ValidHash(e)
}

// Stats returns a point-in-time summary of the forest.
func (f *Forest) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Root:      f.root,
		Working:   f.working,
		LiveBanks: len(f.banks),
		Arena:     len(f.arena),
		Reclaimed: f.reclaimed,
	}
}
