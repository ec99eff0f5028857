// Package mailbox implements the single-slot, latest-wins handoff between the
// package verifier and the packaging service.
package mailbox

import (
	"sync"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// Mailbox holds at most one pending snapshot package.
type Mailbox struct {
	mu      sync.Mutex
	pending *types.Package
	ready   chan struct{}
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put stores pkg, replacing any package that has not been taken yet. It never blocks.
//
// Two cases keep the pending package instead:
//   - pkg is older than the pending package;
//   - the pending package is a full snapshot and pkg is an incremental one,
//     since incrementals are useless without their full base.
//
// It returns the package that was dropped, if any, and whether pkg was stored.
func (m *Mailbox) Put(pkg *types.Package) (dropped *types.Package, stored bool) {
	m.mu.Lock()
	prev := m.pending
	if prev != nil && keepPending(prev, pkg) {
		m.mu.Unlock()
		return pkg, false
	}
	m.pending = pkg
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return prev, true
}

func keepPending(pending, incoming *types.Package) bool {
	if incoming.Slot < pending.Slot {
		return true
	}
	return pending.Kind == types.PackageFullSnapshot && incoming.Kind == types.PackageIncrementalSnapshot
}

// TryTake empties the mailbox without blocking.
func (m *Mailbox) TryTake() (*types.Package, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg := m.pending
	m.pending = nil
	return pkg, pkg != nil
}

// Take blocks until a package is available or stop is closed.
func (m *Mailbox) Take(stop <-chan struct{}) (*types.Package, bool) {
	for {
		if pkg, ok := m.TryTake(); ok {
			return pkg, true
		}
		select {
		case <-m.ready:
		case <-stop:
			return nil, false
		}
	}
}

// Peek returns the pending package without removing it.
func (m *Mailbox) Peek() *types.Package {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
