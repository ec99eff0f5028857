// ============================================================================
// Request Router - rooted slot to background request
// ============================================================================
//
// Package: internal/router
// File: router.go
//
// The router sits on the caller's path: SetRoot hands every new root to
// SendRoot, which decides what background work is due for the slot and
// pushes exactly one request onto the worker's queue. It never blocks on
// the worker and never fails.
//
// Decision table for slot s:
//
//	epoch accounts hash   s in [start(E), stop(E))
//	full snapshot         full > 0 && s % full == 0
//	incremental snapshot  inc > 0 && s % inc == 0 && a full was routed before
//	verifier              interval > 0 && s % interval == 0
//
// Roots must arrive in increasing slot order; anything else is dropped so
// the worker's queue stays strictly increasing.
// ============================================================================

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/internal/queue"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var (
	ErrIncrementalWithoutFull = errors.New("router: incremental snapshots require a full snapshot interval")
	ErrIncrementalTooLarge    = errors.New("router: incremental interval must be smaller than the full interval")
	ErrFullNotMultiple        = errors.New("router: full interval must be a multiple of the incremental interval")
	ErrFullLongerThanEpoch    = errors.New("router: full interval exceeds the epoch length")
)

// Config controls which work the router schedules.
type Config struct {
	Schedule                  epoch.Schedule
	Snapshots                 types.SnapshotConfig
	AccountsHashIntervalSlots types.Slot // 0 disables verifier packages
	Metrics                   *metrics.Collector
	Logger                    *slog.Logger
}

// Validate checks the interval combination against the epoch schedule.
// A full interval longer than an epoch would leave some epochs without a
// full snapshot carrying their hash.
func (c Config) Validate() error {
	if c.Schedule.SlotsPerEpoch == 0 {
		return epoch.ErrZeroSlotsPerEpoch
	}
	full, inc := c.Snapshots.FullIntervalSlots, c.Snapshots.IncrementalIntervalSlots
	if uint64(full) > c.Schedule.SlotsPerEpoch {
		return fmt.Errorf("%w: full %d, slots per epoch %d", ErrFullLongerThanEpoch, full, c.Schedule.SlotsPerEpoch)
	}
	if inc == 0 {
		return nil
	}
	if full == 0 {
		return ErrIncrementalWithoutFull
	}
	if inc >= full {
		return fmt.Errorf("%w: incremental %d, full %d", ErrIncrementalTooLarge, inc, full)
	}
	if full%inc != 0 {
		return fmt.Errorf("%w: incremental %d, full %d", ErrFullNotMultiple, inc, full)
	}
	return nil
}

// Router turns rooted slots into background requests.
type Router struct {
	cfg      Config
	requests *queue.Unbounded[types.Request]
	log      *slog.Logger

	mu       sync.Mutex
	routed   bool
	lastSlot types.Slot
	lastFull types.Slot
	haveFull bool
	now      func() time.Time
}

// New validates cfg and returns a router pushing onto requests.
func New(cfg Config, requests *queue.Unbounded[types.Request]) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		requests: requests,
		log:      log.With("component", "router"),
		now:      time.Now,
	}, nil
}

// SendRoot routes the work due for a newly rooted bank.
func (r *Router) SendRoot(bank types.BankView) {
	slot := bank.Slot()

	r.mu.Lock()
	if r.routed && slot <= r.lastSlot {
		r.mu.Unlock()
		r.log.Warn("Ignoring root that does not advance", "slot", slot, "last_routed", r.lastSlot)
		r.cfg.Metrics.RecordRootDropped()
		return
	}
	kind, base := r.kindFor(slot)
	r.routed = true
	r.lastSlot = slot
	if kind.Has(types.RequestFullSnapshot) {
		r.lastFull = slot
		r.haveFull = true
	}
	req := types.Request{
		Slot:       slot,
		Kind:       kind,
		BaseSlot:   base,
		Bank:       bank,
		EnqueuedAt: r.now(),
	}
	// push under the lock so concurrent callers cannot reorder the queue
	r.requests.Push(req)
	r.mu.Unlock()

	r.cfg.Metrics.RecordRouted(kind)
	r.cfg.Metrics.SetQueueDepth("requests", r.requests.Len())
	if kind != types.RequestNone {
		r.log.Debug("Routed root", "slot", slot, "kind", kind.String(), "base_slot", base)
	}
}

// kindFor must be called with r.mu held.
func (r *Router) kindFor(slot types.Slot) (types.RequestKind, types.Slot) {
	var kind types.RequestKind
	var base types.Slot

	if r.cfg.Schedule.InCalculationWindow(slot) {
		kind |= types.RequestEpochAccountsHash
	}

	full, inc := r.cfg.Snapshots.FullIntervalSlots, r.cfg.Snapshots.IncrementalIntervalSlots
	switch {
	case full > 0 && slot%full == 0:
		kind |= types.RequestFullSnapshot
	case inc > 0 && slot%inc == 0 && r.haveFull:
		kind |= types.RequestIncrementalSnapshot
		base = r.lastFull
	}

	if iv := r.cfg.AccountsHashIntervalSlots; iv > 0 && slot%iv == 0 {
		kind |= types.RequestAccountsHashVerifier
	}
	return kind, base
}

// LastRoutedSlot returns the slot of the last routed root.
func (r *Router) LastRoutedSlot() (types.Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSlot, r.routed
}
