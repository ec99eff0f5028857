// Package verifier implements the package verifier stage: it checks every
// package the background worker emits, announces verified accounts hashes to
// peers and forwards snapshot packages to the archiving mailbox.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/mailbox"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/internal/queue"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var (
	ErrZeroAccountsHash      = errors.New("verifier: accounts hash is zero")
	ErrUnknownKind           = errors.New("verifier: unknown package kind")
	ErrInvalidBaseSlot       = errors.New("verifier: incremental package needs 0 < base slot < slot")
	ErrZeroEpochAccountsHash = errors.New("verifier: epoch accounts hash is zero")
	ErrMissingEpochHash      = errors.New("verifier: epoch accounts hash package without a hash")
)

// Config wires the verifier.
type Config struct {
	Packages  *queue.Unbounded[*types.Package]
	Mailbox   *mailbox.Mailbox
	Notifier  gossip.Notifier // nil means no peer announcements
	Snapshots types.SnapshotConfig
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Verifier is the package verifier stage.
type Verifier struct {
	cfg Config
	log *slog.Logger

	verified atomic.Uint64
	rejected atomic.Uint64
}

// New returns a verifier. Packages and Mailbox are required.
func New(cfg Config) (*Verifier, error) {
	if cfg.Packages == nil || cfg.Mailbox == nil {
		return nil, errors.New("verifier: packages queue and mailbox are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = gossip.NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg, log: logger.With("component", "verifier")}, nil
}

// Validate checks the structural invariants of a package.
func Validate(pkg *types.Package) error {
	if pkg == nil {
		return errors.New("verifier: nil package")
	}
	if !pkg.Kind.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, pkg.Kind)
	}
	if pkg.AccountsHash.IsZero() {
		return fmt.Errorf("%w: slot %d", ErrZeroAccountsHash, pkg.Slot)
	}
	if pkg.Kind == types.PackageIncrementalSnapshot && (pkg.BaseSlot == 0 || pkg.BaseSlot >= pkg.Slot) {
		return fmt.Errorf("%w: base %d, slot %d", ErrInvalidBaseSlot, pkg.BaseSlot, pkg.Slot)
	}
	if pkg.Kind == types.PackageEpochAccountsHash && pkg.EpochAccountsHash == nil {
		return fmt.Errorf("%w: slot %d", ErrMissingEpochHash, pkg.Slot)
	}
	if pkg.EpochAccountsHash != nil && pkg.EpochAccountsHash.IsZero() {
		return fmt.Errorf("%w: slot %d", ErrZeroEpochAccountsHash, pkg.Slot)
	}
	return nil
}

// Run consumes packages until stop is closed.
func (v *Verifier) Run(stop <-chan struct{}) {
	v.log.Info("Package verifier started")
	defer v.log.Info("Package verifier stopped")

	for {
		pkg, ok := v.cfg.Packages.Pop(stop)
		if !ok {
			return
		}
		v.cfg.Metrics.SetQueueDepth("packages", v.cfg.Packages.Len())
		v.Process(pkg)
	}
}

// Process verifies one package and forwards it.
// It reports whether the package passed verification.
func (v *Verifier) Process(pkg *types.Package) bool {
	if err := Validate(pkg); err != nil {
		v.rejected.Add(1)
		v.cfg.Metrics.RecordRejected()
		v.log.Warn("Dropping invalid package", "error", err)
		return false
	}
	// counted once forwarded, so verified == emitted means nothing is in hand
	defer v.verified.Add(1)
	v.cfg.Metrics.RecordPackage(pkg.Kind)

	if err := v.cfg.Notifier.PublishAccountsHash(context.Background(), pkg); err != nil {
		v.log.Debug("Accounts hash announcement failed", "slot", pkg.Slot, "error", err)
	}

	if !pkg.Kind.IsSnapshot() {
		return true
	}
	if v.cfg.Snapshots.IsLoadOnly() {
		v.log.Debug("Archiving disabled, discarding snapshot package", "slot", pkg.Slot)
		return true
	}

	dropped, stored := v.cfg.Mailbox.Put(pkg)
	if dropped != nil {
		v.cfg.Metrics.RecordSuperseded()
		if stored {
			v.log.Info("Superseded pending snapshot package", "dropped_slot", dropped.Slot, "slot", pkg.Slot)
		} else {
			v.log.Info("Pending snapshot package kept", "pending_slot", v.pendingSlot(), "dropped_slot", dropped.Slot)
		}
	}
	return true
}

func (v *Verifier) pendingSlot() types.Slot {
	if p := v.cfg.Mailbox.Peek(); p != nil {
		return p.Slot
	}
	return 0
}

// Stats returns the number of verified and rejected packages.
func (v *Verifier) Stats() (verified, rejected uint64) {
	return v.verified.Load(), v.rejected.Load()
}
