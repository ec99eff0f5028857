// ============================================================================
// Packaging Service - durable snapshot archiving
// ============================================================================
//
// Package: internal/packager
// File: service.go
//
// Loop:
//   1. Take the pending package from the mailbox (blocks, returns on stop)
//   2. Write the archive (idempotent per slot)
//   3. Apply retention
//   4. Announce the archive to peers
//
// Failures are logged and counted; the service moves on to whatever the
// mailbox holds next. Archiving is slow relative to root advancement, so the
// mailbox may have superseded several packages in the meantime.
// ============================================================================

package packager

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/mailbox"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// Archiver persists snapshot packages.
type Archiver interface {
	Write(pkg *types.Package) (path string, written bool, err error)
	Prune() (int, error)
}

// Config wires the service.
type Config struct {
	Mailbox  *mailbox.Mailbox
	Archiver Archiver
	Notifier gossip.Notifier
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	// OnArchived, if set, is called after every successful write. Used by tests.
	OnArchived func(pkg *types.Package, path string)
}

// Service is the packaging service.
type Service struct {
	cfg Config
	log *slog.Logger

	archived    atomic.Uint64
	failures    atomic.Uint64
	lastSlot    atomic.Uint64
	hasArchived atomic.Bool
}

// New returns a service. Mailbox and Archiver are required.
func New(cfg Config) (*Service, error) {
	if cfg.Mailbox == nil || cfg.Archiver == nil {
		return nil, errors.New("packager: mailbox and archiver are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = gossip.NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, log: logger.With("component", "packager")}, nil
}

// Run archives packages until stop is closed.
func (s *Service) Run(stop <-chan struct{}) {
	s.log.Info("Packaging service started")
	defer s.log.Info("Packaging service stopped")

	for {
		pkg, ok := s.cfg.Mailbox.Take(stop)
		if !ok {
			return
		}
		s.Archive(pkg)
	}
}

// Archive writes one package and applies retention.
func (s *Service) Archive(pkg *types.Package) error {
	path, written, err := s.cfg.Archiver.Write(pkg)
	s.cfg.Metrics.RecordArchive(err)
	if err != nil {
		s.failures.Add(1)
		s.log.Error("Failed to archive snapshot package", "slot", pkg.Slot, "kind", pkg.Kind, "error", err)
		return err
	}
	if !written {
		s.log.Debug("Archive already exists", "slot", pkg.Slot, "path", path)
	} else {
		s.log.Info("Archived snapshot package", "slot", pkg.Slot, "kind", pkg.Kind, "path", path)
	}

	s.archived.Add(1)
	s.lastSlot.Store(uint64(pkg.Slot))
	s.hasArchived.Store(true)

	removed, err := s.cfg.Archiver.Prune()
	s.cfg.Metrics.RecordPruned(removed)
	if err != nil {
		s.log.Warn("Archive retention failed", "error", err)
	}

	if err := s.cfg.Notifier.PublishSnapshot(context.Background(), pkg, path); err != nil {
		s.log.Debug("Snapshot announcement failed", "slot", pkg.Slot, "error", err)
	}
	if s.cfg.OnArchived != nil {
		s.cfg.OnArchived(pkg, path)
	}
	return nil
}

// Archived returns how many packages were archived (or found already archived).
func (s *Service) Archived() uint64 {
	return s.archived.Load()
}

// Failures returns the number of failed archive writes.
func (s *Service) Failures() uint64 {
	return s.failures.Load()
}

// LastArchivedSlot returns the slot of the most recent archive.
func (s *Service) LastArchivedSlot() (types.Slot, bool) {
	return types.Slot(s.lastSlot.Load()), s.hasArchived.Load()
}
