// ============================================================================
// Lifecycle Coordinator - builds, starts and stops the background pipeline
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// Pipeline:
//
//	ledger.SetRoot ─▶ Router ─▶ requests ─▶ Worker ─▶ packages ─▶ Verifier ─▶ Mailbox ─▶ Packager
//	ledger prune ─────────────▶ pruned  ──┘
//
// Startup (NewController):
//   1. Validate configuration
//   2. Open the transition journal and restore journaled epoch states
//   3. Build queues, mailbox, epoch manager, router and the three stages
//
// Start order is downstream first: packager, verifier, worker. That way a
// package never waits on a consumer that has not been started yet.
//
// Stop order:
//  1. close(stop)     → every stage sees the signal at its next check
//  2. join worker     → the request in hand (and its hash calculation) finishes
//  3. join verifier
//  4. join packager
//  5. close journal
//
// A stage that panics is recovered in its goroutine; the panic is logged and
// Stop carries on joining the remaining stages.
//
// ============================================================================

package controller

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/mailbox"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/internal/packager"
	"github.com/ChuLiYu/eah-pipeline/internal/queue"
	"github.com/ChuLiYu/eah-pipeline/internal/router"
	"github.com/ChuLiYu/eah-pipeline/internal/snapshot"
	"github.com/ChuLiYu/eah-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/eah-pipeline/internal/verifier"
	"github.com/ChuLiYu/eah-pipeline/internal/worker"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config is the pipeline configuration.
type Config struct {
	SlotsPerEpoch             uint64
	Snapshots                 types.SnapshotConfig
	AccountsHashIntervalSlots types.Slot

	// Archive settings, ignored in load-only mode.
	ArchiveDir             string
	MaxFullArchives        int
	MaxIncrementalArchives int

	JournalPath string // empty disables the transition journal
	SyncJournal bool

	Notifier    gossip.Notifier // nil disables peer announcements
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	ErrorBuffer int
}

// ConfigError lists everything wrong with a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "controller: invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks cfg and returns a *ConfigError if anything is wrong.
func (cfg Config) Validate() error {
	var problems []string

	schedule, err := epoch.NewSchedule(cfg.SlotsPerEpoch)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		rc := router.Config{
			Schedule:                  schedule,
			Snapshots:                 cfg.Snapshots,
			AccountsHashIntervalSlots: cfg.AccountsHashIntervalSlots,
		}
		if err := rc.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if !cfg.Snapshots.IsLoadOnly() && cfg.ArchiveDir == "" {
		problems = append(problems, "archive dir is required when snapshots are enabled")
	}
	if cfg.MaxFullArchives < 0 || cfg.MaxIncrementalArchives < 0 {
		problems = append(problems, "archive retention limits must not be negative")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// ============================================================================
// Controller
// ============================================================================

// Controller owns the pipeline stages and their lifetime.
type Controller struct {
	cfg Config
	log *slog.Logger

	manager  *epoch.Manager
	requests *queue.Unbounded[types.Request]
	pruned   *queue.Unbounded[types.PrunedBank]
	packages *queue.Unbounded[*types.Package]
	mailbox  *mailbox.Mailbox

	journal  *wal.WAL
	archive  *snapshot.Manager
	router   *router.Router
	worker   *worker.Worker
	verifier *verifier.Verifier
	packager *packager.Service

	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	started   bool
	startTime time.Time
	workerH   *handle
	verifierH *handle
	packagerH *handle
}

// NewController builds the pipeline around ledger. Nothing runs until Start.
func NewController(cfg Config, ledger worker.Ledger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger", worker.ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = gossip.NopNotifier{}
	}

	schedule, _ := epoch.NewSchedule(cfg.SlotsPerEpoch)
	manager, writer := epoch.NewManager(schedule)

	c := &Controller{
		cfg:      cfg,
		log:      logger.With("component", "controller"),
		manager:  manager,
		requests: queue.NewUnbounded[types.Request](),
		pruned:   queue.NewUnbounded[types.PrunedBank](),
		packages: queue.NewUnbounded[*types.Package](),
		mailbox:  mailbox.New(),
		stopCh:   make(chan struct{}),
	}

	var journal worker.Journal
	if cfg.JournalPath != "" {
		j, err := c.openJournal(writer)
		if err != nil {
			return nil, err
		}
		c.journal = j
		journal = j
	}

	var err error
	c.router, err = router.New(router.Config{
		Schedule:                  schedule,
		Snapshots:                 cfg.Snapshots,
		AccountsHashIntervalSlots: cfg.AccountsHashIntervalSlots,
		Metrics:                   cfg.Metrics,
		Logger:                    logger,
	}, c.requests)
	if err != nil {
		c.closeJournal()
		return nil, err
	}

	c.worker, err = worker.New(worker.Config{
		Ledger:      ledger,
		Manager:     manager,
		Writer:      writer,
		Requests:    c.requests,
		Pruned:      c.pruned,
		Packages:    c.packages,
		Journal:     journal,
		Metrics:     cfg.Metrics,
		Logger:      logger,
		ErrorBuffer: cfg.ErrorBuffer,
	})
	if err != nil {
		c.closeJournal()
		return nil, err
	}

	c.verifier, err = verifier.New(verifier.Config{
		Packages:  c.packages,
		Mailbox:   c.mailbox,
		Notifier:  cfg.Notifier,
		Snapshots: cfg.Snapshots,
		Metrics:   cfg.Metrics,
		Logger:    logger,
	})
	if err != nil {
		c.closeJournal()
		return nil, err
	}

	if !cfg.Snapshots.IsLoadOnly() {
		c.archive, err = snapshot.NewManager(snapshot.Config{
			Dir:                    cfg.ArchiveDir,
			MaxFullArchives:        cfg.MaxFullArchives,
			MaxIncrementalArchives: cfg.MaxIncrementalArchives,
		})
		if err != nil {
			c.closeJournal()
			return nil, err
		}
		c.packager, err = packager.New(packager.Config{
			Mailbox:  c.mailbox,
			Archiver: c.archive,
			Notifier: cfg.Notifier,
			Metrics:  cfg.Metrics,
			Logger:   logger,
		})
		if err != nil {
			c.closeJournal()
			return nil, err
		}
	}

	return c, nil
}

// openJournal restores the journaled states into writer and compacts the file.
func (c *Controller) openJournal(writer *epoch.Writer) (*wal.WAL, error) {
	start := time.Now()

	states, err := wal.LoadStates(c.cfg.JournalPath)
	if err != nil {
		// keep what was readable; Compact drops the damaged tail
		c.log.Warn("Journal damaged, restoring readable prefix", "path", c.cfg.JournalPath, "error", err)
	}
	for _, s := range states {
		writer.Restore(s)
	}

	j, err := wal.NewWAL(c.cfg.JournalPath, c.cfg.SyncJournal)
	if err != nil {
		return nil, fmt.Errorf("controller: open journal: %w", err)
	}
	if err := j.Compact(); err != nil {
		j.Close()
		return nil, fmt.Errorf("controller: compact journal: %w", err)
	}

	c.log.Info("Journal restored",
		"path", c.cfg.JournalPath,
		"epochs", len(states),
		"records", j.GetLastSeq(),
		"state", c.manager.State().String(),
		"duration", time.Since(start))
	return j, nil
}

func (c *Controller) closeJournal() {
	if c.journal == nil {
		return
	}
	if err := c.journal.Close(); err != nil {
		c.log.Error("Failed to close journal", "error", err)
	}
}

// Start launches the stages. Calling it more than once, or after Stop, is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	select {
	case <-c.stopCh:
		return
	default:
	}
	c.started = true
	c.startTime = time.Now()

	if c.packager != nil {
		c.packagerH = spawn(c.log, "packager", func() { c.packager.Run(c.stopCh) })
	}
	c.verifierH = spawn(c.log, "verifier", func() { c.verifier.Run(c.stopCh) })
	c.workerH = spawn(c.log, "worker", func() { c.worker.Run(c.stopCh) })

	c.log.Info("Controller started",
		"slots_per_epoch", c.cfg.SlotsPerEpoch,
		"load_only", c.cfg.Snapshots.IsLoadOnly())
}

// Stop signals every stage and waits for them in pipeline order. It is
// idempotent and safe to call without Start.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.log.Info("Stopping controller")
		close(c.stopCh)

		c.mu.Lock()
		handles := []*handle{c.workerH, c.verifierH, c.packagerH}
		c.workerH, c.verifierH, c.packagerH = nil, nil, nil
		c.mu.Unlock()

		for _, h := range handles {
			h.join()
		}
		c.closeJournal()
		c.log.Info("Controller stopped")
	})
}

// ============================================================================
// Accessors
// ============================================================================

// Exit is closed once Stop has been called.
func (c *Controller) Exit() <-chan struct{} {
	return c.stopCh
}

// Router returns the root sender to hand to the ledger's SetRoot.
func (c *Controller) Router() *router.Router {
	return c.router
}

// EpochAccountsHash returns the read side of the epoch accounts hash state.
func (c *Controller) EpochAccountsHash() *epoch.Manager {
	return c.manager
}

// Errors delivers hash calculation failures.
func (c *Controller) Errors() <-chan error {
	return c.worker.Errors()
}

// Mailbox returns the pending-archive mailbox.
func (c *Controller) Mailbox() *mailbox.Mailbox {
	return c.mailbox
}

// Archive returns the archive store, nil in load-only mode.
func (c *Controller) Archive() *snapshot.Manager {
	return c.archive
}

// LastProcessedSlot returns the slot of the last request the worker finished.
func (c *Controller) LastProcessedSlot() (types.Slot, bool) {
	return c.worker.LastProcessedSlot()
}

// Status is a point-in-time summary of the pipeline.
type Status struct {
	Uptime            time.Duration
	State             types.EpochAccountsHashState
	LastRoutedSlot    types.Slot
	LastProcessedSlot types.Slot
	PendingRequests   int
	PendingPackages   int
	PendingArchive    types.Slot // 0 when the mailbox is empty
	Processed         uint64
	Emitted           uint64
	Verified          uint64
	Rejected          uint64
	Archived          uint64
}

// Status returns the current pipeline summary.
func (c *Controller) Status() Status {
	c.mu.Lock()
	started := c.startTime
	c.mu.Unlock()

	s := Status{
		State:           c.manager.State(),
		PendingRequests: c.requests.Len(),
		PendingPackages: c.packages.Len(),
		Processed:       c.worker.Processed(),
		Emitted:         c.worker.Emitted(),
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started)
	}
	s.LastRoutedSlot, _ = c.router.LastRoutedSlot()
	s.LastProcessedSlot, _ = c.worker.LastProcessedSlot()
	if p := c.mailbox.Peek(); p != nil {
		s.PendingArchive = p.Slot
	}
	s.Verified, s.Rejected = c.verifier.Stats()
	if c.packager != nil {
		s.Archived = c.packager.Archived()
	}
	return s
}
