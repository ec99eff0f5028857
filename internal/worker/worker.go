// ============================================================================
// Background Worker - accounts hash calculation
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// The worker is the only holder of the epoch accounts hash Writer. It runs
// one goroutine that repeats:
//
//   1. return if stop is closed
//   2. drain the pruned-bank queue without blocking and reclaim each bank
//   3. block for the next request (or stop)
//   4. handle it
//
// Handling a request:
//
//   ┌───────────────────────────────────────────────────────────┐
//   │ Reset(epoch of slot)                 newer epoch only      │
//   │ EAH due && NotStarted:                                     │
//   │     SetInFlight(slot) → hash → SetValid(slot, hash)        │
//   │ snapshot / verifier due: hash (reused if computed above)   │
//   │ emit at most one package:                                  │
//   │     snapshot > epoch accounts hash > verifier              │
//   └───────────────────────────────────────────────────────────┘
//
// A failed calculation abandons the request. If it was the epoch accounts
// hash the state stays InFlight; nothing retries it and Diagnose reports the
// epoch once its stop slot is rooted.
//
// Stop is cooperative: the request in hand is finished, queued requests are
// left behind.
// ============================================================================

package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/internal/queue"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// DefaultErrorBuffer is the capacity of the error channel.
const DefaultErrorBuffer = 64

var ErrMissingDependency = errors.New("worker: missing dependency")

// Config wires the worker to the rest of the pipeline.
type Config struct {
	Ledger   Ledger
	Manager  *epoch.Manager
	Writer   *epoch.Writer
	Requests *queue.Unbounded[types.Request]
	Pruned   *queue.Unbounded[types.PrunedBank]
	Packages *queue.Unbounded[*types.Package]

	Journal     Journal // optional
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	ErrorBuffer int
	// OnResult, if set, is called after every handled request. Used by tests.
	OnResult func(Result)
}

// Worker is the background worker.
type Worker struct {
	cfg Config
	log *slog.Logger

	errs chan error

	lastSlot  atomic.Uint64
	processed atomic.Uint64
	emitted   atomic.Uint64

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New validates cfg and returns a worker ready to Run.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case cfg.Manager == nil || cfg.Writer == nil:
		return nil, fmt.Errorf("%w: epoch accounts hash manager", ErrMissingDependency)
	case cfg.Requests == nil || cfg.Pruned == nil || cfg.Packages == nil:
		return nil, fmt.Errorf("%w: queues", ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.ErrorBuffer
	if size <= 0 {
		size = DefaultErrorBuffer
	}
	return &Worker{
		cfg:     cfg,
		log:     logger.With("component", "worker"),
		errs:    make(chan error, size),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Errors delivers calculation failures. Errors are dropped when nobody reads
// and the buffer is full.
func (w *Worker) Errors() <-chan error {
	return w.errs
}

// LastProcessedSlot returns the slot of the last handled request.
func (w *Worker) LastProcessedSlot() (types.Slot, bool) {
	if w.processed.Load() == 0 {
		return 0, false
	}
	return types.Slot(w.lastSlot.Load()), true
}

// Processed returns the number of handled requests.
func (w *Worker) Processed() uint64 {
	return w.processed.Load()
}

// Emitted returns the number of packages pushed to the verifier.
func (w *Worker) Emitted() uint64 {
	return w.emitted.Load()
}

// Run is the worker loop. It returns when stop is closed.
func (w *Worker) Run(stop <-chan struct{}) {
	w.log.Info("Background worker started")
	defer w.log.Info("Background worker stopped")

	for {
		select {
		case <-stop:
			return
		default:
		}

		w.reclaimPruned()

		req, ok := w.cfg.Requests.Pop(stop)
		if !ok {
			return
		}
		w.cfg.Metrics.SetQueueDepth("requests", w.cfg.Requests.Len())
		w.handle(req)
	}
}

func (w *Worker) reclaimPruned() {
	for {
		p, ok := w.cfg.Pruned.TryPop()
		if !ok {
			break
		}
		if w.cfg.Ledger.Reclaim(p.ID) {
			w.cfg.Metrics.RecordReclaimed()
		}
	}
	w.cfg.Metrics.SetQueueDepth("pruned", w.cfg.Pruned.Len())
}

// ============================================================================
// Request handling
// ============================================================================

// handle processes one request. It is also the unit tests' entry point.
func (w *Worker) handle(req types.Request) {
	start := time.Now()
	res := Result{Slot: req.Slot, Kind: req.Kind}
	defer func() {
		w.lastSlot.Store(uint64(req.Slot))
		w.processed.Add(1)
		w.cfg.Metrics.SetLastProcessedSlot(req.Slot)
		res.Duration = time.Since(start)
		if w.cfg.OnResult != nil {
			w.cfg.OnResult(res)
		}
	}()

	schedule := w.cfg.Manager.Schedule()
	ep := schedule.EpochOf(req.Slot)
	if w.cfg.Writer.Reset(ep) {
		w.record(types.NotStarted(ep))
	}

	if req.Kind == types.RequestNone {
		return
	}

	h := &hasher{w: w, bank: req.Bank}

	eahComputed := false
	if req.Kind.Has(types.RequestEpochAccountsHash) {
		computed, err := w.calculateEpochAccountsHash(req, h)
		if err != nil {
			res.Error = err
			w.report(err)
			return
		}
		eahComputed = computed
	}

	var kind types.PackageKind
	switch {
	case req.Kind.Has(types.RequestFullSnapshot):
		kind = types.PackageFullSnapshot
	case req.Kind.Has(types.RequestIncrementalSnapshot):
		kind = types.PackageIncrementalSnapshot
	case eahComputed:
		kind = types.PackageEpochAccountsHash
	case req.Kind.Has(types.RequestAccountsHashVerifier):
		kind = types.PackageAccountsHashVerifier
	default:
		return
	}

	hash, err := h.get()
	if err != nil {
		err = fmt.Errorf("accounts hash at slot %d: %w", req.Slot, err)
		res.Error = err
		w.report(err)
		return
	}

	pkg := &types.Package{
		ID:           w.newID(),
		Slot:         req.Slot,
		Epoch:        ep,
		Kind:         kind,
		AccountsHash: hash,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if kind == types.PackageIncrementalSnapshot {
		pkg.BaseSlot = req.BaseSlot
	}
	if eah, ok := w.cfg.Manager.ValidHash(ep); ok {
		pkg.EpochAccountsHash = &eah
	}

	w.cfg.Packages.Push(pkg)
	w.emitted.Add(1)
	w.cfg.Metrics.SetQueueDepth("packages", w.cfg.Packages.Len())
	res.Package = pkg
	w.log.Debug("Emitted package", "slot", pkg.Slot, "kind", pkg.Kind, "id", pkg.ID)
}

// calculateEpochAccountsHash runs the NotStarted → InFlight → Valid sequence.
// It reports whether a calculation happened; an epoch that is already
// InFlight or Valid is left alone, and so is any epoch older than the
// current one.
func (w *Worker) calculateEpochAccountsHash(req types.Request, h *hasher) (bool, error) {
	state := w.cfg.Manager.State()
	if ep := w.cfg.Manager.Schedule().EpochOf(req.Slot); ep != state.Epoch {
		// a restored journal can be ahead of a ledger replaying from genesis
		w.log.Debug("Skipping epoch accounts hash for stale epoch",
			"slot", req.Slot, "epoch", ep, "current", state.Epoch)
		return false, nil
	}
	if state.Status != types.StatusNotStarted {
		return false, nil
	}

	if err := w.cfg.Writer.SetInFlight(req.Slot); err != nil {
		return false, fmt.Errorf("start epoch accounts hash at slot %d: %w", req.Slot, err)
	}
	inFlight := w.cfg.Manager.State()
	w.record(inFlight)
	w.cfg.Metrics.SetState(inFlight)
	w.log.Info("Epoch accounts hash calculation started", "epoch", inFlight.Epoch, "slot", req.Slot)

	hash, err := h.get()
	if err != nil {
		return false, fmt.Errorf("epoch accounts hash at slot %d: %w", req.Slot, err)
	}

	if err := w.cfg.Writer.SetValid(req.Slot, hash); err != nil {
		return false, fmt.Errorf("finish epoch accounts hash at slot %d: %w", req.Slot, err)
	}
	valid := w.cfg.Manager.State()
	w.record(valid)
	w.cfg.Metrics.SetState(valid)
	w.log.Info("Epoch accounts hash calculated", "epoch", valid.Epoch, "slot", req.Slot, "hash", hash.String())
	return true, nil
}

func (w *Worker) record(state types.EpochAccountsHashState) {
	w.cfg.Metrics.SetState(w.cfg.Manager.State())
	if w.cfg.Journal == nil {
		return
	}
	if err := w.cfg.Journal.Record(state); err != nil {
		w.log.Error("Failed to journal transition", "state", state.String(), "error", err)
	}
}

func (w *Worker) report(err error) {
	w.log.Error("Background request failed", "error", err)
	select {
	case w.errs <- err:
	default:
		w.log.Warn("Error channel full, dropping error")
	}
}

func (w *Worker) newID() string {
	w.idMu.Lock()
	defer w.idMu.Unlock()
	return ulid.MustNew(ulid.Now(), w.entropy).String()
}

// hasher computes the accounts hash of one bank at most once.
type hasher struct {
	w    *Worker
	bank types.BankView
	done bool
	hash types.Hash
	err  error
}

func (h *hasher) get() (types.Hash, error) {
	if h.done {
		return h.hash, h.err
	}
	h.done = true
	if h.bank == nil {
		h.err = errors.New("request has no bank")
		return h.hash, h.err
	}
	start := time.Now()
	h.hash, h.err = h.w.cfg.Ledger.CalculateAccountsHash(context.Background(), h.bank)
	h.w.cfg.Metrics.RecordCalculation(time.Since(start), h.err)
	return h.hash, h.err
}
