// ============================================================================
// EAH Pipeline Metrics - Prometheus
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Router (Counter):
//      - eah_requests_routed_total{kind}: requests pushed to the worker
//      - eah_roots_dropped_total: out-of-order roots ignored
//
//   2. Worker:
//      - eah_calculations_total / eah_calculation_failures_total
//      - eah_calculation_seconds (Histogram)
//      - eah_state (Gauge): 0 not started, 1 in flight, 2 valid
//      - eah_current_epoch (Gauge)
//      - eah_banks_reclaimed_total
//      - eah_last_processed_slot (Gauge)
//
//   3. Verifier / packager:
//      - eah_packages_total{kind}: packages accepted by the verifier
//      - eah_packages_rejected_total
//      - eah_packages_superseded_total: mailbox overwrites
//      - eah_archives_written_total / eah_archive_failures_total / eah_archives_pruned_total
//
//   4. Peer notification:
//      - eah_notifications_total{result}: sent, limited, failed
//
//   5. Queues (Gauge):
//      - eah_queue_depth{queue}: requests, pruned, packages
//
// Every method is safe on a nil *Collector so components can run without
// metrics in tests.
//
// Example queries:
//
//   # calculations that never finished
//   eah_calculations_total - eah_calculation_failures_total
//
//   # archive backlog pressure
//   rate(eah_packages_superseded_total[5m])
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

const namespace = "eah"

// Collector holds every pipeline metric.
type Collector struct {
	requestsRouted *prometheus.CounterVec
	rootsDropped   prometheus.Counter

	calculations       prometheus.Counter
	calculationFails   prometheus.Counter
	calculationSeconds prometheus.Histogram
	state              prometheus.Gauge
	currentEpoch       prometheus.Gauge
	banksReclaimed     prometheus.Counter
	lastProcessedSlot  prometheus.Gauge

	packages           *prometheus.CounterVec
	packagesRejected   prometheus.Counter
	packagesSuperseded prometheus.Counter
	archivesWritten    prometheus.Counter
	archiveFailures    prometheus.Counter
	archivesPruned     prometheus.Counter

	notifications *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_routed_total",
			Help:      "Background requests routed per rooted slot, by kind",
		}, []string{"kind"}),
		rootsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roots_dropped_total",
			Help:      "Roots ignored because they did not advance the routed slot",
		}),
		calculations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculations_total",
			Help:      "Accounts hash calculations started",
		}),
		calculationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculation_failures_total",
			Help:      "Accounts hash calculations that returned an error",
		}),
		calculationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_seconds",
			Help:      "Accounts hash calculation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Epoch accounts hash state of the current epoch (0 not started, 1 in flight, 2 valid)",
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_epoch",
			Help:      "Epoch tracked by the epoch accounts hash state machine",
		}),
		banksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "banks_reclaimed_total",
			Help:      "Dropped ledger nodes whose storage was reclaimed",
		}),
		lastProcessedSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_slot",
			Help:      "Slot of the last request handled by the background worker",
		}),
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages accepted by the verifier, by kind",
		}, []string{"kind"}),
		packagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_rejected_total",
			Help:      "Packages dropped by the verifier",
		}),
		packagesSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_superseded_total",
			Help:      "Snapshot packages overwritten before they were archived",
		}),
		archivesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_written_total",
			Help:      "Snapshot archives written",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Snapshot archive writes that failed",
		}),
		archivesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_pruned_total",
			Help:      "Snapshot archives removed by retention",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Peer notifications, by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in a pipeline queue",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.requestsRouted,
		c.rootsDropped,
		c.calculations,
		c.calculationFails,
		c.calculationSeconds,
		c.state,
		c.currentEpoch,
		c.banksReclaimed,
		c.lastProcessedSlot,
		c.packages,
		c.packagesRejected,
		c.packagesSuperseded,
		c.archivesWritten,
		c.archiveFailures,
		c.archivesPruned,
		c.notifications,
		c.queueDepth,
	)
	return c
}

// ============================================================================
// Router
// ============================================================================

func (c *Collector) RecordRouted(kind types.RequestKind) {
	if c == nil {
		return
	}
	c.requestsRouted.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) RecordRootDropped() {
	if c == nil {
		return
	}
	c.rootsDropped.Inc()
}

// ============================================================================
// Worker
// ============================================================================

// RecordCalculation records one accounts hash calculation and its outcome.
func (c *Collector) RecordCalculation(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.calculations.Inc()
	c.calculationSeconds.Observe(d.Seconds())
	if err != nil {
		c.calculationFails.Inc()
	}
}

// SetState mirrors the current epoch accounts hash state.
func (c *Collector) SetState(s types.EpochAccountsHashState) {
	if c == nil {
		return
	}
	c.currentEpoch.Set(float64(s.Epoch))
	switch s.Status {
	case types.StatusInFlight:
		c.state.Set(1)
	case types.StatusValid:
		c.state.Set(2)
	default:
		c.state.Set(0)
	}
}

func (c *Collector) RecordReclaimed() {
	if c == nil {
		return
	}
	c.banksReclaimed.Inc()
}

func (c *Collector) SetLastProcessedSlot(slot types.Slot) {
	if c == nil {
		return
	}
	c.lastProcessedSlot.Set(float64(slot))
}

// ============================================================================
// Verifier / packager
// ============================================================================

func (c *Collector) RecordPackage(kind types.PackageKind) {
	if c == nil {
		return
	}
	c.packages.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.packagesRejected.Inc()
}

func (c *Collector) RecordSuperseded() {
	if c == nil {
		return
	}
	c.packagesSuperseded.Inc()
}

// RecordArchive records the outcome of one archive write.
func (c *Collector) RecordArchive(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.archiveFailures.Inc()
		return
	}
	c.archivesWritten.Inc()
}

func (c *Collector) RecordPruned(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.archivesPruned.Add(float64(n))
}

// ============================================================================
// Notifications and queues
// ============================================================================

// Notification results.
const (
	NotifySent    = "sent"
	NotifyLimited = "limited"
	NotifyFailed  = "failed"
)

func (c *Collector) RecordNotification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

// SetQueueDepth updates the depth gauge of the named queue.
func (c *Collector) SetQueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ============================================================================
// HTTP endpoint
// ============================================================================

// Server exposes /metrics for Prometheus scraping.
type Server struct {
	srv *http.Server
}

// NewServer builds a /metrics server on addr backed by gatherer.
// A nil gatherer serves prometheus.DefaultGatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
