package controller

import (
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/eah-pipeline/internal/ledger"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ============================================================================
// Stage handles
// ============================================================================

// handle is a joinable stage goroutine.
type handle struct {
	name string
	done chan struct{}
}

// spawn runs fn in its own goroutine. A panic in fn is logged and swallowed.
func spawn(log *slog.Logger, name string, fn func()) *handle {
	h := &handle{name: name, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				log.Error("Stage panicked", "stage", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
	return h
}

// join waits for the goroutine to return. A nil handle joins immediately.
func (h *handle) join() {
	if h == nil {
		return
	}
	<-h.done
}

// ============================================================================
// Pruned bank notifications
// ============================================================================

type prunedSender struct {
	c *Controller
}

func (p prunedSender) SendPruned(b types.PrunedBank) {
	p.c.pruned.Push(b)
}

// PrunedSender returns the sink the ledger reports dropped banks to.
// Duplicates are fine; reclaiming is idempotent.
func (c *Controller) PrunedSender() ledger.PrunedSender {
	return prunedSender{c: c}
}
