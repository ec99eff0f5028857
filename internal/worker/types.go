package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// Ledger is what the worker needs from the ledger facade.
type Ledger interface {
	// CalculateAccountsHash digests the frozen bank's accounts.
	CalculateAccountsHash(ctx context.Context, bank types.BankView) (types.Hash, error)
	// Reclaim releases a dropped bank. It must tolerate repeated ids.
	Reclaim(id types.BankID) bool
}

// Journal persists epoch accounts hash transitions. Optional.
type Journal interface {
	Record(state types.EpochAccountsHashState) error
}

// Result describes how one request was handled.
type Result struct {
	Slot     types.Slot
	Kind     types.RequestKind
	Package  *types.Package // nil when nothing was emitted
	Error    error
	Duration time.Duration
}
