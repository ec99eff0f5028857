package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/ledger"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ============================================================================
// Simulated validator
// ============================================================================
//
// Drives the ledger the way a validator's replay stage would: one bank per
// slot carrying a few random transfers, a side fork every fork_every slots
// that is never rooted (and so gets pruned), and a root every root_every
// slots handed to the pipeline.
// ============================================================================

const genesisLamports = 1_000_000

type simulator struct {
	forest   *ledger.Forest
	sender   ledger.RootSender
	manager  *epoch.Manager
	accounts []string
	rng      *rand.Rand
	log      *slog.Logger

	interval  time.Duration
	maxSlots  uint64
	rootEvery uint64
	forkEvery uint64
	transfers int

	lastRoot   types.Slot
	warnedFor  types.Epoch
	haveWarned bool
}

func genesisAccounts(n int) ([]string, map[string]uint64) {
	names := make([]string, n)
	genesis := make(map[string]uint64, n)
	for i := range names {
		names[i] = fmt.Sprintf("acct-%03d", i)
		genesis[names[i]] = genesisLamports
	}
	return names, genesis
}

func newSimulator(cfg *Config, forest *ledger.Forest, sender ledger.RootSender, manager *epoch.Manager, accounts []string, logger *slog.Logger) *simulator {
	seed := cfg.Simulate.Seed
	return &simulator{
		forest:    forest,
		sender:    sender,
		manager:   manager,
		accounts:  accounts,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:       logger.With("component", "simulator"),
		interval:  cfg.Simulate.SlotInterval,
		maxSlots:  cfg.Simulate.MaxSlots,
		rootEvery: cfg.Simulate.RootEvery,
		forkEvery: cfg.Simulate.ForkEvery,
		transfers: cfg.Simulate.TransfersPerSlot,
	}
}

// run produces slots until ctx is done or maxSlots is reached.
// It returns the last rooted slot.
func (s *simulator) run(ctx context.Context) (types.Slot, error) {
	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}

	parent := types.Slot(0)
	for n := uint64(1); s.maxSlots == 0 || n <= s.maxSlots; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return s.lastRoot, nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return s.lastRoot, nil
		}

		slot := types.Slot(n)
		if s.forkEvery > 0 && n%s.forkEvery == 0 {
			// a competing bank that loses the fork choice
			if err := s.fork(parent, slot); err != nil {
				return s.lastRoot, err
			}
			continue
		}

		bank, err := s.forest.NewBank(parent, slot)
		if err != nil {
			return s.lastRoot, err
		}
		s.transact(bank)
		parent = slot

		if n%s.rootEvery == 0 {
			if err := s.forest.SetRoot(slot, s.sender); err != nil {
				return s.lastRoot, err
			}
			s.lastRoot = slot
			s.diagnose(slot)
		}
	}
	return s.lastRoot, nil
}

func (s *simulator) fork(parent, slot types.Slot) error {
	bank, err := s.forest.NewBank(parent, slot)
	if err != nil {
		return err
	}
	s.transact(bank)
	s.log.Debug("Created side fork", "parent", parent, "slot", slot)
	return nil
}

func (s *simulator) transact(bank *ledger.Bank) {
	for i := 0; i < s.transfers; i++ {
		from := s.accounts[s.rng.IntN(len(s.accounts))]
		to := s.accounts[s.rng.IntN(len(s.accounts))]
		if from == to {
			continue
		}
		err := bank.Transfer(from, to, s.rng.Uint64N(1000)+1)
		if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
			s.log.Warn("Transfer failed", "slot", bank.Slot(), "error", err)
		}
	}
}

// diagnose warns once per epoch when the epoch accounts hash is overdue.
// The worker may simply be behind, so this is a symptom, not a failure.
func (s *simulator) diagnose(root types.Slot) {
	err := s.manager.Diagnose(root)
	if err == nil {
		return
	}
	e := s.manager.Schedule().EpochOf(root)
	if s.haveWarned && s.warnedFor == e {
		return
	}
	s.haveWarned, s.warnedFor = true, e
	s.log.Warn("Epoch accounts hash overdue", "root", root, "error", err)
}
