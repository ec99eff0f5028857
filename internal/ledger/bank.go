package ledger

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// Bank is one node of the fork forest: the account state as of a slot.
//
// A bank starts with a private copy of its parent's accounts and accepts
// writes until it is frozen. Once frozen it is never mutated, which is what
// lets the background worker hash a rooted bank while the caller keeps
// building children.
type Bank struct {
	id        types.BankID
	slot      types.Slot
	epoch     types.Epoch
	ancestors []types.Slot // self first, then parents down to the root at creation time
	forest    *Forest

	mu       sync.RWMutex
	frozen   bool
	accounts map[string]uint64
}

func (b *Bank) ID() types.BankID   { return b.id }
func (b *Bank) Slot() types.Slot   { return b.slot }
func (b *Bank) Epoch() types.Epoch { return b.epoch }

// Ancestors returns the bank's slot followed by its ancestors down to the root
// at the time the bank was created.
func (b *Bank) Ancestors() []types.Slot {
	out := make([]types.Slot, len(b.ancestors))
	copy(out, b.ancestors)
	return out
}

// IsFrozen reports whether the bank still accepts writes.
func (b *Bank) IsFrozen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frozen
}

// Freeze seals the bank. Freezing twice is a no-op.
func (b *Bank) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Store sets the balance of account.
func (b *Bank) Store(account string, lamports uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBankFrozen
	}
	if lamports == 0 {
		delete(b.accounts, account)
		return nil
	}
	b.accounts[account] = lamports
	return nil
}

// Transfer moves lamports between two accounts of the bank.
func (b *Bank) Transfer(from, to string, lamports uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBankFrozen
	}
	if b.accounts[from] < lamports {
		return ErrInsufficientFunds
	}
	b.accounts[from] -= lamports
	if b.accounts[from] == 0 {
		delete(b.accounts, from)
	}
	b.accounts[to] += lamports
	return nil
}

// Balance returns the lamports held by account.
func (b *Bank) Balance(account string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accounts[account]
}

// AccountCount returns the number of non-empty accounts.
func (b *Bank) AccountCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.accounts)
}

// EpochAccountsHash returns the epoch accounts hash visible to this bank, if Valid.
func (b *Bank) EpochAccountsHash() (types.Hash, bool) {
	return b.forest.EpochAccountsHash(b.epoch)
}

// sortedAccounts returns the account keys in lexical order.
// Callers must only use it on frozen banks.
func (b *Bank) sortedAccounts() []string {
	keys := make([]string, 0, len(b.accounts))
	for k := range b.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
