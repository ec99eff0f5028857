package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ctxCheckEvery is how many accounts are hashed between cancellation checks.
const ctxCheckEvery = 1024

// CalculateAccountsHash returns the blake2b-256 digest of the bank's accounts.
//
// Accounts are visited in key order and each one contributes
// len(key) || key || lamports, so two banks with the same account set hash
// the same regardless of the fork they were built on. The bank must be
// frozen.
func (f *Forest) CalculateAccountsHash(ctx context.Context, view types.BankView) (types.Hash, error) {
	b, ok := view.(*Bank)
	if !ok || b.forest != f {
		return types.Hash{}, fmt.Errorf("%w: bank %d at slot %d", ErrUnknownBank, view.ID(), view.Slot())
	}
	if !b.IsFrozen() {
		return types.Hash{}, fmt.Errorf("%w: slot %d", ErrBankNotFrozen, b.slot)
	}
	return hashAccounts(ctx, b.accounts, b.sortedAccounts())
}

func hashAccounts(ctx context.Context, accounts map[string]uint64, keys []string) (types.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return types.Hash{}, err
	}

	var buf [8]byte
	for i, k := range keys {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return types.Hash{}, err
			}
		}
		binary.BigEndian.PutUint64(buf[:], uint64(len(k)))
		h.Write(buf[:])
		h.Write([]byte(k))
		binary.BigEndian.PutUint64(buf[:], accounts[k])
		h.Write(buf[:])
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
