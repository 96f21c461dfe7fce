package chain

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/veil/internal/ledger"
)

// BrokenError reports the first position where stored and recomputed chain
// values disagree. It wraps ledger.ErrChainBroken.
type BrokenError struct {
	ID       string
	Field    string // "hash" or "previousHash"
	Stored   string
	Expected string
	Position int
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("chain broken at position %d (transaction %s): %s is %q, expected %q",
		e.Position, e.ID, e.Field, e.Stored, e.Expected)
}

func (e *BrokenError) Unwrap() error {
	return ledger.ErrChainBroken
}

// Verify recomputes the chain over txs and compares it with the stored
// Hash and PreviousHash values. txs may be in any order. A mismatch is
// reported, never repaired.
func Verify(txs []ledger.Transaction) error {
	sorted := sortedCopy(txs)
	prev := ""
	for i, tx := range sorted {
		if tx.PreviousHash != prev {
			return &BrokenError{Position: i, ID: tx.ID, Field: "previousHash", Stored: tx.PreviousHash, Expected: prev}
		}
		want, err := Digest(tx)
		if err != nil {
			return err
		}
		if tx.Hash != want {
			return &BrokenError{Position: i, ID: tx.ID, Field: "hash", Stored: tx.Hash, Expected: want}
		}
		prev = tx.Hash
	}
	return nil
}

// Recompute returns txs sorted into chain order with fresh hash links. The
// input is not modified.
func Recompute(txs []ledger.Transaction) ([]ledger.Transaction, error) {
	sorted := sortedCopy(txs)
	prev := ""
	for i := range sorted {
		sorted[i].PreviousHash = prev
		hash, err := Digest(sorted[i])
		if err != nil {
			return nil, err
		}
		sorted[i].Hash = hash
		prev = hash
	}
	return sorted, nil
}

func sortedCopy(txs []ledger.Transaction) []ledger.Transaction {
	out := make([]ledger.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Normalize()
	}
	slices.SortStableFunc(out, Compare)
	return out
}
