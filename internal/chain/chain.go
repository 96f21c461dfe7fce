// Package chain maintains the hash-linked ordering of ledger transactions.
//
// Transactions are ordered ascending by (date, id). Each transaction's
// PreviousHash is the Hash of its predecessor ("" for the first) and its Hash
// is Digest over every other field. A mutation at position k only rewrites
// positions k..n-1; earlier links are untouched.
//
// A Chain is not safe for concurrent mutation. Callers hold a single-writer
// lock around Insert, Update, Delete and Load.
package chain

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/veil/internal/ledger"
)

// Chain is an arena of transactions plus an index ordered by (date, id).
type Chain struct {
	byID  map[string]int // id -> arena slot
	arena []ledger.Transaction
	free  []int // reusable arena slots
	order []int // arena slots in chain order
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{byID: make(map[string]int)}
}

// Len returns the number of transactions in the chain.
func (c *Chain) Len() int {
	return len(c.order)
}

// Head returns the hash of the last transaction, or "" for an empty chain.
func (c *Chain) Head() string {
	if len(c.order) == 0 {
		return ""
	}
	return c.arena[c.order[len(c.order)-1]].Hash
}

// Get returns the transaction with the given id.
func (c *Chain) Get(id string) (ledger.Transaction, bool) {
	slot, ok := c.byID[id]
	if !ok {
		return ledger.Transaction{}, false
	}
	return c.arena[slot], true
}

// List returns a copy of all transactions in chain order.
func (c *Chain) List() []ledger.Transaction {
	out := make([]ledger.Transaction, len(c.order))
	for i, slot := range c.order {
		out[i] = c.arena[slot]
	}
	return out
}

// Insert adds tx and rehashes from its position. It returns, in chain
// order, every transaction whose stored fields changed, tx included.
func (c *Chain) Insert(tx ledger.Transaction) ([]ledger.Transaction, error) {
	tx = tx.Normalize()
	if _, ok := c.byID[tx.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicate, tx.ID)
	}
	if _, err := Digest(tx); err != nil {
		return nil, err
	}

	slot := c.alloc(tx)
	c.byID[tx.ID] = slot
	pos := c.position(tx)
	c.order = slices.Insert(c.order, pos, slot)

	return c.rehash(pos, tx.ID)
}

// Update replaces the transaction with tx.ID, moving it if its date changed,
// and rehashes from the earlier of its old and new positions.
func (c *Chain) Update(tx ledger.Transaction) ([]ledger.Transaction, error) {
	tx = tx.Normalize()
	slot, ok := c.byID[tx.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, tx.ID)
	}
	if _, err := Digest(tx); err != nil {
		return nil, err
	}

	oldPos := c.indexOf(slot)
	c.order = slices.Delete(c.order, oldPos, oldPos+1)
	c.arena[slot] = tx
	newPos := c.position(tx)
	c.order = slices.Insert(c.order, newPos, slot)

	return c.rehash(min(oldPos, newPos), tx.ID)
}

// Delete removes the transaction with the given id and rehashes its
// successors. It returns the removed transaction and the changed suffix.
func (c *Chain) Delete(id string) (ledger.Transaction, []ledger.Transaction, error) {
	slot, ok := c.byID[id]
	if !ok {
		return ledger.Transaction{}, nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}

	pos := c.indexOf(slot)
	removed := c.arena[slot]
	c.order = slices.Delete(c.order, pos, pos+1)
	delete(c.byID, id)
	c.arena[slot] = ledger.Transaction{}
	c.free = append(c.free, slot)

	changed, err := c.rehash(pos, "")
	return removed, changed, err
}

// Load replaces the chain's contents with txs exactly as stored, without
// recomputing hashes, so Verify can report tampering in stored data.
func (c *Chain) Load(txs []ledger.Transaction) error {
	fresh := New()
	for _, tx := range txs {
		tx = tx.Normalize()
		if _, ok := fresh.byID[tx.ID]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicate, tx.ID)
		}
		slot := fresh.alloc(tx)
		fresh.byID[tx.ID] = slot
		fresh.order = slices.Insert(fresh.order, fresh.position(tx), slot)
	}
	*c = *fresh
	return nil
}

// Verify checks the stored hashes of the chain.
func (c *Chain) Verify() error {
	return Verify(c.List())
}

func (c *Chain) alloc(tx ledger.Transaction) int {
	if n := len(c.free); n > 0 {
		slot := c.free[n-1]
		c.free = c.free[:n-1]
		c.arena[slot] = tx
		return slot
	}
	c.arena = append(c.arena, tx)
	return len(c.arena) - 1
}

// position returns where tx belongs in order. tx must not be in order.
func (c *Chain) position(tx ledger.Transaction) int {
	pos, _ := slices.BinarySearchFunc(c.order, tx, func(slot int, target ledger.Transaction) int {
		return Compare(c.arena[slot], target)
	})
	return pos
}

func (c *Chain) indexOf(slot int) int {
	pos, found := slices.BinarySearchFunc(c.order, c.arena[slot], func(s int, target ledger.Transaction) int {
		return Compare(c.arena[s], target)
	})
	if !found {
		// Unreachable while order and byID agree.
		panic(fmt.Sprintf("chain: slot %d missing from order", slot))
	}
	return pos
}

// rehash relinks positions from..n-1 and returns the transactions whose
// Hash or PreviousHash changed, in chain order. The transaction with id
// mutated is always reported.
func (c *Chain) rehash(from int, mutated string) ([]ledger.Transaction, error) {
	prev := ""
	if from > 0 {
		prev = c.arena[c.order[from-1]].Hash
	}

	var changed []ledger.Transaction
	for _, slot := range c.order[from:] {
		tx := c.arena[slot]
		oldHash, oldPrev := tx.Hash, tx.PreviousHash
		tx.PreviousHash = prev
		hash, err := Digest(tx)
		if err != nil {
			return changed, err
		}
		tx.Hash = hash
		c.arena[slot] = tx
		prev = hash

		if tx.ID == mutated || tx.Hash != oldHash || tx.PreviousHash != oldPrev {
			changed = append(changed, tx)
		}
	}
	return changed, nil
}
