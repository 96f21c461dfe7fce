// Package share implements additive secret sharing of amounts over Z_M.
//
// An amount a, scaled to integer minor units, is split into N shares
// s_1..s_N with s_1..s_{N-1} uniform in [0, M) and
// s_N = (a - Σ s_1..s_{N-1}) mod M. Any N-1 shares are independent of a;
// all N are needed to reconstruct it. Sharing is sum-homomorphic, so a node
// can add its shares of many amounts and the per-node partial sums combine
// into the total.
package share

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/dreamware/veil/internal/ledger"
)

// DefaultModulus is the public modulus M = 2^32 + 15.
const DefaultModulus uint64 = 1<<32 + 15

// MaxModulus bounds M so that the sum of two shares fits in a uint64.
const MaxModulus uint64 = 1 << 62

// MinorUnitScale converts amounts to integer minor units (cents).
const MinorUnitScale = 100

// ErrIncompleteShares is returned by Reconstruct when fewer than N shares
// are supplied.
var ErrIncompleteShares = errors.New("incomplete shares")

// Codec splits and reconstructs values modulo a fixed modulus.
// It is safe for concurrent use.
type Codec struct {
	rand    io.Reader
	mod     *big.Int
	modulus uint64
}

// NewCodec returns a codec over modulus, drawing randomness from crypto/rand.
// A zero modulus selects DefaultModulus.
func NewCodec(modulus uint64) *Codec {
	return NewCodecWithRand(modulus, rand.Reader)
}

// NewCodecWithRand is NewCodec with an explicit randomness source.
// Moduli above MaxModulus are clamped to it; config.Validate rejects them
// before a codec is ever built.
func NewCodecWithRand(modulus uint64, r io.Reader) *Codec {
	if modulus == 0 {
		modulus = DefaultModulus
	}
	if modulus > MaxModulus {
		modulus = MaxModulus
	}
	return &Codec{
		modulus: modulus,
		mod:     new(big.Int).SetUint64(modulus),
		rand:    r,
	}
}

// Modulus returns M.
func (c *Codec) Modulus() uint64 {
	return c.modulus
}

// Split divides amount into n shares whose sum mod M equals amount.
func (c *Codec) Split(amount uint64, n int) ([]uint64, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: need at least one share, got %d", ledger.ErrShareSplit, n)
	}
	if amount >= c.modulus {
		return nil, fmt.Errorf("%w: amount %d is not below modulus %d", ledger.ErrShareSplit, amount, c.modulus)
	}

	shares := make([]uint64, n)
	var sum uint64
	for i := 0; i < n-1; i++ {
		v, err := rand.Int(c.rand, c.mod)
		if err != nil {
			return nil, fmt.Errorf("draw share: %w", err)
		}
		shares[i] = v.Uint64()
		sum = c.Add(sum, shares[i])
	}
	shares[n-1] = c.Sub(amount, sum)
	return shares, nil
}

// Reconstruct sums the shares mod M. All n shares are required.
func (c *Codec) Reconstruct(shares []uint64, n int) (uint64, error) {
	if n < 1 || len(shares) < n {
		return 0, fmt.Errorf("%w: have %d of %d", ErrIncompleteShares, len(shares), n)
	}
	var sum uint64
	for _, s := range shares {
		if s >= c.modulus {
			return 0, fmt.Errorf("%w: share %d out of range", ledger.ErrShareSplit, s)
		}
		sum = c.Add(sum, s)
	}
	return sum, nil
}

// Add returns (a + b) mod M for a, b in [0, M).
func (c *Codec) Add(a, b uint64) uint64 {
	// a, b < MaxModulus, so the sum cannot overflow.
	return (a + b) % c.modulus
}

// Sub returns (a - b) mod M for a, b in [0, M).
func (c *Codec) Sub(a, b uint64) uint64 {
	return (a + c.modulus - b) % c.modulus
}

// ToMinorUnits scales a decimal amount to integer minor units.
func ToMinorUnits(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount", ledger.ErrShareSplit)
	}
	scaled := amount.Mul(decimal.NewFromInt(MinorUnitScale))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s has sub-minor-unit precision", ledger.ErrShareSplit, amount)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: amount %s too large", ledger.ErrShareSplit, amount)
	}
	return bi.Uint64(), nil
}

// FromMinorUnits converts minor units back to a decimal amount.
func FromMinorUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -2)
}
