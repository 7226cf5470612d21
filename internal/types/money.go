package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// CheckedAdd returns a+b, or ErrArithmetic on overflow.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s overflows", ErrArithmetic, a, b)
	}
	return sum, nil
}

// CheckedSub returns a-b, or ErrArithmetic if b > a (the ledger never
// allows negative balances, spec.md invariant I5).
func CheckedSub(a, b *uint256.Int) (*uint256.Int, error) {
	if b.Cmp(a) > 0 {
		return nil, fmt.Errorf("%w: %s - %s underflows", ErrArithmetic, a, b)
	}
	return new(uint256.Int).Sub(a, b), nil
}

// IsZero reports whether amount is nil or zero; nil is treated as "no
// balance stored yet" (spec.md §4.1: "absence is treated as zero").
func IsZero(amount *uint256.Int) bool {
	return amount == nil || amount.IsZero()
}

// ZeroIfNil returns amount, or a fresh zero if amount is nil.
func ZeroIfNil(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	return amount
}
