// Package money provides shared amount parsing and formatting utilities.
//
// All monetary amounts are fixed-point decimal strings with 2 decimal
// places, stored internally as big.Int in minor units (1.00 = 100).
package money

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 2

var ErrInvalidAmount = errors.New("money: invalid amount")

// Parse converts a decimal string (e.g. "95.00") to its minor-unit
// big.Int representation (9500). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
//   - A leading "-" is accepted: ledger entries carry signed amounts
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a minor-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "95.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// ValidatePositive returns ErrInvalidAmount unless s parses to an amount > 0.
func ValidatePositive(s string) error {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns the decimal sum of two amount strings. Invalid operands are
// treated as zero; callers validate inputs before arithmetic.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a - b as a decimal string.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(av, bv))
}

// Cmp compares two amount strings: -1 if a < b, 0 if equal, 1 if a > b.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Neg returns the negation of an amount string.
func Neg(a string) string {
	av, _ := Parse(a)
	if av == nil {
		av = big.NewInt(0)
	}
	return Format(new(big.Int).Neg(av))
}
