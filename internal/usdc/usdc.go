// Package usdc converts between base units and display strings for the
// settlement token. Orders, payouts and wallet balances are all carried
// as uint64 base units (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

const unit = 1_000_000

var (
	ErrInvalidAmount = errors.New("usdc: invalid amount")
	ErrOverflow      = errors.New("usdc: amount overflows uint64")
)

// Parse converts a decimal string (e.g. "1.50") to base units (1500000).
//
// Rules:
//   - Negative amounts and multiple decimal points are rejected
//   - Fractional digits beyond 6 places are rejected, not truncated
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if w > (math.MaxUint64-f)/unit {
		return 0, ErrOverflow
	}
	return w*unit + f, nil
}

// Format renders base units as a decimal string with 6 places ("1.500000").
func Format(amount uint64) string {
	return fmt.Sprintf("%d.%06d", amount/unit, amount%unit)
}

// FormatSigned renders a signed ledger movement ("-0.250000").
func FormatSigned(value int64) string {
	if value < 0 {
		return "-" + Format(uint64(-value))
	}
	return Format(uint64(value))
}

// ToBig converts base units for ABI calls.
func ToBig(amount uint64) *big.Int {
	return new(big.Int).SetUint64(amount)
}

// FromBig converts an on-chain uint256 into base units.
func FromBig(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}
