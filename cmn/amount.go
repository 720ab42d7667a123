package cmn

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// On-chain amounts are fixed-point integers scaled by 10^decimals.
// FmtAmount and ParseAmount are the only sanctioned crossing between
// base units and human decimal strings; they round-trip exactly.

var ErrDecimalsNotLoaded = errors.New("token decimals not loaded")

var ErrInvalidAmount = errors.New("invalid amount")

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// FmtAmount renders a base-unit integer as a decimal string, trimming
// trailing fraction zeros ("1500000000000000000", 18 -> "1.5").
func FmtAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals < 0 {
		decimals = 0
	}

	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()

	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}

	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// ParseAmount converts a human decimal string to base units. More
// fraction digits than the token carries is an error, not a rounding.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}

	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}

	whole, frac := s, ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		whole, frac = s[:dot], s[dot+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return nil, fmt.Errorf("%w: multiple dots in %q", ErrInvalidAmount, s)
		}
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q has more than %d fraction digits", ErrInvalidAmount, s, decimals)
	}
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// AmountFloat is a lossy float view used only for aggregation math,
// never for anything that goes back on chain.
func AmountFloat(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(v),
		new(big.Float).SetInt(pow10(decimals)),
	).Float64()
	return f
}
