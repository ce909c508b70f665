package codec

import (
	"errors"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned when a decimal string cannot be parsed into
// an integer amount at the requested precision.
var ErrInvalidAmount = errors.New("invalid amount")

// NativeDecimals is the precision of the chain's native token.
const NativeDecimals = 18

var bigTen = big.NewInt(10)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(n)), nil)
}

// FormatAmount renders an integer amount in minor units as a decimal string
// at the given precision. Pure big-integer arithmetic; no floats touch the
// wire. Trailing fractional zeros are trimmed.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}

	abs := new(big.Int).Abs(v)
	scale := pow10(decimals)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(abs, scale, frac)

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		for len(digits) < decimals {
			digits = "0" + digits
		}
		digits = strings.TrimRight(digits, "0")
		out += "." + digits
	}
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// ParseAmount is the inverse of FormatAmount: it converts a decimal string
// into an integer amount in minor units. Fractions longer than the precision
// are rejected rather than silently truncated.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}

	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}

	wholePart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholePart, fracPart = s[:i], s[i+1:]
	}
	if wholePart == "" && fracPart == "" {
		return nil, ErrInvalidAmount
	}
	if wholePart == "" {
		wholePart = "0"
	}
	if len(fracPart) > decimals {
		return nil, ErrInvalidAmount
	}

	whole, ok := new(big.Int).SetString(wholePart, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	result := whole.Mul(whole, pow10(decimals))

	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok || frac.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		frac.Mul(frac, pow10(decimals-len(fracPart)))
		result.Add(result, frac)
	}

	if neg {
		result.Neg(result)
	}
	return result, nil
}

// WeiToNative converts wei to native units as float64 for feature math only.
// Wire and storage paths always use FormatAmount instead.
func WeiToNative(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
	return f
}

// WeiToGwei converts a gas price in wei to gwei as float64 for feature math.
func WeiToGwei(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e9)).Float64()
	return f
}
