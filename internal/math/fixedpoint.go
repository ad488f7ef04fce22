package math

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"strings"
	"sync"
)

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrPrecision       = errors.New("quantity exceeds declared precision")
	ErrOverflow        = errors.New("quantity overflows uint64")
)

// Uint128 is an unsigned 128-bit integer used for running totals of uint64
// token quantities. Summing any realistic number of uint64 values cannot
// overflow it, so totals never wrap or lose precision.
type Uint128 struct {
	Hi, Lo uint64
}

// FromUint64 widens q.
func FromUint64(q uint64) Uint128 {
	return Uint128{Lo: q}
}

// Add returns u + q.
func (u Uint128) Add(q uint64) Uint128 {
	lo, carry := bits.Add64(u.Lo, q, 0)
	return Uint128{Hi: u.Hi + carry, Lo: lo}
}

// AddUint128 returns u + v.
func (u Uint128) AddUint128(v Uint128) Uint128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, _ := bits.Add64(u.Hi, v.Hi, carry)
	return Uint128{Hi: hi, Lo: lo}
}

// AtLeast reports u >= q.
func (u Uint128) AtLeast(q uint64) bool {
	return u.Hi > 0 || u.Lo >= q
}

// Cmp compares u and v and returns -1, 0 or +1.
func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

// IsZero reports u == 0.
func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

// Uint64 narrows u, reporting false when it does not fit.
func (u Uint128) Uint64() (uint64, bool) {
	return u.Lo, u.Hi == 0
}

// bigPool recycles big.Ints used only for decimal rendering of wide totals.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func (u Uint128) String() string {
	if u.Hi == 0 {
		return fmt.Sprintf("%d", u.Lo)
	}
	v := bigPool.Get().(*big.Int)
	lo := bigPool.Get().(*big.Int)
	v.SetUint64(u.Hi)
	v.Lsh(v, 64)
	v.Or(v, lo.SetUint64(u.Lo))
	s := v.String()
	v.SetInt64(0)
	lo.SetInt64(0)
	bigPool.Put(v)
	bigPool.Put(lo)
	return s
}

// Format renders u as a decimal with exactly digits fractional places.
func (u Uint128) Format(digits uint8) string {
	return insertPoint(u.String(), digits)
}

// FormatQuantity renders q smallest units as a decimal with digits fractional places,
// e.g. FormatQuantity(1050, 2) == "10.50".
func FormatQuantity(q uint64, digits uint8) string {
	return insertPoint(fmt.Sprintf("%d", q), digits)
}

// FormatUnits is FormatQuantity for a decimal string of smallest units of any
// size, such as Uint128.String output.
func FormatUnits(units string, digits uint8) string {
	return insertPoint(units, digits)
}

func insertPoint(s string, digits uint8) string {
	if digits == 0 {
		return s
	}
	d := int(digits)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	return s[:len(s)-d] + "." + s[len(s)-d:]
}

// ParseQuantity parses a non-negative decimal string into smallest units at
// the given precision. Inputs with more fractional digits than allowed are
// rejected rather than rounded.
func ParseQuantity(s string, digits uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidQuantity)
	}
	intPart, fracPart, hasPoint := strings.Cut(s, ".")
	if hasPoint && fracPart == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(digits) {
		trimmed := strings.TrimRight(fracPart[digits:], "0")
		if trimmed != "" {
			return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrPrecision, s, digits)
		}
		fracPart = fracPart[:digits]
	}
	fracPart += strings.Repeat("0", int(digits)-len(fracPart))

	var q uint64
	for _, c := range intPart + fracPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
		}
		hi, lo := bits.Mul64(q, 10)
		if hi != 0 {
			return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
		}
		sum, carry := bits.Add64(lo, uint64(c-'0'), 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
		}
		q = sum
	}
	return q, nil
}
