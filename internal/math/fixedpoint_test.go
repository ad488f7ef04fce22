package math_test

import (
	gomath "math"
	"testing"

	"TokenVault/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint128_AddCarries(t *testing.T) {
	u := math.FromUint64(gomath.MaxUint64).Add(1)
	assert.Equal(t, math.Uint128{Hi: 1, Lo: 0}, u)
	assert.True(t, u.AtLeast(gomath.MaxUint64))

	_, ok := u.Uint64()
	assert.False(t, ok)
	assert.Equal(t, "18446744073709551616", u.String())
}

func TestUint128_AtLeastIsInclusive(t *testing.T) {
	u := math.FromUint64(10).Add(2)
	assert.True(t, u.AtLeast(12))
	assert.False(t, u.AtLeast(13))
}

func TestUint128_Cmp(t *testing.T) {
	a := math.Uint128{Hi: 1}
	b := math.FromUint64(gomath.MaxUint64)
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(b.Add(1)))
	assert.Equal(t, a, b.AddUint128(math.FromUint64(1)))
}

func TestFormatQuantity(t *testing.T) {
	cases := []struct {
		q      uint64
		digits uint8
		want   string
	}{
		{1050, 2, "10.50"},
		{5, 2, "0.05"},
		{0, 2, "0.00"},
		{42, 0, "42"},
		{1, 6, "0.000001"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, math.FormatQuantity(c.q, c.digits), "q=%d digits=%d", c.q, c.digits)
	}
}

func TestFormatUnits_BeyondUint64(t *testing.T) {
	assert.Equal(t, "368934881474191032.30", math.FormatUnits("36893488147419103230", 2))
	assert.Equal(t, "0.07", math.FormatUnits("7", 2))
}

func TestParseQuantity(t *testing.T) {
	q, err := math.ParseQuantity("10.5", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1050), q)

	q, err = math.ParseQuantity("12", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), q)

	q, err = math.ParseQuantity(".25", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), q)

	q, err = math.ParseQuantity("1.230", 2)
	require.NoError(t, err, "trailing zeros beyond precision are exact")
	assert.Equal(t, uint64(123), q)
}

func TestParseQuantity_Rejects(t *testing.T) {
	_, err := math.ParseQuantity("1.234", 2)
	assert.ErrorIs(t, err, math.ErrPrecision)

	_, err = math.ParseQuantity("-1", 2)
	assert.ErrorIs(t, err, math.ErrInvalidQuantity)

	_, err = math.ParseQuantity("1.", 2)
	assert.ErrorIs(t, err, math.ErrInvalidQuantity)

	_, err = math.ParseQuantity("", 2)
	assert.ErrorIs(t, err, math.ErrInvalidQuantity)

	_, err = math.ParseQuantity("18446744073709551616", 0)
	assert.ErrorIs(t, err, math.ErrOverflow)
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "1000000.00", "3.14"} {
		q, err := math.ParseQuantity(s, 2)
		require.NoError(t, err)
		assert.Equal(t, s, math.FormatQuantity(q, 2))
	}
}

func TestUint128_Format(t *testing.T) {
	assert.Equal(t, "1.05", math.FromUint64(105).Format(2))
}
