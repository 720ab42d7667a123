package cmn

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtAmount(t *testing.T) {
	cases := []struct {
		v        string
		decimals int
		want     string
	}{
		{"0", 18, "0"},
		{"1", 18, "0.000000000000000001"},
		{"1500000000000000000", 18, "1.5"},
		{"1000000", 6, "1"},
		{"123456789", 8, "1.23456789"},
		{"100", 0, "100"},
		{"-2500000000000000000", 18, "-2.5"},
	}

	for _, c := range cases {
		v, ok := new(big.Int).SetString(c.v, 10)
		require.True(t, ok)
		assert.Equal(t, c.want, FmtAmount(v, c.decimals), "FmtAmount(%s, %d)", c.v, c.decimals)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.String())

	v, err = ParseAmount("0.000001", 6)
	require.NoError(t, err)
	assert.Equal(t, "1", v.String())

	v, err = ParseAmount("42", 0)
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", ".", "1.2.3", "abc", "1,5", "0.1234567", "1e18"} {
		_, err := ParseAmount(s, 6)
		assert.ErrorIs(t, err, ErrInvalidAmount, "ParseAmount(%q)", s)
	}
}

// Round trip of the scale/unscale conversion must be exact.
func TestAmountRoundTrip(t *testing.T) {
	maxU64 := new(big.Int).SetUint64(1<<64 - 1)

	for _, d := range []int{6, 8, 18} {
		for _, v := range []*big.Int{big.NewInt(0), big.NewInt(1), maxU64} {
			s := FmtAmount(v, d)
			back, err := ParseAmount(s, d)
			require.NoError(t, err, "decimals=%d v=%s", d, v)
			assert.Zero(t, v.Cmp(back), "round trip decimals=%d v=%s got=%s", d, v, back)
		}
	}
}

func TestAmountFloat(t *testing.T) {
	v, _ := new(big.Int).SetString("2500000000000000000", 10)
	assert.InDelta(t, 2.5, AmountFloat(v, 18), 1e-12)
	assert.Zero(t, AmountFloat(nil, 18))
}
