package money

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"0", "0.00000000"},
		{"1", "1.00000000"},
		{"-2.5", "-2.50000000"},
		{"0.1", "0.10000000"},
		{"123456789012345678.12345678", "123456789012345678.12345678"},
		{"1.123456785", "1.12345679"},
		{"-1.123456785", "-1.12345679"},
		{" 42.0 ", "42.00000000"},
		{"1e3", "1000.00000000"},
		{int64(7), "7.00000000"},
		{3, "3.00000000"},
		{0.1, "0.10000000"},
		{decimal.RequireFromString("9.99"), "9.99000000"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		require.NoError(t, err, "input %v", tc.in)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, in := range []any{"", "abc", "1.2.3", "--1", math.NaN(), math.Inf(1), []byte("1")} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %v", in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"0", "0.1", "-0.00000001", "99999999999.99999999", "5.000000005", "1e-9"} {
		once, err := Normalize(in)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestAdd_NoFloatingPointDrift(t *testing.T) {
	sum, err := Add("0.1", "0.2")
	require.NoError(t, err)
	want, _ := Normalize("0.3")
	assert.Equal(t, want, sum)

	pairs := [][2]string{
		{"0.1", "0.2"},
		{"100.12345678", "0.00000001"},
		{"-5.5", "3.25"},
		{"123456789.87654321", "987654321.12345678"},
	}
	for _, p := range pairs {
		s, err := Add(p[0], p[1])
		require.NoError(t, err)
		back, err := Subtract(s, p[1])
		require.NoError(t, err)
		want, _ := Normalize(p[0])
		assert.Equal(t, want, back)
	}
}

func TestAdd_ThousandsOfTrades(t *testing.T) {
	total := Zero
	price := MustParse("0.10000001")
	for i := 0; i < 10000; i++ {
		total = total.Add(price.MulInt(3))
	}
	assert.Equal(t, "3000.00030000", total.String())
}

func TestCompareAndMultiply(t *testing.T) {
	c, err := Compare("1.0", "0.99999999")
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = Compare("2", "2.00000000")
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	p, err := MultiplyByInteger("100.5", -50)
	require.NoError(t, err)
	assert.Equal(t, "-5025.00000000", p)

	_, err = MultiplyByInteger("x", 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestUnits(t *testing.T) {
	a := MustParse("1.5")
	assert.Equal(t, "150000000", a.Units().String())
	assert.Equal(t, "-0.00000001", FromUnits(big.NewInt(-1)).String())
	assert.Equal(t, "0.00000000", Zero.String())
}

func TestMulFrac(t *testing.T) {
	blocked := MustParse("1000")
	assert.Equal(t, "333.33333333", blocked.MulFrac(1, 3).String())
	assert.Equal(t, "1000.00000000", blocked.MulFrac(3, 3).String())
	assert.Equal(t, "500.00000000", blocked.MulFrac(25, 50).String())
}

func TestRound(t *testing.T) {
	assert.Equal(t, "10.13000000", MustParse("10.125").Round(2).String())
	assert.Equal(t, "-10.13000000", MustParse("-10.125").Round(2).String())
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(MustParse("12.5"))
	require.NoError(t, err)
	assert.Equal(t, `"12.50000000"`, string(b))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"0.1"`), &a))
	assert.Equal(t, "0.10000000", a.String())
	require.NoError(t, json.Unmarshal([]byte(`2.25`), &a))
	assert.Equal(t, "2.25000000", a.String())
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &a))
}
