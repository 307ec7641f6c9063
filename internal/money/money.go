// Package money implements the fixed-point amounts every ledger posting,
// price and margin figure is expressed in.
//
// An Amount is an integer count of 10^-8 units. The integer is carried by a
// shopspring/decimal coefficient pinned at exponent -8, so addition,
// subtraction and multiplication by an integer are exact big-integer
// operations and never touch float64.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by every Amount.
const Scale int32 = 8

// ErrInvalidAmount is returned when a value cannot be read as a decimal number.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Amount is a signed fixed-point value with Scale fractional digits.
// The zero value is 0.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

func norm(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// Parse reads a decimal string. Digits beyond Scale are rounded half away
// from zero.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return norm(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// From converts strings, integers, floats, decimals and Amounts.
func From(v any) (Amount, error) {
	switch x := v.(type) {
	case Amount:
		return x, nil
	case string:
		return Parse(x)
	case json.Number:
		return Parse(x.String())
	case decimal.Decimal:
		return norm(x), nil
	case int:
		return FromInt(int64(x)), nil
	case int32:
		return FromInt(int64(x)), nil
	case int64:
		return FromInt(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, x)
		}
		// NewFromFloat uses the shortest representation that round-trips,
		// so 0.1 becomes exactly 0.1.
		return norm(decimal.NewFromFloat(x)), nil
	default:
		return Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, v)
	}
}

// Normalize returns the canonical representation of v: an optional minus
// sign, the integer digits, a dot and exactly Scale fractional digits.
func Normalize(v any) (string, error) {
	a, err := From(v)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// FromInt returns i as an Amount.
func FromInt(i int64) Amount {
	return norm(decimal.NewFromInt(i))
}

// FromDecimal rounds d to Scale digits.
func FromDecimal(d decimal.Decimal) Amount {
	return norm(d)
}

// FromUnits builds an Amount from a count of 10^-8 units.
func FromUnits(units *big.Int) Amount {
	return Amount{d: decimal.NewFromBigInt(units, -Scale)}
}

// Units returns the scaled integer value × 10^8.
func (a Amount) Units() *big.Int {
	return a.d.Shift(Scale).BigInt()
}

// Decimal exposes the value for callers that need decimal math.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return norm(a.d.Add(b.d)) }
func (a Amount) Sub(b Amount) Amount { return norm(a.d.Sub(b.d)) }
func (a Amount) Neg() Amount         { return norm(a.d.Neg()) }
func (a Amount) Abs() Amount         { return norm(a.d.Abs()) }

// MulInt multiplies by an integer quantity. Exact.
func (a Amount) MulInt(q int64) Amount {
	return norm(a.d.Mul(decimal.NewFromInt(q)))
}

// MulDecimal multiplies by an arbitrary factor and rounds to Scale.
func (a Amount) MulDecimal(f decimal.Decimal) Amount {
	return norm(a.d.Mul(f))
}

// DivInt divides by a non-zero integer, rounding to Scale.
func (a Amount) DivInt(n int64) Amount {
	return FromDecimal(a.d.DivRound(decimal.NewFromInt(n), Scale))
}

// MulFrac returns a × num / den rounded to Scale. When num == den the
// result is a itself, so a full release never leaves dust behind.
func (a Amount) MulFrac(num, den int64) Amount {
	if num == den {
		return a
	}
	return FromDecimal(a.d.Mul(decimal.NewFromInt(num)).DivRound(decimal.NewFromInt(den), Scale))
}

// Round rounds to the given number of fractional digits (half away from zero).
func (a Amount) Round(places int32) Amount {
	return norm(a.d.Round(places))
}

func (a Amount) Cmp(b Amount) int              { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool           { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool        { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool     { return a.d.GreaterThan(b.d) }
func (a Amount) LessThanOrEqual(b Amount) bool { return a.d.LessThanOrEqual(b.d) }
func (a Amount) Sign() int                     { return a.d.Sign() }
func (a Amount) IsZero() bool                  { return a.d.IsZero() }
func (a Amount) IsPositive() bool              { return a.d.IsPositive() }
func (a Amount) IsNegative() bool              { return a.d.IsNegative() }

// String returns the canonical form, e.g. "0.30000000".
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// Float64 is for metrics only.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// MarshalJSON encodes the canonical string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
		}
		s = n.String()
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// --- string-level helpers ---

// Add returns a+b in canonical form.
func Add(a, b string) (string, error) {
	return binary(a, b, Amount.Add)
}

// Subtract returns a-b in canonical form.
func Subtract(a, b string) (string, error) {
	return binary(a, b, Amount.Sub)
}

// Compare returns -1, 0 or 1.
func Compare(a, b string) (int, error) {
	x, err := Parse(a)
	if err != nil {
		return 0, err
	}
	y, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// MultiplyByInteger returns amount × quantity in canonical form.
func MultiplyByInteger(amount string, quantity int64) (string, error) {
	x, err := Parse(amount)
	if err != nil {
		return "", err
	}
	return x.MulInt(quantity).String(), nil
}

func binary(a, b string, op func(Amount, Amount) Amount) (string, error) {
	x, err := Parse(a)
	if err != nil {
		return "", err
	}
	y, err := Parse(b)
	if err != nil {
		return "", err
	}
	return op(x, y).String(), nil
}
