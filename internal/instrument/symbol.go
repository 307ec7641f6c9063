package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// Option types.
const (
	OptionCall = "CE"
	OptionPut  = "PE"
)

// symbolRegex matches derivative symbols:
//
//	{UNDERLYING}-{YYYYMMDD}-FUT
//	{UNDERLYING}-{YYYYMMDD}-{STRIKE}-{CE|PE}
//
// Example: NIFTY-20261231-24000-CE
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9&]+)-(\d{8})-(?:(FUT)|([0-9]+(?:\.[0-9]+)?)-([A-Z]{2}))$`,
)

var (
	ErrInvalidSymbol     = errors.New("instrument: invalid derivative symbol")
	ErrInstrumentExpired = errors.New("instrument: expired")
)

// ParseSymbol derives class, underlying, strike and expiry from a
// derivative symbol. Leverage is not encoded and stays zero.
func ParseSymbol(symbol string) (model.Instrument, error) {
	m := symbolRegex.FindStringSubmatch(symbol)
	if m == nil {
		return model.Instrument{}, fmt.Errorf("%w: %s (expected UNDERLYING-YYYYMMDD-FUT or UNDERLYING-YYYYMMDD-STRIKE-CE|PE)",
			ErrInvalidSymbol, symbol)
	}
	underlying, dateStr, fut, strikeStr, optType := m[1], m[2], m[3], m[4], m[5]

	expiry, err := time.Parse("20060102", dateStr)
	if err != nil {
		return model.Instrument{}, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, dateStr)
	}

	inst := model.Instrument{Symbol: symbol, Underlying: underlying, Expiry: expiry}
	if fut != "" {
		inst.Class = model.ClassFuture
		return inst, nil
	}

	if optType != OptionCall && optType != OptionPut {
		return model.Instrument{}, fmt.Errorf("%w: option type %s", ErrInvalidSymbol, optType)
	}
	strike, err := money.Parse(strikeStr)
	if err != nil || !strike.IsPositive() {
		return model.Instrument{}, fmt.Errorf("%w: strike %s", ErrInvalidSymbol, strikeStr)
	}
	inst.Class = model.ClassOption
	inst.Strike = strike
	inst.OptionType = optType
	return inst, nil
}

// Expired reports whether inst has an expiry on or before now's date.
func Expired(inst model.Instrument, now time.Time) bool {
	if inst.Expiry.IsZero() {
		return false
	}
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return !inst.Expiry.After(today)
}
