// Package margin computes required margin per instrument class. It is a
// pure function of quantity, price and instrument metadata.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// Intent is a holding (or the holding an order would produce) to be margined.
type Intent struct {
	Quantity int64        // signed: +long, -short
	Price    money.Amount // mark or fill price of the instrument
	// UnderlyingPrice is used for short options; zero falls back to the strike.
	UnderlyingPrice money.Amount
}

// Calculator computes required margin.
type Calculator interface {
	RequiredMargin(in Intent, inst model.Instrument) money.Amount
}

// Standard is the default Calculator.
//
//	FUTURE        |q| × price / leverage
//	OPTION long   0 (premium fully paid)
//	OPTION short  max(premium × 1.5, underlying notional × 0.15)
//	EQUITY long   0 (fully paid)
//	EQUITY short  |q| × price
type Standard struct {
	ShortPremiumFactor    decimal.Decimal
	ShortUnderlyingFactor decimal.Decimal
}

// NewStandard returns the default factors.
func NewStandard() Standard {
	return Standard{
		ShortPremiumFactor:    decimal.RequireFromString("1.5"),
		ShortUnderlyingFactor: decimal.RequireFromString("0.15"),
	}
}

func (s Standard) RequiredMargin(in Intent, inst model.Instrument) money.Amount {
	if in.Quantity == 0 || !in.Price.IsPositive() {
		return money.Zero
	}
	qty := in.Quantity
	if qty < 0 {
		qty = -qty
	}
	notional := in.Price.MulInt(qty)

	switch inst.Class {
	case model.ClassFuture:
		lev := inst.Leverage
		if lev <= 0 {
			lev = 1
		}
		return notional.DivInt(lev)
	case model.ClassOption:
		if in.Quantity > 0 {
			return money.Zero
		}
		underlying := in.UnderlyingPrice
		if !underlying.IsPositive() {
			underlying = inst.Strike
		}
		premium := notional.MulDecimal(s.ShortPremiumFactor)
		exposure := underlying.MulInt(qty).MulDecimal(s.ShortUnderlyingFactor)
		return money.Max(premium, exposure)
	default:
		if in.Quantity > 0 {
			return money.Zero
		}
		return notional
	}
}
