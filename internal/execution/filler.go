package execution

import (
	"context"
	"sync/atomic"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// FillDecision says whether an order fills now and at what price.
type FillDecision struct {
	Fillable bool
	Price    money.Amount
}

// Filler decides fills. It must not mutate state.
type Filler interface {
	Decide(ctx context.Context, order model.Order, inst model.Instrument) (FillDecision, error)
}

// PriceSource returns the last traded price of a token, if fresh.
type PriceSource interface {
	LatestPrice(token string) (money.Amount, bool)
}

// LastPriceFiller fills at the last traded price. MARKET orders fill
// whenever a price is known; LIMIT buys fill at or below the limit and
// LIMIT sells at or above it.
type LastPriceFiller struct {
	Prices PriceSource
}

func (f LastPriceFiller) Decide(_ context.Context, order model.Order, _ model.Instrument) (FillDecision, error) {
	ltp, ok := f.Prices.LatestPrice(order.InstrumentToken)
	if !ok || !ltp.IsPositive() {
		return FillDecision{}, nil
	}
	if order.OrderType == model.OrderLimit {
		if order.Side == model.SideBuy && ltp.GreaterThan(order.LimitPrice) {
			return FillDecision{}, nil
		}
		if order.Side == model.SideSell && ltp.LessThan(order.LimitPrice) {
			return FillDecision{}, nil
		}
	}
	return FillDecision{Fillable: true, Price: ltp}, nil
}

// Gate is the process-wide trading switch.
type Gate struct {
	enabled atomic.Bool
}

func NewGate(enabled bool) *Gate {
	g := &Gate{}
	g.enabled.Store(enabled)
	return g
}

func (g *Gate) Enabled() bool      { return g.enabled.Load() }
func (g *Gate) SetEnabled(on bool) { g.enabled.Store(on) }
