package mtm

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// RiskPosition is one open position valued at its mark.
type RiskPosition struct {
	Position       model.Position        `json:"position"`
	Class          model.InstrumentClass `json:"class"`
	MarkPrice      money.Amount          `json:"mark_price"`
	Priced         bool                  `json:"priced"` // false when marked at average price
	UnrealizedPnL  money.Amount          `json:"unrealized_pnl"`
	RequiredMargin money.Amount          `json:"required_margin"`
}

// RiskSnapshot is handed to the liquidation evaluator.
type RiskSnapshot struct {
	Wallet        model.WalletSnapshot `json:"wallet"`
	Positions     []RiskPosition       `json:"positions"`
	PreviousState model.AccountState   `json:"previous_state"`
}

// Evaluator decides what to do with a stressed account. It runs on the
// engine goroutine and must not block on the engine.
type Evaluator interface {
	Evaluate(ctx context.Context, snap RiskSnapshot)
}

// userState is the cached view of one user.
type userState struct {
	balance   money.Amount
	positions []model.Position
	insts     map[string]model.Instrument
	wallet    model.WalletSnapshot
	risk      []RiskPosition
}

func (u *userState) tokens() []string {
	var out []string
	for _, p := range u.positions {
		if p.Quantity == 0 {
			continue
		}
		out = append(out, p.InstrumentToken)
		if inst := u.insts[p.InstrumentToken]; inst.Class == model.ClassOption && inst.Underlying != "" {
			out = append(out, inst.Underlying)
		}
	}
	return out
}

// valuation is a pure revaluation of one user against the given marks.
type valuation struct {
	calc             margin.Calculator
	maintenanceRatio decimal.Decimal
	price            func(token string) (money.Amount, bool)
}

func (v valuation) value(userID string, u *userState) (model.WalletSnapshot, []RiskPosition) {
	w := model.WalletSnapshot{
		UserID:       userID,
		Balance:      u.balance,
		MarginStatus: model.MarginNormal,
		AccountState: model.StateActive,
	}
	var risk []RiskPosition
	unrealized, required := money.Zero, money.Zero
	for _, p := range u.positions {
		if p.Quantity == 0 {
			continue
		}
		inst := u.insts[p.InstrumentToken]
		mark, ok := v.price(p.InstrumentToken)
		if !ok {
			mark = p.AveragePrice
		}
		underlying := money.Zero
		if inst.Class == model.ClassOption && inst.Underlying != "" {
			underlying, _ = v.price(inst.Underlying)
		}
		pnl := mark.Sub(p.AveragePrice).MulInt(p.Quantity)
		req := v.calc.RequiredMargin(margin.Intent{
			Quantity: p.Quantity, Price: mark, UnderlyingPrice: underlying,
		}, inst)
		unrealized = unrealized.Add(pnl)
		required = required.Add(req)
		risk = append(risk, RiskPosition{
			Position:       p,
			Class:          inst.Class,
			MarkPrice:      mark,
			Priced:         ok,
			UnrealizedPnL:  pnl,
			RequiredMargin: req,
		})
	}

	w.UnrealizedPnL = unrealized
	w.Equity = u.balance.Add(unrealized).Round(2)
	w.RequiredMargin = required
	w.MaintenanceMargin = required.MulDecimal(v.maintenanceRatio)
	switch {
	case w.Equity.LessThan(w.MaintenanceMargin):
		w.AccountState = model.StateLiquidationEligible
	case w.Equity.LessThan(w.RequiredMargin):
		w.AccountState = model.StateMarginCall
	}
	if w.Equity.LessThan(w.RequiredMargin) {
		w.MarginStatus = model.MarginStressed
	}
	return w, risk
}

// differs reports whether b moved away from a by more than eps on any
// figure, or changed band.
func differs(a, b model.WalletSnapshot, eps money.Amount) bool {
	if a.MarginStatus != b.MarginStatus || a.AccountState != b.AccountState {
		return true
	}
	for _, pair := range [][2]money.Amount{
		{a.Balance, b.Balance},
		{a.Equity, b.Equity},
		{a.UnrealizedPnL, b.UnrealizedPnL},
		{a.RequiredMargin, b.RequiredMargin},
		{a.MaintenanceMargin, b.MaintenanceMargin},
	} {
		if pair[0].Sub(pair[1]).Abs().GreaterThan(eps) {
			return true
		}
	}
	return false
}
