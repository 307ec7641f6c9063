package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// Ledger leg names. Together with the reference type and order id they form
// the idempotency key of each posting.
const (
	legMarginBlock       = "margin-block"
	legMarginRelease     = "margin-release"
	legBuyDebit          = "buy-debit"
	legSellProceeds      = "sell-proceeds"
	legPremiumDebit      = "premium-debit"
	legPremiumCredit     = "premium-credit"
	legCostRelease       = "cost-release"
	legRealizedPnLCredit = "realized-pnl-credit"
	legRealizedPnLDebit  = "realized-pnl-debit"
	legFee               = "fee"
)

var bpsDivisor = decimal.NewFromInt(10000)

type leg struct {
	name   string
	debit  ledger.AccountRef
	credit ledger.AccountRef
	amount money.Amount
}

// fillPlan is everything one fill will post and the position it leaves.
type fillPlan struct {
	legs           []leg
	requiredMargin money.Amount
	closedQty      int64
	openedQty      int64
	realized       money.Amount
	cashOutflow    money.Amount // net CASH leaving the user; negative is an inflow
	position       model.Position
}

type planInput struct {
	order      model.Order
	inst       model.Instrument
	price      money.Amount
	underlying money.Amount
	current    model.Position // zero value when the user never held the instrument
	feeBps     int64
}

func idempotencyKey(ref model.ReferenceType, orderID, legName string) string {
	return fmt.Sprintf("%s-%s-%s", ref, orderID, legName)
}

func (p *fillPlan) keys(ref model.ReferenceType, orderID string) []string {
	out := make([]string, len(p.legs))
	for i, l := range p.legs {
		out[i] = idempotencyKey(ref, orderID, l.name)
	}
	return out
}

func (p *fillPlan) add(name string, debit, credit ledger.AccountRef, amount money.Amount) {
	if !amount.IsPositive() {
		return
	}
	p.legs = append(p.legs, leg{name: name, debit: debit, credit: credit, amount: amount})
}

func sign(q int64) int64 {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	}
	return 0
}

func abs(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}

// planFill splits the fill into the part that reduces the current position
// and the part that opens or extends one, and derives the postings of each.
func planFill(in planInput, calc margin.Calculator) *fillPlan {
	user := in.order.UserID
	cash := ledger.Of(user, model.AccountCash)
	blocked := ledger.Of(user, model.AccountMarginBlocked)
	held := ledger.Of(user, model.AccountUnrealizedPnL)
	realized := ledger.Of(user, model.AccountRealizedPnL)
	fees := ledger.Of(user, model.AccountFees)

	delta := in.order.Side.Sign() * in.order.Quantity
	q0 := in.current.Quantity
	pos := in.current
	pos.UserID = user
	pos.InstrumentToken = in.order.InstrumentToken

	plan := &fillPlan{
		requiredMargin: calc.RequiredMargin(margin.Intent{
			Quantity: delta, Price: in.price, UnderlyingPrice: in.underlying,
		}, in.inst),
	}

	closing := int64(0)
	if q0 != 0 && sign(delta) != sign(q0) {
		closing = min(abs(delta), abs(q0))
	}
	opening := abs(delta) - closing
	plan.closedQty, plan.openedQty = closing, opening

	if closing > 0 {
		dir := sign(q0)
		release := pos.BlockedMargin.MulFrac(closing, abs(q0))
		pnl := in.price.Sub(pos.AveragePrice).MulInt(closing * dir)

		plan.add(legMarginRelease, cash, blocked, release)
		if !in.inst.Margined() {
			cost := pos.AveragePrice.MulInt(closing)
			if dir > 0 {
				plan.add(legCostRelease, cash, held, cost)
			} else {
				plan.add(legCostRelease, held, cash, cost)
			}
		}
		if pnl.IsPositive() {
			plan.add(legRealizedPnLCredit, cash, realized, pnl)
		} else {
			plan.add(legRealizedPnLDebit, realized, cash, pnl.Neg())
		}

		pos.Quantity = q0 - dir*closing
		pos.BlockedMargin = pos.BlockedMargin.Sub(release)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		plan.realized = pnl
		if pos.Quantity == 0 {
			pos.AveragePrice = money.Zero
			pos.BlockedMargin = money.Zero
		}
	}

	if opening > 0 {
		dir := sign(delta)
		value := in.price.MulInt(opening)
		block := calc.RequiredMargin(margin.Intent{
			Quantity: dir * opening, Price: in.price, UnderlyingPrice: in.underlying,
		}, in.inst)

		switch {
		case in.inst.Margined():
		case dir > 0 && in.inst.Class == model.ClassOption:
			plan.add(legPremiumDebit, held, cash, value)
		case dir > 0:
			plan.add(legBuyDebit, held, cash, value)
		case in.inst.Class == model.ClassOption:
			plan.add(legPremiumCredit, cash, held, value)
		default:
			plan.add(legSellProceeds, cash, held, value)
		}
		plan.add(legMarginBlock, blocked, cash, block)

		cur := abs(pos.Quantity)
		if cur == 0 {
			pos.AveragePrice = in.price
		} else {
			pos.AveragePrice = pos.AveragePrice.MulInt(cur).Add(value).DivInt(cur + opening)
		}
		pos.Quantity += dir * opening
		pos.BlockedMargin = pos.BlockedMargin.Add(block)
	}

	if in.feeBps > 0 {
		fee := in.price.MulInt(abs(delta)).MulDecimal(decimal.NewFromInt(in.feeBps).Div(bpsDivisor))
		plan.add(legFee, fees, cash, fee)
	}

	for _, l := range plan.legs {
		if l.credit == cash {
			plan.cashOutflow = plan.cashOutflow.Add(l.amount)
		}
		if l.debit == cash {
			plan.cashOutflow = plan.cashOutflow.Sub(l.amount)
		}
	}
	plan.position = pos
	return plan
}
