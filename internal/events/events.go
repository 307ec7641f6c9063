// Package events carries typed notifications between execution, the MTM
// engine and the websocket stream. Publishers and subscribers only share
// this package, never each other.
package events

import (
	"time"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindOrderExecuted   Kind = "order.executed"
	KindPositionChanged Kind = "position.changed"
	KindPriceTick       Kind = "price.tick"
	KindWalletUpdated   Kind = "wallet.updated"
	KindBalanceChanged  Kind = "balance.changed"
)

// Event is implemented by every payload published on a Bus.
type Event interface {
	Kind() Kind
}

// OrderExecuted is published after an execution transaction commits.
type OrderExecuted struct {
	OrderID         string              `json:"order_id"`
	UserID          string              `json:"user_id"`
	InstrumentToken string              `json:"instrument_token"`
	Side            model.Side          `json:"side"`
	Quantity        int64               `json:"quantity"`
	Price           money.Amount        `json:"price"`
	ReferenceType   model.ReferenceType `json:"reference_type"`
	ExecutedAt      time.Time           `json:"executed_at"`
}

func (OrderExecuted) Kind() Kind { return KindOrderExecuted }

// PositionChanged carries the position as committed.
type PositionChanged struct {
	UserID          string       `json:"user_id"`
	InstrumentToken string       `json:"instrument_token"`
	Quantity        int64        `json:"quantity"`
	AveragePrice    money.Amount `json:"average_price"`
	RealizedPnL     money.Amount `json:"realized_pnl"`
}

func (PositionChanged) Kind() Kind { return KindPositionChanged }

// PriceTick is an accepted feed tick.
type PriceTick struct {
	InstrumentKey string       `json:"instrument_key"`
	Price         money.Amount `json:"price"`
	Timestamp     time.Time    `json:"timestamp"`
}

func (PriceTick) Kind() Kind { return KindPriceTick }

// WalletUpdated is a changed MTM snapshot.
type WalletUpdated struct {
	Wallet model.WalletSnapshot `json:"wallet"`
}

func (WalletUpdated) Kind() Kind { return KindWalletUpdated }

// BalanceChanged is published when a ledger entry outside an execution,
// such as a deposit, moved a user's CASH.
type BalanceChanged struct {
	UserID        string              `json:"user_id"`
	EntryID       string              `json:"entry_id"`
	Amount        money.Amount        `json:"amount"`
	ReferenceType model.ReferenceType `json:"reference_type"`
}

func (BalanceChanged) Kind() Kind { return KindBalanceChanged }
