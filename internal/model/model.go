// Package model defines the core domain types shared across the engine.
// All monetary values use money.Amount, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/papertrade/risk-engine/internal/money"
)

// AccountType names one bookkeeping bucket of a user.
type AccountType string

const (
	AccountCash          AccountType = "CASH"
	AccountMarginBlocked AccountType = "MARGIN_BLOCKED"
	AccountUnrealizedPnL AccountType = "UNREALIZED_PNL"
	AccountRealizedPnL   AccountType = "REALIZED_PNL"
	AccountFees          AccountType = "FEES"
)

// AccountTypes is the fixed set of accounts every user owns.
var AccountTypes = []AccountType{
	AccountCash,
	AccountMarginBlocked,
	AccountUnrealizedPnL,
	AccountRealizedPnL,
	AccountFees,
}

// HouseUserID owns the counterparty side of deposits.
const HouseUserID = "__house__"

// LedgerAccount is one (user, account type) bucket. Created lazily, never deleted.
type LedgerAccount struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	AccountType AccountType `json:"account_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ReferenceType tags what caused a ledger entry.
type ReferenceType string

const (
	RefTrade       ReferenceType = "TRADE"
	RefLiquidation ReferenceType = "LIQUIDATION"
	RefExpiry      ReferenceType = "EXPIRY"
	RefDeposit     ReferenceType = "DEPOSIT"
)

// LedgerEntry is an immutable movement of Amount from CreditAccountID to
// DebitAccountID. Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID              string        `json:"id"`
	DebitAccountID  string        `json:"debit_account_id"`
	CreditAccountID string        `json:"credit_account_id"`
	Amount          money.Amount  `json:"amount"` // always positive
	ReferenceType   ReferenceType `json:"reference_type"`
	ReferenceID     string        `json:"reference_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	GlobalSequence  int64         `json:"global_sequence"`
	CreatedAt       time.Time     `json:"created_at"`
}

// JournalStatus is the state of a write-ahead journal record.
type JournalStatus string

const (
	JournalPrepared  JournalStatus = "PREPARED"
	JournalCommitted JournalStatus = "COMMITTED"
	JournalAborted   JournalStatus = "ABORTED"
)

// JournalRecord is the intent and outcome of one multi-step mutation.
// (JournalID, Attempt) identifies a row; each row leaves PREPARED once.
type JournalRecord struct {
	JournalID       string          `json:"journal_id"`
	Attempt         int             `json:"attempt"`
	OperationType   string          `json:"operation_type"`
	UserID          string          `json:"user_id"`
	ReferenceID     string          `json:"reference_id"`
	Payload         json.RawMessage `json:"payload"`
	Status          JournalStatus   `json:"status"`
	LedgerSequences []int64         `json:"ledger_sequences,omitempty"`
	MutationMeta    json.RawMessage `json:"mutation_meta,omitempty"`
	AbortReason     string          `json:"abort_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus transitions are one-way: OPEN → FILLED | REJECTED | CANCELLED.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order reasons set by internal settlement flows.
const (
	ReasonForcedLiquidation = "FORCED_LIQUIDATION"
	ReasonExpiryExit        = "EXPIRY_EXIT"
)

// Order is a user's instruction.
type Order struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	InstrumentToken string       `json:"instrument_token"`
	Side            Side         `json:"side"`
	Quantity        int64        `json:"quantity"` // always positive
	OrderType       OrderType    `json:"order_type"`
	LimitPrice      money.Amount `json:"limit_price"`
	Status          OrderStatus  `json:"status"`
	Reason          string       `json:"reason,omitempty"`
	ExecutionPrice  money.Amount `json:"execution_price"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Trade is a filled quantity at a price. Immutable once inserted.
type Trade struct {
	ID              string       `json:"id"`
	OrderID         string       `json:"order_id"`
	UserID          string       `json:"user_id"`
	InstrumentToken string       `json:"instrument_token"`
	Side            Side         `json:"side"`
	Quantity        int64        `json:"quantity"`
	Price           money.Amount `json:"price"`
	ExecutedAt      time.Time    `json:"executed_at"`
}

// Position is the net holding of one instrument by one user. Quantity 0
// means flat; flat rows are kept.
type Position struct {
	UserID          string       `json:"user_id"`
	InstrumentToken string       `json:"instrument_token"`
	Quantity        int64        `json:"quantity"` // signed: +long, -short
	AveragePrice    money.Amount `json:"average_price"`
	RealizedPnL     money.Amount `json:"realized_pnl"`   // shadow of the REALIZED_PNL account
	BlockedMargin   money.Amount `json:"blocked_margin"` // margin held against this position
	UpdatedAt       time.Time    `json:"updated_at"`
}

// MarginStatus of a wallet.
type MarginStatus string

const (
	MarginNormal   MarginStatus = "NORMAL"
	MarginStressed MarginStatus = "MARGIN_STRESSED"
)

// AccountState is the risk band a wallet sits in.
type AccountState string

const (
	StateActive              AccountState = "ACTIVE"
	StateMarginCall          AccountState = "MARGIN_CALL"
	StateLiquidationEligible AccountState = "LIQUIDATION_ELIGIBLE"
)

// WalletSnapshot is a cached per-user financial summary. The ledger is the
// source of truth; Balance = cash + marginBlocked + unrealized-at-cost.
type WalletSnapshot struct {
	UserID            string       `json:"user_id"`
	Balance           money.Amount `json:"balance"`
	Equity            money.Amount `json:"equity"`
	UnrealizedPnL     money.Amount `json:"unrealized_pnl"`
	RequiredMargin    money.Amount `json:"required_margin"`
	MaintenanceMargin money.Amount `json:"maintenance_margin"`
	MarginStatus      MarginStatus `json:"margin_status"`
	AccountState      AccountState `json:"account_state"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// WalletRiskUpdate is what the MTM flush writes back.
type WalletRiskUpdate struct {
	UserID       string
	Equity       money.Amount
	MarginStatus MarginStatus
}

// InstrumentClass drives margin and accounting.
type InstrumentClass string

const (
	ClassEquity InstrumentClass = "EQUITY"
	ClassFuture InstrumentClass = "FUTURE"
	ClassOption InstrumentClass = "OPTION"
)

// Instrument metadata as supplied by the instrument collaborator.
type Instrument struct {
	Token      string          `json:"token"`
	Symbol     string          `json:"symbol"`
	Class      InstrumentClass `json:"class"`
	Leverage   int64           `json:"leverage,omitempty"`    // futures
	Underlying string          `json:"underlying,omitempty"`  // options
	Strike     money.Amount    `json:"strike"`                // options
	OptionType string          `json:"option_type,omitempty"` // CE or PE
	Expiry     time.Time       `json:"expiry,omitempty"`
}

// Margined reports whether fills only move margin (no cost changes hands).
func (i Instrument) Margined() bool { return i.Class == ClassFuture }

// Tick is one price update from the feed.
type Tick struct {
	InstrumentKey string       `json:"instrument_key"`
	Price         money.Amount `json:"price"`
	Timestamp     time.Time    `json:"timestamp"`
	Close         money.Amount `json:"close"`
}
