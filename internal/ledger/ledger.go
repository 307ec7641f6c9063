// Package ledger implements append-only double-entry bookkeeping over
// fixed-point amounts. The entry log is the source of truth for every
// balance in the system; everything else is a cache of it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/store"
)

var (
	ErrAccountMappingInvalid = errors.New("ledger: account mapping invalid")
	ErrIdempotencyRequired   = errors.New("ledger: idempotency key required")
	ErrIdempotencyConflict   = errors.New("ledger: idempotency key reused with different intent")
	ErrLedgerAccountMissing  = errors.New("ledger: ledger account missing")
)

// AccountRef names an account directly by ID or by (UserID, Type).
type AccountRef struct {
	ID     string
	UserID string
	Type   model.AccountType
}

// ByID references an account by its id.
func ByID(id string) AccountRef { return AccountRef{ID: id} }

// Of references the Type account of userID.
func Of(userID string, t model.AccountType) AccountRef { return AccountRef{UserID: userID, Type: t} }

func (r AccountRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return r.UserID + "/" + string(r.Type)
}

// Reference identifies what caused an entry and the key of the intended mutation.
type Reference struct {
	Type           model.ReferenceType
	ID             string
	IdempotencyKey string
}

// EntryResult is returned by RecordEntry. Duplicate is true when the key had
// already been recorded with the same intent; nothing new was written.
type EntryResult struct {
	EntryID        string
	Amount         money.Amount
	GlobalSequence int64
	Duplicate      bool
}

// Ledger records entries and derives balances.
type Ledger struct {
	st       store.Store
	accounts *AccountCache
	log      *slog.Logger
	bus      *events.Bus
}

// New creates a Ledger. accounts may be nil, in which case a private cache is used.
func New(st store.Store, accounts *AccountCache, logger *slog.Logger) *Ledger {
	if accounts == nil {
		accounts = NewAccountCache(st)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{st: st, accounts: accounts, log: logger}
}

// WithBus makes deposits publish events.BalanceChanged so cached views of
// the user's balance are reloaded.
func (l *Ledger) WithBus(bus *events.Bus) *Ledger {
	l.bus = bus
	return l
}

// Accounts exposes the account cache.
func (l *Ledger) Accounts() *AccountCache { return l.accounts }

// BootstrapAccounts creates all accounts of userID. Call it before opening a
// transaction that posts to the user.
func (l *Ledger) BootstrapAccounts(ctx context.Context, userID string) error {
	_, err := l.accounts.Bootstrap(ctx, userID)
	return err
}

// RecordEntry moves amount from credit to debit inside tx.
//
// A key that was already recorded is a duplicate when debit, credit, amount
// and reference all match the original, and ErrIdempotencyConflict otherwise.
func (l *Ledger) RecordEntry(ctx context.Context, tx store.Store, debit, credit AccountRef, amount money.Amount, ref Reference) (EntryResult, error) {
	if !amount.IsPositive() {
		return EntryResult{}, fmt.Errorf("%w: entry amount must be positive, got %s", money.ErrInvalidAmount, amount)
	}
	if ref.IdempotencyKey == "" {
		return EntryResult{}, ErrIdempotencyRequired
	}

	debitID, err := l.resolve(ctx, tx, debit)
	if err != nil {
		return EntryResult{}, err
	}
	creditID, err := l.resolve(ctx, tx, credit)
	if err != nil {
		return EntryResult{}, err
	}
	if debitID == creditID {
		return EntryResult{}, fmt.Errorf("%w: debit and credit are both %s", ErrAccountMappingInvalid, debit)
	}

	e := &model.LedgerEntry{
		DebitAccountID:  debitID,
		CreditAccountID: creditID,
		Amount:          amount,
		ReferenceType:   ref.Type,
		ReferenceID:     ref.ID,
		IdempotencyKey:  ref.IdempotencyKey,
	}
	inserted, err := tx.InsertLedgerEntry(ctx, e)
	if err != nil {
		return EntryResult{}, fmt.Errorf("record entry %s: %w", ref.IdempotencyKey, err)
	}
	if inserted {
		metrics.LedgerEntries.WithLabelValues(string(ref.Type), "false").Inc()
		return EntryResult{EntryID: e.ID, Amount: e.Amount, GlobalSequence: e.GlobalSequence}, nil
	}

	orig, err := tx.GetLedgerEntryByKey(ctx, ref.IdempotencyKey)
	if err != nil {
		return EntryResult{}, fmt.Errorf("re-read entry %s: %w", ref.IdempotencyKey, err)
	}
	if orig.DebitAccountID != debitID || orig.CreditAccountID != creditID ||
		!orig.Amount.Equal(amount) || orig.ReferenceType != ref.Type || orig.ReferenceID != ref.ID {
		l.log.Error("idempotency conflict",
			"key", ref.IdempotencyKey,
			"amount", amount.String(),
			"original_amount", orig.Amount.String(),
		)
		return EntryResult{}, fmt.Errorf("%w: %s", ErrIdempotencyConflict, ref.IdempotencyKey)
	}
	metrics.LedgerEntries.WithLabelValues(string(ref.Type), "true").Inc()
	return EntryResult{
		EntryID:        orig.ID,
		Amount:         orig.Amount,
		GlobalSequence: orig.GlobalSequence,
		Duplicate:      true,
	}, nil
}

func (l *Ledger) resolve(ctx context.Context, tx store.Store, ref AccountRef) (string, error) {
	if ref.ID != "" {
		if tx == nil {
			tx = l.st
		}
		acct, err := tx.GetLedgerAccount(ctx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: account %s: %w", ErrAccountMappingInvalid, ref.ID, ErrLedgerAccountMissing)
		}
		if err != nil {
			return "", err
		}
		return acct.ID, nil
	}
	if ref.UserID == "" || ref.Type == "" {
		return "", fmt.Errorf("%w: empty account reference", ErrAccountMappingInvalid)
	}
	return l.accounts.Resolve(ctx, tx, ref.UserID, ref.Type)
}

// Deposit credits userID's CASH from the house account in its own transaction.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount money.Amount, idempotencyKey string) (EntryResult, error) {
	if userID == "" || userID == model.HouseUserID {
		return EntryResult{}, fmt.Errorf("%w: cannot deposit to %q", ErrAccountMappingInvalid, userID)
	}
	for _, u := range []string{model.HouseUserID, userID} {
		if err := l.BootstrapAccounts(ctx, u); err != nil {
			return EntryResult{}, err
		}
	}

	var res EntryResult
	err := l.st.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		res, err = l.RecordEntry(ctx, tx,
			Of(userID, model.AccountCash),
			Of(model.HouseUserID, model.AccountCash),
			amount,
			Reference{Type: model.RefDeposit, ID: userID, IdempotencyKey: idempotencyKey},
		)
		return err
	})
	if err != nil {
		return EntryResult{}, err
	}
	l.log.Info("deposit recorded",
		"user", userID,
		"amount", amount.String(),
		"duplicate", res.Duplicate,
	)
	if l.bus != nil && !res.Duplicate {
		l.bus.Publish(ctx, events.BalanceChanged{
			UserID:        userID,
			EntryID:       res.EntryID,
			Amount:        res.Amount,
			ReferenceType: model.RefDeposit,
		})
	}
	return res, nil
}

// GetAccountBalance sums debits minus credits of one account. q may be a
// transaction; nil reads outside any transaction.
func (l *Ledger) GetAccountBalance(ctx context.Context, q store.Store, accountID string) (money.Amount, error) {
	if q == nil {
		q = l.st
	}
	return q.AccountBalance(ctx, accountID)
}

// Equity is a user's balances reconstructed from the entry log.
type Equity struct {
	UserID        string       `json:"user_id"`
	Cash          money.Amount `json:"cash"`
	MarginBlocked money.Amount `json:"margin_blocked"`
	UnrealizedPnL money.Amount `json:"unrealized_pnl"`
	RealizedPnL   money.Amount `json:"realized_pnl"`
	Fees          money.Amount `json:"fees"`
	Equity        money.Amount `json:"equity"`
}

// ReconstructUserEquity derives the user's balances from the entry log.
// Equity is cash + marginBlocked + unrealizedPnL; this is the only
// authoritative equity figure. q may be a transaction.
//
// The UNREALIZED_PNL account carries paid positions at cost, so Equity here
// is the user's book value; the MTM engine adds price movement on top.
// Realized P&L is income and so carries a credit balance; it is negated.
func (l *Ledger) ReconstructUserEquity(ctx context.Context, q store.Store, userID string) (Equity, error) {
	if q == nil {
		q = l.st
	}
	b, err := q.UserBalances(ctx, userID)
	if err != nil {
		return Equity{}, fmt.Errorf("reconstruct equity %s: %w", userID, err)
	}
	eq := Equity{
		UserID:        userID,
		Cash:          b[model.AccountCash],
		MarginBlocked: b[model.AccountMarginBlocked],
		UnrealizedPnL: b[model.AccountUnrealizedPnL],
		RealizedPnL:   b[model.AccountRealizedPnL].Neg(),
		Fees:          b[model.AccountFees],
	}
	eq.Equity = eq.Cash.Add(eq.MarginBlocked).Add(eq.UnrealizedPnL)
	return eq, nil
}
