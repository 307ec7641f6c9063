// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development). Both give InTx all-or-nothing semantics.
package store

import (
	"context"
	"errors"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert hits an existing primary key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the persistence interface. A Store handed to an InTx callback is
// bound to that transaction; every other Store autocommits each call.
type Store interface {
	// InTx runs fn inside one transaction. A non-nil error from fn rolls
	// back every write fn made. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// LockUser serializes money-moving transactions of one user until the
	// surrounding transaction ends.
	LockUser(ctx context.Context, userID string) error

	// --- Ledger accounts ---

	// EnsureLedgerAccount returns the (user, type) account, creating it if absent.
	EnsureLedgerAccount(ctx context.Context, userID string, accountType model.AccountType) (*model.LedgerAccount, error)

	// FindLedgerAccount returns ErrNotFound when the account does not exist.
	FindLedgerAccount(ctx context.Context, userID string, accountType model.AccountType) (*model.LedgerAccount, error)

	// GetLedgerAccount looks an account up by id.
	GetLedgerAccount(ctx context.Context, id string) (*model.LedgerAccount, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends e unless its idempotency key exists, in
	// which case nothing is written and inserted is false. On insert the
	// entry's GlobalSequence is assigned.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (inserted bool, err error)

	// GetLedgerEntryByKey returns the entry recorded under an idempotency key.
	GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error)

	// ListLedgerEntriesByReference returns entries for one reference, in sequence order.
	ListLedgerEntriesByReference(ctx context.Context, refType model.ReferenceType, refID string) ([]model.LedgerEntry, error)

	// AccountBalance sums debits minus credits for one account.
	AccountBalance(ctx context.Context, accountID string) (money.Amount, error)

	// UserBalances returns AccountBalance for each of a user's accounts.
	UserBalances(ctx context.Context, userID string) (map[model.AccountType]money.Amount, error)

	// --- Write-ahead journal ---

	InsertJournal(ctx context.Context, rec *model.JournalRecord) error

	// LatestJournal returns the highest attempt recorded for journalID.
	LatestJournal(ctx context.Context, journalID string) (*model.JournalRecord, error)

	// TransitionJournal moves a PREPARED row to a terminal status and
	// reports whether a row was changed.
	TransitionJournal(ctx context.Context, rec *model.JournalRecord) (bool, error)

	ListJournalsByStatus(ctx context.Context, status model.JournalStatus) ([]model.JournalRecord, error)

	// --- Orders and trades ---

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderForUpdate reads the order and, inside a transaction, locks it.
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)

	UpdateOrder(ctx context.Context, o *model.Order) error

	// ListOpenOrders returns up to limit OPEN orders, oldest first.
	ListOpenOrders(ctx context.Context, limit int) ([]model.Order, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByOrder(ctx context.Context, orderID string) ([]model.Trade, error)

	// --- Positions ---

	// GetPositionForUpdate returns ErrNotFound when the user never held the
	// instrument; inside a transaction the row is locked.
	GetPositionForUpdate(ctx context.Context, userID, token string) (*model.Position, error)

	UpsertPosition(ctx context.Context, p *model.Position) error

	// ListOpenPositions returns the user's positions with non-zero quantity.
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListUsersWithOpenPositions is used to warm the MTM cache on start.
	ListUsersWithOpenPositions(ctx context.Context) ([]string, error)

	// --- Wallet snapshots ---

	GetWallet(ctx context.Context, userID string) (*model.WalletSnapshot, error)
	UpsertWallet(ctx context.Context, w *model.WalletSnapshot) error

	// UpdateWalletRisk writes only equity and margin status for each user.
	UpdateWalletRisk(ctx context.Context, updates []model.WalletRiskUpdate) error
}
