package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

func twoAccounts(t *testing.T, s *MemoryStore) (cash, blocked *model.LedgerAccount) {
	t.Helper()
	ctx := context.Background()
	cash, err := s.EnsureLedgerAccount(ctx, "u1", model.AccountCash)
	require.NoError(t, err)
	blocked, err = s.EnsureLedgerAccount(ctx, "u1", model.AccountMarginBlocked)
	require.NoError(t, err)
	return cash, blocked
}

func TestEnsureLedgerAccount_OnePerUserAndType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.EnsureLedgerAccount(ctx, "u1", model.AccountCash)
	require.NoError(t, err)
	b, err := s.EnsureLedgerAccount(ctx, "u1", model.AccountCash)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = s.FindLedgerAccount(ctx, "u2", model.AccountCash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertLedgerEntry_DuplicateKeyIsNoop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cash, blocked := twoAccounts(t, s)

	e := &model.LedgerEntry{
		DebitAccountID:  blocked.ID,
		CreditAccountID: cash.ID,
		Amount:          money.MustParse("250"),
		ReferenceType:   model.RefTrade,
		ReferenceID:     "o1",
		IdempotencyKey:  "TRADE-o1-margin-block",
	}
	inserted, err := s.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), e.GlobalSequence)

	again := *e
	again.ID, again.GlobalSequence = "", 0
	inserted, err = s.InsertLedgerEntry(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	bal, err := s.AccountBalance(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, "250.00000000", bal.String())

	balances, err := s.UserBalances(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "-250.00000000", balances[model.AccountCash].String())
	assert.Len(t, s.LedgerEntries(), 1)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cash, blocked := twoAccounts(t, s)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx Store) error {
		_, err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			DebitAccountID: blocked.ID, CreditAccountID: cash.ID,
			Amount: money.MustParse("1"), ReferenceType: model.RefTrade,
			ReferenceID: "o1", IdempotencyKey: "k1",
		})
		require.NoError(t, err)
		require.NoError(t, tx.UpsertPosition(ctx, &model.Position{UserID: "u1", InstrumentToken: "T", Quantity: 5}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, s.LedgerEntries())
	_, err = s.GetPositionForUpdate(ctx, "u1", "T")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.UpsertPosition(ctx, &model.Position{UserID: "u1", InstrumentToken: "T", Quantity: -3})
	})
	require.NoError(t, err)

	p, err := s.GetPositionForUpdate(ctx, "u1", "T")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), p.Quantity)

	users, err := s.ListUsersWithOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestTransitionJournal_OnlyFromPrepared(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertJournal(ctx, &model.JournalRecord{
		JournalID: "o1", Attempt: 1, Status: model.JournalPrepared, CreatedAt: now, UpdatedAt: now,
	}))
	assert.Error(t, s.InsertJournal(ctx, &model.JournalRecord{JournalID: "o1", Attempt: 1}))

	ok, err := s.TransitionJournal(ctx, &model.JournalRecord{
		JournalID: "o1", Attempt: 1, Status: model.JournalCommitted, LedgerSequences: []int64{1, 2},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionJournal(ctx, &model.JournalRecord{
		JournalID: "o1", Attempt: 1, Status: model.JournalAborted,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.LatestJournal(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, model.JournalCommitted, rec.Status)
	assert.Equal(t, []int64{1, 2}, rec.LedgerSequences)

	pending, err := s.ListJournalsByStatus(ctx, model.JournalPrepared)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListOpenOrders_OldestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.InsertOrder(ctx, &model.Order{
			ID: id, Status: model.OrderOpen, Quantity: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.InsertOrder(ctx, &model.Order{ID: "d", Status: model.OrderFilled, Quantity: 1, CreatedAt: base}))

	orders, err := s.ListOpenOrders(ctx, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "c", orders[0].ID)
	assert.Equal(t, "a", orders[1].ID)
}

func TestUpdateWalletRisk_TouchesOnlyRiskFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertWallet(ctx, &model.WalletSnapshot{
		UserID: "u1", Balance: money.MustParse("1000"), Equity: money.MustParse("1000"),
		MarginStatus: model.MarginNormal, AccountState: model.StateActive,
	}))
	require.NoError(t, s.UpdateWalletRisk(ctx, []model.WalletRiskUpdate{
		{UserID: "u1", Equity: money.MustParse("900"), MarginStatus: model.MarginStressed},
	}))

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00000000", w.Balance.String())
	assert.Equal(t, "900.00000000", w.Equity.String())
	assert.Equal(t, model.MarginStressed, w.MarginStatus)
	assert.Equal(t, model.StateActive, w.AccountState)
}
