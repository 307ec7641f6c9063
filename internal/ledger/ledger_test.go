package ledger_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/store"
)

func newTestLedger(t *testing.T, users ...string) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil, nil)
	for _, u := range users {
		require.NoError(t, l.BootstrapAccounts(context.Background(), u))
	}
	return l, ms
}

func record(ctx context.Context, l *ledger.Ledger, ms *store.MemoryStore, debit, credit ledger.AccountRef, amount string, key string) (ledger.EntryResult, error) {
	var res ledger.EntryResult
	err := ms.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		res, err = l.RecordEntry(ctx, tx, debit, credit, money.MustParse(amount),
			ledger.Reference{Type: model.RefTrade, ID: "o1", IdempotencyKey: key})
		return err
	})
	return res, err
}

func TestRecordEntry_SameKeySameIntentIsDuplicate(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, "u1")
	blocked := ledger.Of("u1", model.AccountMarginBlocked)
	cash := ledger.Of("u1", model.AccountCash)

	first, err := record(ctx, l, ms, blocked, cash, "250", "TRADE-o1-margin-block")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := record(ctx, l, ms, blocked, cash, "250.00000000", "TRADE-o1-margin-block")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, first.GlobalSequence, second.GlobalSequence)

	assert.Len(t, ms.LedgerEntries(), 1)
	eq, err := l.ReconstructUserEquity(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "250.00000000", eq.MarginBlocked.String())
	assert.Equal(t, "-250.00000000", eq.Cash.String())
}

func TestRecordEntry_SameKeyDifferentIntentConflicts(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, "u1")
	blocked := ledger.Of("u1", model.AccountMarginBlocked)
	cash := ledger.Of("u1", model.AccountCash)

	_, err := record(ctx, l, ms, blocked, cash, "250", "k")
	require.NoError(t, err)

	_, err = record(ctx, l, ms, blocked, cash, "251", "k")
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)

	_, err = record(ctx, l, ms, cash, blocked, "250", "k")
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)

	assert.Len(t, ms.LedgerEntries(), 1)
}

func TestRecordEntry_Validation(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, "u1")
	cash := ledger.Of("u1", model.AccountCash)
	fees := ledger.Of("u1", model.AccountFees)

	_, err := record(ctx, l, ms, fees, cash, "0", "k0")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = record(ctx, l, ms, fees, cash, "-1", "k1")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = record(ctx, l, ms, fees, cash, "1", "")
	assert.ErrorIs(t, err, ledger.ErrIdempotencyRequired)

	_, err = record(ctx, l, ms, cash, cash, "1", "k2")
	assert.ErrorIs(t, err, ledger.ErrAccountMappingInvalid)

	_, err = record(ctx, l, ms, ledger.Of("ghost", model.AccountCash), cash, "1", "k3")
	assert.ErrorIs(t, err, ledger.ErrAccountMappingInvalid)
	assert.ErrorIs(t, err, ledger.ErrLedgerAccountMissing)

	assert.Empty(t, ms.LedgerEntries())
}

func TestRecordEntry_ByID(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, "u1")
	ids, err := l.Accounts().Bootstrap(ctx, "u1")
	require.NoError(t, err)

	res, err := record(ctx, l, ms,
		ledger.ByID(ids[model.AccountFees]), ledger.Of("u1", model.AccountCash), "1.5", "fee-1")
	require.NoError(t, err)
	assert.Equal(t, "1.50000000", res.Amount.String())

	bal, err := l.GetAccountBalance(ctx, nil, ids[model.AccountFees])
	require.NoError(t, err)
	assert.Equal(t, "1.50000000", bal.String())

	_, err = record(ctx, l, ms,
		ledger.ByID("no-such-account"), ledger.Of("u1", model.AccountCash), "1", "fee-2")
	assert.ErrorIs(t, err, ledger.ErrAccountMappingInvalid)
	assert.ErrorIs(t, err, ledger.ErrLedgerAccountMissing)

	_, err = record(ctx, l, ms,
		ledger.Of("u1", model.AccountCash), ledger.ByID("no-such-account"), "1", "fee-3")
	assert.ErrorIs(t, err, ledger.ErrAccountMappingInvalid)
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Deposit(ctx, "u1", money.MustParse("10000"), "dep-1")
	require.NoError(t, err)
	res, err := l.Deposit(ctx, "u1", money.MustParse("10000"), "dep-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	eq, err := l.ReconstructUserEquity(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "10000.00000000", eq.Cash.String())
	assert.Equal(t, "10000.00000000", eq.Equity.String())

	house, err := l.ReconstructUserEquity(ctx, nil, model.HouseUserID)
	require.NoError(t, err)
	assert.Equal(t, "-10000.00000000", house.Cash.String())

	_, err = l.Deposit(ctx, model.HouseUserID, money.MustParse("1"), "dep-2")
	assert.ErrorIs(t, err, ledger.ErrAccountMappingInvalid)
}

func TestReconstructUserEquity_MatchesAccountSum(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t, "u1")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		a := model.AccountTypes[rng.Intn(len(model.AccountTypes))]
		b := model.AccountTypes[rng.Intn(len(model.AccountTypes))]
		if a == b {
			continue
		}
		amt := fmt.Sprintf("%d.%08d", rng.Intn(1000), rng.Intn(100000000))
		if money.MustParse(amt).IsZero() {
			continue
		}
		_, err := record(ctx, l, ms, ledger.Of("u1", a), ledger.Of("u1", b), amt, fmt.Sprintf("k-%d", i))
		require.NoError(t, err)
	}

	eq, err := l.ReconstructUserEquity(ctx, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, eq.Cash.Add(eq.MarginBlocked).Add(eq.UnrealizedPnL).String(), eq.Equity.String())

	// Entries inside one user are conserved: every account sums to zero.
	total := eq.Equity.Sub(eq.RealizedPnL).Add(eq.Fees)
	assert.True(t, total.IsZero(), "total %s", total)
}
