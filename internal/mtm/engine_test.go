package mtm_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/execution"
	"github.com/papertrade/risk-engine/internal/feed"
	"github.com/papertrade/risk-engine/internal/id"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/store"
)

const waitFor = 2 * time.Second

type fillPrices struct {
	mu sync.Mutex
	m  map[string]money.Amount
}

func (p *fillPrices) LatestPrice(token string) (money.Amount, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.m[token]
	return a, ok
}

type recordingEvaluator struct {
	mu    sync.Mutex
	snaps []mtm.RiskSnapshot
}

func (r *recordingEvaluator) Evaluate(_ context.Context, snap mtm.RiskSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
}

func (r *recordingEvaluator) states() []model.AccountState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AccountState, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Wallet.AccountState
	}
	return out
}

// flakyStore fails wallet risk updates while failing is set.
type flakyStore struct {
	store.Store
	failing atomic.Bool
}

func (f *flakyStore) UpdateWalletRisk(ctx context.Context, updates []model.WalletRiskUpdate) error {
	if f.failing.Load() {
		return errors.New("database unavailable")
	}
	return f.Store.UpdateWalletRisk(ctx, updates)
}

type harness struct {
	ms     *store.MemoryStore
	st     *flakyStore
	ledger *ledger.Ledger
	reg    *instrument.Registry
	feed   *feed.MemoryFeed
	bus    *events.Bus
	exec   *execution.Service
	prices *fillPrices
	eval   *recordingEvaluator
	engine *mtm.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := store.NewMemoryStore()
	st := &flakyStore{Store: ms}
	reg, err := instrument.NewRegistry(
		model.Instrument{Token: "FUT", Class: model.ClassFuture, Leverage: 5},
		model.Instrument{Token: "EQ", Class: model.ClassEquity},
	)
	require.NoError(t, err)

	bus := events.NewBus()
	h := &harness{
		ms:     ms,
		st:     st,
		ledger: ledger.New(st, nil, nil).WithBus(bus),
		reg:    reg,
		feed:   feed.NewMemoryFeed(64),
		bus:    bus,
		prices: &fillPrices{m: map[string]money.Amount{}},
		eval:   &recordingEvaluator{},
	}
	h.engine = mtm.New(st, h.ledger, reg, margin.NewStandard(), h.feed, h.bus, mtm.Options{
		FlushInterval: 10 * time.Millisecond,
		Evaluator:     h.eval,
	})
	h.exec = execution.NewService(execution.Config{
		Store:       st,
		Ledger:      h.ledger,
		Instruments: reg,
		Filler:      execution.LastPriceFiller{Prices: h.prices},
		Prices:      h.prices,
		Bus:         h.bus,
		Refresher:   h.engine,
	})
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })
	return h
}

func (h *harness) deposit(t *testing.T, user, amount string) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), user, money.MustParse(amount), "dep-"+user)
	require.NoError(t, err)
}

func (h *harness) fill(t *testing.T, user, token string, side model.Side, qty int64, price string) {
	t.Helper()
	ctx := context.Background()
	h.prices.mu.Lock()
	h.prices.m[token] = money.MustParse(price)
	h.prices.mu.Unlock()

	now := time.Now().UTC()
	o := model.Order{
		ID: id.New(), UserID: user, InstrumentToken: token, Side: side, Quantity: qty,
		OrderType: model.OrderMarket, Status: model.OrderOpen, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.ms.InsertOrder(ctx, &o))
	ok, err := h.exec.TryExecuteOrder(ctx, o, execution.Options{})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) tick(t *testing.T, token, price string, at time.Time) {
	t.Helper()
	require.True(t, h.feed.Push(model.Tick{InstrumentKey: token, Price: money.MustParse(price), Timestamp: at}))
}

func (h *harness) equity(user string) string {
	w, _ := h.engine.GetUserSnapshot(user)
	return w.Equity.String()
}

func TestInitialize_WarmsCacheAndSubscribes(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")

	require.NoError(t, h.engine.Initialize(context.Background()))

	w, ok := h.engine.GetUserSnapshot("u1")
	require.True(t, ok)
	assert.Equal(t, "100000.00000000", w.Balance.String())
	assert.Equal(t, "100000.00000000", w.Equity.String())
	assert.Equal(t, "1000.00000000", w.RequiredMargin.String())
	assert.Equal(t, model.MarginNormal, w.MarginStatus)
	assert.Equal(t, []string{"FUT"}, h.feed.Subscribed())

	risk, ok := h.engine.GetUserRiskPositions("u1")
	require.True(t, ok)
	require.Len(t, risk, 1)
	assert.Equal(t, int64(50), risk[0].Position.Quantity)
}

func TestTick_RevaluesAndFlushes(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())

	h.tick(t, "FUT", "120", time.Now())

	require.Eventually(t, func() bool { return h.equity("u1") == "101000.00000000" }, waitFor, 5*time.Millisecond)
	w, _ := h.engine.GetUserSnapshot("u1")
	assert.Equal(t, "100000.00000000", w.Balance.String())
	assert.Equal(t, "1000.00000000", w.UnrealizedPnL.String())
	assert.Equal(t, "1200.00000000", w.RequiredMargin.String())

	price, ok := h.engine.GetLatestPrice("FUT", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "120.00000000", price.String())

	require.Eventually(t, func() bool {
		stored, err := h.ms.GetWallet(context.Background(), "u1")
		return err == nil && stored.Equity.String() == "101000.00000000"
	}, waitFor, 5*time.Millisecond)

	// The ledger is untouched by revaluation.
	eq, err := h.ledger.ReconstructUserEquity(context.Background(), nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "100000.00000000", eq.Equity.String())
}

func TestTick_StaleAndInvalidAreDropped(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())

	h.tick(t, "FUT", "150", time.Now().Add(-time.Hour))
	h.tick(t, "FUT", "160", time.Now().Add(time.Minute))
	h.tick(t, "FUT", "0", time.Now())
	h.tick(t, "FUT", "110", time.Now())

	require.Eventually(t, func() bool { return h.equity("u1") == "100500.00000000" }, waitFor, 5*time.Millisecond)
	price, ok := h.engine.LatestPrice("FUT")
	require.True(t, ok)
	assert.Equal(t, "110.00000000", price.String())
}

func TestStressTransitionsReachEvaluator(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "2000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())

	for _, p := range []string{"90", "70", "60", "110", "120"} {
		h.tick(t, "FUT", p, time.Now())
	}

	require.Eventually(t, func() bool { return h.equity("u1") == "3000.00000000" }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []model.AccountState{
		model.StateMarginCall,
		model.StateLiquidationEligible,
		model.StateActive,
	}, h.eval.states())
}

func TestExecutionInvalidatesUser(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())

	h.fill(t, "u1", "FUT", model.SideSell, 50, "120")

	require.Eventually(t, func() bool {
		risk, ok := h.engine.GetUserRiskPositions("u1")
		return ok && len(risk) == 0
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.feed.Subscribed()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "101000.00000000", h.equity("u1"))
}

func TestDepositReloadsBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.deposit(t, "u1", "1000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(ctx))
	h.engine.Start(ctx)

	h.tick(t, "FUT", "90", time.Now())
	require.Eventually(t, func() bool { return h.equity("u1") == "500.00000000" }, waitFor, 5*time.Millisecond)
	w, _ := h.engine.GetUserSnapshot("u1")
	require.Equal(t, model.MarginStressed, w.MarginStatus)

	_, err := h.ledger.Deposit(ctx, "u1", money.MustParse("50000"), "top-up-u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.equity("u1") == "50500.00000000" }, waitFor, 5*time.Millisecond)
	w, _ = h.engine.GetUserSnapshot("u1")
	assert.Equal(t, "51000.00000000", w.Balance.String())
	assert.Equal(t, model.MarginNormal, w.MarginStatus)
	assert.Equal(t, model.StateActive, w.AccountState)

	h.tick(t, "FUT", "89", time.Now())
	require.Eventually(t, func() bool { return h.equity("u1") == "50450.00000000" }, waitFor, 5*time.Millisecond)

	// One margin call, one recovery; nothing while healthy.
	assert.Equal(t, []model.AccountState{model.StateMarginCall, model.StateActive}, h.eval.states())

	require.Eventually(t, func() bool {
		stored, err := h.ms.GetWallet(ctx, "u1")
		return err == nil && stored.MarginStatus == model.MarginNormal
	}, waitFor, 5*time.Millisecond)
}

func TestUncachedUserLoadsLazily(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())
	h.deposit(t, "u2", "500")

	_, ok := h.engine.GetUserSnapshot("u2")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return h.equity("u2") == "500.00000000" }, waitFor, 5*time.Millisecond)
}

func TestRefreshUserNow(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")

	_, err := h.engine.RefreshUserNow(context.Background(), "u1")
	assert.ErrorIs(t, err, mtm.ErrNotRunning)

	require.NoError(t, h.engine.Initialize(context.Background()))
	h.engine.Start(context.Background())

	h.fill(t, "u1", "EQ", model.SideBuy, 10, "50")
	w, err := h.engine.RefreshUserNow(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "100000.00000000", w.Equity.String())
	assert.Equal(t, []string{"EQ"}, h.feed.Subscribed())
}

func TestFailedFlushLeavesUsersDirty(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "u1", "100000")
	h.fill(t, "u1", "FUT", model.SideBuy, 50, "100")
	require.NoError(t, h.engine.Initialize(context.Background()))
	h.st.failing.Store(true)
	h.engine.Start(context.Background())

	h.tick(t, "FUT", "90", time.Now())
	require.Eventually(t, func() bool { return h.equity("u1") == "99500.00000000" }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stored, err := h.ms.GetWallet(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "100000.00000000", stored.Equity.String())

	h.st.failing.Store(false)
	require.Eventually(t, func() bool {
		stored, err := h.ms.GetWallet(context.Background(), "u1")
		return err == nil && stored.Equity.String() == "99500.00000000"
	}, waitFor, 5*time.Millisecond)
}
