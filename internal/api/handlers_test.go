package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/risk-engine/internal/api"
	"github.com/papertrade/risk-engine/internal/execution"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/journal"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/limits"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/store"
)

type staticPrices map[string]money.Amount

func (p staticPrices) LatestPrice(token string) (money.Amount, bool) {
	a, ok := p[token]
	return a, ok
}

// fakeRisk serves fixed MTM answers.
type fakeRisk struct {
	wallets map[string]model.WalletSnapshot
	prices  staticPrices
}

func (f *fakeRisk) GetUserSnapshot(userID string) (model.WalletSnapshot, bool) {
	w, ok := f.wallets[userID]
	return w, ok
}

func (f *fakeRisk) GetUserRiskPositions(userID string) ([]mtm.RiskPosition, bool) {
	_, ok := f.wallets[userID]
	return nil, ok
}

func (f *fakeRisk) GetLatestPrice(token string, _ time.Duration) (money.Amount, bool) {
	return f.prices.LatestPrice(token)
}

// newTestEnv creates the API with an in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *fakeRisk, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	reg, err := instrument.NewRegistry(
		model.Instrument{Token: "FUT", Class: model.ClassFuture, Leverage: 5, Underlying: "IDX"},
		model.Instrument{Token: "FUT-NEXT", Class: model.ClassFuture, Leverage: 5, Underlying: "IDX"},
		model.Instrument{Token: "FUT-OLD", Class: model.ClassFuture, Leverage: 5, Underlying: "IDX",
			Expiry: time.Date(2020, 1, 30, 0, 0, 0, 0, time.UTC)},
		model.Instrument{Token: "EQ", Class: model.ClassEquity},
	)
	require.NoError(t, err)

	prices := staticPrices{
		"FUT": money.MustParse("100"), "FUT-NEXT": money.MustParse("101"),
		"FUT-OLD": money.MustParse("99"), "EQ": money.MustParse("50"),
	}
	l := ledger.New(ms, nil, nil)
	j := journal.New(ms, nil)
	exec := execution.NewService(execution.Config{
		Store: ms, Ledger: l, Journal: j, Instruments: reg,
		Filler: execution.LastPriceFiller{Prices: prices}, Prices: prices,
	})
	risk := &fakeRisk{wallets: map[string]model.WalletSnapshot{}, prices: prices}
	svc := api.NewService(ms, l, j, reg, exec, risk).
		WithLimits(limits.NewPositionLimiter(100, 120, reg))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, risk, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func deposit(t *testing.T, router chi.Router, user, amount, key string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/accounts/"+user+"/deposits", map[string]string{
		"amount": amount, "idempotency_key": key,
	})
}

func TestDeposit(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := deposit(t, router, "u1", "1000.5", "k1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.DepositResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1000.50000000", resp.Amount.String())
	assert.False(t, resp.Duplicate)

	w = deposit(t, router, "u1", "1000.5", "k1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)

	w = deposit(t, router, "u1", "5", "k1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = deposit(t, router, "u1", "-5", "k2")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = deposit(t, router, "u1", "5", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/accounts/u1/equity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var eq ledger.Equity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eq))
	assert.Equal(t, "1000.50000000", eq.Cash.String())
}

func TestPlaceOrder_Fills(t *testing.T) {
	ms, _, router := newTestEnv(t)
	require.Equal(t, http.StatusCreated, deposit(t, router, "u1", "100000", "k1").Code)

	w := do(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "u1", InstrumentToken: "FUT", Side: model.SideBuy, Quantity: 50,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Filled)
	assert.Equal(t, model.OrderFilled, resp.Order.Status)
	assert.Equal(t, model.OrderMarket, resp.Order.OrderType)
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, "100.00000000", resp.Trades[0].Price.String())

	w = do(t, router, "GET", "/api/v1/orders/"+resp.Order.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	p, err := ms.GetPositionForUpdate(context.Background(), "u1", "FUT")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Quantity)
}

func TestPlaceOrder_RejectedForFunds(t *testing.T) {
	_, _, router := newTestEnv(t)
	require.Equal(t, http.StatusCreated, deposit(t, router, "u1", "10", "k1").Code)

	w := do(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "u1", InstrumentToken: "EQ", Side: model.SideBuy, Quantity: 1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Filled)
	assert.Equal(t, model.OrderRejected, resp.Order.Status)
	assert.Empty(t, resp.Trades)
}

func TestPlaceOrder_PositionLimits(t *testing.T) {
	_, _, router := newTestEnv(t)
	require.Equal(t, http.StatusCreated, deposit(t, router, "u1", "100000", "k1").Code)

	order := func(token string, side model.Side, qty int64) *httptest.ResponseRecorder {
		return do(t, router, "POST", "/api/v1/orders", api.OrderRequest{
			UserID: "u1", InstrumentToken: token, Side: side, Quantity: qty,
		})
	}

	require.Equal(t, http.StatusCreated, order("FUT", model.SideBuy, 80).Code)

	w := order("FUT", model.SideBuy, 30) // 110 > 100
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "per-instrument")

	w = order("FUT-NEXT", model.SideSell, 50) // 80 + 50 > 120 on IDX
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "correlated")

	assert.Equal(t, http.StatusCreated, order("FUT-NEXT", model.SideBuy, 40).Code)
	assert.Equal(t, http.StatusCreated, order("FUT", model.SideSell, 30).Code, "reducing trades pass")

	w = order("FUT-OLD", model.SideBuy, 1)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestPlaceOrder_Validation(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name string
		req  api.OrderRequest
		code int
	}{
		{"missing user", api.OrderRequest{InstrumentToken: "FUT", Side: model.SideBuy, Quantity: 1}, http.StatusBadRequest},
		{"bad side", api.OrderRequest{UserID: "u1", InstrumentToken: "FUT", Side: "HOLD", Quantity: 1}, http.StatusBadRequest},
		{"zero quantity", api.OrderRequest{UserID: "u1", InstrumentToken: "FUT", Side: model.SideBuy}, http.StatusBadRequest},
		{"limit without price", api.OrderRequest{UserID: "u1", InstrumentToken: "FUT", Side: model.SideBuy, Quantity: 1, OrderType: model.OrderLimit}, http.StatusBadRequest},
		{"unknown instrument", api.OrderRequest{UserID: "u1", InstrumentToken: "NOPE", Side: model.SideBuy, Quantity: 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/orders", tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := do(t, router, "GET", "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPortfolioAndPrices(t *testing.T) {
	_, risk, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/portfolio/u1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	risk.wallets["u1"] = model.WalletSnapshot{UserID: "u1", Equity: money.MustParse("42")}
	w = do(t, router, "GET", "/api/v1/portfolio/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pf api.PortfolioResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pf))
	assert.Equal(t, "42.00000000", pf.Wallet.Equity.String())
	assert.NotNil(t, pf.Positions)

	w = do(t, router, "GET", "/api/v1/prices/FUT?max_age=5s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"100.00000000"`)

	assert.Equal(t, http.StatusNotFound, do(t, router, "GET", "/api/v1/prices/NOPE", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, "GET", "/api/v1/prices/FUT?max_age=x", nil).Code)
}

func TestListPendingJournals(t *testing.T) {
	ms, _, router := newTestEnv(t)
	_, _, err := journal.New(ms, nil).Prepare(context.Background(), journal.Intent{
		JournalID: "order-1", OperationType: execution.OperationOrderExecution, UserID: "u1", ReferenceID: "order-1",
	})
	require.NoError(t, err)

	w := do(t, router, "GET", "/api/v1/journal/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []model.JournalRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "order-1", recs[0].JournalID)
}
