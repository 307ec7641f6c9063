// Package api provides the HTTP handlers for deposits, orders, equity,
// portfolio risk and prices.
//
// All monetary values are fixed-point strings on the wire, never floats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/papertrade/risk-engine/internal/execution"
	"github.com/papertrade/risk-engine/internal/id"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/journal"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/limits"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/store"
)

// Executor is implemented by execution.Service.
type Executor interface {
	TryExecuteOrder(ctx context.Context, order model.Order, opts execution.Options) (bool, error)
}

// RiskReader is implemented by mtm.Engine.
type RiskReader interface {
	GetUserSnapshot(userID string) (model.WalletSnapshot, bool)
	GetUserRiskPositions(userID string) ([]mtm.RiskPosition, bool)
	GetLatestPrice(token string, maxAge time.Duration) (money.Amount, bool)
}

// Service handles API requests.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	journal     *journal.Journal
	instruments instrument.Resolver
	exec        Executor
	risk        RiskReader
	limits      *limits.PositionLimiter
}

// NewService creates the API service.
func NewService(st store.Store, l *ledger.Ledger, j *journal.Journal, instruments instrument.Resolver,
	exec Executor, risk RiskReader,
) *Service {
	return &Service{store: st, ledger: l, journal: j, instruments: instruments, exec: exec, risk: risk}
}

// WithLimits enables pre-trade position limits on order placement.
func (s *Service) WithLimits(l *limits.PositionLimiter) *Service {
	s.limits = l
	return s
}

// Routes mounts the /api/v1 handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts/{userID}/deposits", s.Deposit)
	r.Get("/accounts/{userID}/equity", s.GetEquity)
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/prices/{token}", s.GetPrice)
	r.Get("/journal/pending", s.ListPendingJournals)
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /accounts/{userID}/deposits.
type DepositRequest struct {
	Amount         money.Amount `json:"amount"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// DepositResponse reports the recorded entry.
type DepositResponse struct {
	EntryID        string       `json:"entry_id"`
	Amount         money.Amount `json:"amount"`
	GlobalSequence int64        `json:"global_sequence"`
	Duplicate      bool         `json:"duplicate"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID          string          `json:"user_id"`
	InstrumentToken string          `json:"instrument_token"`
	Side            model.Side      `json:"side"`
	Quantity        int64           `json:"quantity"`
	OrderType       model.OrderType `json:"order_type"` // default MARKET
	LimitPrice      money.Amount    `json:"limit_price"`
}

// OrderResponse is returned for placed and queried orders.
type OrderResponse struct {
	Order  model.Order   `json:"order"`
	Filled bool          `json:"filled"`
	Trades []model.Trade `json:"trades"`
}

// PortfolioResponse is the MTM view of a user.
type PortfolioResponse struct {
	Wallet    model.WalletSnapshot `json:"wallet"`
	Positions []mtm.RiskPosition   `json:"positions"`
}

// --- HTTP Handlers ---

// Deposit handles POST /api/v1/accounts/{userID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.Deposit(r.Context(), userID, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, DepositResponse{
		EntryID:        res.EntryID,
		Amount:         res.Amount,
		GlobalSequence: res.GlobalSequence,
		Duplicate:      res.Duplicate,
	})
}

// GetEquity handles GET /api/v1/accounts/{userID}/equity
// Balances are reconstructed from the ledger, not from any cache.
func (s *Service) GetEquity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	eq, err := s.ledger.ReconstructUserEquity(r.Context(), nil, userID)
	if err != nil {
		writeError(w, "failed to reconstruct equity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// PlaceOrder handles POST /api/v1/orders
// The order is stored OPEN and executed once synchronously; an unfilled
// order is left for the execution sweep.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" || req.UserID == model.HouseUserID {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.OrderType == "" {
		req.OrderType = model.OrderMarket
	}
	switch req.OrderType {
	case model.OrderMarket:
	case model.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			writeError(w, "limit_price must be positive", http.StatusBadRequest)
			return
		}
	default:
		writeError(w, "order_type must be MARKET or LIMIT", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	inst, err := s.instruments.Resolve(ctx, req.InstrumentToken)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	now := time.Now().UTC()
	if instrument.Expired(inst, now) {
		writeError(w, instrument.ErrInstrumentExpired.Error(), http.StatusConflict)
		return
	}

	// --- Pre-trade limits ---
	if s.limits.Enabled() {
		positions, err := s.store.ListOpenPositions(ctx, req.UserID)
		if err != nil {
			writeError(w, "failed to load positions", http.StatusInternalServerError)
			return
		}
		if err := s.limits.CheckLimit(ctx, inst, req.Side.Sign()*req.Quantity, positions); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}

	order := model.Order{
		ID:              id.New(),
		UserID:          req.UserID,
		InstrumentToken: req.InstrumentToken,
		Side:            req.Side,
		Quantity:        req.Quantity,
		OrderType:       req.OrderType,
		LimitPrice:      req.LimitPrice,
		Status:          model.OrderOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertOrder(ctx, &order); err != nil {
		writeError(w, "failed to record order", http.StatusInternalServerError)
		return
	}

	filled, err := s.exec.TryExecuteOrder(ctx, order, execution.Options{})
	if err != nil {
		slog.Error("order execution failed", "order", order.ID, "user", order.UserID, "err", err)
		writeError(w, err.Error(), statusFor(err))
		return
	}

	resp, err := s.orderResponse(ctx, order.ID)
	if err != nil {
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	resp.Filled = filled
	writeJSON(w, http.StatusCreated, resp)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := s.orderResponse(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) orderResponse(ctx context.Context, orderID string) (OrderResponse, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	trades, err := s.store.ListTradesByOrder(ctx, orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return OrderResponse{Order: *o, Filled: o.Status == model.OrderFilled, Trades: trades}, nil
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Served from the MTM cache; 202 while the user is being loaded.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	wallet, ok := s.risk.GetUserSnapshot(userID)
	if !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
		return
	}
	positions, _ := s.risk.GetUserRiskPositions(userID)
	if positions == nil {
		positions = []mtm.RiskPosition{}
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{Wallet: wallet, Positions: positions})
}

// GetPrice handles GET /api/v1/prices/{token}?max_age=5s
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var maxAge time.Duration
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, "invalid max_age", http.StatusBadRequest)
			return
		}
		maxAge = d
	}
	price, ok := s.risk.GetLatestPrice(token, maxAge)
	if !ok {
		writeError(w, "no recent price for "+token, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "price": price})
}

// ListPendingJournals handles GET /api/v1/journal/pending
func (s *Service) ListPendingJournals(w http.ResponseWriter, r *http.Request) {
	recs, err := s.journal.ListPending(r.Context())
	if err != nil {
		writeError(w, "failed to list journal records", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.JournalRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, instrument.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAccountMappingInvalid),
		errors.Is(err, ledger.ErrIdempotencyRequired):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrIdempotencyConflict),
		errors.Is(err, limits.ErrPerInstrumentLimitExceeded),
		errors.Is(err, limits.ErrCorrelatedLimitExceeded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
