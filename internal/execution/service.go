// Package execution turns a fillable order into ledger postings, a trade
// and a position update inside one store transaction, wrapped by the
// write-ahead journal.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/risk-engine/internal/events"
	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/journal"
	"github.com/papertrade/risk-engine/internal/ledger"
	"github.com/papertrade/risk-engine/internal/margin"
	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
	"github.com/papertrade/risk-engine/internal/store"
)

var (
	// ErrInsufficientFunds rejects an order whose net cash outflow exceeds
	// the user's CASH balance. It is the only expected failure.
	ErrInsufficientFunds = errors.New("execution: insufficient funds")

	// ErrExecutionMutationFailed wraps any other failure inside the
	// execution transaction. Nothing was written when it is returned.
	ErrExecutionMutationFailed = errors.New("execution: mutation failed")

	errOrderNotOpen = errors.New("execution: order no longer open")
)

// OperationOrderExecution is the journal operation type of a fill.
const OperationOrderExecution = "ORDER_EXECUTION"

// Refresher is notified when a user's positions changed.
type Refresher interface {
	RequestRefresh(userID string)
}

// Options tune a single TryExecuteOrder call.
type Options struct {
	// Force bypasses the trading gate for settlement flows.
	Force bool
}

// Config wires a Service. Bus, Refresher and Prices are optional.
type Config struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Journal     *journal.Journal
	Instruments instrument.Resolver
	Margin      margin.Calculator
	Filler      Filler
	Prices      PriceSource
	Gate        *Gate
	Bus         *events.Bus
	Refresher   Refresher
	FeeBps      int64
	Logger      *slog.Logger
}

// Service executes orders.
type Service struct {
	st          store.Store
	ledger      *ledger.Ledger
	journal     *journal.Journal
	instruments instrument.Resolver
	margin      margin.Calculator
	filler      Filler
	prices      PriceSource
	gate        *Gate
	bus         *events.Bus
	refresher   Refresher
	feeBps      int64
	log         *slog.Logger
}

// NewService creates an execution service.
func NewService(cfg Config) *Service {
	s := &Service{
		st:          cfg.Store,
		ledger:      cfg.Ledger,
		journal:     cfg.Journal,
		instruments: cfg.Instruments,
		margin:      cfg.Margin,
		filler:      cfg.Filler,
		prices:      cfg.Prices,
		gate:        cfg.Gate,
		bus:         cfg.Bus,
		refresher:   cfg.Refresher,
		feeBps:      cfg.FeeBps,
		log:         cfg.Logger,
	}
	if s.ledger == nil {
		s.ledger = ledger.New(s.st, nil, s.log)
	}
	if s.journal == nil {
		s.journal = journal.New(s.st, s.log)
	}
	if s.margin == nil {
		s.margin = margin.NewStandard()
	}
	if s.gate == nil {
		s.gate = NewGate(true)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Gate returns the trading switch checked by TryExecuteOrder.
func (s *Service) Gate() *Gate { return s.gate }

type executionPayload struct {
	OrderID         string                `json:"order_id"`
	UserID          string                `json:"user_id"`
	InstrumentToken string                `json:"instrument_token"`
	Class           model.InstrumentClass `json:"class"`
	Side            model.Side            `json:"side"`
	Quantity        int64                 `json:"quantity"`
	Price           money.Amount          `json:"price"`
	RequiredMargin  money.Amount          `json:"required_margin"`
	ReferenceType   model.ReferenceType   `json:"reference_type"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

type mutationMeta struct {
	TradeID          string       `json:"trade_id"`
	PositionQuantity int64        `json:"position_quantity"`
	AveragePrice     money.Amount `json:"average_price"`
	BlockedMargin    money.Amount `json:"blocked_margin"`
	RealizedPnL      money.Amount `json:"realized_pnl"`
	IdempotencyKeys  []string     `json:"idempotency_keys"`
}

func referenceType(o model.Order) model.ReferenceType {
	switch o.Reason {
	case model.ReasonForcedLiquidation:
		return model.RefLiquidation
	case model.ReasonExpiryExit:
		return model.RefExpiry
	}
	return model.RefTrade
}

// TryExecuteOrder fills order if the filler says it is fillable. It returns
// true only when this call committed the fill.
//
// Insufficient funds rejects an opening order and returns (false, nil);
// reducing fills and forced settlement orders are never rejected for
// funds. Any other
// failure inside the transaction returns an error wrapping
// ErrExecutionMutationFailed after the journal record has been aborted; no
// trade, posting or position change is left behind.
func (s *Service) TryExecuteOrder(ctx context.Context, order model.Order, opts Options) (bool, error) {
	if !opts.Force && !s.gate.Enabled() {
		metrics.Executions.WithLabelValues("gated").Inc()
		return false, nil
	}
	if order.Status != model.OrderOpen {
		return false, nil
	}

	inst, err := s.instruments.Resolve(ctx, order.InstrumentToken)
	if err != nil {
		return false, err
	}
	decision, err := s.filler.Decide(ctx, order, inst)
	if err != nil {
		return false, fmt.Errorf("fill decision %s: %w", order.ID, err)
	}
	if !decision.Fillable {
		metrics.Executions.WithLabelValues("not_fillable").Inc()
		return false, nil
	}

	if err := s.ledger.BootstrapAccounts(ctx, order.UserID); err != nil {
		return false, err
	}

	ref := referenceType(order)
	underlying := s.underlyingPrice(inst)

	// Planned from an unlocked read for the journal payload; the
	// transaction re-plans against the locked position.
	current, err := s.currentPosition(ctx, s.st, order)
	if err != nil {
		return false, err
	}
	pre := planFill(planInput{
		order: order, inst: inst, price: decision.Price, underlying: underlying,
		current: current, feeBps: s.feeBps,
	}, s.margin)

	rec, _, err := s.journal.Prepare(ctx, journal.Intent{
		JournalID:     order.ID,
		OperationType: OperationOrderExecution,
		UserID:        order.UserID,
		ReferenceID:   order.ID,
		Payload: executionPayload{
			OrderID:         order.ID,
			UserID:          order.UserID,
			InstrumentToken: order.InstrumentToken,
			Class:           inst.Class,
			Side:            order.Side,
			Quantity:        order.Quantity,
			Price:           decision.Price,
			RequiredMargin:  pre.requiredMargin,
			ReferenceType:   ref,
			IdempotencyKeys: pre.keys(ref, order.ID),
		},
	})
	if errors.Is(err, journal.ErrAlreadyCommitted) {
		metrics.Executions.WithLabelValues("already_committed").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := time.Now()
	var (
		trade *model.Trade
		plan  *fillPlan
	)
	err = s.st.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		trade, plan, err = s.mutate(ctx, tx, order.ID, inst, decision.Price, underlying, ref, rec)
		return err
	})
	metrics.ExecutionLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, errOrderNotOpen):
		s.abort(ctx, rec, err.Error())
		return false, nil
	case errors.Is(err, ErrInsufficientFunds):
		s.abort(ctx, rec, err.Error())
		s.reject(ctx, order.ID, err.Error())
		metrics.Executions.WithLabelValues("rejected").Inc()
		return false, nil
	default:
		s.abort(ctx, rec, err.Error())
		metrics.Executions.WithLabelValues("failed").Inc()
		s.log.Error("execution failed", "order", order.ID, "user", order.UserID, "err", err)
		return false, fmt.Errorf("%w: %w", ErrExecutionMutationFailed, err)
	}

	metrics.Executions.WithLabelValues("filled").Inc()
	s.log.Info("order executed",
		"order", order.ID,
		"user", order.UserID,
		"instrument", order.InstrumentToken,
		"side", order.Side,
		"quantity", order.Quantity,
		"price", decision.Price.String(),
		"reference_type", ref,
		"position", plan.position.Quantity,
		"realized_pnl", plan.realized.String(),
	)
	s.notify(ctx, trade, plan, ref)
	return true, nil
}

// mutate runs inside the execution transaction.
func (s *Service) mutate(ctx context.Context, tx store.Store, orderID string, inst model.Instrument,
	price, underlying money.Amount, ref model.ReferenceType, rec *model.JournalRecord,
) (*model.Trade, *fillPlan, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != model.OrderOpen {
		return nil, nil, fmt.Errorf("%w: %s is %s", errOrderNotOpen, order.ID, order.Status)
	}
	if err := tx.LockUser(ctx, order.UserID); err != nil {
		return nil, nil, err
	}
	current, err := s.currentPosition(ctx, tx, *order)
	if err != nil {
		return nil, nil, err
	}
	plan := planFill(planInput{
		order: *order, inst: inst, price: price, underlying: underlying,
		current: current, feeBps: s.feeBps,
	}, s.margin)

	// Only opening exposure needs funds. Reductions and settlement flows
	// always go through and may leave CASH negative.
	if plan.openedQty > 0 && ref == model.RefTrade && plan.cashOutflow.IsPositive() {
		cashID, err := s.ledger.Accounts().Resolve(ctx, tx, order.UserID, model.AccountCash)
		if err != nil {
			return nil, nil, err
		}
		cash, err := s.ledger.GetAccountBalance(ctx, tx, cashID)
		if err != nil {
			return nil, nil, err
		}
		if plan.cashOutflow.GreaterThan(cash) {
			return nil, nil, fmt.Errorf("%w: needs %s, cash %s", ErrInsufficientFunds, plan.cashOutflow, cash)
		}
	}

	now := time.Now().UTC()
	trade := &model.Trade{
		ID:              uuid.New().String(),
		OrderID:         order.ID,
		UserID:          order.UserID,
		InstrumentToken: order.InstrumentToken,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Price:           price,
		ExecutedAt:      now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, nil, err
	}

	order.Status = model.OrderFilled
	order.ExecutionPrice = price
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, nil, err
	}

	keys := plan.keys(ref, order.ID)
	seqs := make([]int64, 0, len(plan.legs))
	for i, l := range plan.legs {
		res, err := s.ledger.RecordEntry(ctx, tx, l.debit, l.credit, l.amount, ledger.Reference{
			Type: ref, ID: order.ID, IdempotencyKey: keys[i],
		})
		if err != nil {
			return nil, nil, fmt.Errorf("leg %s: %w", l.name, err)
		}
		seqs = append(seqs, res.GlobalSequence)
	}

	plan.position.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, &plan.position); err != nil {
		return nil, nil, err
	}

	if err := s.writeWallet(ctx, tx, order.UserID, now); err != nil {
		return nil, nil, err
	}

	meta := mutationMeta{
		TradeID:          trade.ID,
		PositionQuantity: plan.position.Quantity,
		AveragePrice:     plan.position.AveragePrice,
		BlockedMargin:    plan.position.BlockedMargin,
		RealizedPnL:      plan.realized,
		IdempotencyKeys:  keys,
	}
	if err := s.journal.Commit(ctx, tx, rec, seqs, meta); err != nil {
		return nil, nil, err
	}
	return trade, plan, nil
}

// writeWallet stores the ledger-derived book figures. Unrealized P&L and
// maintenance margin are filled in by the MTM engine.
func (s *Service) writeWallet(ctx context.Context, tx store.Store, userID string, now time.Time) error {
	eq, err := s.ledger.ReconstructUserEquity(ctx, tx, userID)
	if err != nil {
		return err
	}
	w := &model.WalletSnapshot{
		UserID:         userID,
		Balance:        eq.Equity,
		Equity:         eq.Equity.Round(2),
		RequiredMargin: eq.MarginBlocked,
		MarginStatus:   model.MarginNormal,
		AccountState:   model.StateActive,
		UpdatedAt:      now,
	}
	if w.Equity.LessThan(w.RequiredMargin) {
		w.MarginStatus = model.MarginStressed
		w.AccountState = model.StateMarginCall
	}
	return tx.UpsertWallet(ctx, w)
}

func (s *Service) currentPosition(ctx context.Context, q store.Store, order model.Order) (model.Position, error) {
	p, err := q.GetPositionForUpdate(ctx, order.UserID, order.InstrumentToken)
	if errors.Is(err, store.ErrNotFound) {
		return model.Position{UserID: order.UserID, InstrumentToken: order.InstrumentToken}, nil
	}
	if err != nil {
		return model.Position{}, err
	}
	return *p, nil
}

func (s *Service) underlyingPrice(inst model.Instrument) money.Amount {
	if s.prices == nil || inst.Class != model.ClassOption || inst.Underlying == "" {
		return money.Zero
	}
	if p, ok := s.prices.LatestPrice(inst.Underlying); ok {
		return p
	}
	return money.Zero
}

func (s *Service) abort(ctx context.Context, rec *model.JournalRecord, reason string) {
	if err := s.journal.Abort(ctx, rec, reason); err != nil && !errors.Is(err, journal.ErrInvalidTransition) {
		s.log.Error("journal abort failed", "journal", rec.JournalID, "attempt", rec.Attempt, "err", err)
	}
}

// reject marks the order REJECTED outside the rolled-back transaction.
func (s *Service) reject(ctx context.Context, orderID, reason string) {
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderOpen {
			return nil
		}
		o.Status = model.OrderRejected
		o.RejectionReason = reason
		o.UpdatedAt = time.Now().UTC()
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		s.log.Error("order reject failed", "order", orderID, "err", err)
		return
	}
	s.log.Warn("order rejected", "order", orderID, "reason", reason)
}

func (s *Service) notify(ctx context.Context, trade *model.Trade, plan *fillPlan, ref model.ReferenceType) {
	if s.bus != nil {
		s.bus.Publish(ctx, events.OrderExecuted{
			OrderID:         trade.OrderID,
			UserID:          trade.UserID,
			InstrumentToken: trade.InstrumentToken,
			Side:            trade.Side,
			Quantity:        trade.Quantity,
			Price:           trade.Price,
			ReferenceType:   ref,
			ExecutedAt:      trade.ExecutedAt,
		})
		s.bus.Publish(ctx, events.PositionChanged{
			UserID:          plan.position.UserID,
			InstrumentToken: plan.position.InstrumentToken,
			Quantity:        plan.position.Quantity,
			AveragePrice:    plan.position.AveragePrice,
			RealizedPnL:     plan.position.RealizedPnL,
		})
	}
	if s.refresher != nil {
		s.refresher.RequestRefresh(trade.UserID)
	}
}
