package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/store"
)

// Executor is implemented by Service.
type Executor interface {
	TryExecuteOrder(ctx context.Context, order model.Order, opts Options) (bool, error)
}

// Sweeper periodically retries every OPEN order, oldest first. A failing
// order is logged and skipped so it cannot block the rest.
type Sweeper struct {
	exec     Executor
	st       store.Store
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewSweeper creates a sweeper. batch bounds the orders read per sweep.
func NewSweeper(exec Executor, st store.Store, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{exec: exec, st: st, interval: interval, batch: batch, log: logger}
}

// Run sweeps every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.log.Error("execution sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce attempts every open order once and returns how many filled.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	orders, err := w.st.ListOpenOrders(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	filled := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return filled, ctx.Err()
		}
		// Settlement orders (liquidation, expiry) run even when trading is off.
		ok, err := w.exec.TryExecuteOrder(ctx, o, Options{Force: o.Reason != ""})
		if err != nil {
			w.log.Error("sweep order failed", "order", o.ID, "user", o.UserID, "err", err)
			continue
		}
		if ok {
			filled++
		}
	}
	if filled > 0 {
		w.log.Info("execution sweep", "open", len(orders), "filled", filled)
	}
	return filled, nil
}
