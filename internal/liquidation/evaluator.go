// Package liquidation receives risk snapshots of stressed accounts.
package liquidation

import (
	"context"
	"log/slog"

	"github.com/papertrade/risk-engine/internal/metrics"
	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/model"
)

// LogEvaluator records hand-offs without acting on them. Forced exits are
// placed as orders with model.ReasonForcedLiquidation by whatever replaces it.
type LogEvaluator struct {
	Logger *slog.Logger
}

var _ mtm.Evaluator = LogEvaluator{}

func (e LogEvaluator) Evaluate(_ context.Context, snap mtm.RiskSnapshot) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := snap.Wallet
	metrics.LiquidationHandoffs.WithLabelValues(string(w.AccountState)).Inc()

	attrs := []any{
		"user", w.UserID,
		"state", w.AccountState,
		"previous_state", snap.PreviousState,
		"equity", w.Equity.String(),
		"required_margin", w.RequiredMargin.String(),
		"maintenance_margin", w.MaintenanceMargin.String(),
		"positions", len(snap.Positions),
	}
	switch {
	case w.AccountState == model.StateLiquidationEligible:
		logger.Warn("account eligible for liquidation", attrs...)
	case snap.PreviousState != model.StateActive && w.AccountState == model.StateActive:
		logger.Info("account recovered", attrs...)
	default:
		logger.Warn("account under margin call", attrs...)
	}
}
