package liquidation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/papertrade/risk-engine/internal/mtm"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

func snapshot(state, prev model.AccountState) mtm.RiskSnapshot {
	return mtm.RiskSnapshot{
		Wallet: model.WalletSnapshot{
			UserID:         "u1",
			Equity:         money.MustParse("900"),
			RequiredMargin: money.MustParse("1000"),
			AccountState:   state,
		},
		PreviousState: prev,
	}
}

func TestLogEvaluator(t *testing.T) {
	tests := []struct {
		name  string
		state model.AccountState
		prev  model.AccountState
		want  string
		level string
	}{
		{"margin call", model.StateMarginCall, model.StateActive, "account under margin call", "WARN"},
		{"eligible", model.StateLiquidationEligible, model.StateMarginCall, "account eligible for liquidation", "WARN"},
		{"recovered", model.StateActive, model.StateMarginCall, "account recovered", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := LogEvaluator{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

			e.Evaluate(context.Background(), snapshot(tt.state, tt.prev))

			out := buf.String()
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "level="+tt.level)
			assert.Contains(t, out, "user=u1")
			assert.Contains(t, out, "equity=900.00000000")
		})
	}
}
