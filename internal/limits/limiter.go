// Package limits implements pre-trade position limits that account for
// correlation between instruments on the same underlying.
//
// A user long a future and short several calls on NIFTY carries one
// concentrated exposure. Instruments are grouped by underlying (or by their
// own token when they have none) and the aggregate absolute quantity of a
// group is capped alongside the per-instrument quantity.
package limits

import (
	"context"
	"errors"

	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/model"
)

var (
	// ErrPerInstrumentLimitExceeded is returned when a trade would push a
	// single instrument's net quantity beyond the per-instrument maximum.
	ErrPerInstrumentLimitExceeded = errors.New("limits: per-instrument position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate quantity across instruments sharing an underlying beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated exposure limit exceeded")
)

// PositionLimiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerInstrument is the maximum absolute net quantity in any single
	// instrument.
	MaxPerInstrument int64

	// MaxCorrelated is the maximum aggregate absolute quantity across all
	// instruments in the same correlation group.
	MaxCorrelated int64

	instruments instrument.Resolver
}

// NewPositionLimiter creates a limiter. instruments resolves the group of
// positions already held.
func NewPositionLimiter(maxPerInstrument, maxCorrelated int64, instruments instrument.Resolver) *PositionLimiter {
	return &PositionLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxCorrelated:    maxCorrelated,
		instruments:      instruments,
	}
}

// Enabled reports whether any limit is configured.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument > 0 || l.MaxCorrelated > 0)
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - target: the instrument being traded
//   - delta: signed change in quantity (+buy / -sell)
//   - positions: the user's open positions
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(
	ctx context.Context,
	target model.Instrument,
	delta int64,
	positions []model.Position,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-instrument limit.
	var current int64
	for _, p := range positions {
		if p.InstrumentToken == target.Token {
			current = p.Quantity
			break
		}
	}
	newQty := abs(current + delta)

	if l.MaxPerInstrument > 0 && newQty > l.MaxPerInstrument {
		return ErrPerInstrumentLimitExceeded
	}
	if l.MaxCorrelated <= 0 {
		return nil
	}

	// 2. Correlated exposure: sum |quantity| across the target's group.
	targetGroup := GroupKey(target)
	total := newQty

	for _, p := range positions {
		if p.InstrumentToken == target.Token {
			continue // already counted via newQty above
		}
		if l.groupOf(ctx, p.InstrumentToken) == targetGroup {
			total += abs(p.Quantity)
		}
	}

	if total > l.MaxCorrelated {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// groupOf falls back to the token itself when the instrument is unknown.
func (l *PositionLimiter) groupOf(ctx context.Context, token string) string {
	if l.instruments == nil {
		return token
	}
	inst, err := l.instruments.Resolve(ctx, token)
	if err != nil {
		return token
	}
	return GroupKey(inst)
}

// GroupKey returns the correlation group of an instrument: its underlying,
// or its own token when it has none.
func GroupKey(inst model.Instrument) string {
	if inst.Underlying != "" {
		return inst.Underlying
	}
	return inst.Token
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
