// Package instrument resolves instrument metadata by token.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/papertrade/risk-engine/internal/model"
)

var (
	ErrInstrumentNotFound = errors.New("instrument: not found")
	ErrInvalidInstrument  = errors.New("instrument: invalid definition")
)

// Resolver looks instruments up by token.
type Resolver interface {
	Resolve(ctx context.Context, token string) (model.Instrument, error)
}

// Registry is a static, in-memory Resolver built from configuration.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]model.Instrument
}

// NewRegistry creates a registry holding instruments.
func NewRegistry(instruments ...model.Instrument) (*Registry, error) {
	r := &Registry{byToken: make(map[string]model.Instrument, len(instruments))}
	for _, inst := range instruments {
		if err := r.Add(inst); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers or replaces an instrument.
func (r *Registry) Add(inst model.Instrument) error {
	if err := validate(inst); err != nil {
		return err
	}
	r.mu.Lock()
	r.byToken[inst.Token] = inst
	r.mu.Unlock()
	return nil
}

func validate(inst model.Instrument) error {
	if inst.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidInstrument)
	}
	switch inst.Class {
	case model.ClassEquity:
	case model.ClassFuture:
		if inst.Leverage <= 0 {
			return fmt.Errorf("%w: future %s needs leverage > 0", ErrInvalidInstrument, inst.Token)
		}
	case model.ClassOption:
		if inst.Underlying == "" {
			return fmt.Errorf("%w: option %s needs an underlying", ErrInvalidInstrument, inst.Token)
		}
	default:
		return fmt.Errorf("%w: %s has unknown class %q", ErrInvalidInstrument, inst.Token, inst.Class)
	}
	return nil
}

func (r *Registry) Resolve(_ context.Context, token string) (model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byToken[token]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, token)
	}
	return inst, nil
}

// All returns every registered instrument sorted by token.
func (r *Registry) All() []model.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instrument, 0, len(r.byToken))
	for _, inst := range r.byToken {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}
