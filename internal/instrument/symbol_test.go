package instrument

import (
	"errors"
	"testing"
	"time"

	"github.com/papertrade/risk-engine/internal/model"
)

func TestParseSymbol_Option(t *testing.T) {
	inst, err := ParseSymbol("NIFTY-20261231-24000-CE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Class != model.ClassOption {
		t.Errorf("expected class=OPTION, got %s", inst.Class)
	}
	if inst.Underlying != "NIFTY" {
		t.Errorf("expected underlying=NIFTY, got %s", inst.Underlying)
	}
	if inst.Strike.String() != "24000.00000000" {
		t.Errorf("expected strike=24000, got %s", inst.Strike)
	}
	if inst.OptionType != OptionCall {
		t.Errorf("expected option type CE, got %s", inst.OptionType)
	}
	expected := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	if !inst.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, inst.Expiry)
	}
}

func TestParseSymbol_Future(t *testing.T) {
	inst, err := ParseSymbol("M&M-20261126-FUT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Class != model.ClassFuture || inst.Underlying != "M&M" {
		t.Errorf("unexpected instrument %+v", inst)
	}
	if !inst.Strike.IsZero() {
		t.Errorf("future should have no strike, got %s", inst.Strike)
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"NIFTY-20261231",
		"NIFTY-20261231-24000",
		"NIFTY-notadate-FUT",
		"NIFTY-20261399-FUT",      // bad month
		"NIFTY-20261231-24000-XX", // unknown option type
		"NIFTY-20261231-0-PE",     // zero strike
		"nifty-20261231-FUT",      // lowercase underlying
	}
	for _, symbol := range tests {
		_, err := ParseSymbol(symbol)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", symbol, err)
		}
	}
}

func TestExpired(t *testing.T) {
	inst := model.Instrument{Expiry: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)}

	if Expired(inst, time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)) {
		t.Error("should not be expired the day before")
	}
	if !Expired(inst, time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)) {
		t.Error("should be expired on expiry day")
	}
	if Expired(model.Instrument{}, time.Now()) {
		t.Error("instrument without expiry never expires")
	}
}
