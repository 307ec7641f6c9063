// Package config loads service settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/papertrade/risk-engine/internal/instrument"
	"github.com/papertrade/risk-engine/internal/model"
	"github.com/papertrade/risk-engine/internal/money"
)

// Config is the complete service configuration.
type Config struct {
	Port           string        `yaml:"port"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	TradingEnabled bool          `yaml:"trading_enabled"`
	FeeBps         int64         `yaml:"fee_bps"`

	MTM    MTMConfig    `yaml:"mtm"`
	Sweep  SweepConfig  `yaml:"sweep"`
	Limits LimitsConfig `yaml:"limits"`

	Instruments []InstrumentConfig `yaml:"instruments"`
}

// MTMConfig tunes the mark-to-market engine.
type MTMConfig struct {
	MaxTickAge       time.Duration `yaml:"max_tick_age"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaintenanceRatio string        `yaml:"maintenance_ratio"`
}

// SweepConfig tunes the periodic execution sweep.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// LimitsConfig caps position sizes at order placement. Zero disables a limit.
type LimitsConfig struct {
	MaxPerInstrument int64 `yaml:"max_per_instrument"`
	MaxCorrelated    int64 `yaml:"max_correlated"`
}

// InstrumentConfig is one entry of the instrument catalogue.
type InstrumentConfig struct {
	Token      string `yaml:"token"`
	Symbol     string `yaml:"symbol"`
	Class      string `yaml:"class"`
	Leverage   int64  `yaml:"leverage"`
	Underlying string `yaml:"underlying"`
	Strike     string `yaml:"strike"`
	OptionType string `yaml:"option_type"`
	Expiry     string `yaml:"expiry"` // YYYY-MM-DD
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:           "8080",
		CacheTTL:       30 * time.Second,
		TradingEnabled: true,
		MTM: MTMConfig{
			MaxTickAge:       30 * time.Second,
			FlushInterval:    250 * time.Millisecond,
			MaintenanceRatio: "0.5",
		},
		Sweep: SweepConfig{
			Interval: 2 * time.Second,
			Batch:    500,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_FILE is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Port = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := lookup("TRADING_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRADING_ENABLED: %w", err)
		}
		c.TradingEnabled = b
	}
	if v, ok := lookup("FEE_BPS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FEE_BPS: %w", err)
		}
		c.FeeBps = n
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"MTM_MAX_TICK_AGE", &c.MTM.MaxTickAge},
		{"MTM_FLUSH_INTERVAL", &c.MTM.FlushInterval},
		{"SWEEP_INTERVAL", &c.Sweep.Interval},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks the settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.FeeBps < 0 {
		return fmt.Errorf("fee_bps must not be negative")
	}
	if c.Limits.MaxPerInstrument < 0 || c.Limits.MaxCorrelated < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.MTM.MaxTickAge <= 0 || c.MTM.FlushInterval <= 0 || c.Sweep.Interval <= 0 {
		return fmt.Errorf("mtm and sweep intervals must be positive")
	}
	if _, err := money.Parse(c.MTM.MaintenanceRatio); err != nil {
		return fmt.Errorf("mtm.maintenance_ratio: %w", err)
	}
	if _, err := c.InstrumentList(); err != nil {
		return err
	}
	return nil
}

// InstrumentList converts the catalogue to model instruments.
func (c *Config) InstrumentList() ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		var inst model.Instrument
		// A derivative symbol fills in whatever the entry leaves out.
		if ic.Class == "" && ic.Symbol != "" {
			parsed, err := instrument.ParseSymbol(ic.Symbol)
			if err != nil {
				return nil, err
			}
			inst = parsed
		}
		inst.Token = ic.Token
		if inst.Token == "" {
			inst.Token = ic.Symbol
		}
		inst.Symbol = ic.Symbol
		inst.Leverage = ic.Leverage
		if ic.Class != "" {
			inst.Class = model.InstrumentClass(ic.Class)
		}
		if ic.Underlying != "" {
			inst.Underlying = ic.Underlying
		}
		if ic.OptionType != "" {
			inst.OptionType = ic.OptionType
		}
		if ic.Strike != "" {
			strike, err := money.Parse(ic.Strike)
			if err != nil {
				return nil, fmt.Errorf("instrument %s strike: %w", ic.Token, err)
			}
			inst.Strike = strike
		}
		if ic.Expiry != "" {
			exp, err := time.Parse("2006-01-02", ic.Expiry)
			if err != nil {
				return nil, fmt.Errorf("instrument %s expiry: %w", ic.Token, err)
			}
			inst.Expiry = exp
		}
		out = append(out, inst)
	}
	return out, nil
}
