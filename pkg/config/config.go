// Package config loads the YAML file with the strategy settings: stake
// ladders per provider, the relay stake and the asset to venue symbol map.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/igolaizola/sigbridge/pkg/compound"
	"github.com/igolaizola/sigbridge/pkg/relay"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Ladder struct {
	Stakes     []float64 `yaml:"stakes"`
	ResetAfter int       `yaml:"reset_after"`
}

type Config struct {
	Relay struct {
		Stake    float64       `yaml:"stake"`
		Strategy string        `yaml:"strategy"`
		Opposite bool          `yaml:"opposite"`
		Retries  int           `yaml:"retries"`
		Wait     time.Duration `yaml:"wait"`
	} `yaml:"relay"`

	Compound struct {
		Window      time.Duration     `yaml:"window"`
		MaxAttempts int               `yaml:"max_attempts"`
		Interval    time.Duration     `yaml:"interval"`
		Timeout     time.Duration     `yaml:"timeout"`
		Default     *Ladder           `yaml:"default"`
		Providers   map[string]Ladder `yaml:"providers"`
	} `yaml:"compound"`

	// Symbols maps signal assets to venue symbols, overriding the built-in
	// mapping.
	Symbols map[string]string `yaml:"symbols"`

	// Binance lists the quote suffixes whose assets are priced on binance.
	Binance []string `yaml:"binance"`

	// Payout of the dry binary venue.
	Payout float64 `yaml:"payout"`
}

func Default() *Config {
	var cfg Config
	cfg.Relay.Stake = 10
	cfg.Relay.Retries = 2
	cfg.Compound.Default = &Ladder{Stakes: []float64{50, 100, 200}}
	cfg.Binance = []string{"USDT"}
	cfg.Payout = 0.85
	return &cfg
}

// Load reads the config file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: couldn't read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: couldn't parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Relay.Stake <= 0 {
		return fmt.Errorf("invalid relay stake %v", c.Relay.Stake)
	}
	if c.Relay.Retries < 0 {
		return fmt.Errorf("invalid relay retries %d", c.Relay.Retries)
	}
	if c.Payout <= 0 || c.Payout > 10 {
		return fmt.Errorf("invalid payout %v", c.Payout)
	}
	if c.Compound.Default != nil {
		if _, err := c.Compound.Default.ladder(); err != nil {
			return fmt.Errorf("default ladder: %w", err)
		}
	}
	return nil
}

func (l Ladder) ladder() (compound.Ladder, error) {
	var stakes []decimal.Decimal
	for _, s := range l.Stakes {
		stakes = append(stakes, decimal.NewFromFloat(s))
	}
	cl := compound.Ladder{Stakes: stakes, ResetAfter: l.ResetAfter}
	if err := cl.Validate(); err != nil {
		return compound.Ladder{}, err
	}
	return cl, nil
}

// CompoundConfig returns the compounding settings. Invalid provider ladders
// are logged and skipped.
func (c *Config) CompoundConfig(log func(v ...interface{})) compound.Config {
	cfg := compound.Config{
		Ladders:     make(map[string]compound.Ladder),
		Window:      c.Compound.Window,
		MaxAttempts: c.Compound.MaxAttempts,
		Interval:    c.Compound.Interval,
		Timeout:     c.Compound.Timeout,
	}
	if c.Compound.Default != nil {
		if l, err := c.Compound.Default.ladder(); err == nil {
			cfg.Default = &l
		}
	}
	for provider, ladder := range c.Compound.Providers {
		l, err := ladder.ladder()
		if err != nil {
			log(fmt.Sprintf("⚠️ config: skipping ladder of %s: %v", provider, err))
			continue
		}
		cfg.Ladders[strings.ToLower(provider)] = l
	}
	return cfg
}

func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		Stake:    decimal.NewFromFloat(c.Relay.Stake),
		Strategy: c.Relay.Strategy,
		Opposite: c.Relay.Opposite,
		Retries:  c.Relay.Retries,
		Wait:     c.Relay.Wait,
	}
}
