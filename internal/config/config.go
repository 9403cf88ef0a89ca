package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Executor struct {
	PaceMs           int `yaml:"pace_ms"`            // min gap between calls to one venue
	TimeoutSeconds   int `yaml:"timeout_seconds"`    // per-request transport timeout
	MaxTries         int `yaml:"max_tries"`          // attempts per logical call
	RetryDelaySecs   int `yaml:"retry_delay_seconds"`
	CooldownMinutes  int `yaml:"cooldown_minutes"` // pause after a 5xx
}

type Strategy struct {
	PopulationSize  int `yaml:"population_size"`
	GenerationEvery int `yaml:"generation_every"` // cycles between generation steps
	SampleCap       int `yaml:"sample_cap"`       // max symbols refreshed per cycle
}

type Trader struct {
	StaleOrderMinutes int     `yaml:"stale_order_minutes"`
	ProfitMarginPct   float64 `yaml:"profit_margin_pct"`
	ClearMarkupPct    float64 `yaml:"clear_markup_pct"`   // sell idle balances this far over best ask
	FlushDiscountPct  float64 `yaml:"flush_discount_pct"` // stale exits this far under best bid
	MinAskDepth       int     `yaml:"min_ask_depth"`      // quota multiples at the touch
	MinBuyPressurePct float64 `yaml:"min_buy_pressure_pct"`
	MaxSpreadPct      float64 `yaml:"max_spread_pct"`
}

type Root struct {
	LiveMode      bool     `yaml:"live_mode"` // fire real orders; off = audit-only checks
	Authorized    []string `yaml:"authorized"`
	OrbitMinutes  float64  `yaml:"orbit_minutes"` // one trader cycle
	QuotaBTC      float64  `yaml:"quota_btc"`     // notional size of one trade leg
	QuoteCurrency string   `yaml:"quote_currency"`
	FiatBridge    string   `yaml:"fiat_bridge"` // symbol used to value holdings in fiat
	DataDir       string   `yaml:"data_dir"`
	HaltMarker    string   `yaml:"halt_marker"`
	Debug         bool     `yaml:"debug"`

	Executor Executor `yaml:"executor"`
	Strategy Strategy `yaml:"strategy"`
	Trader   Trader   `yaml:"trader"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.OrbitMinutes == 0 {
		c.OrbitMinutes = 2
	}
	if c.QuotaBTC == 0 {
		c.QuotaBTC = 11e-4
	}
	if c.QuoteCurrency == "" {
		c.QuoteCurrency = "btc"
	}
	if c.FiatBridge == "" {
		c.FiatBridge = "usdt"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HaltMarker == "" {
		c.HaltMarker = "data/.halt"
	}
	if c.Executor.PaceMs == 0 {
		c.Executor.PaceMs = 334
	}
	if c.Executor.TimeoutSeconds == 0 {
		c.Executor.TimeoutSeconds = 10
	}
	if c.Executor.MaxTries == 0 {
		c.Executor.MaxTries = 3
	}
	if c.Executor.RetryDelaySecs == 0 {
		c.Executor.RetryDelaySecs = 5
	}
	if c.Executor.CooldownMinutes == 0 {
		c.Executor.CooldownMinutes = 60
	}
	if c.Strategy.PopulationSize == 0 {
		c.Strategy.PopulationSize = 10
	}
	if c.Strategy.GenerationEvery == 0 {
		c.Strategy.GenerationEvery = 5
	}
	if c.Strategy.SampleCap == 0 {
		c.Strategy.SampleCap = 50
	}
	if c.Trader.StaleOrderMinutes == 0 {
		c.Trader.StaleOrderMinutes = 60
	}
	if c.Trader.ProfitMarginPct == 0 {
		c.Trader.ProfitMarginPct = 1.0
	}
	if c.Trader.ClearMarkupPct == 0 {
		c.Trader.ClearMarkupPct = 5
	}
	if c.Trader.FlushDiscountPct == 0 {
		c.Trader.FlushDiscountPct = 3
	}
	if c.Trader.MinAskDepth == 0 {
		c.Trader.MinAskDepth = 2
	}
	if c.Trader.MinBuyPressurePct == 0 {
		c.Trader.MinBuyPressurePct = 10
	}
	if c.Trader.MaxSpreadPct == 0 {
		c.Trader.MaxSpreadPct = 2
	}
}

// Credentials reads the API key pair for a venue from the environment
// (loaded from .env by main). Secrets are consumed here and never logged.
func Credentials(venue string) (key, secret string, err error) {
	v := strings.ToUpper(venue)
	key = os.Getenv(v + "_API_KEY")
	secret = os.Getenv(v + "_API_SECRET")
	if key == "" || secret == "" {
		return "", "", fmt.Errorf("missing %s_API_KEY / %s_API_SECRET in environment", v, v)
	}
	return key, secret, nil
}
