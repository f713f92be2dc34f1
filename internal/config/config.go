// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bandbot-go/internal/util"
)

// ErrMissingCredentials is returned when live trading is requested without exchange keys.
var ErrMissingCredentials = errors.New("exchange api_key/api_secret missing")

// Environment variables that override credentials from the YAML file.
const (
	EnvAPIKey    = "BOT_API_KEY"
	EnvAPISecret = "BOT_API_SECRET"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes the venue connectivity parameters the bot expects.
type Exchange struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"` // binance|rest|sim
	Symbols      []string `yaml:"symbols"`
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	Testnet      bool     `yaml:"testnet"`
	BaseURL      string   `yaml:"base_url"`
	WSURL        string   `yaml:"ws_url"`
	PollInterval int      `yaml:"poll_interval_ms"`
	RateLimit    float64  `yaml:"rate_limit_per_sec"`
	RecvWindowMs int      `yaml:"recv_window_ms"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MaxSymbolExposurePct float64 `yaml:"max_symbol_exposure_pct"`
	MaxTotalExposurePct  float64 `yaml:"max_total_exposure_pct"`
	MaxNotionalPerTrade  float64 `yaml:"max_notional_per_trade"`
	RiskPerTrade         float64 `yaml:"risk_per_trade"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MinStrength          float64 `yaml:"min_strength"`
	AllowShort           bool    `yaml:"allow_short"`
	ScaleByStrength      bool    `yaml:"scale_by_strength"`
	MinQty               float64 `yaml:"min_qty"`
	QtyStep              float64 `yaml:"qty_step"`
}

// StrategyParams groups tunable knobs for the signal generator.
type StrategyParams struct {
	FastPeriod        int     `yaml:"fast_period"`
	SlowPeriod        int     `yaml:"slow_period"`
	MomentumPeriod    int     `yaml:"momentum_period"`
	VolatilityPeriod  int     `yaml:"volatility_period"`
	TrendThreshold    float64 `yaml:"trend_threshold"`
	MomentumThreshold float64 `yaml:"momentum_threshold"`
	MaxVolatility     float64 `yaml:"max_volatility"`
}

// Strategy specifies which generator mode is active along with the parameter bundle.
type Strategy struct {
	Mode   string         `yaml:"mode"`
	Params StrategyParams `yaml:"params"`
}

// TargetBand is the daily return window, in percent, the bot aims for.
type TargetBand struct {
	MinPct float64 `yaml:"min_pct"`
	MaxPct float64 `yaml:"max_pct"`
}

// Contains reports whether a daily return (percent) falls inside the band.
func (b TargetBand) Contains(pct float64) bool {
	return pct >= b.MinPct && pct <= b.MaxPct
}

// Paper captures simulated account settings such as starting cash and fill tuning.
type Paper struct {
	StartingCash           float64 `yaml:"starting_cash"`
	SlippageBps            float64 `yaml:"slippage_bps"`
	PartialFillProbability float64 `yaml:"partial_fill_probability"`
	MaxPartialFills        int     `yaml:"max_partial_fills"`
}

// Execution tunes order submission retries.
type Execution struct {
	MaxRetries    int `yaml:"max_retries"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
}

// Sim configures the seeded simulated market.
type Sim struct {
	Seed        int64   `yaml:"seed"`
	Start       string  `yaml:"start"` // YYYY-MM-DD (UTC)
	Days        int     `yaml:"days"`
	TicksPerDay int     `yaml:"ticks_per_day"`
	StartPrice  float64 `yaml:"start_price"`
	Drift       float64 `yaml:"drift"`
	Volatility  float64 `yaml:"volatility"`
	PaceMs      int     `yaml:"pace_ms"`
}

// Optimizer configures the parameter search.
type Optimizer struct {
	Seeds              []int64   `yaml:"seeds"`
	Workers            int       `yaml:"workers"`
	MaxCandidates      int       `yaml:"max_candidates"`
	FastPeriods        []int     `yaml:"fast_periods"`
	SlowPeriods        []int     `yaml:"slow_periods"`
	TrendThresholds    []float64 `yaml:"trend_thresholds"`
	MomentumThresholds []float64 `yaml:"momentum_thresholds"`
	StopLossPcts       []float64 `yaml:"stop_loss_pcts"`
	TakeProfitPcts     []float64 `yaml:"take_profit_pcts"`
	RiskPerTrades      []float64 `yaml:"risk_per_trades"`
	OutputConfig       string    `yaml:"output_config"`
	ResultsFile        string    `yaml:"results_file"`
}

// Data locates the persisted performance, trade and optimizer files.
type Data struct {
	Dir string `yaml:"dir"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App        `yaml:"app"`
	Exchange  Exchange   `yaml:"exchange"`
	Risk      Risk       `yaml:"risk"`
	Strategy  Strategy   `yaml:"strategy"`
	Target    TargetBand `yaml:"target"`
	Paper     Paper      `yaml:"paper"`
	Execution Execution  `yaml:"execution"`
	Sim       Sim        `yaml:"sim"`
	Optimizer Optimizer  `yaml:"optimizer"`
	Data      Data       `yaml:"data"`
}

// StrategyConfig is the immutable per-run bundle the optimizer searches over.
type StrategyConfig struct {
	Strategy Strategy   `yaml:"strategy" json:"strategy"`
	Risk     Risk       `yaml:"risk" json:"risk"`
	Target   TargetBand `yaml:"target" json:"target"`
}

// StrategyConfig extracts the tunable bundle.
func (c *Config) StrategyConfig() StrategyConfig {
	return StrategyConfig{Strategy: c.Strategy, Risk: c.Risk, Target: c.Target}
}

// WithStrategyConfig returns a copy of the config carrying sc.
func (c *Config) WithStrategyConfig(sc StrategyConfig) *Config {
	out := *c
	out.Strategy = sc.Strategy
	out.Risk = sc.Risk
	out.Target = sc.Target
	out.Exchange.Symbols = append([]string(nil), c.Exchange.Symbols...)
	return &out
}

// Default returns a configuration that runs the simulated drivers without a file.
func Default() *Config {
	return &Config{
		App: App{Name: "bandbot", Env: "dev", MetricsAddr: ":9102", LogLevel: "info"},
		Exchange: Exchange{
			Name:         "binance",
			Provider:     "sim",
			Symbols:      []string{"BTC", "ETH"},
			BaseURL:      "https://api.binance.com",
			WSURL:        "wss://stream.binance.com:9443/stream",
			PollInterval: 2000,
			RateLimit:    5,
			RecvWindowMs: 5000,
		},
		Risk: Risk{
			MaxOpenPositions:     3,
			MaxSymbolExposurePct: 0.5,
			MaxTotalExposurePct:  1.0,
			RiskPerTrade:         0.02,
			StopLossPct:          0.02,
			TakeProfitPct:        0.04,
			MaxDailyLossPct:      0.05,
			MinStrength:          0.1,
			AllowShort:           true,
			MinQty:               0.0001,
			QtyStep:              0.0001,
		},
		Strategy: Strategy{
			Mode: "crossover",
			Params: StrategyParams{
				FastPeriod:        8,
				SlowPeriod:        21,
				MomentumPeriod:    10,
				VolatilityPeriod:  20,
				TrendThreshold:    0.002,
				MomentumThreshold: 0.004,
			},
		},
		Target:    TargetBand{MinPct: 5, MaxPct: 10},
		Paper:     Paper{StartingCash: 10_000, SlippageBps: 5},
		Execution: Execution{MaxRetries: 4, BaseBackoffMs: 250, MaxBackoffMs: 4000},
		Sim: Sim{
			Seed:        42,
			Start:       "2024-01-01",
			Days:        14,
			TicksPerDay: 288,
			StartPrice:  100,
			Drift:       0.0002,
			Volatility:  0.004,
			PaceMs:      200,
		},
		Optimizer: Optimizer{
			Seeds:              []int64{1, 2, 3},
			Workers:            4,
			MaxCandidates:      64,
			FastPeriods:        []int{5, 8, 12},
			SlowPeriods:        []int{21, 34},
			TrendThresholds:    []float64{0.001, 0.002, 0.004},
			MomentumThresholds: []float64{0.002, 0.004},
			StopLossPcts:       []float64{0.01, 0.02},
			TakeProfitPcts:     []float64{0.02, 0.04},
			RiskPerTrades:      []float64{0.02, 0.05},
			OutputConfig:       "config.optimized.yaml",
			ResultsFile:        "optimization_results.json",
		},
		Data: Data{Dir: "trading_bot_data"},
	}
}

// Load reads a YAML file from disk and hydrates a Config struct on top of Default().
// Credentials found in the environment (or a .env file) override the file.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	_ = godotenv.Load() // best-effort
	config.applyEnv()
	return config, nil
}

// LoadOrDefault behaves like Load but falls back to Default (with environment
// overrides) when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		_ = godotenv.Load()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

// Save persists a Config struct to disk as YAML, atomically.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		c.Exchange.APISecret = v
	}
}

// RequireCredentials is the live-mode startup precondition.
func (c *Config) RequireCredentials() error {
	if strings.TrimSpace(c.Exchange.APIKey) == "" || strings.TrimSpace(c.Exchange.APISecret) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Validate checks that numeric fields are within sensible bounds.
// It returns the first encountered error so the caller can surface it before trading starts.
func (c *Config) Validate() error {
	if len(c.Exchange.Symbols) == 0 {
		return errors.New("exchange.symbols must not be empty")
	}
	if err := c.StrategyConfig().Validate(); err != nil {
		return err
	}
	if c.Paper.StartingCash <= 0 {
		return fmt.Errorf("paper.starting_cash (%f) must be positive", c.Paper.StartingCash)
	}
	if c.Paper.PartialFillProbability < 0 || c.Paper.PartialFillProbability > 1 {
		return fmt.Errorf("paper.partial_fill_probability (%f) must be within [0,1]", c.Paper.PartialFillProbability)
	}
	if c.Sim.Days <= 0 || c.Sim.TicksPerDay <= 0 {
		return errors.New("sim.days and sim.ticks_per_day must be positive")
	}
	if c.Sim.StartPrice <= 0 {
		return errors.New("sim.start_price must be positive")
	}
	return nil
}

// Validate checks a strategy bundle on its own; the optimizer calls it per candidate.
func (sc StrategyConfig) Validate() error {
	p := sc.Strategy.Params
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 {
		return errors.New("fast_period and slow_period must be positive")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("fast_period (%d) must be below slow_period (%d)", p.FastPeriod, p.SlowPeriod)
	}
	if p.MomentumPeriod <= 0 {
		return errors.New("momentum_period must be positive")
	}
	if p.TrendThreshold < 0 || p.MomentumThreshold < 0 {
		return errors.New("thresholds cannot be negative")
	}
	r := sc.Risk
	if r.MaxOpenPositions <= 0 {
		return errors.New("max_open_positions must be positive")
	}
	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 0.5 {
		return fmt.Errorf("risk_per_trade (%f) must be >0 and <=0.5", r.RiskPerTrade)
	}
	if r.StopLossPct <= 0 || r.StopLossPct > 0.5 {
		return fmt.Errorf("stop_loss_pct (%f) must be >0 and <=0.5", r.StopLossPct)
	}
	if r.TakeProfitPct <= 0 || r.TakeProfitPct > 5 {
		return fmt.Errorf("take_profit_pct (%f) out of realistic range", r.TakeProfitPct)
	}
	if r.MaxSymbolExposurePct <= 0 || r.MaxTotalExposurePct <= 0 {
		return errors.New("exposure limits must be positive")
	}
	if r.MaxDailyLossPct < 0 || r.MaxDailyLossPct > 1 {
		return fmt.Errorf("max_daily_loss_pct (%f) must be within [0,1]", r.MaxDailyLossPct)
	}
	if r.QtyStep < 0 || r.MinQty < 0 {
		return errors.New("qty_step and min_qty cannot be negative")
	}
	if sc.Target.MinPct > sc.Target.MaxPct {
		return fmt.Errorf("target band min (%f) above max (%f)", sc.Target.MinPct, sc.Target.MaxPct)
	}
	return nil
}
