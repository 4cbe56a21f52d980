// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// TradingConfig holds the execution cycle and order placement settings.
type TradingConfig struct {
	PriceCheckIntervalSeconds int     `yaml:"price_check_interval_seconds"`
	MaxPositions              int     `yaml:"max_positions"`
	DefaultSLPoints           float64 `yaml:"default_sl_points"`
	DefaultTPPoints           float64 `yaml:"default_tp_points"`
	DeviationPoints           int     `yaml:"deviation_points"`
	MagicNumber               int64   `yaml:"magic_number"`
}

// RiskConfig holds the account-level risk policy.
type RiskConfig struct {
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	MinMarginLevel  float64 `yaml:"min_margin_level"`
	MinLotSize      float64 `yaml:"min_lot_size"`
	MaxLotSize      float64 `yaml:"max_lot_size"`
	LotPrecision    int     `yaml:"lot_precision"`
	// ValuePerPoint is the account-currency value of a 1.0 price move for one lot,
	// the same unit as the stop distance. For XAUUSD 1 lot = 100 oz, so 100.
	ValuePerPoint float64 `yaml:"value_per_point"`
	Timezone      string  `yaml:"timezone"`
}

// MarketDataConfig configures the quote aggregator and its fallback providers.
type MarketDataConfig struct {
	MinFetchIntervalMillis int      `yaml:"min_fetch_interval_ms"`
	SyntheticHalfSpread    float64  `yaml:"synthetic_half_spread"`
	HTTPTimeoutSeconds     int      `yaml:"http_timeout_seconds"`
	ParallelProbe          bool     `yaml:"parallel_probe"`
	Providers              []string `yaml:"providers"`
	AlphaVantageSymbol     string   `yaml:"alpha_vantage_symbol"`
	FinnhubSymbol          string   `yaml:"finnhub_symbol"`
	AlphaVantageBaseURL    string   `yaml:"alpha_vantage_base_url"`
	FinnhubBaseURL         string   `yaml:"finnhub_base_url"`
}

// BackoffConfig holds the delays applied by the execution cycle after a failed or blocked tick.
type BackoffConfig struct {
	PriceRetrySeconds   int `yaml:"price_retry_seconds"`
	AccountRetrySeconds int `yaml:"account_retry_seconds"`
	RiskBlockSeconds    int `yaml:"risk_block_seconds"`
	ErrorSeconds        int `yaml:"error_seconds"`
	PollSliceMillis     int `yaml:"poll_slice_ms"`
}

// AuditConfig names the ledgers written by the audit log.
type AuditConfig struct {
	TradesFile string `yaml:"trades_file"`
	EventsFile string `yaml:"events_file"`
	SQLitePath string `yaml:"sqlite_path"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
	AuditDirectory           string `yaml:"audit_directory"`
}

// Config is the top-level configuration structure.
type Config struct {
	Symbol        string           `yaml:"symbol"`
	UseSimulation bool             `yaml:"use_simulation"`
	Trading       TradingConfig    `yaml:"trading"`
	Risk          RiskConfig       `yaml:"risk"`
	MarketData    MarketDataConfig `yaml:"market_data"`
	Backoff       BackoffConfig    `yaml:"backoff"`
	Audit         AuditConfig      `yaml:"audit"`
	Normal        NormalConfig     `yaml:"normal_config"`
	Logs          LogConfig        `yaml:"logs"`
}

// NewConfig returns a Config populated with the defaults of the reference
// gold-trading deployment. Values present in config.yaml override them.
func NewConfig() *Config {
	return &Config{
		Symbol: "XAUUSD",
		Trading: TradingConfig{
			PriceCheckIntervalSeconds: 5,
			MaxPositions:              3,
			DefaultSLPoints:           10,
			DefaultTPPoints:           20,
			DeviationPoints:           20,
			MagicNumber:               234000,
		},
		Risk: RiskConfig{
			MaxRiskPerTrade: 0.02,
			MaxDailyLoss:    0.05,
			MaxDrawdown:     0.10,
			MinMarginLevel:  200,
			MinLotSize:      0.01,
			MaxLotSize:      10.0,
			LotPrecision:    2,
			ValuePerPoint:   100.0,
			Timezone:        "UTC",
		},
		MarketData: MarketDataConfig{
			MinFetchIntervalMillis: 1000,
			SyntheticHalfSpread:    0.5,
			HTTPTimeoutSeconds:     5,
			Providers:              []string{"terminal", "alpha_vantage", "finnhub"},
			AlphaVantageSymbol:     "XAUUSD",
			FinnhubSymbol:          "OANDA:XAU_USD",
			AlphaVantageBaseURL:    "https://www.alphavantage.co",
			FinnhubBaseURL:         "https://finnhub.io",
		},
		Backoff: BackoffConfig{
			PriceRetrySeconds:   5,
			AccountRetrySeconds: 5,
			RiskBlockSeconds:    60,
			ErrorSeconds:        5,
			PollSliceMillis:     100,
		},
		Audit: AuditConfig{
			TradesFile: "trades.csv",
			EventsFile: "events.csv",
		},
		Normal: NormalConfig{
			HTTPTimeoutSeconds:       10,
			HeartbeatIntervalMinutes: 5,
			LogDirectory:             "logs",
			StateDirectory:           "state",
			AuditDirectory:           "audit",
		},
		Logs: LogConfig{
			LogLevel:   "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("critical config missing: 'symbol' must be specified")
	}

	t := c.Trading
	if t.PriceCheckIntervalSeconds <= 0 {
		return fmt.Errorf("config error: 'trading.price_check_interval_seconds' must be positive")
	}
	if t.MaxPositions <= 0 {
		return fmt.Errorf("config error: 'trading.max_positions' must be positive")
	}
	if t.DefaultSLPoints <= 0 {
		return fmt.Errorf("config error: 'trading.default_sl_points' must be positive, a zero stop distance cannot be sized")
	}
	if t.DefaultTPPoints <= 0 {
		return fmt.Errorf("config error: 'trading.default_tp_points' must be positive")
	}
	if t.DeviationPoints < 0 {
		return fmt.Errorf("config error: 'trading.deviation_points' cannot be negative")
	}

	r := c.Risk
	if r.MaxRiskPerTrade <= 0 || r.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("config error: 'risk.max_risk_per_trade' must be in (0, 1), got %.4f", r.MaxRiskPerTrade)
	}
	if r.MaxDailyLoss <= 0 || r.MaxDailyLoss > 1 {
		return fmt.Errorf("config error: 'risk.max_daily_loss' must be in (0, 1], got %.4f", r.MaxDailyLoss)
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown > 1 {
		return fmt.Errorf("config error: 'risk.max_drawdown' must be in (0, 1], got %.4f", r.MaxDrawdown)
	}
	if r.MinMarginLevel < 0 {
		return fmt.Errorf("config error: 'risk.min_margin_level' cannot be negative")
	}
	if r.MinLotSize <= 0 {
		return fmt.Errorf("config error: 'risk.min_lot_size' must be positive")
	}
	if r.MaxLotSize < r.MinLotSize {
		return fmt.Errorf("config error: 'risk.max_lot_size' (%.2f) must be >= 'risk.min_lot_size' (%.2f)", r.MaxLotSize, r.MinLotSize)
	}
	if r.LotPrecision < 0 || r.LotPrecision > 8 {
		return fmt.Errorf("config error: 'risk.lot_precision' must be between 0 and 8")
	}
	if r.ValuePerPoint <= 0 {
		return fmt.Errorf("config error: 'risk.value_per_point' must be positive")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("config error: 'risk.timezone' %q is not a known location: %w", r.Timezone, err)
	}

	m := c.MarketData
	if m.MinFetchIntervalMillis < 0 {
		return fmt.Errorf("config error: 'market_data.min_fetch_interval_ms' cannot be negative")
	}
	if m.SyntheticHalfSpread < 0 {
		return fmt.Errorf("config error: 'market_data.synthetic_half_spread' cannot be negative")
	}
	if m.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'market_data.http_timeout_seconds' must be positive")
	}
	if len(m.Providers) == 0 {
		return fmt.Errorf("critical config missing: 'market_data.providers' must list at least one quote source")
	}
	for _, p := range m.Providers {
		switch p {
		case ProviderTerminal, ProviderAlphaVantage, ProviderFinnhub:
		default:
			return fmt.Errorf("config error: unknown quote provider %q in 'market_data.providers'", p)
		}
	}

	b := c.Backoff
	if b.PriceRetrySeconds < 0 || b.AccountRetrySeconds < 0 || b.RiskBlockSeconds < 0 || b.ErrorSeconds < 0 {
		return fmt.Errorf("config error: 'backoff' delays cannot be negative")
	}
	if b.PollSliceMillis <= 0 {
		return fmt.Errorf("config error: 'backoff.poll_slice_ms' must be positive")
	}

	if c.Audit.TradesFile == "" || c.Audit.EventsFile == "" {
		return fmt.Errorf("critical config missing: 'audit.trades_file' and 'audit.events_file' must be specified")
	}

	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return fmt.Errorf("config error: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.LogDirectory == "" || c.Normal.StateDirectory == "" || c.Normal.AuditDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config' log, state and audit directories must be specified")
	}

	if c.Logs.LogLevel == "" {
		return fmt.Errorf("critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("config error: 'logs' rotation limits must be positive")
	}
	return nil
}

// Quote provider identifiers accepted in market_data.providers.
const (
	ProviderTerminal     = "terminal"
	ProviderAlphaVantage = "alpha_vantage"
	ProviderFinnhub      = "finnhub"
)

// PriceCheckInterval returns the pacing interval between ticks.
func (c *Config) PriceCheckInterval() time.Duration {
	return time.Duration(c.Trading.PriceCheckIntervalSeconds) * time.Second
}

// Location returns the timezone that defines the risk day boundary.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnvConfig carries credentials that never live in config.yaml.
type EnvConfig struct {
	TerminalLogin    int64
	TerminalPassword string
	TerminalServer   string
	BridgeURL        string
	BridgeToken      string
	AlphaVantageKey  string
	FinnhubKey       string
}

// LoadEnvConfig reads credentials from the process environment (populated from .env by main).
func LoadEnvConfig() *EnvConfig {
	login, _ := strconv.ParseInt(os.Getenv("MT5_LOGIN"), 10, 64)
	finnhubKey := os.Getenv("FINNHUB_API_KEY")
	if finnhubKey == "" {
		finnhubKey = "demo"
	}
	return &EnvConfig{
		TerminalLogin:    login,
		TerminalPassword: os.Getenv("MT5_PASSWORD"),
		TerminalServer:   os.Getenv("MT5_SERVER"),
		BridgeURL:        os.Getenv("TERMINAL_BRIDGE_URL"),
		BridgeToken:      os.Getenv("TERMINAL_BRIDGE_TOKEN"),
		AlphaVantageKey:  os.Getenv("ALPHA_VANTAGE_API_KEY"),
		FinnhubKey:       finnhubKey,
	}
}
