package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "symbol: xauusd\nrisk:\n  max_drawdown: 0.2\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", cfg.Symbol)
	assert.Equal(t, 0.2, cfg.Risk.MaxDrawdown)
	// untouched keys keep the defaults
	assert.Equal(t, 0.05, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 0.02, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, 3, cfg.Trading.MaxPositions)
	assert.Equal(t, int64(234000), cfg.Trading.MagicNumber)
	assert.Equal(t, []string{"terminal", "alpha_vantage", "finnhub"}, cfg.MarketData.Providers)
}

func TestLoadConfigShippedFile(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.UseSimulation)
	assert.Equal(t, "OANDA:XAU_USD", cfg.MarketData.FinnhubSymbol)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"lot bounds":     func(c *Config) { c.Risk.MaxLotSize = 0.001 },
		"zero stop":      func(c *Config) { c.Trading.DefaultSLPoints = 0 },
		"risk pct":       func(c *Config) { c.Risk.MaxRiskPerTrade = 1.5 },
		"provider":       func(c *Config) { c.MarketData.Providers = []string{"polygon"} },
		"no providers":   func(c *Config) { c.MarketData.Providers = nil },
		"timezone":       func(c *Config) { c.Risk.Timezone = "Mars/Olympus" },
		"poll slice":     func(c *Config) { c.Backoff.PollSliceMillis = 0 },
		"missing symbol": func(c *Config) { c.Symbol = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("MT5_LOGIN", "5012345")
	t.Setenv("MT5_SERVER", "Demo-Server")
	t.Setenv("FINNHUB_API_KEY", "")

	env := LoadEnvConfig()
	assert.Equal(t, int64(5012345), env.TerminalLogin)
	assert.Equal(t, "Demo-Server", env.TerminalServer)
	assert.Equal(t, "demo", env.FinnhubKey)
}
