package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinel_trader/config"
	"sentinel_trader/logs"
	sig "sentinel_trader/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.UseSimulation = true
	cfg.Trading.PriceCheckIntervalSeconds = 1
	cfg.MarketData.Providers = []string{config.ProviderTerminal}
	cfg.Normal.LogDirectory = filepath.Join(dir, "logs")
	cfg.Normal.StateDirectory = filepath.Join(dir, "state")
	cfg.Normal.AuditDirectory = filepath.Join(dir, "audit")
	require.NoError(t, cfg.Validate())
	return cfg
}

func readLedger(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestOrchestratorRunTradesAndCloses(t *testing.T) {
	cfg := simConfig(t)
	o, err := NewOrchestrator(cfg, &config.EnvConfig{FinnhubKey: "demo"}, sig.NewScripted(sig.Buy), logs.Discard())
	require.NoError(t, err)
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	summary := o.accountant.GetSummary()
	assert.Equal(t, 1, summary.Opened)
	running := o.stateMgr.GetFullState().Day
	require.NotNil(t, running)
	assert.Equal(t, 1, running.TradeCount, "opens are persisted by the running cycle")

	positions, err := o.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	require.NoError(t, o.ClosePosition(context.Background(), positions[0].Ticket))
	assert.Equal(t, 1, o.accountant.GetSummary().Closed)
	assert.Equal(t, 1, o.gate.DayState().TradeCount)

	persisted := o.stateMgr.GetFullState().Day
	require.NotNil(t, persisted)
	assert.Equal(t, 1, persisted.TradeCount)

	trades := readLedger(t, filepath.Join(cfg.Normal.AuditDirectory, cfg.Audit.TradesFile))
	require.Len(t, trades, 3)
	assert.Equal(t, "opened", trades[1][11])
	assert.Equal(t, "closed", trades[2][11])

	events := readLedger(t, filepath.Join(cfg.Normal.AuditDirectory, cfg.Audit.EventsFile))
	var types []string
	for _, row := range events[1:] {
		types = append(types, row[1])
	}
	assert.Contains(t, types, "SYSTEM_START")
	assert.Contains(t, types, "ORDER_OPENED")
	assert.Contains(t, types, "SYSTEM_STOP")
	assert.Contains(t, types, "POSITION_CLOSED")
}

func TestOrchestratorRequiresBridgeURL(t *testing.T) {
	cfg := simConfig(t)
	cfg.UseSimulation = false
	_, err := NewOrchestrator(cfg, &config.EnvConfig{}, nil, logs.Discard())
	assert.Error(t, err)
}

func TestOrchestratorRejectsUnknownTimeframe(t *testing.T) {
	cfg := simConfig(t)
	o, err := NewOrchestrator(cfg, &config.EnvConfig{}, nil, logs.Discard())
	require.NoError(t, err)
	defer o.Close()

	_, err = o.Candles(context.Background(), "2h", 10)
	assert.Error(t, err)
}
