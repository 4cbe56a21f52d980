// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"sentinel_trader/audit"
	"sentinel_trader/config"
	"sentinel_trader/execution"
	"sentinel_trader/investment"
	"sentinel_trader/market"
	"sentinel_trader/monitor"
	"sentinel_trader/profit"
	"sentinel_trader/risk"
	sig "sentinel_trader/signal"
	"sentinel_trader/state"
	"sentinel_trader/terminal"

	"github.com/sirupsen/logrus"
)

const (
	simInitialPrice = 2350.0
	simAmplitude    = 15.0
	simBalance      = 10000.0
	simLeverage     = 100
)

// Orchestrator owns every component of one trading process and wires them together.
type Orchestrator struct {
	cfg *config.Config
	log logrus.FieldLogger

	session    terminal.Session
	simulator  *terminal.Simulator
	stateMgr   state.StateManagerInterface
	auditLog   *audit.Log
	gate       *risk.Gate
	orders     *execution.Manager
	exposure   *investment.Manager
	quotes     *market.Aggregator
	history    *market.HistoryChain
	accountant *profit.Accountant
	controller *monitor.Controller
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig, signals sig.Source, log logrus.FieldLogger) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, log: log, accountant: profit.NewAccountant()}

	if cfg.UseSimulation {
		o.simulator = terminal.NewSimulator(cfg.Symbol, simInitialPrice, simBalance, simLeverage)
		o.simulator.SetPriceSimulationParams(simInitialPrice, simAmplitude)
		o.simulator.Start()
		o.session = o.simulator
		log.Warn("<<<<<<<<<< WARNING: Running against the simulated terminal >>>>>>>>>>")
	} else {
		if envCfg.BridgeURL == "" {
			return nil, fmt.Errorf("TERMINAL_BRIDGE_URL must be set when use_simulation is false")
		}
		o.session = terminal.NewBridgeClient(envCfg.BridgeURL, envCfg.BridgeToken, terminal.Credentials{
			Login:    envCfg.TerminalLogin,
			Password: envCfg.TerminalPassword,
			Server:   envCfg.TerminalServer,
		}, cfg.Normal.HTTPTimeoutSeconds)
	}

	symbolUpper := strings.ToUpper(cfg.Symbol)
	stateFile := filepath.Join(cfg.Normal.StateDirectory, symbolUpper+"_state.json")
	stateMgr, err := state.NewStateManager(stateFile, cfg.Symbol, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	o.stateMgr = stateMgr
	log.Infof("State manager initialized successfully, state will be persisted to: %s", stateFile)

	auditLog, err := audit.Open(cfg.Audit, cfg.Normal.AuditDirectory, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	o.auditLog = auditLog

	o.gate = risk.NewGate(risk.PolicyFromConfig(cfg.Risk), log)
	policy := o.gate.Policy()
	log.Infof("[Orchestrator] Risk policy: %.1f%% per trade, %.1f%% daily loss, %.1f%% drawdown, lots %.2f-%.2f, %.2f per point",
		policy.MaxRiskPerTrade*100, policy.MaxDailyLoss*100, policy.MaxDrawdown*100, policy.MinLot, policy.MaxLot, policy.ValuePerPoint)
	if day := stateMgr.GetFullState().Day; day != nil {
		o.gate.RestoreDayState(*day)
		log.Infof("[Orchestrator] Restored day window %s (start balance %.2f, %d trades)", day.Date, day.StartBalance, day.TradeCount)
	}

	o.orders = execution.NewManager(o.session, auditLog, execution.Options{
		Deviation: cfg.Trading.DeviationPoints,
		Magic:     cfg.Trading.MagicNumber,
	}, log)
	o.orders.OnTrade(o.onTrade)

	o.exposure = investment.NewManager(o.session, cfg.Symbol, cfg.Trading.MagicNumber, cfg.Trading.MaxPositions, log)

	timeout := time.Duration(cfg.MarketData.HTTPTimeoutSeconds) * time.Second
	o.quotes = market.NewAggregator(o.quoteSources(envCfg, timeout), time.Duration(cfg.MarketData.MinFetchIntervalMillis)*time.Millisecond, log)
	o.quotes.SetParallelProbe(cfg.MarketData.ParallelProbe)

	rates, _ := o.session.(terminal.RateProvider)
	historySources := []market.CandleSource{market.NewTerminalHistory(o.session, rates)}
	if envCfg.AlphaVantageKey != "" {
		historySources = append(historySources, market.NewAlphaVantageHistory(cfg.MarketData.AlphaVantageBaseURL, envCfg.AlphaVantageKey, cfg.MarketData.AlphaVantageSymbol, timeout))
	}
	o.history = market.NewHistoryChain(log, historySources...)

	o.controller = monitor.NewController(monitor.SettingsFromConfig(cfg), monitor.Deps{
		Quotes:   o.quotes,
		Account:  o.session,
		Ticks:    o.session,
		Gate:     o.gate,
		Orders:   o.orders,
		Exposure: o.exposure,
		Signals:  signals,
		Recorder: auditLog,
		State:    stateMgr,
		Log:      log,
		OnClose:  o.tally,
	})
	return o, nil
}

// quoteSources builds the aggregator's sources in the configured priority order.
func (o *Orchestrator) quoteSources(envCfg *config.EnvConfig, timeout time.Duration) []market.Source {
	md := o.cfg.MarketData
	var sources []market.Source
	for _, name := range md.Providers {
		switch name {
		case config.ProviderTerminal:
			sources = append(sources, market.NewTerminalSource(o.session))
		case config.ProviderAlphaVantage:
			if envCfg.AlphaVantageKey == "" {
				o.log.Warn("[Orchestrator] ALPHA_VANTAGE_API_KEY not set, Alpha Vantage quotes disabled")
				continue
			}
			sources = append(sources, market.NewAlphaVantageSource(md.AlphaVantageBaseURL, envCfg.AlphaVantageKey, md.AlphaVantageSymbol, md.SyntheticHalfSpread, timeout))
		case config.ProviderFinnhub:
			sources = append(sources, market.NewFinnhubSource(md.FinnhubBaseURL, envCfg.FinnhubKey, md.FinnhubSymbol, md.SyntheticHalfSpread, timeout))
		}
	}
	return sources
}

// onTrade tallies trades from the order manager. Opens are counted into the
// day window by the controller; closes made here are counted now and removed
// from the controller's tracking.
func (o *Orchestrator) onTrade(rec audit.TradeRecord) {
	o.tally(rec)
	if rec.Status != audit.StatusClosed {
		return
	}
	o.controller.Forget(rec.Ticket)
	o.gate.RecordClose(rec.Profit)
	if err := o.stateMgr.UpdateDayState(o.gate.DayState()); err != nil {
		o.log.WithError(err).Error("[Orchestrator] Failed to persist day state after close")
	}
}

// tally feeds a trade record into the session summary.
func (o *Orchestrator) tally(rec audit.TradeRecord) {
	price := rec.EntryPrice
	if rec.Status == audit.StatusClosed {
		price = rec.ExitPrice
	}
	o.accountant.RecordTrade(profit.Trade{
		Ticket:    rec.Ticket,
		Side:      rec.Side,
		Volume:    rec.Volume,
		Price:     price,
		Profit:    rec.Profit,
		Status:    string(rec.Status),
		Timestamp: rec.Time,
	})
}

// Connect initializes the terminal session. Nothing may trade until it succeeds.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if err := o.session.Initialize(ctx); err != nil {
		o.auditLog.LogEvent(audit.EventSystemStop, "Terminal initialization failed", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to initialize terminal session: %w", err)
	}
	return nil
}

// Run connects and drives the execution cycle until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Connect(ctx); err != nil {
		return err
	}
	if err := o.stateMgr.RecordSessionStart(time.Now()); err != nil {
		o.log.WithError(err).Warn("[Orchestrator] Failed to record session start")
	}
	o.auditLog.LogEvent(audit.EventSystemStart, fmt.Sprintf("Trading system started for %s", o.cfg.Symbol), map[string]interface{}{
		"simulation": o.cfg.UseSimulation,
		"providers":  o.quotes.SourceNames(),
		"interval_s": o.cfg.Trading.PriceCheckIntervalSeconds,
	})
	o.log.Infof("Execution cycle for %s started, press Ctrl+C to exit.", o.cfg.Symbol)

	err := o.controller.Run(ctx)

	o.printFinalSummary()
	summary := o.accountant.GetSummary()
	o.auditLog.LogEvent(audit.EventSystemStop, "Trading system stopped", map[string]interface{}{
		"opened":          summary.Opened,
		"closed":          summary.Closed,
		"rejected":        summary.Rejected,
		"realized_profit": summary.RealizedProfit,
	})
	return err
}

// ClosePosition closes one position by ticket through the order manager.
func (o *Orchestrator) ClosePosition(ctx context.Context, ticket uint64) error {
	if err := o.Connect(ctx); err != nil {
		return err
	}
	err := o.orders.ClosePosition(ctx, ticket)
	if errors.Is(err, terminal.ErrPositionNotFound) {
		return fmt.Errorf("no open position with ticket %d", ticket)
	}
	return err
}

// Account returns the current account snapshot.
func (o *Orchestrator) Account(ctx context.Context) (terminal.AccountSnapshot, error) {
	if err := o.Connect(ctx); err != nil {
		return terminal.AccountSnapshot{}, err
	}
	return o.session.AccountInfo(ctx)
}

// Positions lists open positions on the configured symbol.
func (o *Orchestrator) Positions(ctx context.Context) ([]terminal.Position, error) {
	if err := o.Connect(ctx); err != nil {
		return nil, err
	}
	return o.orders.ListOpenPositions(ctx, o.cfg.Symbol)
}

// Candles reads historical bars through the history chain.
func (o *Orchestrator) Candles(ctx context.Context, timeframe string, limit int) ([]market.Candle, error) {
	if !market.ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe %q, expected one of %s", timeframe, strings.Join(market.Timeframes, ", "))
	}
	return o.history.Candles(ctx, o.cfg.Symbol, timeframe, limit)
}

// Close releases the audit ledgers and the terminal session.
func (o *Orchestrator) Close() {
	if o.simulator != nil {
		o.simulator.Stop()
	}
	if err := o.session.Shutdown(); err != nil {
		o.log.WithError(err).Warn("[Orchestrator] Terminal shutdown failed")
	}
	if err := o.auditLog.Close(); err != nil {
		o.log.WithError(err).Warn("[Orchestrator] Failed to close audit log")
	}
	o.log.Info("All services stopped successfully.")
}

func (o *Orchestrator) printFinalSummary() {
	summary := o.accountant.GetSummary()
	o.log.Info("--- Final Session Summary ---")
	o.log.Infof("Orders: %s", summary)
	day := o.gate.DayState()
	o.log.Infof("Day %s: %d trades, %d losses, realized %.2f", day.Date, day.TradeCount, day.LossCount, day.RealizedProfit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	positions, err := o.session.Positions(ctx, o.cfg.Symbol)
	if err != nil {
		o.log.WithError(err).Error("Failed to get open positions for summary")
		return
	}
	var floating float64
	for _, p := range positions {
		floating += p.Profit
	}
	o.log.Infof("Open positions: %d (unrealized P&L: %.2f)", len(positions), floating)
	for outcome, n := range o.controller.Stats() {
		o.log.Infof("Ticks %s: %d", outcome, n)
	}
	o.log.Info("-----------------------------")
}
