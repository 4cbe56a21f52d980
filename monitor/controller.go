// monitor/controller.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"sentinel_trader/audit"
	"sentinel_trader/config"
	"sentinel_trader/execution"
	"sentinel_trader/market"
	"sentinel_trader/risk"
	"sentinel_trader/signal"
	"sentinel_trader/state"
	"sentinel_trader/terminal"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Outcome is how one tick ended.
type Outcome int

const (
	OutcomePriceUnavailable Outcome = iota
	OutcomeAccountUnavailable
	OutcomeBlocked
	OutcomeMonitored
	OutcomeTraded
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomePriceUnavailable:
		return "price_unavailable"
	case OutcomeAccountUnavailable:
		return "account_unavailable"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeMonitored:
		return "monitored"
	case OutcomeTraded:
		return "traded"
	case OutcomeFault:
		return "fault"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// QuoteSource provides the live price.
type QuoteSource interface {
	GetLivePrice(ctx context.Context, symbol string) (market.Quote, error)
}

// AccountSource provides the account snapshot.
type AccountSource interface {
	AccountInfo(ctx context.Context) (terminal.AccountSnapshot, error)
}

// OrderManager opens and lists positions.
type OrderManager interface {
	OpenPosition(ctx context.Context, symbol string, side terminal.Side, volume, sl, tp float64, comment string) (terminal.Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]terminal.Position, error)
}

// TickSource provides the terminal's live tick, the price orders fill at.
type TickSource interface {
	Tick(ctx context.Context, symbol string) (terminal.Tick, error)
}

// ExposureGuard pauses new entries when too many positions are open.
type ExposureGuard interface {
	CheckAndUpdate(ctx context.Context) error
	IsTradingHalted() bool
	OpenCount() int
	Limit() int
}

// Settings are the controller's timing and order parameters.
type Settings struct {
	Symbol       string
	Interval     time.Duration
	PriceRetry   time.Duration
	AccountRetry time.Duration
	RiskBlock    time.Duration
	ErrorBackoff time.Duration
	PollSlice    time.Duration
	Heartbeat    time.Duration
	SLOffset     float64
	TPOffset     float64
	Magic        int64 // positions with another non-zero magic are not tracked
	Location     *time.Location
}

// SettingsFromConfig derives Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Settings{
		Symbol:       cfg.Symbol,
		Interval:     cfg.PriceCheckInterval(),
		PriceRetry:   sec(cfg.Backoff.PriceRetrySeconds),
		AccountRetry: sec(cfg.Backoff.AccountRetrySeconds),
		RiskBlock:    sec(cfg.Backoff.RiskBlockSeconds),
		ErrorBackoff: sec(cfg.Backoff.ErrorSeconds),
		PollSlice:    time.Duration(cfg.Backoff.PollSliceMillis) * time.Millisecond,
		Heartbeat:    time.Duration(cfg.Normal.HeartbeatIntervalMinutes) * time.Minute,
		SLOffset:     cfg.Trading.DefaultSLPoints,
		TPOffset:     cfg.Trading.DefaultTPPoints,
		Magic:        cfg.Trading.MagicNumber,
		Location:     cfg.Location(),
	}
}

// Deps are the collaborators the controller drives. Ticks, Exposure, State and
// OnClose are optional.
type Deps struct {
	Quotes   QuoteSource
	Account  AccountSource
	Ticks    TickSource
	Gate     *risk.Gate
	Orders   OrderManager
	Exposure ExposureGuard
	Signals  signal.Source
	Recorder audit.Recorder
	State    state.StateManagerInterface
	Log      logrus.FieldLogger
	// OnClose runs for every close the controller detects between ticks.
	OnClose func(audit.TradeRecord)
}

// Controller runs the execution cycle: price, account, risk, then monitor or
// trade. Ticks never overlap.
type Controller struct {
	settings Settings
	deps     Deps
	log      logrus.FieldLogger
	now      func() time.Time

	lastSavedDay risk.DayState

	mu    sync.Mutex
	stats map[Outcome]int

	trackMu sync.Mutex
	tracked map[uint64]terminal.Position // own positions seen open, by ticket
}

func NewController(settings Settings, deps Deps) *Controller {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.PollSlice <= 0 {
		settings.PollSlice = 100 * time.Millisecond
	}
	if deps.Signals == nil {
		deps.Signals = signal.None{}
	}
	return &Controller{
		settings:     settings,
		deps:         deps,
		log:          deps.Log.WithFields(logrus.Fields{"component": "cycle", "symbol": settings.Symbol}),
		now:          time.Now,
		lastSavedDay: deps.Gate.DayState(),
		stats:        make(map[Outcome]int),
		tracked:      make(map[uint64]terminal.Position),
	}
}

// Forget stops tracking ticket. Callers that close a position themselves use it
// so the close is not detected and counted a second time.
func (c *Controller) Forget(ticket uint64) {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	delete(c.tracked, ticket)
}

// SetClock replaces the wall clock used for day rollover.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Stats returns how many ticks ended with each outcome.
func (c *Controller) Stats() map[Outcome]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Outcome]int, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Run ticks until ctx is cancelled. After each tick it waits for the rest of
// the pacing interval, or for the outcome's backoff when that is longer.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Infof("[Cycle] Execution cycle started, interval %s", c.settings.Interval)
	lastHeartbeat := time.Now()

	for {
		if ctx.Err() != nil {
			c.log.Info("[Cycle] Stop requested, exiting execution cycle.")
			return nil
		}

		started := time.Now()
		outcome := c.Tick(ctx)

		if c.settings.Heartbeat > 0 && time.Since(lastHeartbeat) >= c.settings.Heartbeat {
			c.log.WithField("stats", c.statsFields()).Info("[Heartbeat] Execution cycle still running...")
			lastHeartbeat = time.Now()
		}

		wait := c.settings.Interval - time.Since(started)
		if backoff := c.backoffFor(outcome); backoff > wait {
			wait = backoff
		}
		if !c.sleep(ctx, wait) {
			c.log.Info("[Cycle] Stop requested, exiting execution cycle.")
			return nil
		}
	}
}

func (c *Controller) backoffFor(o Outcome) time.Duration {
	switch o {
	case OutcomePriceUnavailable:
		return c.settings.PriceRetry
	case OutcomeAccountUnavailable:
		return c.settings.AccountRetry
	case OutcomeBlocked:
		return c.settings.RiskBlock
	case OutcomeFault:
		return c.settings.ErrorBackoff
	}
	return 0
}

// sleep waits d in poll slices and reports false if ctx was cancelled first.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		slice := c.settings.PollSlice
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (c *Controller) statsFields() logrus.Fields {
	fields := logrus.Fields{}
	for o, n := range c.Stats() {
		fields[o.String()] = n
	}
	return fields
}

// Tick runs one cycle and reports how it ended. Panics are recovered and
// reported as OutcomeFault.
func (c *Controller) Tick(ctx context.Context) (outcome Outcome) {
	cycleID := uuid.NewString()
	log := c.log.WithField("cycle", cycleID)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("[Cycle] Error in main loop: %v", r)
			c.deps.Recorder.LogEvent(audit.EventTickFault, fmt.Sprintf("Recovered from fault: %v", r), map[string]interface{}{
				"cycle": cycleID,
			})
			outcome = OutcomeFault
		}
		c.mu.Lock()
		c.stats[outcome]++
		c.mu.Unlock()
	}()

	c.rollover(log, cycleID)
	outcome = c.tick(ctx, log, cycleID)
	c.syncDay(log)
	return outcome
}

func (c *Controller) tick(ctx context.Context, log logrus.FieldLogger, cycleID string) Outcome {
	symbol := c.settings.Symbol

	q, err := c.deps.Quotes.GetLivePrice(ctx, symbol)
	if err != nil {
		log.WithError(err).Warn("[Cycle] Failed to get live price, retrying...")
		if ctx.Err() == nil {
			c.deps.Recorder.LogEvent(audit.EventPriceUnavailable, "Failed to get live price", map[string]interface{}{
				"cycle": cycleID,
				"error": err.Error(),
			})
		}
		return OutcomePriceUnavailable
	}
	log.WithFields(logrus.Fields{"source": q.Source, "synthetic": q.Synthetic}).
		Infof("[Cycle] Live %s: %.2f (bid: %.2f, ask: %.2f, spread: %.2f)", symbol, q.Mid, q.Bid, q.Ask, q.Spread())

	snap, err := c.deps.Account.AccountInfo(ctx)
	if err != nil {
		log.WithError(err).Error("[Cycle] Failed to get account info")
		if ctx.Err() == nil {
			c.deps.Recorder.LogEvent(audit.EventAccountUnavailable, "Failed to get account info", map[string]interface{}{
				"cycle": cycleID,
				"error": err.Error(),
			})
		}
		return OutcomeAccountUnavailable
	}

	decision := c.deps.Gate.CheckTradingAllowed(snap)
	c.syncDay(log)
	if !decision.Allowed {
		log.WithField("code", decision.Code).Warnf("[Cycle] Trading not allowed: %s", decision.Reason)
		c.deps.Recorder.LogEvent(audit.EventRiskBlock, decision.Reason, map[string]interface{}{
			"cycle":        cycleID,
			"code":         decision.Code,
			"balance":      snap.Balance,
			"equity":       snap.Equity,
			"margin_level": snap.MarginLevel,
		})
		return OutcomeBlocked
	}

	positions, err := c.deps.Orders.ListOpenPositions(ctx, symbol)
	if err != nil {
		log.WithError(err).Warn("[Cycle] Failed to list open positions")
		positions = nil
	} else {
		c.reconcile(log, cycleID, positions)
	}
	log.Infof("[Cycle] Open positions: %d", len(positions))
	for _, p := range positions {
		log.Infof("[Cycle] Position %d: %s %.2f lots @ %.2f, P&L: $%.2f", p.Ticket, p.Side, p.Volume, p.OpenPrice, p.Profit)
	}

	action, err := c.deps.Signals.Evaluate(ctx, q, positions)
	if err != nil {
		log.WithError(err).Warn("[Cycle] Signal source failed, holding")
		return OutcomeMonitored
	}
	side, ok := action.Side()
	if !ok {
		return OutcomeMonitored
	}
	return c.trade(ctx, log, cycleID, q, snap, side)
}

func (c *Controller) trade(ctx context.Context, log logrus.FieldLogger, cycleID string, q market.Quote, snap terminal.AccountSnapshot, side terminal.Side) Outcome {
	symbol := c.settings.Symbol

	if c.deps.Exposure != nil {
		if err := c.deps.Exposure.CheckAndUpdate(ctx); err != nil {
			log.WithError(err).Warn("[Cycle] Exposure check failed, using last known state")
		}
		if c.deps.Exposure.IsTradingHalted() {
			c.deps.Recorder.LogEvent(audit.EventExposureLimit, "Maximum open positions reached, skipping entry", map[string]interface{}{
				"cycle": cycleID,
				"side":  side,
				"open":  c.deps.Exposure.OpenCount(),
				"limit": c.deps.Exposure.Limit(),
			})
			return OutcomeMonitored
		}
	}

	bid, ask, ok := c.tradablePrice(ctx, log, q)
	if !ok {
		log.Warn("[Cycle] No terminal price for entry and the quote is synthetic, skipping trade")
		c.deps.Recorder.LogEvent(audit.EventNoTradablePrice, "No terminal price for entry, skipping trade", map[string]interface{}{
			"cycle":  cycleID,
			"source": q.Source,
			"mid":    q.Mid,
		})
		return OutcomeMonitored
	}

	entry, sl, tp := ask, ask-c.settings.SLOffset, ask+c.settings.TPOffset
	comment := "Auto buy"
	if side == terminal.Sell {
		entry, sl, tp = bid, bid+c.settings.SLOffset, bid-c.settings.TPOffset
		comment = "Auto sell"
	}

	decision := c.deps.Gate.Decide(snap, entry, sl)
	if !decision.Allowed {
		log.WithField("code", decision.Code).Warnf("[Cycle] Trading not allowed: %s", decision.Reason)
		c.deps.Recorder.LogEvent(audit.EventRiskBlock, decision.Reason, map[string]interface{}{
			"cycle": cycleID,
			"code":  decision.Code,
		})
		return OutcomeBlocked
	}
	volume := decision.Size
	if volume == 0 {
		log.Warn("[Cycle] Position size is zero, skipping trade")
		c.deps.Recorder.LogEvent(audit.EventSizingZero, "Position size is zero, skipping trade", map[string]interface{}{
			"cycle": cycleID,
			"entry": entry,
			"sl":    sl,
		})
		return OutcomeMonitored
	}

	pos, err := c.deps.Orders.OpenPosition(ctx, symbol, side, volume, sl, tp, comment)
	if err != nil {
		if errors.Is(err, execution.ErrRejected) {
			log.WithError(err).Warn("[Cycle] Order rejected by broker")
		} else {
			log.WithError(err).Error("[Cycle] Failed to submit order")
		}
		return OutcomeMonitored
	}
	log.Infof("[Cycle] %s ORDER EXECUTED: %.2f lots @ %.2f (ticket %d)", side, pos.Volume, pos.OpenPrice, pos.Ticket)
	c.deps.Gate.RecordOpen()
	c.trackMu.Lock()
	c.tracked[pos.Ticket] = pos
	c.trackMu.Unlock()
	return OutcomeTraded
}

// tradablePrice returns the bid and ask an entry is sized from. The terminal
// tick is preferred; the quote is used only when it is not synthetic.
func (c *Controller) tradablePrice(ctx context.Context, log logrus.FieldLogger, q market.Quote) (float64, float64, bool) {
	if c.deps.Ticks != nil {
		tick, err := c.deps.Ticks.Tick(ctx, c.settings.Symbol)
		if err == nil && tick.Bid > 0 && tick.Ask >= tick.Bid {
			return tick.Bid, tick.Ask, true
		}
		if err != nil {
			log.WithError(err).Warn("[Cycle] Failed to read terminal tick for entry")
		}
	}
	if q.Synthetic {
		return 0, 0, false
	}
	return q.Bid, q.Ask, true
}

// reconcile compares the open positions with the ones seen on the previous
// listing. Own positions that are gone were closed outside this process (stop
// loss, take profit, manual close) and are recorded at their last observed mark.
func (c *Controller) reconcile(log logrus.FieldLogger, cycleID string, positions []terminal.Position) {
	current := make(map[uint64]terminal.Position, len(positions))
	for _, p := range positions {
		if c.settings.Magic != 0 && p.Magic != 0 && p.Magic != c.settings.Magic {
			continue
		}
		current[p.Ticket] = p
	}

	c.trackMu.Lock()
	var gone []terminal.Position
	for ticket, p := range c.tracked {
		if _, ok := current[ticket]; !ok {
			gone = append(gone, p)
		}
	}
	c.tracked = current
	c.trackMu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].Ticket < gone[j].Ticket })
	for _, p := range gone {
		c.deps.Gate.RecordClose(p.Profit)
		rec := audit.TradeRecord{
			Time:       time.Now(),
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			Volume:     p.Volume,
			EntryPrice: p.OpenPrice,
			ExitPrice:  p.CurrentPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Profit:     p.Profit,
			Comment:    "closed by terminal",
			Status:     audit.StatusClosed,
		}
		c.deps.Recorder.LogTrade(rec)
		c.deps.Recorder.LogEvent(audit.EventPositionClosed, fmt.Sprintf("Position %d closed by terminal", p.Ticket), map[string]interface{}{
			"cycle":  cycleID,
			"ticket": p.Ticket,
			"exit":   p.CurrentPrice,
			"profit": p.Profit,
		})
		if c.deps.OnClose != nil {
			c.deps.OnClose(rec)
		}
		log.Infof("[Cycle] Position %d no longer open, last P&L: $%.2f", p.Ticket, p.Profit)
	}
}

// rollover starts a new risk day when the calendar date in the configured
// timezone differs from the gate's current day.
func (c *Controller) rollover(log logrus.FieldLogger, cycleID string) {
	today := c.now().In(c.settings.Location).Format("2006-01-02")
	prev := c.deps.Gate.DayState()
	if prev.Date == today {
		return
	}
	c.deps.Gate.StartDay(today)
	if prev.Date != "" {
		log.Infof("[Cycle] Day rollover %s -> %s", prev.Date, today)
		c.deps.Recorder.LogEvent(audit.EventDayRollover, fmt.Sprintf("New trading day %s", today), map[string]interface{}{
			"cycle":           cycleID,
			"previous_day":    prev.Date,
			"trades":          prev.TradeCount,
			"losses":          prev.LossCount,
			"realized_profit": prev.RealizedProfit,
		})
	}
	c.syncDay(log)
}

// syncDay persists the gate's day window when it changed since the last save.
func (c *Controller) syncDay(log logrus.FieldLogger) {
	day := c.deps.Gate.DayState()
	if day == c.lastSavedDay || c.deps.State == nil {
		return
	}
	if err := c.deps.State.UpdateDayState(day); err != nil {
		log.WithError(err).Warn("[Cycle] Failed to persist day state")
		return
	}
	c.lastSavedDay = day
}
