// risk/manager.go
package risk

import (
	"fmt"
	"math"
	"sync"

	"sentinel_trader/config"
	"sentinel_trader/state"
	"sentinel_trader/terminal"
	"sentinel_trader/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DayState is the gate's per-day accounting, persisted by the state package.
type DayState = state.DayState

// Reason identifies which check blocked trading.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidBalance Reason = "invalid_balance"
	ReasonDailyLoss      Reason = "daily_loss"
	ReasonDrawdown       Reason = "drawdown"
	ReasonMarginLevel    Reason = "margin_level"
)

// Decision is the outcome of a gate evaluation. Size is only set by Decide.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Code    Reason  `json:"code,omitempty"`
	Reason  string  `json:"reason"`
	Size    float64 `json:"size"`
}

// Policy holds the limits the gate enforces.
type Policy struct {
	MaxRiskPerTrade float64
	MaxDailyLoss    float64
	MaxDrawdown     float64
	MinMarginLevel  float64
	MinLot          float64
	MaxLot          float64
	LotPrecision    int
	ValuePerPoint   float64
}

// PolicyFromConfig maps the risk section of the config onto a Policy.
func PolicyFromConfig(cfg config.RiskConfig) Policy {
	return Policy{
		MaxRiskPerTrade: cfg.MaxRiskPerTrade,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		MaxDrawdown:     cfg.MaxDrawdown,
		MinMarginLevel:  cfg.MinMarginLevel,
		MinLot:          cfg.MinLotSize,
		MaxLot:          cfg.MaxLotSize,
		LotPrecision:    cfg.LotPrecision,
		ValuePerPoint:   cfg.ValuePerPoint,
	}
}

// Gate decides whether trading may proceed and how large a position may be.
// It has no clock: the caller starts a new day with StartDay or ResetDailyStats.
type Gate struct {
	mu     sync.Mutex
	policy Policy
	day    DayState
	log    logrus.FieldLogger
}

func NewGate(policy Policy, log logrus.FieldLogger) *Gate {
	return &Gate{
		policy: policy,
		log:    log.WithField("component", "risk"),
	}
}

// CheckTradingAllowed evaluates the account snapshot against the policy.
// Checks run in a fixed order and the first failure wins.
func (g *Gate) CheckTradingAllowed(snap terminal.AccountSnapshot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check_noLock(snap)
}

func (g *Gate) check_noLock(snap terminal.AccountSnapshot) Decision {
	if snap.Balance <= 0 {
		return block(ReasonInvalidBalance, fmt.Sprintf("account balance %.2f is not positive", snap.Balance))
	}

	if g.day.StartBalance <= 0 {
		g.day.StartBalance = snap.Balance
		g.log.Infof("[Risk] Day start balance captured: %.2f", snap.Balance)
	}

	dailyLoss := (g.day.StartBalance - snap.Balance) / g.day.StartBalance
	if dailyLoss >= g.policy.MaxDailyLoss {
		return block(ReasonDailyLoss, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", dailyLoss*100, g.policy.MaxDailyLoss*100))
	}

	drawdown := (snap.Balance - snap.Equity) / snap.Balance
	if drawdown >= g.policy.MaxDrawdown {
		return block(ReasonDrawdown, fmt.Sprintf("max drawdown reached: %.2f%% >= %.2f%%", drawdown*100, g.policy.MaxDrawdown*100))
	}

	// With no used margin the terminal reports a margin level of 0.
	if snap.Margin > 0 && snap.MarginLevel < g.policy.MinMarginLevel {
		return block(ReasonMarginLevel, fmt.Sprintf("margin level too low: %.2f%% < %.2f%%", snap.MarginLevel, g.policy.MinMarginLevel))
	}

	return Decision{Allowed: true, Reason: "all checks passed"}
}

func block(code Reason, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// Decide runs CheckTradingAllowed and, when allowed, sizes a trade from entry to stop.
func (g *Gate) Decide(snap terminal.AccountSnapshot, entry, stop float64) Decision {
	g.mu.Lock()
	d := g.check_noLock(snap)
	g.mu.Unlock()
	if d.Allowed {
		d.Size = g.SizePosition(snap.Balance, entry, stop)
	}
	return d
}

// SizePosition returns the lot size that risks MaxRiskPerTrade of balance
// between entry and stop, rounded to the lot precision and clamped to
// [MinLot, MaxLot]. A zero stop distance returns 0, which means do not trade.
func (g *Gate) SizePosition(balance, entry, stop float64) float64 {
	pointsAtRisk := math.Abs(entry - stop)
	if pointsAtRisk == 0 || g.policy.ValuePerPoint <= 0 {
		g.log.Warnf("[Risk] Cannot size position: entry %.5f and stop %.5f leave no risk distance", entry, stop)
		return 0
	}
	if balance <= 0 {
		g.log.Warnf("[Risk] Cannot size position: balance %.2f is not positive", balance)
		return 0
	}

	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(g.policy.MaxRiskPerTrade))
	denom := decimal.NewFromFloat(pointsAtRisk).Mul(decimal.NewFromFloat(g.policy.ValuePerPoint))
	raw, _ := riskAmount.Div(denom).Float64()
	return utils.RoundLots(raw, g.policy.LotPrecision, g.policy.MinLot, g.policy.MaxLot)
}

// RecordOpen counts an opened position into the day window.
func (g *Gate) RecordOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day.TradeCount++
}

// RecordClose adds a closed position's profit to the day window.
func (g *Gate) RecordClose(profit float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if profit < 0 {
		g.day.LossCount++
	}
	g.day.RealizedProfit += profit
}

// ResetDailyStats clears the day window. The start balance is captured again
// on the next evaluation.
func (g *Gate) ResetDailyStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = DayState{Date: g.day.Date}
	g.log.Info("[Risk] Daily statistics reset")
}

// StartDay resets the window and labels it with date.
func (g *Gate) StartDay(date string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = DayState{Date: date}
	g.log.Infof("[Risk] New trading day %s started", date)
}

// DayState returns a copy of the current day window.
func (g *Gate) DayState() DayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.day
}

// RestoreDayState hydrates the gate from persisted state.
func (g *Gate) RestoreDayState(day DayState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = day
}

// Policy returns the limits the gate was built with.
func (g *Gate) Policy() Policy {
	return g.policy
}
