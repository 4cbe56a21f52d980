package risk

import (
	"math"
	"testing"

	"sentinel_trader/config"
	"sentinel_trader/terminal"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	return NewGate(PolicyFromConfig(config.NewConfig().Risk), log), hook
}

func TestDrawdownBlocksBeforeMarginCheck(t *testing.T) {
	g, _ := newTestGate(t)
	g.RestoreDayState(DayState{Date: "2024-03-01", StartBalance: 10000})

	d := g.CheckTradingAllowed(terminal.AccountSnapshot{Balance: 10000, Equity: 8900, Margin: 1000, MarginLevel: 300})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDrawdown, d.Code)
	assert.Contains(t, d.Reason, "drawdown")
}

func TestAllowWithinLimits(t *testing.T) {
	g, _ := newTestGate(t)
	g.RestoreDayState(DayState{Date: "2024-03-01", StartBalance: 10500})

	d := g.CheckTradingAllowed(terminal.AccountSnapshot{Balance: 10000, Equity: 9800, Margin: 3920, MarginLevel: 250})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Code)
}

func TestCheckOrdering(t *testing.T) {
	tests := []struct {
		name     string
		dayStart float64
		snap     terminal.AccountSnapshot
		want     Reason
	}{
		{"zero balance", 10000, terminal.AccountSnapshot{Balance: 0, Equity: 0}, ReasonInvalidBalance},
		{"negative balance", 10000, terminal.AccountSnapshot{Balance: -5, Equity: 100}, ReasonInvalidBalance},
		{"daily loss beats drawdown", 10000, terminal.AccountSnapshot{Balance: 9400, Equity: 8000, Margin: 10, MarginLevel: 50}, ReasonDailyLoss},
		{"daily loss at exact limit", 10000, terminal.AccountSnapshot{Balance: 9500, Equity: 9500}, ReasonDailyLoss},
		{"drawdown beats margin", 10000, terminal.AccountSnapshot{Balance: 10000, Equity: 8900, Margin: 8900, MarginLevel: 100}, ReasonDrawdown},
		{"margin level", 10000, terminal.AccountSnapshot{Balance: 10000, Equity: 9900, Margin: 5500, MarginLevel: 180}, ReasonMarginLevel},
		{"no margin used skips margin check", 10000, terminal.AccountSnapshot{Balance: 10000, Equity: 10000, Margin: 0, MarginLevel: 0}, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGate(t)
			g.RestoreDayState(DayState{StartBalance: tt.dayStart})
			d := g.CheckTradingAllowed(tt.snap)
			assert.Equal(t, tt.want, d.Code)
			assert.Equal(t, tt.want == ReasonNone, d.Allowed)
		})
	}
}

func TestDayStartCapturedOnFirstEvaluation(t *testing.T) {
	g, _ := newTestGate(t)
	assert.Zero(t, g.DayState().StartBalance)

	d := g.CheckTradingAllowed(terminal.AccountSnapshot{Balance: 10000, Equity: 10000})
	require.True(t, d.Allowed)
	assert.Equal(t, 10000.0, g.DayState().StartBalance)

	d = g.CheckTradingAllowed(terminal.AccountSnapshot{Balance: 9400, Equity: 9400})
	assert.Equal(t, ReasonDailyLoss, d.Code)

	g.ResetDailyStats()
	assert.Zero(t, g.DayState().StartBalance)
	d = g.CheckTradingAllowed(terminal.AccountSnapshot{Balance: 9400, Equity: 9400})
	assert.True(t, d.Allowed)
	assert.Equal(t, 9400.0, g.DayState().StartBalance)
}

func TestStartDayAndRecordTrades(t *testing.T) {
	g, _ := newTestGate(t)
	g.StartDay("2024-03-01")
	for i := 0; i < 3; i++ {
		g.RecordOpen()
	}
	g.RecordClose(50)
	g.RecordClose(-20)
	g.RecordClose(-5)

	day := g.DayState()
	assert.Equal(t, "2024-03-01", day.Date)
	assert.Equal(t, 3, day.TradeCount)
	assert.Equal(t, 2, day.LossCount)
	assert.InDelta(t, 25, day.RealizedProfit, 1e-9)

	g.ResetDailyStats()
	day = g.DayState()
	assert.Equal(t, "2024-03-01", day.Date)
	assert.Zero(t, day.TradeCount)

	g.StartDay("2024-03-02")
	assert.Equal(t, DayState{Date: "2024-03-02"}, g.DayState())
}

func TestSizePositionZeroDistance(t *testing.T) {
	g, hook := newTestGate(t)
	assert.Zero(t, g.SizePosition(10000, 2000, 2000))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestSizePosition(t *testing.T) {
	g, _ := newTestGate(t)
	// 10000 * 0.02 = 200 at risk over 10 points at 100 per point = 0.2 lots
	assert.Equal(t, 0.2, g.SizePosition(10000, 2000, 1990))
	// 200 / (1 * 100) = 2 lots
	assert.Equal(t, 2.0, g.SizePosition(10000, 2000, 1999))
	// 200 / (0.1 * 100) = 20 lots, clamped to max 10
	assert.Equal(t, 10.0, g.SizePosition(10000, 2000, 1999.9))
	// 20 * 0.02 / (500 * 100), clamped to min 0.01
	assert.Equal(t, 0.01, g.SizePosition(20, 2000, 1500))
	// 100000 * 0.02 / (30 * 100) = 0.6667 rounded to 0.67
	assert.Equal(t, 0.67, g.SizePosition(100000, 2030, 2000))
}

func TestSizedLossAtStopIsRiskFraction(t *testing.T) {
	g, _ := newTestGate(t)
	const balance, entry, stop = 10000.0, 2000.5, 1990.5
	size := g.SizePosition(balance, entry, stop)
	loss := (entry - stop) * size * g.Policy().ValuePerPoint
	assert.InDelta(t, balance*g.Policy().MaxRiskPerTrade, loss, 0.01)
}

func TestSizePositionAlwaysWithinLotBounds(t *testing.T) {
	g, _ := newTestGate(t)
	p := g.Policy()
	balances := []float64{0.01, 1, 99.5, 1234.56, 10000, 1e6, 1e9}
	distances := []float64{1e-6, 0.01, 0.37, 1, 10, 123.4, 5000}
	for _, b := range balances {
		for _, dist := range distances {
			size := g.SizePosition(b, 2000, 2000-dist)
			assert.GreaterOrEqual(t, size, p.MinLot, "balance %v distance %v", b, dist)
			assert.LessOrEqual(t, size, p.MaxLot, "balance %v distance %v", b, dist)
			assert.False(t, math.IsNaN(size))
		}
	}
}

func TestDecideSizesOnlyWhenAllowed(t *testing.T) {
	g, _ := newTestGate(t)
	g.RestoreDayState(DayState{StartBalance: 10000})

	d := g.Decide(terminal.AccountSnapshot{Balance: 10000, Equity: 10000}, 2000, 1990)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0.2, d.Size)

	d = g.Decide(terminal.AccountSnapshot{Balance: 10000, Equity: 8000}, 2000, 1990)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Size)
}
