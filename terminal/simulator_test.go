package terminal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorOpenMarkAndClose(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("XAUUSD", 2000, 10000, 100)
	sim.SetHalfSpread(0.5)
	require.NoError(t, sim.Initialize(ctx))

	res, err := sim.SendOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: Buy, Volume: 0.1, Price: 2000.5, Deviation: 20})
	require.NoError(t, err)
	require.True(t, res.Done())
	assert.Equal(t, 2000.5, res.Price)
	assert.NotEmpty(t, res.RequestID)

	sim.SetPrice("XAUUSD", 2010)
	pos, err := sim.Position(ctx, res.Ticket)
	require.NoError(t, err)
	assert.Equal(t, Buy, pos.Side)
	assert.InDelta(t, (2009.5-2000.5)*0.1*100, pos.Profit, 1e-9)

	acct, err := sim.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000+pos.Profit, acct.Equity, 1e-9)
	assert.Greater(t, acct.MarginLevel, 0.0)

	closeRes, err := sim.SendOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: Sell, Volume: 0.1, PositionTicket: res.Ticket, Price: 2009.5, Deviation: 20})
	require.NoError(t, err)
	require.True(t, closeRes.Done())

	_, err = sim.Position(ctx, res.Ticket)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	acct, err = sim.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10090, acct.Balance, 1e-9)
	assert.Zero(t, acct.MarginLevel)
}

func TestSimulatorRejectsAndRequotes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("XAUUSD", 2000, 10000, 100)

	sim.RejectNext(RetcodeNoMoney)
	res, err := sim.SendOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: Buy, Volume: 1})
	require.NoError(t, err)
	assert.False(t, res.Done())
	assert.Equal(t, RetcodeNoMoney, res.Retcode)

	res, err = sim.SendOrder(ctx, OrderRequest{Symbol: "XAUUSD", Side: Buy, Volume: 1, Price: 1990, Deviation: 20})
	require.NoError(t, err)
	assert.Equal(t, RetcodeRequote, res.Retcode)

	positions, err := sim.Positions(ctx, "XAUUSD")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSimulatorFailures(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("XAUUSD", 2000, 10000, 100)
	sim.SetFailures(true, true, true)

	assert.ErrorIs(t, sim.Initialize(ctx), ErrNotInitialized)
	_, err := sim.Tick(ctx, "XAUUSD")
	assert.ErrorIs(t, err, ErrNoTick)
	_, err = sim.AccountInfo(ctx)
	assert.Error(t, err)

	sim.SetFailures(false, false, false)
	_, err = sim.Tick(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrNoTick)
}

func TestSideHelpers(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
	s, ok := ParseSide("LONG")
	assert.True(t, ok)
	assert.Equal(t, Buy, s)
	_, ok = ParseSide("flat")
	assert.False(t, ok)
}
