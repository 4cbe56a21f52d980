package signal

import (
	"context"
	"testing"

	"sentinel_trader/market"
	"sentinel_trader/terminal"

	"github.com/stretchr/testify/assert"
)

func TestScriptedThenHold(t *testing.T) {
	s := NewScripted(Buy, Hold, Sell)
	var got []Action
	for i := 0; i < 5; i++ {
		a, err := s.Evaluate(context.Background(), market.Quote{}, nil)
		assert.NoError(t, err)
		got = append(got, a)
	}
	assert.Equal(t, []Action{Buy, Hold, Sell, Hold, Hold}, got)
}

func TestActionSide(t *testing.T) {
	side, ok := Buy.Side()
	assert.True(t, ok)
	assert.Equal(t, terminal.Buy, side)
	side, ok = Sell.Side()
	assert.True(t, ok)
	assert.Equal(t, terminal.Sell, side)
	_, ok = Hold.Side()
	assert.False(t, ok)
	assert.Equal(t, "hold", Hold.String())

	a, err := None{}.Evaluate(context.Background(), market.Quote{Mid: 1}, nil)
	assert.NoError(t, err)
	assert.Equal(t, Hold, a)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" BUY ")
	assert.NoError(t, err)
	assert.Equal(t, Buy, a)
	a, err = ParseAction("sell")
	assert.NoError(t, err)
	assert.Equal(t, Sell, a)
	_, err = ParseAction("short")
	assert.Error(t, err)
}
