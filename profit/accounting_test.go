package profit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountantTally(t *testing.T) {
	a := NewAccountant()
	a.RecordTrade(Trade{Ticket: 1, Side: "buy", Volume: 0.5, Price: 2000, Status: "opened"})
	a.RecordTrade(Trade{Ticket: 2, Side: "sell", Volume: 0.3, Price: 2001, Status: "opened"})
	a.RecordTrade(Trade{Side: "buy", Volume: 1, Status: "rejected"})
	a.RecordTrade(Trade{Ticket: 1, Profit: 40, Status: "closed"})
	a.RecordTrade(Trade{Ticket: 2, Profit: -12.5, Status: "closed"})

	s := a.GetSummary()
	assert.Equal(t, 2, s.Opened)
	assert.Equal(t, 2, s.Closed)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 0.8, s.VolumeOpened, 1e-9)
	assert.InDelta(t, 27.5, a.GetRealizedPNL(), 1e-9)
	assert.Contains(t, s.String(), "rejected=1")

	history := a.History()
	require.Len(t, history, 5)
	assert.Equal(t, "rejected", history[2].Status)
	assert.False(t, history[0].Timestamp.IsZero())
}

func TestAccountantHistoryIsCopy(t *testing.T) {
	a := NewAccountant()
	a.RecordTrade(Trade{Ticket: 1, Status: "opened"})
	h := a.History()
	h[0].Ticket = 99
	assert.Equal(t, uint64(1), a.History()[0].Ticket)
}
