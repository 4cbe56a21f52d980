package profit

import (
	"fmt"
	"sync"
	"time"
)

// Trade is one order outcome as seen by the session tally.
type Trade struct {
	Ticket    uint64
	Side      string
	Volume    float64
	Price     float64
	Profit    float64 // realized profit, set for closes only
	Status    string  // opened, closed or rejected
	Timestamp time.Time
}

// Summary is the running tally of the current process.
type Summary struct {
	Opened         int
	Closed         int
	Rejected       int
	Wins           int
	Losses         int
	VolumeOpened   float64
	RealizedProfit float64
}

// String renders the one-line stop summary.
func (s Summary) String() string {
	return fmt.Sprintf("opened=%d closed=%d rejected=%d wins=%d losses=%d volume=%.2f realized=%.2f",
		s.Opened, s.Closed, s.Rejected, s.Wins, s.Losses, s.VolumeOpened, s.RealizedProfit)
}

// Accountant tallies order outcomes for the lifetime of the process.
type Accountant struct {
	mu           sync.Mutex
	summary      Summary
	tradeHistory []Trade
}

// NewAccountant creates an empty tally.
func NewAccountant() *Accountant {
	return &Accountant{tradeHistory: make([]Trade, 0)}
}

// RecordTrade adds one outcome to the tally.
func (a *Accountant) RecordTrade(trade Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	}
	a.tradeHistory = append(a.tradeHistory, trade)

	switch trade.Status {
	case "opened":
		a.summary.Opened++
		a.summary.VolumeOpened += trade.Volume
	case "closed":
		a.summary.Closed++
		a.summary.RealizedProfit += trade.Profit
		if trade.Profit > 0 {
			a.summary.Wins++
		} else if trade.Profit < 0 {
			a.summary.Losses++
		}
	case "rejected":
		a.summary.Rejected++
	}
}

// GetSummary returns a copy of the tally.
func (a *Accountant) GetSummary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// History returns a copy of every recorded outcome in call order.
func (a *Accountant) History() []Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Trade, len(a.tradeHistory))
	copy(out, a.tradeHistory)
	return out
}

// GetRealizedPNL returns cumulative realized profit.
func (a *Accountant) GetRealizedPNL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary.RealizedProfit
}
