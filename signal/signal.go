package signal

import (
	"context"
	"fmt"
	"strings"

	"sentinel_trader/market"
	"sentinel_trader/terminal"
)

// Action is what a signal source wants done this tick.
type Action int

const (
	Hold Action = iota
	Buy
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "hold"
}

// Side maps Buy and Sell to the order side. Hold reports false.
func (a Action) Side() (terminal.Side, bool) {
	switch a {
	case Buy:
		return terminal.Buy, true
	case Sell:
		return terminal.Sell, true
	}
	return "", false
}

// Source decides whether to enter a trade on the current quote. Strategies
// live outside this repository and plug in here.
type Source interface {
	Evaluate(ctx context.Context, q market.Quote, open []terminal.Position) (Action, error)
}

// None never trades: the cycle only monitors.
type None struct{}

var _ Source = None{}

func (None) Evaluate(context.Context, market.Quote, []terminal.Position) (Action, error) {
	return Hold, nil
}

// Scripted replays a fixed sequence of actions, then holds. It is used to
// drive the cycle from the command line and in tests.
type Scripted struct {
	actions []Action
	next    int
}

func NewScripted(actions ...Action) *Scripted {
	return &Scripted{actions: actions}
}

func (s *Scripted) Evaluate(context.Context, market.Quote, []terminal.Position) (Action, error) {
	if s.next >= len(s.actions) {
		return Hold, nil
	}
	a := s.actions[s.next]
	s.next++
	return a, nil
}

// ParseAction accepts buy, sell and hold in any case.
func ParseAction(v string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	case "hold", "":
		return Hold, nil
	}
	return Hold, fmt.Errorf("unknown signal action %q", v)
}
