package terminal

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoTick is returned when the terminal has no live tick for a symbol.
	ErrNoTick = errors.New("terminal: no tick available")
	// ErrPositionNotFound is returned when no open position carries the requested ticket.
	ErrPositionNotFound = errors.New("terminal: position not found")
	// ErrNotInitialized is returned when the session could not be established.
	ErrNotInitialized = errors.New("terminal: session not initialized")
)

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that closes a position of side s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts buy/sell and long/short in any case.
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "long":
		return Buy, true
	case "sell", "short":
		return Sell, true
	}
	return "", false
}

// Trade server return codes the core cares about.
const (
	RetcodeRequote      uint32 = 10004
	RetcodeReject       uint32 = 10006
	RetcodeDone         uint32 = 10009
	RetcodeInvalidVol   uint32 = 10014
	RetcodeInvalidStops uint32 = 10016
	RetcodeMarketClosed uint32 = 10018
	RetcodeNoMoney      uint32 = 10019
)

// Tick is the terminal's live bid/ask for a symbol.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// AccountSnapshot is the broker-reported account state at one instant.
type AccountSnapshot struct {
	Login       int64   `json:"login"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"` // percent; 0 when no margin is used
	Profit      float64 `json:"profit"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
}

// Position is an open position as reported by the terminal.
type Position struct {
	Ticket       uint64
	Symbol       string
	Side         Side
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	Profit       float64
	Comment      string
	Magic        int64
	OpenTime     time.Time
}

// OrderRequest is a market deal request. A non-zero PositionTicket closes that position.
type OrderRequest struct {
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"type"`
	Volume         float64 `json:"volume"`
	Price          float64 `json:"price"`
	StopLoss       float64 `json:"sl"`
	TakeProfit     float64 `json:"tp"`
	Deviation      int     `json:"deviation"`
	Magic          int64   `json:"magic"`
	Comment        string  `json:"comment"`
	PositionTicket uint64  `json:"position,omitempty"`
	TypeTime       string  `json:"type_time"`
	TypeFilling    string  `json:"type_filling"`
}

// OrderResult is the terminal's answer to an order request. A result with a
// retcode other than RetcodeDone is a broker decision, not a transport error.
type OrderResult struct {
	Retcode   uint32  `json:"retcode"`
	Ticket    uint64  `json:"order"`
	Deal      uint64  `json:"deal"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Comment   string  `json:"comment"`
	RequestID string  `json:"request_id"`
}

// Done reports whether the broker executed the request.
func (r OrderResult) Done() bool {
	return r.Retcode == RetcodeDone
}

// Rate is one OHLC bar from the terminal's history.
type Rate struct {
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	TickVolume int64
}

// Session is the execution terminal. Implementations serialize access to the
// underlying connection and initialize it at most once.
type Session interface {
	// Initialize establishes the terminal session. Subsequent calls are no-ops once it succeeded.
	Initialize(ctx context.Context) error
	// Tick returns the live tick for symbol, or ErrNoTick.
	Tick(ctx context.Context, symbol string) (Tick, error)
	// AccountInfo returns the current account state.
	AccountInfo(ctx context.Context) (AccountSnapshot, error)
	// SendOrder submits a market request and returns the broker's result.
	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// Positions lists open positions, filtered by symbol unless symbol is empty.
	Positions(ctx context.Context, symbol string) ([]Position, error)
	// Position returns the open position with the given ticket, or ErrPositionNotFound.
	Position(ctx context.Context, ticket uint64) (Position, error)
	// Shutdown closes the session.
	Shutdown() error
}

// RateProvider is implemented by sessions that can serve historical bars.
type RateProvider interface {
	Rates(ctx context.Context, symbol, timeframe string, count int) ([]Rate, error)
}

// Order request constants shared by both session variants.
const (
	TimeGTC      = "GTC"
	FillingIOC   = "IOC"
	CloseComment = "close"
)
