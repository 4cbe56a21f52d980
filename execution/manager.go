// execution/manager.go
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel_trader/audit"
	"sentinel_trader/terminal"

	"github.com/sirupsen/logrus"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("execution: order rejected")

// RejectedError carries the broker's answer to a declined request.
type RejectedError struct {
	Op      string // "open" or "close"
	Retcode uint32
	Comment string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s order rejected: retcode=%d comment=%q", e.Op, e.Retcode, e.Comment)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Options are the order placement settings.
type Options struct {
	Deviation int   // accepted slippage in points
	Magic     int64 // tags positions opened by this system
}

// Manager opens, closes and lists positions through the terminal session and
// records every outcome to the audit trail.
type Manager struct {
	session  terminal.Session
	recorder audit.Recorder
	opts     Options
	log      logrus.FieldLogger
	onTrade  []func(audit.TradeRecord)
}

func NewManager(session terminal.Session, recorder audit.Recorder, opts Options, log logrus.FieldLogger) *Manager {
	return &Manager{
		session:  session,
		recorder: recorder,
		opts:     opts,
		log:      log.WithField("component", "execution"),
	}
}

// OnTrade registers fn to run after each trade record is written.
func (m *Manager) OnTrade(fn func(audit.TradeRecord)) {
	m.onTrade = append(m.onTrade, fn)
}

func (m *Manager) record(rec audit.TradeRecord) {
	m.recorder.LogTrade(rec)
	for _, fn := range m.onTrade {
		fn(rec)
	}
}

// OpenPosition sends a market order at the live ask (buy) or bid (sell).
// A broker rejection returns a *RejectedError and is recorded as a rejected
// trade; it never produces an opened record.
func (m *Manager) OpenPosition(ctx context.Context, symbol string, side terminal.Side, volume, sl, tp float64, comment string) (terminal.Position, error) {
	entry := m.log.WithFields(logrus.Fields{"symbol": symbol, "side": side, "volume": volume})

	rejected := audit.TradeRecord{
		Time:       time.Now(),
		Symbol:     symbol,
		Side:       string(side),
		Volume:     volume,
		StopLoss:   sl,
		TakeProfit: tp,
		Comment:    comment,
		Status:     audit.StatusRejected,
	}
	fail := func(err error, data map[string]interface{}) (terminal.Position, error) {
		entry.WithError(err).Error("[Execution] Failed to open position")
		rejected.Time = time.Now()
		m.record(rejected)
		data["symbol"] = symbol
		data["side"] = side
		data["volume"] = volume
		data["error"] = err.Error()
		m.recorder.LogEvent(audit.EventOrderRejected, fmt.Sprintf("%s %.2f %s rejected", side, volume, symbol), data)
		return terminal.Position{}, err
	}

	if side != terminal.Buy && side != terminal.Sell {
		return fail(fmt.Errorf("invalid order side %q", side), map[string]interface{}{})
	}
	if volume <= 0 {
		return fail(fmt.Errorf("invalid volume %.4f", volume), map[string]interface{}{})
	}

	tick, err := m.session.Tick(ctx, symbol)
	if err != nil {
		return fail(fmt.Errorf("failed to get tick for %s: %w", symbol, err), map[string]interface{}{})
	}
	price := tick.Ask
	if side == terminal.Sell {
		price = tick.Bid
	}
	rejected.EntryPrice = price

	req := terminal.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Volume:      volume,
		Price:       price,
		StopLoss:    sl,
		TakeProfit:  tp,
		Deviation:   m.opts.Deviation,
		Magic:       m.opts.Magic,
		Comment:     comment,
		TypeTime:    terminal.TimeGTC,
		TypeFilling: terminal.FillingIOC,
	}
	res, err := m.session.SendOrder(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("order_send failed: %w", err), map[string]interface{}{"price": price})
	}
	if !res.Done() {
		rerr := &RejectedError{Op: "open", Retcode: res.Retcode, Comment: res.Comment}
		return fail(rerr, map[string]interface{}{"price": price, "retcode": res.Retcode, "comment": res.Comment})
	}

	pos := terminal.Position{
		Ticket:       res.Ticket,
		Symbol:       symbol,
		Side:         side,
		Volume:       firstNonZero(res.Volume, volume),
		OpenPrice:    firstNonZero(res.Price, price),
		CurrentPrice: firstNonZero(res.Price, price),
		StopLoss:     sl,
		TakeProfit:   tp,
		Comment:      comment,
		Magic:        m.opts.Magic,
		OpenTime:     time.Now(),
	}
	m.record(audit.TradeRecord{
		Time:       pos.OpenTime,
		Ticket:     pos.Ticket,
		Symbol:     symbol,
		Side:       string(side),
		Volume:     pos.Volume,
		EntryPrice: pos.OpenPrice,
		StopLoss:   sl,
		TakeProfit: tp,
		Comment:    comment,
		Status:     audit.StatusOpened,
	})
	m.recorder.LogEvent(audit.EventOrderOpened, fmt.Sprintf("%s %.2f %s opened", side, pos.Volume, symbol), map[string]interface{}{
		"ticket":     pos.Ticket,
		"price":      pos.OpenPrice,
		"sl":         sl,
		"tp":         tp,
		"request_id": res.RequestID,
	})
	entry.WithField("ticket", pos.Ticket).Infof("[Execution] Position opened: %s %.2f %s at %.2f", side, pos.Volume, symbol, pos.OpenPrice)
	return pos, nil
}

// ClosePosition closes the position with ticket at the live opposite price.
// A missing ticket returns terminal.ErrPositionNotFound.
func (m *Manager) ClosePosition(ctx context.Context, ticket uint64) error {
	entry := m.log.WithField("ticket", ticket)
	fail := func(err error) error {
		entry.WithError(err).Error("[Execution] Failed to close position")
		m.recorder.LogEvent(audit.EventCloseFailed, fmt.Sprintf("Failed to close position %d", ticket), map[string]interface{}{
			"ticket": ticket,
			"error":  err.Error(),
		})
		return err
	}

	pos, err := m.session.Position(ctx, ticket)
	if err != nil {
		if errors.Is(err, terminal.ErrPositionNotFound) {
			return fail(fmt.Errorf("position %d: %w", ticket, terminal.ErrPositionNotFound))
		}
		return fail(fmt.Errorf("failed to look up position %d: %w", ticket, err))
	}

	tick, err := m.session.Tick(ctx, pos.Symbol)
	if err != nil {
		return fail(fmt.Errorf("failed to get tick for %s: %w", pos.Symbol, err))
	}
	closeSide := pos.Side.Opposite()
	price := tick.Bid
	if closeSide == terminal.Buy {
		price = tick.Ask
	}

	res, err := m.session.SendOrder(ctx, terminal.OrderRequest{
		Symbol:         pos.Symbol,
		Side:           closeSide,
		Volume:         pos.Volume,
		Price:          price,
		Deviation:      m.opts.Deviation,
		Magic:          m.opts.Magic,
		Comment:        terminal.CloseComment,
		PositionTicket: ticket,
		TypeTime:       terminal.TimeGTC,
		TypeFilling:    terminal.FillingIOC,
	})
	if err != nil {
		return fail(fmt.Errorf("order_send failed: %w", err))
	}
	if !res.Done() {
		return fail(&RejectedError{Op: "close", Retcode: res.Retcode, Comment: res.Comment})
	}

	exit := firstNonZero(res.Price, price)
	m.record(audit.TradeRecord{
		Time:       time.Now(),
		Ticket:     ticket,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Volume:     pos.Volume,
		EntryPrice: pos.OpenPrice,
		ExitPrice:  exit,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Profit:     pos.Profit,
		Comment:    terminal.CloseComment,
		Status:     audit.StatusClosed,
	})
	m.recorder.LogEvent(audit.EventPositionClosed, fmt.Sprintf("Position %d closed", ticket), map[string]interface{}{
		"ticket": ticket,
		"exit":   exit,
		"profit": pos.Profit,
	})
	entry.Infof("[Execution] Position %d closed at %.2f, P&L: %.2f", ticket, exit, pos.Profit)
	return nil
}

// ListOpenPositions returns open positions for symbol, or all when symbol is empty.
func (m *Manager) ListOpenPositions(ctx context.Context, symbol string) ([]terminal.Position, error) {
	positions, err := m.session.Positions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}

func firstNonZero(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}
