package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"sentinel_trader/config"

	"github.com/sirupsen/logrus"
)

// Status is the lifecycle stage a TradeRecord describes.
type Status string

const (
	StatusOpened   Status = "opened"
	StatusClosed   Status = "closed"
	StatusRejected Status = "rejected"
)

// EventType names a system event in the event ledger.
type EventType string

const (
	EventSystemStart        EventType = "SYSTEM_START"
	EventSystemStop         EventType = "SYSTEM_STOP"
	EventPriceUnavailable   EventType = "PRICE_UNAVAILABLE"
	EventAccountUnavailable EventType = "ACCOUNT_UNAVAILABLE"
	EventRiskBlock          EventType = "RISK_BLOCK"
	EventOrderOpened        EventType = "ORDER_OPENED"
	EventOrderRejected      EventType = "ORDER_REJECTED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventCloseFailed        EventType = "CLOSE_FAILED"
	EventSizingZero         EventType = "SIZING_ZERO"
	EventExposureLimit      EventType = "EXPOSURE_LIMIT"
	EventDayRollover        EventType = "DAY_ROLLOVER"
	EventTickFault          EventType = "TICK_FAULT"
	EventNoTradablePrice    EventType = "NO_TRADABLE_PRICE"
)

// TradeRecord is one row of the trade ledger. Rows are append-only; a close
// is a new row, never an update of the opening row.
type TradeRecord struct {
	Time       time.Time
	Ticket     uint64
	Symbol     string
	Side       string
	Volume     float64
	EntryPrice float64
	ExitPrice  float64
	StopLoss   float64
	TakeProfit float64
	Profit     float64
	Comment    string
	Status     Status
}

// Event is one row of the event ledger.
type Event struct {
	Time        time.Time
	Type        EventType
	Description string
	Data        interface{}
}

// DataJSON renders Data for the ledger. Nil data renders as an empty string.
func (e Event) DataJSON() string {
	if e.Data == nil {
		return ""
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprintf("%+v", e.Data))
	}
	return string(b)
}

// Recorder is the write side of the audit trail used by the trading components.
type Recorder interface {
	LogTrade(rec TradeRecord)
	LogEvent(eventType EventType, description string, data interface{})
}

// Sink is a durable destination for audit rows.
type Sink interface {
	Name() string
	WriteTrade(rec TradeRecord) error
	WriteEvent(ev Event) error
	Close() error
}

// Ensure Log implements Recorder
var _ Recorder = (*Log)(nil)

// Log writes every record to all sinks. Sink failures are logged and never
// returned: the audit trail must not block the action it describes.
type Log struct {
	sinks []Sink
	log   logrus.FieldLogger
}

// NewLog creates a Log over the given sinks.
func NewLog(log logrus.FieldLogger, sinks ...Sink) *Log {
	return &Log{sinks: sinks, log: log.WithField("component", "audit")}
}

// Open builds the configured sinks under dir: the CSV ledgers always, plus the
// SQLite mirror when a path is configured.
func Open(cfg config.AuditConfig, dir string, log logrus.FieldLogger) (*Log, error) {
	csvSink, err := NewCSVSink(filepath.Join(dir, cfg.TradesFile), filepath.Join(dir, cfg.EventsFile))
	if err != nil {
		return nil, err
	}
	sinks := []Sink{csvSink}

	if cfg.SQLitePath != "" {
		path := cfg.SQLitePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		sqliteSink, err := NewSQLiteSink(path)
		if err != nil {
			_ = csvSink.Close()
			return nil, err
		}
		sinks = append(sinks, sqliteSink)
	}
	return NewLog(log, sinks...), nil
}

// LogTrade appends rec to every sink.
func (l *Log) LogTrade(rec TradeRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	for _, s := range l.sinks {
		if err := s.WriteTrade(rec); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"sink":   s.Name(),
				"ticket": rec.Ticket,
				"status": rec.Status,
			}).Error("[Audit] Error logging trade")
		}
	}
}

// LogEvent appends an event to every sink.
func (l *Log) LogEvent(eventType EventType, description string, data interface{}) {
	ev := Event{Time: time.Now(), Type: eventType, Description: description, Data: data}
	for _, s := range l.sinks {
		if err := s.WriteEvent(ev); err != nil {
			l.log.WithError(err).WithFields(logrus.Fields{
				"sink":  s.Name(),
				"event": eventType,
			}).Error("[Audit] Error logging event")
		}
	}
}

// Close closes every sink.
func (l *Log) Close() error {
	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			l.log.WithError(err).WithField("sink", s.Name()).Error("[Audit] Failed to close sink")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
