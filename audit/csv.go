package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Ledger column sets.
var (
	TradeColumns = []string{"timestamp", "ticket", "symbol", "type", "volume", "entry_price", "exit_price", "sl", "tp", "profit", "comment", "status"}
	EventColumns = []string{"timestamp", "event_type", "description", "data"}
)

// TimeLayout is the timestamp format written to the ledgers.
const TimeLayout = "2006-01-02 15:04:05.000000"

// ledgerFile serializes appends to one CSV file.
type ledgerFile struct {
	mu     sync.Mutex
	path   string
	header []string
}

// CSVSink writes the trade and event ledgers as CSV. Each row is one
// open-append-close so a crash never leaves a buffered row behind.
type CSVSink struct {
	trades *ledgerFile
	events *ledgerFile
}

// Ensure CSVSink implements Sink
var _ Sink = (*CSVSink)(nil)

// NewCSVSink creates both ledgers with their header row if they do not exist.
// Existing files are left as they are.
func NewCSVSink(tradesPath, eventsPath string) (*CSVSink, error) {
	s := &CSVSink{
		trades: &ledgerFile{path: tradesPath, header: TradeColumns},
		events: &ledgerFile{path: eventsPath, header: EventColumns},
	}
	for _, lf := range []*ledgerFile{s.trades, s.events} {
		if err := os.MkdirAll(filepath.Dir(lf.path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		if err := lf.append(nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) WriteTrade(rec TradeRecord) error {
	ticket := ""
	if rec.Ticket != 0 {
		ticket = strconv.FormatUint(rec.Ticket, 10)
	}
	return s.trades.append([]string{
		rec.Time.Format(TimeLayout),
		ticket,
		rec.Symbol,
		rec.Side,
		formatFloat(rec.Volume),
		formatFloat(rec.EntryPrice),
		formatFloat(rec.ExitPrice),
		formatFloat(rec.StopLoss),
		formatFloat(rec.TakeProfit),
		formatFloat(rec.Profit),
		rec.Comment,
		string(rec.Status),
	})
}

func (s *CSVSink) WriteEvent(ev Event) error {
	return s.events.append([]string{
		ev.Time.Format(TimeLayout),
		string(ev.Type),
		ev.Description,
		ev.DataJSON(),
	})
}

// Close is a no-op: files are closed after every row.
func (s *CSVSink) Close() error { return nil }

// append writes the header when the file is empty or missing, then row if non-nil.
func (lf *ledgerFile) append(row []string) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger %s: %w", lf.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ledger %s: %w", lf.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(lf.header); err != nil {
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	}
	if row != nil {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger %s: %w", lf.path, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
