package audit

import (
	cryptoRand "crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Schema is applied when the SQLite mirror is opened.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	ticket INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	type TEXT NOT NULL,
	volume REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	sl REAL NOT NULL,
	tp REAL NOT NULL,
	profit REAL NOT NULL,
	comment TEXT NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_ticket ON trades(ticket);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// SQLiteSink mirrors the ledgers into a SQLite database for querying. Row ids
// are ULIDs so rows sort by insertion time.
type SQLiteSink struct {
	db *sql.DB

	mu      sync.Mutex
	entropy io.Reader
}

// Ensure SQLiteSink implements Sink
var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (or creates) the database at path and applies Schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SQLiteSink{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) newID(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate row id: %w", err)
	}
	return id.String(), nil
}

func (s *SQLiteSink) WriteTrade(rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.newID(rec.Time)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO trades
		(id, timestamp, ticket, symbol, type, volume, entry_price, exit_price, sl, tp, profit, comment, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Time.UTC(), int64(rec.Ticket), rec.Symbol, rec.Side, rec.Volume, rec.EntryPrice,
		rec.ExitPrice, rec.StopLoss, rec.TakeProfit, rec.Profit, rec.Comment, string(rec.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *SQLiteSink) WriteEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.newID(ev.Time)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO events (id, timestamp, event_type, description, data)
		VALUES (?, ?, ?, ?, ?)`,
		id, ev.Time.UTC(), string(ev.Type), ev.Description, ev.DataJSON(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
