// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StateManagerInterface is what the execution cycle needs from durable state.
type StateManagerInterface interface {
	// GetFullState returns a copy of the persisted state for startup reconciliation.
	GetFullState() AppState
	// UpdateDayState replaces the persisted risk day window.
	UpdateDayState(day DayState) error
	// RecordSessionStart stamps the time the current process started trading.
	RecordSessionStart(t time.Time) error
}

// DayState is the risk gate's per-day accounting. Date is the calendar day
// (YYYY-MM-DD in the risk timezone) the window belongs to; an empty Date means
// no day has been started yet. A zero StartBalance means it has not been
// captured for the day.
type DayState struct {
	Date           string  `json:"date"`
	StartBalance   float64 `json:"start_balance"`
	TradeCount     int     `json:"trade_count"`
	LossCount      int     `json:"loss_count"`
	RealizedProfit float64 `json:"realized_profit"`
}

// AppState is the top-level structure persisted to state.json.
type AppState struct {
	Symbol       string    `json:"symbol"`
	Day          *DayState `json:"day"`
	SessionStart time.Time `json:"session_start"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateManager is the JSON file implementation of StateManagerInterface.
type StateManager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
}

// Ensure StateManager implements StateManagerInterface
var _ StateManagerInterface = (*StateManager)(nil)

// NewStateManager loads the state file at filePath, creating an empty one if it
// does not exist yet.
func NewStateManager(filePath, symbol string, log logrus.FieldLogger) (*StateManager, error) {
	sm := &StateManager{
		filePath: filePath,
		state:    &AppState{Symbol: symbol, Day: &DayState{}},
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := sm.load(); err != nil {
		if os.IsNotExist(err) {
			log.Infof("[State] State file not found at %s. Starting with a fresh state.", filePath)
			if err := sm.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial empty state file: %w", err)
			}
			return sm, nil
		}
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}
	if sm.state.Symbol != "" && sm.state.Symbol != symbol {
		log.Warnf("[State] State file %s belongs to %s, starting a fresh day window for %s", filePath, sm.state.Symbol, symbol)
		sm.state.Day = &DayState{}
	}
	sm.state.Symbol = symbol
	if sm.state.Day == nil {
		sm.state.Day = &DayState{}
	}
	return sm, nil
}

// save writes atomically through a temp file. Caller must hold the lock.
func (sm *StateManager) save() error {
	sm.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for saving: %w", err)
	}

	tmpFilePath := sm.filePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	return os.Rename(tmpFilePath, sm.filePath)
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil // empty file is a valid fresh state
	}
	return json.Unmarshal(data, sm.state)
}

func (sm *StateManager) GetFullState() AppState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	copied := *sm.state
	if sm.state.Day != nil {
		day := *sm.state.Day
		copied.Day = &day
	}
	return copied
}

func (sm *StateManager) UpdateDayState(day DayState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.Day = &day
	return sm.save()
}

func (sm *StateManager) RecordSessionStart(t time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.SessionStart = t.UTC()
	return sm.save()
}
