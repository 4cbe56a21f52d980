// investment/invest_manager.go
package investment

import (
	"context"
	"fmt"

	"sentinel_trader/terminal"

	"github.com/sirupsen/logrus"
)

// IClient defines the client interface required by this module, convenient for testing
type IClient interface {
	Positions(ctx context.Context, symbol string) ([]terminal.Position, error)
}

// Manager caps the number of simultaneously open positions on one symbol.
type Manager struct {
	client          IClient
	symbol          string
	magic           int64
	maxPositions    int
	openCount       int
	isLimitExceeded bool
	log             logrus.FieldLogger
}

// NewManager creates an exposure guard. A non-zero magic only counts positions
// opened by this system.
func NewManager(client IClient, symbol string, magic int64, maxPositions int, log logrus.FieldLogger) *Manager {
	return &Manager{
		client:       client,
		symbol:       symbol,
		magic:        magic,
		maxPositions: maxPositions,
		log:          log.WithField("component", "exposure"),
	}
}

// CheckAndUpdate counts open positions and updates the halted flag. On error
// the previous state is kept.
func (m *Manager) CheckAndUpdate(ctx context.Context) error {
	if m.maxPositions <= 0 {
		if m.isLimitExceeded {
			m.isLimitExceeded = false
			m.log.Info("[Exposure] Position limit removed, resuming position opening.")
		}
		return nil
	}

	positions, err := m.client.Positions(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("failed to count open positions: %w", err)
	}
	count := 0
	for _, p := range positions {
		if m.magic != 0 && p.Magic != 0 && p.Magic != m.magic {
			continue
		}
		count++
	}
	m.openCount = count

	if count >= m.maxPositions {
		if !m.isLimitExceeded {
			m.log.Warnf("[Exposure] %d open positions on %s reached the limit of %d. New positions are paused.", count, m.symbol, m.maxPositions)
		}
		m.isLimitExceeded = true
	} else {
		if m.isLimitExceeded {
			m.log.Infof("[Exposure] Open positions on %s fell to %d, below the limit of %d. Resuming position opening.", m.symbol, count, m.maxPositions)
		}
		m.isLimitExceeded = false
	}
	return nil
}

// IsTradingHalted returns whether new position opening should be paused
func (m *Manager) IsTradingHalted() bool {
	return m.isLimitExceeded
}

// OpenCount returns the count seen by the last successful CheckAndUpdate.
func (m *Manager) OpenCount() int {
	return m.openCount
}

// Limit returns the configured maximum.
func (m *Manager) Limit() int {
	return m.maxPositions
}
