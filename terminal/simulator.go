package terminal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

//
// In-process terminal for running the cycle without a live broker connection.
//

// Ensure Simulator implements Session
var _ Session = (*Simulator)(nil)

const (
	simContractSize = 100.0 // units per lot
	simPoint        = 0.01
)

// Simulator is a simulated execution terminal. Market orders fill immediately at
// the current bid/ask; position profit follows the simulated price.
type Simulator struct {
	mu          sync.RWMutex
	prices      map[string]float64 // mid price per symbol
	halfSpread  float64
	balance     float64
	currency    string
	leverage    int
	positions   map[uint64]*Position
	nextTicket  uint64
	rejectQueue []uint32

	failInit    bool
	failTicks   bool
	failAccount bool
	initialized bool

	simSymbol       string
	simInitialPrice float64
	simAmplitude    float64
	simulationTime  float64
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewSimulator creates a simulator quoting symbol around initialPrice.
func NewSimulator(symbol string, initialPrice, balance float64, leverage int) *Simulator {
	if leverage <= 0 {
		leverage = 100
	}
	return &Simulator{
		prices:          map[string]float64{symbol: initialPrice},
		halfSpread:      0.15,
		balance:         balance,
		currency:        "USD",
		leverage:        leverage,
		positions:       make(map[uint64]*Position),
		nextTicket:      1000,
		simSymbol:       symbol,
		simInitialPrice: initialPrice,
		stopChan:        make(chan struct{}),
	}
}

// Start launches the price walk. Must be called after the simulator is configured.
func (s *Simulator) Start() {
	go s.runPriceSimulator()
}

// Stop halts the price walk.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// SetPriceSimulationParams sets the sine wave the price walk follows.
func (s *Simulator) SetPriceSimulationParams(initialPrice, amplitude float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simInitialPrice = initialPrice
	s.simAmplitude = amplitude
	s.prices[s.simSymbol] = initialPrice
}

// SetPrice sets the mid price for a symbol.
func (s *Simulator) SetPrice(symbol string, mid float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = mid
}

// SetHalfSpread sets the distance between mid and bid/ask.
func (s *Simulator) SetHalfSpread(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halfSpread = v
}

// RejectNext makes the next order request return retcode instead of filling.
func (s *Simulator) RejectNext(retcode uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectQueue = append(s.rejectQueue, retcode)
}

// SetFailures toggles simulated outages of initialization, ticks and account reads.
func (s *Simulator) SetFailures(init, ticks, account bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInit, s.failTicks, s.failAccount = init, ticks, account
}

func (s *Simulator) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInit {
		return fmt.Errorf("%w: simulated terminal refused the connection", ErrNotInitialized)
	}
	s.initialized = true
	return nil
}

func (s *Simulator) Tick(ctx context.Context, symbol string) (Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failTicks {
		return Tick{}, ErrNoTick
	}
	mid, ok := s.prices[symbol]
	if !ok || mid <= 0 {
		return Tick{}, ErrNoTick
	}
	return Tick{Symbol: symbol, Bid: mid - s.halfSpread, Ask: mid + s.halfSpread, Time: time.Now().UTC()}, nil
}

func (s *Simulator) AccountInfo(ctx context.Context) (AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAccount {
		return AccountSnapshot{}, fmt.Errorf("simulated terminal: account info unavailable")
	}

	var floating, margin float64
	for _, p := range s.positions {
		s.markToMarket_noLock(p)
		floating += p.Profit
		margin += p.Volume * simContractSize * p.OpenPrice / float64(s.leverage)
	}
	equity := s.balance + floating
	var level float64
	if margin > 0 {
		level = equity / margin * 100
	}
	return AccountSnapshot{
		Login:       1,
		Balance:     s.balance,
		Equity:      equity,
		Margin:      margin,
		FreeMargin:  equity - margin,
		MarginLevel: level,
		Profit:      floating,
		Currency:    s.currency,
		Leverage:    s.leverage,
	}, nil
}

func (s *Simulator) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := OrderResult{RequestID: uuid.NewString()}
	if len(s.rejectQueue) > 0 {
		res.Retcode = s.rejectQueue[0]
		res.Comment = "simulated rejection"
		s.rejectQueue = s.rejectQueue[1:]
		return res, nil
	}
	if req.Volume <= 0 {
		res.Retcode = RetcodeInvalidVol
		res.Comment = "invalid volume"
		return res, nil
	}
	mid, ok := s.prices[req.Symbol]
	if !ok {
		res.Retcode = RetcodeMarketClosed
		res.Comment = "unknown symbol"
		return res, nil
	}

	fill := mid + s.halfSpread
	if req.Side == Sell {
		fill = mid - s.halfSpread
	}
	if req.Price > 0 && math.Abs(req.Price-fill) > float64(req.Deviation)*simPoint+1e-9 {
		res.Retcode = RetcodeRequote
		res.Comment = "requote"
		res.Price = fill
		return res, nil
	}

	if req.PositionTicket != 0 {
		pos, ok := s.positions[req.PositionTicket]
		if !ok || pos.Side == req.Side {
			res.Retcode = RetcodeReject
			res.Comment = "position not found"
			return res, nil
		}
		pos.CurrentPrice = fill
		pos.Profit = s.profit_noLock(pos.Side, pos.OpenPrice, fill, pos.Volume)
		s.balance += pos.Profit
		delete(s.positions, req.PositionTicket)

		s.nextTicket++
		res.Retcode = RetcodeDone
		res.Ticket = s.nextTicket
		res.Deal = s.nextTicket
		res.Volume = pos.Volume
		res.Price = fill
		return res, nil
	}

	s.nextTicket++
	ticket := s.nextTicket
	s.positions[ticket] = &Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    fill,
		CurrentPrice: fill,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Comment:      req.Comment,
		Magic:        req.Magic,
		OpenTime:     time.Now().UTC(),
	}
	res.Retcode = RetcodeDone
	res.Ticket = ticket
	res.Deal = ticket
	res.Volume = req.Volume
	res.Price = fill
	return res, nil
}

func (s *Simulator) Positions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		s.markToMarket_noLock(p)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (s *Simulator) Position(ctx context.Context, ticket uint64) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	s.markToMarket_noLock(p)
	return *p, nil
}

func (s *Simulator) Shutdown() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	return nil
}

// markToMarket_noLock refreshes current price and profit. Caller must hold the lock.
func (s *Simulator) markToMarket_noLock(p *Position) {
	mid, ok := s.prices[p.Symbol]
	if !ok {
		return
	}
	exit := mid - s.halfSpread
	if p.Side == Sell {
		exit = mid + s.halfSpread
	}
	p.CurrentPrice = exit
	p.Profit = s.profit_noLock(p.Side, p.OpenPrice, exit, p.Volume)
}

func (s *Simulator) profit_noLock(side Side, open, exit, volume float64) float64 {
	if side == Buy {
		return (exit - open) * volume * simContractSize
	}
	return (open - exit) * volume * simContractSize
}

// runPriceSimulator moves the price along a sine wave once per second.
func (s *Simulator) runPriceSimulator() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.simulationTime += 0.1
			s.prices[s.simSymbol] = s.simInitialPrice + s.simAmplitude*math.Sin(s.simulationTime)
			s.mu.Unlock()
		}
	}
}
