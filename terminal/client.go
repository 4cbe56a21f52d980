// terminal/client.go
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Ensure BridgeClient implements Session and RateProvider
var (
	_ Session      = (*BridgeClient)(nil)
	_ RateProvider = (*BridgeClient)(nil)
)

// Credentials identify the trading account the terminal logs into. An empty
// login keeps whatever account the terminal is already logged into.
type Credentials struct {
	Login    int64
	Password string
	Server   string
}

// BridgeClient talks to an HTTP/JSON bridge running next to the execution terminal.
type BridgeClient struct {
	BaseURL     string
	Token       string
	Http        *http.Client
	credentials Credentials

	mu          sync.Mutex // serializes every request on the single terminal connection
	initMu      sync.Mutex
	initialized bool
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tickWire struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time int64   `json:"time"`
}

type positionWire struct {
	Ticket       uint64  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
	Magic        int64   `json:"magic"`
	Time         int64   `json:"time"`
}

type rateWire struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
}

// statusError carries the HTTP status so callers can map 404s to sentinels.
type statusError struct {
	Status int
	Msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("bridge error: HTTP %d: %s", e.Status, e.Msg)
}

// NewBridgeClient creates a bridge client.
func NewBridgeClient(baseURL, token string, creds Credentials, timeoutSeconds int) *BridgeClient {
	return &BridgeClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		Http:        &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		credentials: creds,
	}
}

// Initialize logs the terminal into the configured account once.
func (c *BridgeClient) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: bridge URL is empty", ErrNotInitialized)
	}

	body := map[string]interface{}{}
	if c.credentials.Login != 0 && c.credentials.Password != "" && c.credentials.Server != "" {
		body["login"] = c.credentials.Login
		body["password"] = c.credentials.Password
		body["server"] = c.credentials.Server
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/initialize", nil, body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", ErrNotInitialized, resp.Error)
	}
	c.initialized = true
	return nil
}

func (c *BridgeClient) ensureInitialized(ctx context.Context) error {
	return c.Initialize(ctx)
}

// sendRequest serializes, sends and decodes one bridge call.
func (c *BridgeClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, body interface{}, target interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fullURL := c.BaseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp bridgeError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return &statusError{Status: resp.StatusCode, Msg: errResp.Message}
		}
		return &statusError{Status: resp.StatusCode, Msg: string(respBody)}
	}

	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// Tick returns the live tick for symbol.
func (c *BridgeClient) Tick(ctx context.Context, symbol string) (Tick, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return Tick{}, err
	}
	var w tickWire
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/tick/"+url.PathEscape(symbol), nil, nil, &w); err != nil {
		if isNotFound(err) {
			return Tick{}, ErrNoTick
		}
		return Tick{}, err
	}
	if w.Bid == 0 && w.Ask == 0 {
		return Tick{}, ErrNoTick
	}
	return Tick{Symbol: symbol, Bid: w.Bid, Ask: w.Ask, Time: unixTime(w.Time)}, nil
}

// AccountInfo returns the current account snapshot.
func (c *BridgeClient) AccountInfo(ctx context.Context) (AccountSnapshot, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return AccountSnapshot{}, err
	}
	var snap AccountSnapshot
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/account", nil, nil, &snap); err != nil {
		return AccountSnapshot{}, err
	}
	return snap, nil
}

// SendOrder submits an order request. A non-DONE retcode is returned in the
// result, not as an error.
func (c *BridgeClient) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return OrderResult{}, err
	}
	var res OrderResult
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/order", nil, req, &res); err != nil {
		return OrderResult{}, err
	}
	return res, nil
}

// Positions lists open positions, optionally filtered by symbol.
func (c *BridgeClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var wires []positionWire
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/positions", params, nil, &wires); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(wires))
	for _, w := range wires {
		p, err := w.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Position returns the open position with the given ticket.
func (c *BridgeClient) Position(ctx context.Context, ticket uint64) (Position, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return Position{}, err
	}
	var w positionWire
	endpoint := "/api/v1/positions/" + strconv.FormatUint(ticket, 10)
	if err := c.sendRequest(ctx, http.MethodGet, endpoint, nil, nil, &w); err != nil {
		if isNotFound(err) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, err
	}
	return w.toPosition()
}

// Rates returns up to count historical bars, oldest first.
func (c *BridgeClient) Rates(ctx context.Context, symbol, timeframe string, count int) ([]Rate, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("timeframe", timeframe)
	params.Set("count", strconv.Itoa(count))
	var wires []rateWire
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/rates/"+url.PathEscape(symbol), params, nil, &wires); err != nil {
		return nil, err
	}
	rates := make([]Rate, 0, len(wires))
	for _, w := range wires {
		rates = append(rates, Rate{
			Time:       unixTime(w.Time),
			Open:       w.Open,
			High:       w.High,
			Low:        w.Low,
			Close:      w.Close,
			TickVolume: w.TickVolume,
		})
	}
	return rates, nil
}

// Shutdown closes the terminal session if it was opened.
func (c *BridgeClient) Shutdown() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if !c.initialized {
		return nil
	}
	c.initialized = false
	return c.sendRequest(context.Background(), http.MethodPost, "/api/v1/shutdown", nil, nil, nil)
}

// unixTime converts bridge seconds. Zero means the bridge sent no time.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (w positionWire) toPosition() (Position, error) {
	side, ok := ParseSide(w.Type)
	if !ok {
		return Position{}, fmt.Errorf("unknown position type %q for ticket %d", w.Type, w.Ticket)
	}
	return Position{
		Ticket:       w.Ticket,
		Symbol:       w.Symbol,
		Side:         side,
		Volume:       w.Volume,
		OpenPrice:    w.PriceOpen,
		CurrentPrice: w.PriceCurrent,
		StopLoss:     w.SL,
		TakeProfit:   w.TP,
		Profit:       w.Profit,
		Comment:      w.Comment,
		Magic:        w.Magic,
		OpenTime:     unixTime(w.Time),
	}, nil
}
