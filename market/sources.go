// market/sources.go
package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sentinel_trader/terminal"

	"github.com/tidwall/gjson"
)

// Ensure every provider implements Source
var (
	_ Source = (*TerminalSource)(nil)
	_ Source = (*AlphaVantageSource)(nil)
	_ Source = (*FinnhubSource)(nil)
)

// Source names as they appear in logs and audit payloads.
const (
	SourceTerminal     = "terminal"
	SourceAlphaVantage = "alpha_vantage"
	SourceFinnhub      = "finnhub"
)

// TerminalSource reads the execution terminal's live tick.
type TerminalSource struct {
	session terminal.Session
}

func NewTerminalSource(session terminal.Session) *TerminalSource {
	return &TerminalSource{session: session}
}

func (s *TerminalSource) Name() string { return SourceTerminal }

func (s *TerminalSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := s.session.Initialize(ctx); err != nil {
		return Quote{}, err
	}
	tick, err := s.session.Tick(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	ts := tick.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Quote{
		Mid:    (tick.Bid + tick.Ask) / 2,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Time:   ts,
		Source: SourceTerminal,
	}, nil
}

// AlphaVantageSource reads the GLOBAL_QUOTE endpoint.
type AlphaVantageSource struct {
	BaseURL    string
	APIKey     string
	Symbol     string // provider-side symbol, e.g. XAUUSD
	HalfSpread float64
	Http       *http.Client
}

func NewAlphaVantageSource(baseURL, apiKey, symbol string, halfSpread float64, timeout time.Duration) *AlphaVantageSource {
	return &AlphaVantageSource{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Symbol:     symbol,
		HalfSpread: halfSpread,
		Http:       &http.Client{Timeout: timeout},
	}
}

func (s *AlphaVantageSource) Name() string { return SourceAlphaVantage }

func (s *AlphaVantageSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	if s.APIKey == "" {
		return Quote{}, fmt.Errorf("alpha vantage: no API key configured")
	}
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", s.providerSymbol(symbol))
	params.Set("apikey", s.APIKey)

	body, err := getJSON(ctx, s.Http, s.BaseURL+"/query", params)
	if err != nil {
		return Quote{}, fmt.Errorf("alpha vantage: %w", err)
	}
	price := gjson.GetBytes(body, `Global Quote.05\. price`)
	if !price.Exists() {
		return Quote{}, fmt.Errorf("alpha vantage: response has no global quote")
	}
	p := price.Float()
	if p <= 0 {
		return Quote{}, fmt.Errorf("alpha vantage: non-positive price %q", price.String())
	}
	return syntheticQuote(SourceAlphaVantage, p, s.HalfSpread, time.Now().UTC()), nil
}

func (s *AlphaVantageSource) providerSymbol(symbol string) string {
	if s.Symbol != "" {
		return s.Symbol
	}
	return symbol
}

// FinnhubSource reads the /api/v1/quote endpoint.
type FinnhubSource struct {
	BaseURL    string
	Token      string
	Symbol     string // provider-side symbol, e.g. OANDA:XAU_USD
	HalfSpread float64
	Http       *http.Client
}

func NewFinnhubSource(baseURL, token, symbol string, halfSpread float64, timeout time.Duration) *FinnhubSource {
	if token == "" {
		token = "demo"
	}
	return &FinnhubSource{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Symbol:     symbol,
		HalfSpread: halfSpread,
		Http:       &http.Client{Timeout: timeout},
	}
}

func (s *FinnhubSource) Name() string { return SourceFinnhub }

func (s *FinnhubSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	sym := s.Symbol
	if sym == "" {
		sym = symbol
	}
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("token", s.Token)

	body, err := getJSON(ctx, s.Http, s.BaseURL+"/api/v1/quote", params)
	if err != nil {
		return Quote{}, fmt.Errorf("finnhub: %w", err)
	}
	current := gjson.GetBytes(body, "c")
	if !current.Exists() || current.Float() <= 0 {
		return Quote{}, fmt.Errorf("finnhub: no current price in response")
	}
	ts := time.Now().UTC()
	// "t" is the provider's quote time in unix seconds when present.
	if t := gjson.GetBytes(body, "t").Int(); t > 0 {
		ts = time.Unix(t, 0).UTC()
	}
	return syntheticQuote(SourceFinnhub, current.Float(), s.HalfSpread, ts), nil
}

// getJSON performs a GET and returns the body when the status is 200 and the
// payload is valid JSON.
func getJSON(ctx context.Context, client *http.Client, endpoint string, params url.Values) ([]byte, error) {
	fullURL := endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("malformed JSON payload")
	}
	return body, nil
}
