// market/history.go
package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"sentinel_trader/terminal"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Candle is one OHLC bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// CandleSource serves historical bars, oldest first.
type CandleSource interface {
	Name() string
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Ensure history providers implement CandleSource
var (
	_ CandleSource = (*TerminalHistory)(nil)
	_ CandleSource = (*AlphaVantageHistory)(nil)
)

// Timeframes lists the accepted timeframe names.
var Timeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}

var terminalTimeframes = map[string]string{
	"1m":  "M1",
	"5m":  "M5",
	"15m": "M15",
	"30m": "M30",
	"1h":  "H1",
	"4h":  "H4",
	"1d":  "D1",
}

// ValidTimeframe reports whether tf is one of Timeframes.
func ValidTimeframe(tf string) bool {
	_, ok := terminalTimeframes[tf]
	return ok
}

// TerminalHistory reads bars from a terminal that can serve rates.
type TerminalHistory struct {
	session terminal.Session
	rates   terminal.RateProvider
}

func NewTerminalHistory(session terminal.Session, rates terminal.RateProvider) *TerminalHistory {
	return &TerminalHistory{session: session, rates: rates}
}

func (h *TerminalHistory) Name() string { return SourceTerminal }

func (h *TerminalHistory) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if h.rates == nil {
		return nil, fmt.Errorf("terminal history: session does not serve rates")
	}
	if err := h.session.Initialize(ctx); err != nil {
		return nil, err
	}
	tf, ok := terminalTimeframes[timeframe]
	if !ok {
		tf = "H1"
	}
	rates, err := h.rates.Rates(ctx, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("terminal history: %w", err)
	}
	candles := make([]Candle, 0, len(rates))
	for _, r := range rates {
		candles = append(candles, Candle{Time: r.Time, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.TickVolume})
	}
	return candles, nil
}

// AlphaVantageHistory reads FX_INTRADAY for sub-daily timeframes and FX_DAILY otherwise.
type AlphaVantageHistory struct {
	BaseURL    string
	APIKey     string
	FromSymbol string
	ToSymbol   string
	Http       *http.Client
}

func NewAlphaVantageHistory(baseURL, apiKey, pair string, timeout time.Duration) *AlphaVantageHistory {
	from, to := splitPair(pair)
	return &AlphaVantageHistory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		FromSymbol: from,
		ToSymbol:   to,
		Http:       &http.Client{Timeout: timeout},
	}
}

// splitPair turns XAUUSD into XAU, USD.
func splitPair(pair string) (string, string) {
	pair = strings.ToUpper(strings.NewReplacer("/", "", "_", "", ":", "").Replace(pair))
	if len(pair) == 6 {
		return pair[:3], pair[3:]
	}
	return pair, "USD"
}

func (h *AlphaVantageHistory) Name() string { return SourceAlphaVantage }

func (h *AlphaVantageHistory) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if h.APIKey == "" {
		return nil, fmt.Errorf("alpha vantage history: no API key configured")
	}
	params := url.Values{}
	params.Set("from_symbol", h.FromSymbol)
	params.Set("to_symbol", h.ToSymbol)
	params.Set("outputsize", "full")
	params.Set("apikey", h.APIKey)
	switch timeframe {
	case "1m", "5m", "15m", "30m":
		params.Set("function", "FX_INTRADAY")
		params.Set("interval", strings.TrimSuffix(timeframe, "m")+"min")
	case "1h":
		params.Set("function", "FX_INTRADAY")
		params.Set("interval", "60min")
	default:
		params.Set("function", "FX_DAILY")
	}

	body, err := getJSON(ctx, h.Http, h.BaseURL+"/query", params)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage history: %w", err)
	}
	return parseAlphaVantageSeries(body, limit)
}

// parseAlphaVantageSeries reads the first "Time Series ..." object, keeps the
// newest limit bars and returns them oldest first.
func parseAlphaVantageSeries(body []byte, limit int) ([]Candle, error) {
	var series gjson.Result
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		if strings.Contains(key.String(), "Time Series") {
			series = value
			return false
		}
		return true
	})
	if !series.Exists() || !series.IsObject() {
		return nil, fmt.Errorf("alpha vantage history: response has no time series")
	}

	var candles []Candle
	series.ForEach(func(key, value gjson.Result) bool {
		if limit > 0 && len(candles) >= limit {
			return false
		}
		ts, err := parseSeriesTime(key.String())
		if err != nil {
			return true
		}
		candles = append(candles, Candle{
			Time:  ts,
			Open:  value.Get(`1\. open`).Float(),
			High:  value.Get(`2\. high`).Float(),
			Low:   value.Get(`3\. low`).Float(),
			Close: value.Get(`4\. close`).Float(),
		})
		return true
	})
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func parseSeriesTime(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}

// HistoryChain tries each CandleSource in order and returns the first non-empty result.
type HistoryChain struct {
	sources []CandleSource
	log     logrus.FieldLogger
}

func NewHistoryChain(log logrus.FieldLogger, sources ...CandleSource) *HistoryChain {
	return &HistoryChain{sources: sources, log: log.WithField("component", "history")}
}

// Candles returns bars from the first source that has any, or ErrUnavailable.
func (c *HistoryChain) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	for _, src := range c.sources {
		candles, err := src.Candles(ctx, symbol, timeframe, limit)
		if err != nil {
			c.log.WithField("source", src.Name()).WithError(err).Debug("[History] Source failed")
			continue
		}
		if len(candles) == 0 {
			continue
		}
		return candles, nil
	}
	c.log.WithField("symbol", symbol).Error("[History] Failed to fetch historical data from all sources")
	return nil, ErrUnavailable
}
