package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sentinel_trader/terminal"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fxIntradayPayload = `{
  "Meta Data": {"1. Information": "FX Intraday (5min) Time Series"},
  "Time Series FX (5min)": {
    "2024-03-01 10:10:00": {"1. open": "2050.10", "2. high": "2051.00", "3. low": "2049.80", "4. close": "2050.70"},
    "2024-03-01 10:05:00": {"1. open": "2049.90", "2. high": "2050.40", "3. low": "2049.50", "4. close": "2050.10"},
    "2024-03-01 10:00:00": {"1. open": "2049.00", "2. high": "2050.00", "3. low": "2048.70", "4. close": "2049.90"}
  }
}`

func TestAlphaVantageHistoryIntraday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "FX_INTRADAY", q.Get("function"))
		assert.Equal(t, "5min", q.Get("interval"))
		assert.Equal(t, "XAU", q.Get("from_symbol"))
		assert.Equal(t, "USD", q.Get("to_symbol"))
		_, _ = w.Write([]byte(fxIntradayPayload))
	}))
	defer srv.Close()

	h := NewAlphaVantageHistory(srv.URL, "key", "XAUUSD", time.Second)
	candles, err := h.Candles(context.Background(), "XAUUSD", "5m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Time.Before(candles[1].Time))
	assert.Equal(t, 2050.1, candles[0].Close)
	assert.Equal(t, 2050.7, candles[1].Close)
	assert.Equal(t, 10, candles[1].Time.Hour())
	assert.Equal(t, 10, candles[1].Time.Minute())
}

func TestAlphaVantageHistoryDaily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FX_DAILY", r.URL.Query().Get("function"))
		assert.Empty(t, r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`{"Time Series FX (Daily)":{"2024-03-01":{"1. open":"2040","2. high":"2060","3. low":"2030","4. close":"2055"}}}`))
	}))
	defer srv.Close()

	h := NewAlphaVantageHistory(srv.URL, "key", "XAU/USD", time.Second)
	candles, err := h.Candles(context.Background(), "XAUUSD", "1d", 100)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 2060.0, candles[0].High)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), candles[0].Time)
}

type fakeRates struct {
	terminal.Session
	rates []terminal.Rate
	tf    string
}

func (f *fakeRates) Initialize(ctx context.Context) error { return nil }

func (f *fakeRates) Rates(ctx context.Context, symbol, timeframe string, count int) ([]terminal.Rate, error) {
	f.tf = timeframe
	return f.rates, nil
}

func TestHistoryChainPrefersTerminal(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	fake := &fakeRates{rates: []terminal.Rate{{Time: time.Unix(1700000000, 0), Open: 1, High: 2, Low: 0.5, Close: 1.5, TickVolume: 42}}}

	var restCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restCalls, 1)
		_, _ = w.Write([]byte(fxIntradayPayload))
	}))
	defer srv.Close()

	chain := NewHistoryChain(log, NewTerminalHistory(fake, fake), NewAlphaVantageHistory(srv.URL, "key", "XAUUSD", time.Second))
	candles, err := chain.Candles(context.Background(), "XAUUSD", "4h", 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, "H4", fake.tf)
	assert.Equal(t, int64(42), candles[0].Volume)
	assert.Zero(t, atomic.LoadInt32(&restCalls))

	fake.rates = nil
	candles, err = chain.Candles(context.Background(), "XAUUSD", "5m", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&restCalls))
}

func TestHistoryChainUnavailable(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	chain := NewHistoryChain(log, NewTerminalHistory(nil, nil), NewAlphaVantageHistory("http://127.0.0.1:0", "", "XAUUSD", time.Second))
	_, err := chain.Candles(context.Background(), "XAUUSD", "1h", 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, ValidTimeframe("15m"))
	assert.False(t, ValidTimeframe("2h"))
}
