package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	delay time.Duration
	fetch func() (Quote, error)
	calls int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		}
	}
	return s.fetch()
}

func (s *stubSource) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

func quoteAt(source string, mid float64, ts time.Time) func() (Quote, error) {
	return func() (Quote, error) {
		return Quote{Mid: mid, Bid: mid - 0.1, Ask: mid + 0.1, Time: ts, Source: source}, nil
	}
}

func failing(msg string) func() (Quote, error) {
	return func() (Quote, error) { return Quote{}, errors.New(msg) }
}

func TestAggregatorPriorityOrder(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	now := time.Now()
	a := &stubSource{name: "a", fetch: failing("connection refused")}
	b := &stubSource{name: "b", fetch: quoteAt("b", 2000, now)}
	c := &stubSource{name: "c", fetch: quoteAt("c", 2100, now)}

	agg := NewAggregator([]Source{a, b, c}, 0, log)
	q, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
	assert.Equal(t, 2000.0, q.Mid)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Zero(t, c.Calls())
}

func TestAggregatorAllSourcesFail(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	zero := &stubSource{name: "zero", fetch: func() (Quote, error) { return Quote{Time: time.Now()}, nil }}
	crossed := &stubSource{name: "crossed", fetch: func() (Quote, error) {
		return Quote{Mid: 2000, Bid: 2001, Ask: 1999, Time: time.Now()}, nil
	}}
	down := &stubSource{name: "down", fetch: failing("HTTP 503")}

	agg := NewAggregator([]Source{zero, crossed, down}, 0, log)
	_, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, down.Calls())
}

func TestAggregatorSkipsStaleQuote(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	now := time.Now()
	first := true
	a := &stubSource{name: "a", fetch: func() (Quote, error) {
		if first {
			first = false
			return Quote{Mid: 2000, Bid: 1999.9, Ask: 2000.1, Time: now, Source: "a"}, nil
		}
		return Quote{Mid: 2001, Bid: 2000.9, Ask: 2001.1, Time: now.Add(-time.Minute), Source: "a"}, nil
	}}
	b := &stubSource{name: "b", fetch: quoteAt("b", 2002, now)}

	agg := NewAggregator([]Source{a, b}, 0, log)
	q, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "a", q.Source)

	q, err = agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "b", q.Source)
}

func TestAggregatorEnforcesMinimumInterval(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	src := &stubSource{name: "a", fetch: func() (Quote, error) {
		return Quote{Mid: 2000, Bid: 1999.9, Ask: 2000.1, Time: time.Now(), Source: "a"}, nil
	}}
	agg := NewAggregator([]Source{src}, 80*time.Millisecond, log)

	start := time.Now()
	_, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	_, err = agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 2, src.Calls())
}

func TestAggregatorThrottleHonoursCancellation(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	src := &stubSource{name: "a", fetch: quoteAt("a", 2000, time.Now())}
	agg := NewAggregator([]Source{src}, time.Hour, log)

	_, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = agg.GetLivePrice(ctx, "XAUUSD")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, src.Calls())
}

func TestAggregatorParallelProbeKeepsPriority(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	now := time.Now()
	slow := &stubSource{name: "slow", delay: 30 * time.Millisecond, fetch: quoteAt("slow", 2000, now)}
	fast := &stubSource{name: "fast", fetch: quoteAt("fast", 2005, now)}

	agg := NewAggregator([]Source{slow, fast}, 0, log)
	agg.SetParallelProbe(true)

	q, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "slow", q.Source)
	assert.Equal(t, 1, fast.Calls())

	slow.fetch = failing("timeout")
	q, err = agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "fast", q.Source)
}

func TestAggregatorParallelDoesNotWaitForLowerPriority(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	now := time.Now()
	fast := &stubSource{name: "fast", fetch: quoteAt("fast", 2000, now)}
	slow := &stubSource{name: "slow", delay: 2 * time.Second, fetch: quoteAt("slow", 2005, now)}

	agg := NewAggregator([]Source{fast, slow}, 0, log)
	agg.SetParallelProbe(true)

	started := time.Now()
	q, err := agg.GetLivePrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "fast", q.Source)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 1, slow.Calls())
}

func TestQuoteValidate(t *testing.T) {
	assert.NoError(t, syntheticQuote("x", 2000, 0.5, time.Now()).Validate())
	assert.Error(t, Quote{Mid: 0, Bid: 0, Ask: 0}.Validate())
	assert.Error(t, Quote{Mid: 10, Bid: 11, Ask: 12}.Validate())
	assert.Error(t, Quote{Mid: 10, Bid: 10.5, Ask: 9}.Validate())

	q := syntheticQuote("x", 2000, 0.5, time.Now())
	assert.True(t, q.Synthetic)
	assert.Equal(t, 1999.5, q.Bid)
	assert.Equal(t, 2000.5, q.Ask)
	assert.Equal(t, 1.0, q.Spread())
}
