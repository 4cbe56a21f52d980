// market/aggregator.go
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Aggregator returns the first valid quote from an ordered list of sources.
// Calls are throttled to at most one per minInterval across all sources.
type Aggregator struct {
	sources     []Source
	minInterval time.Duration
	parallel    bool
	log         logrus.FieldLogger

	mu        sync.Mutex
	lastFetch time.Time
	lastSeen  map[string]time.Time // newest accepted quote time per source
}

// NewAggregator creates an aggregator over sources in priority order.
func NewAggregator(sources []Source, minInterval time.Duration, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		sources:     sources,
		minInterval: minInterval,
		log:         log.WithField("component", "quotes"),
		lastSeen:    make(map[string]time.Time),
	}
}

// SetParallelProbe makes GetLivePrice query every source concurrently. The
// lowest-priority-index valid quote still wins.
func (a *Aggregator) SetParallelProbe(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parallel = enabled
}

// SourceNames lists the configured sources in priority order.
func (a *Aggregator) SourceNames() []string {
	names := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		names = append(names, s.Name())
	}
	return names
}

// GetLivePrice returns a quote for symbol, or ErrUnavailable when every source
// failed. A call arriving before minInterval has elapsed since the previous one
// waits out the remainder, returning early with ctx.Err() on cancellation.
func (a *Aggregator) GetLivePrice(ctx context.Context, symbol string) (Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.throttle(ctx); err != nil {
		return Quote{}, err
	}
	a.lastFetch = time.Now()

	if len(a.sources) == 0 {
		return Quote{}, ErrUnavailable
	}

	if a.parallel {
		return a.fetchParallel(ctx, symbol)
	}
	for _, src := range a.sources {
		q, err := src.FetchQuote(ctx, symbol)
		if accepted := a.accept(src.Name(), q, err); accepted {
			return q, nil
		}
		if ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
	}
	a.log.WithField("symbol", symbol).Warn("[Quotes] All market data sources failed")
	return Quote{}, ErrUnavailable
}

func (a *Aggregator) throttle(ctx context.Context) error {
	if a.lastFetch.IsZero() || a.minInterval <= 0 {
		return nil
	}
	wait := a.minInterval - time.Since(a.lastFetch)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type fetchResult struct {
	quote Quote
	err   error
}

// fetchParallel queries every source at once and walks the results in
// priority order. Once a source is accepted, lower-priority fetches still in
// flight are cancelled instead of awaited.
func (a *Aggregator) fetchParallel(ctx context.Context, symbol string) (Quote, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make([]chan fetchResult, len(a.sources))
	var g errgroup.Group
	for i, src := range a.sources {
		i, src := i, src
		done[i] = make(chan fetchResult, 1)
		g.Go(func() error {
			q, err := src.FetchQuote(fetchCtx, symbol)
			done[i] <- fetchResult{quote: q, err: err}
			return nil
		})
	}
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	for i, src := range a.sources {
		var res fetchResult
		select {
		case res = <-done[i]:
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		}
		if a.accept(src.Name(), res.quote, res.err) {
			return res.quote, nil
		}
	}
	if ctx.Err() != nil {
		return Quote{}, ctx.Err()
	}
	a.log.WithField("symbol", symbol).Warn("[Quotes] All market data sources failed")
	return Quote{}, ErrUnavailable
}

// accept applies the soft-failure rules to one source result. Caller must hold mu.
func (a *Aggregator) accept(name string, q Quote, err error) bool {
	entry := a.log.WithField("source", name)
	if err != nil {
		entry.WithError(err).Debug("[Quotes] Source failed")
		return false
	}
	if verr := q.Validate(); verr != nil {
		entry.WithError(verr).Debug("[Quotes] Source returned an invalid quote")
		return false
	}
	if last, ok := a.lastSeen[name]; ok && q.Time.Before(last) {
		entry.WithError(fmt.Errorf("quote time %s is older than %s", q.Time.Format(time.RFC3339), last.Format(time.RFC3339))).
			Debug("[Quotes] Source returned a stale quote")
		return false
	}
	a.lastSeen[name] = q.Time
	entry.WithField("price", q.Mid).Debug("[Quotes] Price accepted")
	return true
}
