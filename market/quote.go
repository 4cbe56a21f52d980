package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when no source produced a valid quote.
var ErrUnavailable = errors.New("market: price unavailable from all sources")

// Quote is a point-in-time price observation.
type Quote struct {
	Mid    float64
	Bid    float64
	Ask    float64
	Time   time.Time
	Source string
	// Synthetic is set when Bid and Ask were derived from a fixed half-spread
	// around a provider's last price rather than read from an order book.
	Synthetic bool
}

// Spread returns ask - bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Validate checks bid <= mid <= ask and mid > 0.
func (q Quote) Validate() error {
	if q.Mid <= 0 {
		return fmt.Errorf("non-positive price %.5f", q.Mid)
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("non-positive bid/ask %.5f/%.5f", q.Bid, q.Ask)
	}
	if q.Bid > q.Ask {
		return fmt.Errorf("crossed quote: bid %.5f > ask %.5f", q.Bid, q.Ask)
	}
	if q.Mid < q.Bid || q.Mid > q.Ask {
		return fmt.Errorf("mid %.5f outside bid/ask %.5f/%.5f", q.Mid, q.Bid, q.Ask)
	}
	return nil
}

// Source is one provider in the quote chain.
type Source interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}

// syntheticQuote builds a quote around a last-trade price.
func syntheticQuote(source string, price, halfSpread float64, ts time.Time) Quote {
	return Quote{
		Mid:       price,
		Bid:       price - halfSpread,
		Ask:       price + halfSpread,
		Time:      ts,
		Source:    source,
		Synthetic: true,
	}
}
