package venue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoVenuesAvailable = errors.New("venue: no venues available")
	ErrNoQuotes          = errors.New("venue: no venue returned a quote")
)

// Router picks the best quote across the configured providers.
type Router struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRouter keeps providers in the given order; that order breaks ties.
func NewRouter(timeout time.Duration, logger *slog.Logger, providers ...Provider) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{providers: providers, timeout: timeout, logger: logger}
}

// Venues lists the configured provider names.
func (r *Router) Venues() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// BestQuote queries every provider concurrently and returns the quote with
// the greatest output amount. A provider that errors or exceeds the timeout
// abstains.
func (r *Router) BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (Quote, error) {
	if len(r.providers) == 0 {
		return Quote{}, ErrNoVenuesAvailable
	}

	quotes := make([]*Quote, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			qctx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			q, err := p.Quote(qctx, tokenIn, tokenOut, amountIn)
			if err != nil {
				r.logger.Warn("venue abstained", "venue", p.Name(), "err", err)
				return
			}
			quotes[i] = &q
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	var best *Quote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if best == nil || q.AmountOut.GreaterThan(best.AmountOut) {
			best = q
		}
	}
	if best == nil {
		return Quote{}, ErrNoQuotes
	}

	r.logger.Debug("venue selected", "venue", best.Venue, "amount_out", best.AmountOut.StringFixed(6))
	return *best, nil
}
