package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one venue's offer for a trade. It lives only for one routing step.
type Quote struct {
	Venue     string
	Price     decimal.Decimal
	Fee       decimal.Decimal
	AmountOut decimal.Decimal
}

// Provider prices a trade on one venue.
type Provider interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (Quote, error)
}

// basePrices are the mock mid prices per pair.
var basePrices = map[string]decimal.Decimal{
	"SOL-USDC": decimal.NewFromInt(150),
	"BTC-USDC": decimal.NewFromInt(60000),
	"ETH-USDC": decimal.NewFromInt(3000),
}

var defaultBasePrice = decimal.NewFromInt(100)

// BasePrice returns the mock mid price for a pair.
func BasePrice(tokenIn, tokenOut string) decimal.Decimal {
	if p, ok := basePrices[tokenIn+"-"+tokenOut]; ok {
		return p
	}
	return defaultBasePrice
}

// Config describes a simulated venue.
type Config struct {
	Name string `yaml:"name"`
	// VarianceLow and VarianceSpan give the price band base*(low + r*span).
	VarianceLow  float64       `yaml:"varianceLow"`
	VarianceSpan float64       `yaml:"varianceSpan"`
	FeeRate      float64       `yaml:"feeRate"`
	Latency      time.Duration `yaml:"latency"`
}

// DefaultVenues are the two simulated DEXs.
func DefaultVenues() []Config {
	return []Config{
		{Name: "Raydium", VarianceLow: 0.98, VarianceSpan: 0.04, FeeRate: 0.003, Latency: 200 * time.Millisecond},
		{Name: "Meteora", VarianceLow: 0.97, VarianceSpan: 0.05, FeeRate: 0.002, Latency: 200 * time.Millisecond},
	}
}

// SimulatedVenue quotes from the base price table with a random variance.
type SimulatedVenue struct {
	cfg  Config
	rand func() float64
}

// NewSimulatedVenue builds a venue; rnd may be nil to use a seeded source.
func NewSimulatedVenue(cfg Config, rnd func() float64) *SimulatedVenue {
	if rnd == nil {
		rnd = lockedRand()
	}
	return &SimulatedVenue{cfg: cfg, rand: rnd}
}

func (v *SimulatedVenue) Name() string { return v.cfg.Name }

func (v *SimulatedVenue) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (Quote, error) {
	if err := sleep(ctx, v.cfg.Latency); err != nil {
		return Quote{}, err
	}

	variance := decimal.NewFromFloat(v.cfg.VarianceLow + v.rand()*v.cfg.VarianceSpan)
	price := BasePrice(tokenIn, tokenOut).Mul(variance)
	fee := amountIn.Mul(decimal.NewFromFloat(v.cfg.FeeRate))

	return Quote{
		Venue:     v.cfg.Name,
		Price:     price,
		Fee:       fee,
		AmountOut: amountIn.Mul(price).Sub(fee),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lockedRand() func() float64 {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64()
	}
}
