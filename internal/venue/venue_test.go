package venue

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProvider struct {
	name  string
	out   int64
	err   error
	delay time.Duration
}

func (p fixedProvider) Name() string { return p.name }

func (p fixedProvider) Quote(ctx context.Context, _, _ string, _ decimal.Decimal) (Quote, error) {
	if err := sleep(ctx, p.delay); err != nil {
		return Quote{}, err
	}
	if p.err != nil {
		return Quote{}, p.err
	}
	return Quote{Venue: p.name, Price: decimal.NewFromInt(1), AmountOut: decimal.NewFromInt(p.out)}, nil
}

func TestBestQuotePicksGreatestAmountOut(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
		want      string
	}{
		{"first better", []Provider{fixedProvider{name: "Raydium", out: 150}, fixedProvider{name: "Meteora", out: 140}}, "Raydium"},
		{"second better", []Provider{fixedProvider{name: "Raydium", out: 100}, fixedProvider{name: "Meteora", out: 120}}, "Meteora"},
		{"tie goes to first configured", []Provider{fixedProvider{name: "Raydium", out: 100}, fixedProvider{name: "Meteora", out: 100}}, "Raydium"},
		{"erroring provider abstains", []Provider{fixedProvider{name: "Raydium", err: errors.New("down")}, fixedProvider{name: "Meteora", out: 1}}, "Meteora"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(time.Second, nil, tt.providers...)
			for i := 0; i < 5; i++ {
				q, err := r.BestQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(100))
				require.NoError(t, err)
				assert.Equal(t, tt.want, q.Venue)
			}
		})
	}
}

func TestBestQuoteNoVenues(t *testing.T) {
	r := NewRouter(time.Second, nil)
	_, err := r.BestQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(100))
	require.ErrorIs(t, err, ErrNoVenuesAvailable)
}

func TestBestQuoteTimeoutAbstains(t *testing.T) {
	r := NewRouter(20*time.Millisecond, nil,
		fixedProvider{name: "Slow", out: 1000, delay: time.Second},
		fixedProvider{name: "Fast", out: 10},
	)
	q, err := r.BestQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "Fast", q.Venue)

	r = NewRouter(20*time.Millisecond, nil, fixedProvider{name: "Slow", out: 1, delay: time.Second})
	_, err = r.BestQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrNoQuotes)
}

func TestSimulatedVenueQuote(t *testing.T) {
	cfg := DefaultVenues()[0]
	cfg.Latency = 0
	v := NewSimulatedVenue(cfg, func() float64 { return 0.5 })

	q, err := v.Quote(context.Background(), "SOL", "USDC", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "Raydium", q.Venue)
	// 150 * (0.98 + 0.5*0.04) = 150
	assert.InDelta(t, 150, q.Price.InexactFloat64(), 1e-9)
	assert.True(t, q.Fee.Equal(decimal.NewFromFloat(0.3)), q.Fee.String())
	assert.InDelta(t, 14999.7, q.AmountOut.InexactFloat64(), 1e-6)

	q, err = v.Quote(context.Background(), "DOGE", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.InDelta(t, 100, q.Price.InexactFloat64(), 1e-9)
}

func TestSimulatorExecute(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.MinLatency, cfg.MaxLatency = 0, 0

	s := NewSimulator(cfg, func() float64 { return 0.5 })
	res, err := s.Execute(context.Background(), ExecutionRequest{
		Venue: "Raydium", TokenIn: "SOL", TokenOut: "USDC",
		AmountIn: decimal.NewFromInt(10), QuotedPrice: decimal.NewFromInt(150),
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^sol_[0-9a-z]+$`), res.TxHash)
	assert.True(t, res.ExecutedPrice.Equal(decimal.NewFromInt(150)))

	failing := NewSimulator(cfg, func() float64 { return 1 })
	_, err = failing.Execute(context.Background(), ExecutionRequest{Venue: "Meteora", TokenIn: "SOL", TokenOut: "USDC"})
	require.ErrorIs(t, err, ErrSlippageExceeded)
	assert.EqualError(t, err, "swap failed on Meteora due to slippage exceeded")
}

func TestSimulatorIdempotency(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.MinLatency, cfg.MaxLatency = 0, 0

	calls := 0
	seq := []float64{0.5, 0.1, 0.2, 0.9, 0.3, 0.4}
	s := NewSimulator(cfg, func() float64 {
		v := seq[calls%len(seq)]
		calls++
		return v
	})

	req := ExecutionRequest{IdempotencyKey: "order-1", Venue: "Raydium", TokenIn: "SOL", TokenOut: "USDC"}
	first, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "Raydium", first.Venue)

	// a retry routed elsewhere still gets the swap that already ran
	rerouted := req
	rerouted.Venue = "Meteora"
	replayed, err := s.Execute(context.Background(), rerouted)
	require.NoError(t, err)
	assert.Equal(t, first, replayed)

	req.IdempotencyKey = "order-2"
	third, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.TxHash, third.TxHash)
}
