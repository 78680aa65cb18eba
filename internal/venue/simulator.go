package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var ErrSlippageExceeded = errors.New("slippage exceeded")

// ExecutionRequest asks a venue to perform a swap. IdempotencyKey identifies
// the logical order so a retried attempt never executes twice.
type ExecutionRequest struct {
	IdempotencyKey string
	Venue          string
	TokenIn        string
	TokenOut       string
	AmountIn       decimal.Decimal
	QuotedPrice    decimal.Decimal
}

// ExecutionResult is a confirmed swap. Venue is where it ran, which for a
// replayed result may differ from the venue of the replaying request.
type ExecutionResult struct {
	Venue         string
	TxHash        string
	ExecutedPrice decimal.Decimal
}

// SimulatorConfig controls latency and the slippage model.
type SimulatorConfig struct {
	MinLatency time.Duration `yaml:"minLatency"`
	MaxLatency time.Duration `yaml:"maxLatency"`
	// MaxSlippage bounds the uniform price move; moves beyond Tolerance fail.
	MaxSlippage    float64       `yaml:"maxSlippage"`
	Tolerance      float64       `yaml:"tolerance"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
}

// DefaultSimulatorConfig gives 2-3s executions failing roughly one time in ten.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MinLatency:     2 * time.Second,
		MaxLatency:     3 * time.Second,
		MaxSlippage:    0.01,
		Tolerance:      0.009,
		IdempotencyTTL: 10 * time.Minute,
	}
}

// Simulator performs fake swaps with latency and slippage.
type Simulator struct {
	cfg   SimulatorConfig
	rand  func() float64
	cache *resultCache
}

// NewSimulator builds a simulator; rnd may be nil to use a seeded source.
func NewSimulator(cfg SimulatorConfig, rnd func() float64) *Simulator {
	if rnd == nil {
		rnd = lockedRand()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	return &Simulator{cfg: cfg, rand: rnd, cache: newResultCache(cfg.IdempotencyTTL)}
}

// Execute runs the swap. Only successes are cached: a failed attempt leaves
// the key free for the next one.
func (s *Simulator) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.IdempotencyKey != "" {
		if res, ok := s.cache.get(req.IdempotencyKey); ok {
			return res, nil
		}
	}

	if err := sleep(ctx, s.latency()); err != nil {
		return ExecutionResult{}, err
	}

	slip := (s.rand() - 0.5) * 2 * s.cfg.MaxSlippage
	if math.Abs(slip) > s.cfg.Tolerance {
		return ExecutionResult{}, fmt.Errorf("swap failed on %s due to %w", req.Venue, ErrSlippageExceeded)
	}

	price := req.QuotedPrice
	if price.IsZero() {
		price = BasePrice(req.TokenIn, req.TokenOut)
	}
	res := ExecutionResult{
		Venue:         req.Venue,
		TxHash:        "sol_" + s.txSuffix(),
		ExecutedPrice: price.Mul(decimal.NewFromFloat(1 + slip)),
	}
	if req.IdempotencyKey != "" {
		s.cache.set(req.IdempotencyKey, res)
	}
	return res, nil
}

func (s *Simulator) latency() time.Duration {
	span := s.cfg.MaxLatency - s.cfg.MinLatency
	if span <= 0 {
		return s.cfg.MinLatency
	}
	return s.cfg.MinLatency + time.Duration(s.rand()*float64(span))
}

func (s *Simulator) txSuffix() string {
	a := uint64(s.rand() * (1 << 53))
	b := uint64(s.rand() * (1 << 53))
	return strconv.FormatUint(a, 36) + strconv.FormatUint(b, 36)
}
