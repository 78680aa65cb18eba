package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/signalops/order-execution-engine/internal/bus"
	"github.com/signalops/order-execution-engine/internal/metrics"
	"github.com/signalops/order-execution-engine/internal/order"
	"github.com/signalops/order-execution-engine/internal/queue"
	"github.com/signalops/order-execution-engine/internal/venue"
)

// Store is the order record persistence used by the engine.
type Store interface {
	Create(ctx context.Context, o *order.Order) error
	Get(ctx context.Context, id string) (*order.Order, error)
	Update(ctx context.Context, o *order.Order, from order.Status) error
	List(ctx context.Context, limit int) ([]*order.Order, error)
	Ping(ctx context.Context) error
}

// EventBus carries order events to observers.
type EventBus interface {
	Publish(ctx context.Context, orderID string, ev order.Event) error
	Subscribe(ctx context.Context, orderID string) (*bus.Subscription, error)
	Sequence(ctx context.Context, orderID string) (int64, error)
}

// Router picks the venue for an order.
type Router interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (venue.Quote, error)
}

// Executor performs the swap on the chosen venue.
type Executor interface {
	Execute(ctx context.Context, req venue.ExecutionRequest) (venue.ExecutionResult, error)
}

// Deps are the collaborators of an Engine. Metrics and Logger are optional.
type Deps struct {
	Store    Store
	Queue    *queue.Queue
	Bus      EventBus
	Router   Router
	Executor Executor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Options tune the worker pool.
type Options struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int
	// PollWait bounds a single blocking dequeue.
	PollWait time.Duration
	// SchedulerInterval is how often delayed retries are promoted.
	SchedulerInterval time.Duration
	// ExecutionTimeout bounds one call to the executor.
	ExecutionTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Concurrency:       10,
		PollWait:          time.Second,
		SchedulerInterval: 250 * time.Millisecond,
		ExecutionTimeout:  10 * time.Second,
	}
}

// Engine accepts orders, runs them through routing and execution on a pool
// of workers and lets observers follow their progress.
type Engine struct {
	store    Store
	queue    *queue.Queue
	bus      EventBus
	router   Router
	executor Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
}

func New(d Deps, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.PollWait <= 0 {
		opts.PollWait = def.PollWait
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = def.SchedulerInterval
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = def.ExecutionTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    d.Store,
		queue:    d.Queue,
		bus:      d.Bus,
		router:   d.Router,
		executor: d.Executor,
		metrics:  d.Metrics,
		logger:   logger.With("component", "execution"),
		opts:     opts,
	}
}

// Run recovers jobs stranded by a previous process, then processes jobs
// until ctx is cancelled. In-flight attempts are allowed to finish.
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Warn("requeued interrupted jobs", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.queue.RunScheduler(gctx, e.opts.SchedulerInterval)
	})
	for i := 0; i < e.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			e.work(gctx, worker)
			return nil
		})
	}
	e.logger.Info("✓ workers started", "concurrency", e.opts.Concurrency)

	err = g.Wait()
	e.logger.Info("workers stopped")
	return err
}

func (e *Engine) work(ctx context.Context, worker int) {
	logger := e.logger.With("worker", worker)
	for ctx.Err() == nil {
		d, err := e.queue.Dequeue(ctx, e.opts.PollWait)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoJob):
			continue
		case errors.Is(err, queue.ErrMalformedJob):
			logger.Warn("dropped malformed job", "err", err)
			continue
		case ctx.Err() != nil:
			return
		default:
			logger.Error("dequeue failed", "err", err)
			pause(ctx, e.opts.PollWait)
			continue
		}
		e.handle(context.WithoutCancel(ctx), d)
	}
}

// handle runs one attempt and reports its outcome to the queue.
func (e *Engine) handle(ctx context.Context, d *queue.Delivery) {
	start := time.Now()
	logger := e.logger.With("order_id", d.ID, "attempt", d.Attempt, "max_attempts", d.MaxAttempts)

	err := e.process(ctx, d, logger)
	if err == nil {
		if err := e.queue.Complete(ctx, d); err != nil {
			logger.Error("ack failed", "err", err)
		}
		e.metrics.JobDone(start)
		return
	}

	e.recordFailure(ctx, d, err, logger)

	out, qerr := e.queue.Fail(ctx, d, errors.New(order.Reason(err)))
	if qerr != nil {
		logger.Error("could not record failed attempt", "err", qerr)
	}
	e.metrics.JobFailed(start, order.FailureKind(err), out.Retry)
	logger.Warn("attempt failed",
		"kind", order.FailureKind(err),
		"err", err,
		"will_retry", out.Retry,
		"retry_in", out.Delay,
	)
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Health checks both backends.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.queue.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
