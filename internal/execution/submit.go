package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalops/order-execution-engine/internal/order"
	"github.com/signalops/order-execution-engine/internal/queue"
)

const reasonNotQueued = "could not queue order"

// Submit validates the request, stores a PENDING order and queues exactly
// one job for it. It returns without waiting for execution.
func (e *Engine) Submit(ctx context.Context, req order.Request) (*order.Order, error) {
	o, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.enqueue(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// SubmitAndWatch is Submit for callers that want every event of the new
// order: the watch is attached before the job is queued.
func (e *Engine) SubmitAndWatch(ctx context.Context, req order.Request) (*order.Order, *Watch, error) {
	o, err := e.create(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	w, err := e.Watch(ctx, o.ID)
	if err != nil {
		e.abandon(ctx, o)
		return nil, nil, err
	}
	if err := e.enqueue(ctx, o); err != nil {
		w.Close()
		return nil, nil, err
	}
	return o, w, nil
}

func (e *Engine) create(ctx context.Context, req order.Request) (*order.Order, error) {
	o, err := order.New(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("%w: %w", order.ErrPersistence, err)
	}
	return o, nil
}

func (e *Engine) enqueue(ctx context.Context, o *order.Order) error {
	if err := e.queue.Enqueue(ctx, o.Job()); err != nil {
		e.abandon(ctx, o)
		return err
	}
	e.metrics.Submitted()
	e.logger.Info("order queued", "order_id", o.ID, "token_in", o.TokenIn, "token_out", o.TokenOut, "amount_in", o.AmountIn)
	return nil
}

// abandon marks an order that never reached the queue as failed so it does
// not sit in PENDING forever.
func (e *Engine) abandon(ctx context.Context, o *order.Order) {
	from := o.Status
	if err := o.Apply(order.StatusFailed, order.Patch{FailureReason: reasonNotQueued}); err != nil {
		return
	}
	if err := e.store.Update(ctx, o, from); err != nil {
		e.logger.Error("could not mark unqueued order failed", "order_id", o.ID, "err", err)
	}
}

// Order returns the persisted record.
func (e *Engine) Order(ctx context.Context, id string) (*order.Order, error) {
	return e.store.Get(ctx, id)
}

// Orders lists recent orders, newest first.
func (e *Engine) Orders(ctx context.Context, limit int) ([]*order.Order, error) {
	return e.store.List(ctx, limit)
}

// Job returns the stored state of the order's job.
func (e *Engine) Job(ctx context.Context, id string) (queue.JobInfo, error) {
	return e.queue.Inspect(ctx, id)
}

// FailedJobs lists jobs retained after their final attempt.
func (e *Engine) FailedJobs(ctx context.Context, limit int) ([]queue.JobInfo, error) {
	return e.queue.Failed(ctx, limit)
}

// RemoveJob drops a retained or waiting job.
func (e *Engine) RemoveJob(ctx context.Context, id string) error {
	return e.queue.Remove(ctx, id)
}

// QueueStats reports the queue's list sizes.
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.queue.Stats(ctx)
}

// retryPending reports whether a FAILED order still has an attempt to come.
// A job that no longer exists has no attempt left.
func (e *Engine) retryPending(ctx context.Context, o *order.Order) bool {
	info, err := e.queue.Inspect(ctx, o.ID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return false
	}
	if err != nil {
		e.logger.Warn("could not inspect job", "order_id", o.ID, "err", err)
		return true
	}
	if info.State == queue.StateActive && o.FailureReason == reasonInterrupted && info.Attempt <= info.MaxAttempts {
		return true
	}
	return !info.Exhausted()
}
