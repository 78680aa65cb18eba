package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/signalops/order-execution-engine/internal/order"
	"github.com/signalops/order-execution-engine/internal/queue"
	"github.com/signalops/order-execution-engine/internal/venue"
)

const reasonInterrupted = "previous attempt interrupted"

// process walks the order through ROUTING, BUILDING, SUBMITTED and
// CONFIRMED. Every step is persisted before it is published. The returned
// error wraps one of the order failure kinds.
func (e *Engine) process(ctx context.Context, d *queue.Delivery, logger *slog.Logger) error {
	o, err := e.store.Get(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", order.ErrPersistence, err)
	}

	if o.Status == order.StatusConfirmed {
		// Redelivered after the confirmation was stored. Publish it again in
		// case the first publish was lost, then ack.
		logger.Info("order already confirmed")
		ev := confirmedEvent(o)
		ev.Attempt = d.Attempt
		if err := e.bus.Publish(ctx, o.ID, ev); err != nil {
			return fmt.Errorf("%w: %w", order.ErrPublish, err)
		}
		return nil
	}

	if d.Attempt > d.MaxAttempts {
		// Redelivered after the final attempt was interrupted or its outcome
		// could not be recorded. Close the job with what is known.
		reason := reasonInterrupted
		if o.Status == order.StatusFailed && o.FailureReason != "" {
			reason = o.FailureReason
		}
		return fmt.Errorf("%w: %w", order.ErrExecution, errors.New(reason))
	}

	switch o.Status {
	case order.StatusRouting, order.StatusBuilding, order.StatusSubmitted:
		logger.Warn("order left mid-flight by an earlier attempt", "status", o.Status)
		err := e.transition(ctx, d, o, order.StatusFailed,
			order.Patch{FailureReason: reasonInterrupted},
			order.Event{FailureReason: reasonInterrupted, WillRetry: true},
		)
		if err != nil {
			return err
		}
	}

	if err := e.transition(ctx, d, o, order.StatusRouting, order.Patch{}, order.Event{}); err != nil {
		return err
	}

	quote, err := e.router.BestQuote(ctx, o.TokenIn, o.TokenOut, o.AmountIn)
	if err != nil {
		return fmt.Errorf("%w: %w", order.ErrRouting, err)
	}
	e.metrics.Venue(quote.Venue)
	logger.Debug("venue selected", "venue", quote.Venue, "price", quote.Price, "amount_out", quote.AmountOut)

	err = e.transition(ctx, d, o, order.StatusBuilding,
		order.Patch{SelectedVenue: quote.Venue},
		order.Event{SelectedVenue: quote.Venue, Price: order.Float(quote.Price.InexactFloat64())},
	)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, d, o, order.StatusSubmitted, order.Patch{}, order.Event{}); err != nil {
		return err
	}

	xctx, cancel := context.WithTimeout(ctx, e.opts.ExecutionTimeout)
	res, err := e.executor.Execute(xctx, venue.ExecutionRequest{
		IdempotencyKey: o.ID,
		Venue:          quote.Venue,
		TokenIn:        o.TokenIn,
		TokenOut:       o.TokenOut,
		AmountIn:       o.AmountIn,
		QuotedPrice:    quote.Price,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", order.ErrExecution, err)
	}

	// A replayed result names the venue of the attempt that executed.
	executed := quote.Venue
	if res.Venue != "" && res.Venue != quote.Venue {
		logger.Warn("execution replayed from an earlier attempt", "venue", res.Venue, "quoted_venue", quote.Venue)
		executed = res.Venue
	}

	err = e.transition(ctx, d, o, order.StatusConfirmed,
		order.Patch{SelectedVenue: executed, TxHash: res.TxHash, ExecutionPrice: res.ExecutedPrice},
		order.Event{SelectedVenue: executed, TxHash: res.TxHash, ExecutedPrice: order.Float(res.ExecutedPrice.InexactFloat64())},
	)
	if err != nil {
		return err
	}
	logger.Info("order confirmed", "venue", executed, "tx_hash", res.TxHash)
	return nil
}

// transition applies, persists and then publishes one state change. ev
// carries the fields specific to the target status.
func (e *Engine) transition(ctx context.Context, d *queue.Delivery, o *order.Order, to order.Status, p order.Patch, ev order.Event) error {
	from := o.Status
	if err := o.Apply(to, p); err != nil {
		return fmt.Errorf("%w: %w", order.ErrPersistence, err)
	}
	if err := e.store.Update(ctx, o, from); err != nil {
		return fmt.Errorf("%w: %w", order.ErrPersistence, err)
	}
	e.metrics.Transition(to.Lower())

	ev.Status = to.Lower()
	ev.Attempt = d.Attempt
	if err := e.bus.Publish(ctx, o.ID, ev); err != nil {
		return fmt.Errorf("%w: %w", order.ErrPublish, err)
	}
	return nil
}

// recordFailure stores FAILED with the reason and tells observers whether
// another attempt follows. The record is reloaded since the failed step may
// not have been persisted.
func (e *Engine) recordFailure(ctx context.Context, d *queue.Delivery, cause error, logger *slog.Logger) {
	o, err := e.store.Get(ctx, d.ID)
	if err != nil {
		logger.Error("could not load order to record failure", "err", err)
		return
	}
	if o.Status == order.StatusConfirmed {
		return
	}

	reason := order.Reason(cause)
	from := o.Status
	if err := o.Apply(order.StatusFailed, order.Patch{FailureReason: reason}); err != nil {
		logger.Error("could not mark order failed", "err", err)
		return
	}
	if err := e.store.Update(ctx, o, from); err != nil {
		logger.Error("could not persist failure", "err", err)
		return
	}
	e.metrics.Transition(order.StatusFailed.Lower())

	ev := order.Event{
		Status:        order.StatusFailed.Lower(),
		FailureReason: reason,
		Attempt:       d.Attempt,
		WillRetry:     !d.Final(),
	}
	if err := e.bus.Publish(ctx, o.ID, ev); err != nil {
		logger.Error("could not publish failure", "err", err)
	}
}

func confirmedEvent(o *order.Order) order.Event {
	ev := order.Event{
		Status:        order.StatusConfirmed.Lower(),
		SelectedVenue: o.SelectedVenue,
		TxHash:        o.TxHash,
	}
	if o.ExecutionPrice.Valid {
		ev.ExecutedPrice = order.Float(o.ExecutionPrice.Decimal.InexactFloat64())
	}
	return ev
}
