package execution

import (
	"context"
	"sync"

	"github.com/signalops/order-execution-engine/internal/bus"
	"github.com/signalops/order-execution-engine/internal/metrics"
	"github.com/signalops/order-execution-engine/internal/order"
)

// Watch follows one order: a snapshot of the stored state, then the live
// events published after it. Events is closed after the first terminal
// event, on Close, or when the context given to Engine.Watch ends.
type Watch struct {
	Snapshot order.Event

	sub     *bus.Subscription
	events  chan order.Event
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
}

// Watch attaches an observer to an order without missing events. It
// subscribes first and then takes a snapshot whose seq covers exactly the
// events already reflected in it. Live events at or below the snapshot seq
// are dropped.
func (e *Engine) Watch(ctx context.Context, orderID string) (*Watch, error) {
	sub, err := e.bus.Subscribe(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o, seq, err := e.snapshot(ctx, orderID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	snap := order.Snapshot(o)
	snap.Seq = seq
	if o.Status == order.StatusFailed {
		snap.WillRetry = e.retryPending(ctx, o)
	}

	w := &Watch{
		Snapshot: snap,
		sub:      sub,
		events:   make(chan order.Event, 16),
		done:     make(chan struct{}),
		metrics:  e.metrics,
	}
	e.metrics.ObserverAttached()

	if snap.Terminal() {
		sub.Close()
		close(w.events)
		return w, nil
	}
	go w.forward(ctx)
	return w, nil
}

// snapshot reads the record between two reads of the topic sequence and
// retries until nothing was published in between. Transitions are stored
// before they are published, so the record then reflects every event up to
// seq and no later event carries an older state.
func (e *Engine) snapshot(ctx context.Context, orderID string) (*order.Order, int64, error) {
	for {
		seq, err := e.bus.Sequence(ctx, orderID)
		if err != nil {
			return nil, 0, err
		}
		o, err := e.store.Get(ctx, orderID)
		if err != nil {
			return nil, 0, err
		}
		after, err := e.bus.Sequence(ctx, orderID)
		if err != nil {
			return nil, 0, err
		}
		if after == seq {
			return o, seq, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
	}
}

// Events yields live events newer than the snapshot.
func (w *Watch) Events() <-chan order.Event {
	return w.events
}

// Close detaches the observer. It never affects the order's processing.
func (w *Watch) Close() {
	w.once.Do(func() {
		close(w.done)
		w.sub.Close()
		w.metrics.ObserverDetached()
	})
}

func (w *Watch) forward(ctx context.Context) {
	defer close(w.events)
	defer w.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.sub.Events():
			if !ok {
				return
			}
			if ev.Seq <= w.Snapshot.Seq {
				continue
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}
