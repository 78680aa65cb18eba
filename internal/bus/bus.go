package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalops/order-execution-engine/internal/order"
)

const (
	channelPrefix = "order-updates:"
	seqPrefix     = "order-seq:"
	seqTTL        = 24 * time.Hour
)

// Bus publishes order events on one Redis channel per order. Each event is
// stamped with a per-order sequence number so late subscribers can tell
// which events a snapshot already covers.
type Bus struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	buffer int
}

func New(rdb redis.UniversalClient, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{rdb: rdb, logger: logger, buffer: 16}
}

func Channel(orderID string) string {
	return channelPrefix + orderID
}

func seqKey(orderID string) string {
	return seqPrefix + orderID
}

// Publish stamps ev with the next sequence number and sends it to every
// current subscriber of the order's topic.
func (b *Bus) Publish(ctx context.Context, orderID string, ev order.Event) error {
	seq, err := b.rdb.Incr(ctx, seqKey(orderID)).Result()
	if err != nil {
		return fmt.Errorf("bus: sequence %s: %w", orderID, err)
	}
	ev.OrderID = orderID
	ev.Seq = seq

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, seqKey(orderID), seqTTL)
		pipe.Publish(ctx, Channel(orderID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", orderID, err)
	}
	return nil
}

// Sequence returns the number of the last event published for the order.
func (b *Bus) Sequence(ctx context.Context, orderID string) (int64, error) {
	seq, err := b.rdb.Get(ctx, seqKey(orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bus: sequence %s: %w", orderID, err)
	}
	return seq, nil
}

// Subscribe attaches to the order's topic. It returns once Redis has
// confirmed the subscription, so every event published afterwards is seen.
func (b *Bus) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(orderID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", orderID, err)
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan order.Event, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.run(b.logger.With("order_id", orderID))
	return sub, nil
}

// Subscription is a cancellable stream of events for one order.
type Subscription struct {
	ps     *redis.PubSub
	events chan order.Event
	done   chan struct{}
	once   sync.Once
}

// Events yields decoded events until Close is called.
func (s *Subscription) Events() <-chan order.Event {
	return s.events
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) run(logger *slog.Logger) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev order.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping undecodable event", "err", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
