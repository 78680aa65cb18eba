package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalops/order-execution-engine/internal/order"
)

const DefaultName = "order-execution-queue"

var (
	ErrNoJob        = errors.New("queue: no job available")
	ErrDuplicateJob = errors.New("queue: job already exists")
	ErrJobNotFound  = errors.New("queue: job not found")
	ErrJobActive    = errors.New("queue: job is being processed")
	ErrMalformedJob = errors.New("queue: malformed job payload")
)

// Job states stored in the job hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// enqueueScript creates the job hash and pushes the id in one step, refusing
// ids that already exist.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "payload", ARGV[1], "state", "waiting", "attempt", "0", "maxAttempts", ARGV[2], "enqueuedAt", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[4])
return 1
`)

// promoteScript moves due delayed jobs back to the wait list.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", ARGV[2] .. id, "state", "waiting")
	redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

// reapScript returns active jobs whose lease expired to the wait list. An
// active job without a lease, left by a dequeue that failed halfway, is
// given one so it is reaped a full timeout later.
var reapScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local n = 0
for _, id in ipairs(ids) do
	local deadline = redis.call("ZSCORE", KEYS[2], id)
	if not deadline then
		redis.call("ZADD", KEYS[2], ARGV[2], id)
	elseif tonumber(deadline) <= tonumber(ARGV[1]) then
		redis.call("ZREM", KEYS[2], id)
		redis.call("LREM", KEYS[1], 1, id)
		redis.call("HSET", ARGV[3] .. id, "state", "waiting")
		redis.call("LPUSH", KEYS[3], id)
		n = n + 1
	end
end
return n
`)

// Queue is a durable at-least-once job queue on Redis. A job id is the
// order id, so an order can only be queued once.
//
// Layout under the name prefix: <name>:job:<id> hash, <name>:wait and
// <name>:active lists, <name>:delayed, <name>:failed and <name>:leases
// sorted sets.
type Queue struct {
	rdb    redis.UniversalClient
	name   string
	policy Policy
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for housekeeping that has no caller to
// report to.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Delivery is one attempt of a job handed to a worker.
type Delivery struct {
	ID          string
	Job         order.Job
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this attempt exhausts the job.
func (d *Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Outcome says what happened to a failed attempt.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

func New(rdb redis.UniversalClient, name string, policy Policy, opts ...Option) (*Queue, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultName
	}
	q := &Queue{rdb: rdb, name: name, policy: policy, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue", "queue", name)
	return q, nil
}

func (q *Queue) Policy() Policy {
	return q.policy
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) key(parts ...string) string {
	k := q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}

// Enqueue validates and stores the job for eventual processing.
func (q *Queue) Enqueue(ctx context.Context, job order.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(job.OrderID), q.key("wait")},
		string(payload), strconv.Itoa(q.policy.MaxAttempts), nowMillis(), job.OrderID,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.OrderID, err)
	}
	if added == 0 {
		return fmt.Errorf("queue: enqueue %s: %w", job.OrderID, ErrDuplicateJob)
	}
	return nil
}

// Dequeue blocks up to wait for the next job and moves it to the active list
// so no other consumer sees this attempt. The attempt holds the job until it
// is completed or failed, or until its visibility timeout runs out. It
// returns ErrNoJob on timeout.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.key("wait"), q.key("active"), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	key := q.jobKey(id)
	var (
		attempt *redis.IntCmd
		fields  *redis.SliceCmd
	)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attempt = pipe.HIncrBy(ctx, key, "attempt", 1)
		pipe.HSet(ctx, key, "state", StateActive)
		fields = pipe.HMGet(ctx, key, "payload", "maxAttempts")
		if q.policy.VisibilityTimeout > 0 {
			deadline := time.Now().Add(q.policy.VisibilityTimeout).UnixMilli()
			pipe.ZAdd(ctx, q.key("leases"), redis.Z{Score: float64(deadline), Member: id})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", id, err)
	}

	vals := fields.Val()
	payload, _ := vals[0].(string)
	maxRaw, _ := vals[1].(string)

	var job order.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.Validate() != nil {
		_, cerr := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.key("active"), 1, id)
			pipe.ZRem(ctx, q.key("leases"), id)
			pipe.Del(ctx, key)
			return nil
		})
		if cerr != nil {
			return nil, fmt.Errorf("queue: dequeue %s: %w: drop: %w", id, ErrMalformedJob, cerr)
		}
		return nil, fmt.Errorf("queue: dequeue %s: %w", id, ErrMalformedJob)
	}

	maxAttempts, err := strconv.Atoi(maxRaw)
	if err != nil || maxAttempts < 1 {
		maxAttempts = q.policy.MaxAttempts
	}

	return &Delivery{
		ID:          id,
		Job:         job,
		Attempt:     int(attempt.Val()),
		MaxAttempts: maxAttempts,
	}, nil
}

// Complete acknowledges a successful attempt.
func (q *Queue) Complete(ctx context.Context, d *Delivery) error {
	key := q.jobKey(d.ID)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, d.ID)
		pipe.ZRem(ctx, q.key("leases"), d.ID)
		if q.policy.DiscardOnSuccess {
			pipe.Del(ctx, key)
		} else {
			pipe.HSet(ctx, key, "state", StateCompleted, "finishedAt", nowMillis())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", d.ID, err)
	}
	return nil
}

// Fail records a failed attempt and either schedules a retry after the
// policy's backoff or marks the job permanently failed.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	key := q.jobKey(d.ID)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	var out Outcome
	if !d.Final() {
		out = Outcome{Retry: true, Delay: q.policy.Backoff(d.Attempt)}
	}

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, d.ID)
		pipe.ZRem(ctx, q.key("leases"), d.ID)
		switch {
		case out.Retry:
			due := time.Now().Add(out.Delay).UnixMilli()
			pipe.HSet(ctx, key, "state", StateDelayed, "lastError", reason)
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: d.ID})
		case q.policy.RetainOnFinalFailure:
			now := time.Now().UnixMilli()
			pipe.HSet(ctx, key, "state", StateFailed, "lastError", reason, "finishedAt", strconv.FormatInt(now, 10))
			pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now), Member: d.ID})
		default:
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("queue: fail %s: %w", d.ID, err)
	}
	return out, nil
}

// Promote moves delayed jobs whose backoff has elapsed back to the wait list.
func (q *Queue) Promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		strconv.FormatInt(now.UnixMilli(), 10), q.key("job")+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote: %w", err)
	}
	return n, nil
}

// Reap returns attempts whose visibility timeout ran out by now to the wait
// list. The job's next delivery counts as a new attempt.
func (q *Queue) Reap(ctx context.Context, now time.Time) (int, error) {
	if q.policy.VisibilityTimeout <= 0 {
		return 0, nil
	}
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("leases"), q.key("wait")},
		now.UnixMilli(), now.Add(q.policy.VisibilityTimeout).UnixMilli(), q.key("job")+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return n, nil
}

// RunScheduler promotes due jobs and reaps expired attempts every interval
// until ctx is done.
func (q *Queue) RunScheduler(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if _, err := q.Promote(ctx, now); err != nil && ctx.Err() == nil {
				return err
			}
			n, err := q.Reap(ctx, now)
			if err != nil && ctx.Err() == nil {
				return err
			}
			if n > 0 {
				q.logger.Warn("requeued jobs past their visibility timeout", "count", n)
			}
		}
	}
}

// Recover returns jobs left on the active list by a stopped process to the
// wait list. Call it before starting consumers.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		id, err := q.rdb.RPopLPush(ctx, q.key("active"), q.key("wait")).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("queue: recover: %w", err)
		}
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
			pipe.ZRem(ctx, q.key("leases"), id)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("queue: recover %s: %w", id, err)
		}
		n++
	}
}
