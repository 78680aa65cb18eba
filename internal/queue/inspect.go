package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalops/order-execution-engine/internal/order"
)

// JobInfo is the stored view of a job, kept after final failure for inspection.
type JobInfo struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	Job         order.Job `json:"job"`
}

// Exhausted reports whether no further attempt will run. Waiting and
// delayed jobs always run again, even when recovered after their last
// attempt.
func (i JobInfo) Exhausted() bool {
	switch i.State {
	case StateFailed, StateCompleted:
		return true
	case StateActive:
		return i.Attempt >= i.MaxAttempts
	default:
		return false
	}
}

// Stats counts jobs per list.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Inspect returns the stored state of one job.
func (q *Queue) Inspect(ctx context.Context, id string) (JobInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return JobInfo{}, fmt.Errorf("queue: inspect %s: %w", id, err)
	}
	if len(fields) == 0 {
		return JobInfo{}, ErrJobNotFound
	}

	info := JobInfo{
		ID:        id,
		State:     fields["state"],
		LastError: fields["lastError"],
	}
	info.Attempt, _ = strconv.Atoi(fields["attempt"])
	info.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	info.EnqueuedAt = parseMillis(fields["enqueuedAt"])
	info.FinishedAt = parseMillis(fields["finishedAt"])
	if p := fields["payload"]; p != "" {
		if err := json.Unmarshal([]byte(p), &info.Job); err != nil {
			return info, fmt.Errorf("queue: inspect %s: %w", id, ErrMalformedJob)
		}
	}
	return info, nil
}

// Failed lists permanently failed jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]JobInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRevRange(ctx, q.key("failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}

	infos := make([]JobInfo, 0, len(ids))
	for _, id := range ids {
		info, err := q.Inspect(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Remove deletes a job that is not currently being processed.
func (q *Queue) Remove(ctx context.Context, id string) error {
	info, err := q.Inspect(ctx, id)
	if err != nil {
		return err
	}
	if info.State == StateActive {
		return ErrJobActive
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("wait"), 0, id)
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZRem(ctx, q.key("failed"), id)
		pipe.ZRem(ctx, q.key("leases"), id)
		pipe.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	return nil
}

// Stats reports list sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var waiting, active, delayed, failed *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("wait"))
		active = pipe.LLen(ctx, q.key("active"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		failed = pipe.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
