package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DelayQueue schedules one-shot tasks keyed by an opaque member string,
// fired not before their due time. Delivery is at-least-once: a member
// is returned to every poller that sees it due, and the caller's
// conditional update makes duplicate firing harmless. The periodic sweep
// remains the authoritative mechanism; this queue only shaves latency.
type DelayQueue interface {
	Schedule(ctx context.Context, member string, due time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type redisDelayQueue struct {
	client *redis.Client
	key    string
}

func NewRedisDelayQueue(client *redis.Client, key string) DelayQueue {
	return &redisDelayQueue{
		client: client,
		key:    key,
	}
}

func (q *redisDelayQueue) Schedule(ctx context.Context, member string, due time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule delayed task: %w", err)
	}
	return nil
}

func (q *redisDelayQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("poll delayed tasks: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := q.client.ZRem(ctx, q.key, args...).Err(); err != nil {
		return nil, fmt.Errorf("remove delayed tasks: %w", err)
	}

	return members, nil
}
