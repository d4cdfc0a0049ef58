package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key returns the Redis list a session's relay jobs are pushed to.
func Key(session string) string {
	return "wpp:" + session + ":relay"
}

// RedisQueue pops jobs from a Redis list with BLPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to the Redis server at url (redis://host:port/db).
func NewRedisQueue(url, session string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisQueue{client: redis.NewClient(opts), key: Key(session)}, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Pop implements Queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d items", len(res))
	}
	return []byte(res[1]), nil
}

// Push appends a raw job to the list.
func (q *RedisQueue) Push(ctx context.Context, raw []byte) error {
	return q.client.RPush(ctx, q.key, raw).Err()
}

// Send encodes job and pushes it.
func (q *RedisQueue) Send(ctx context.Context, job Job) error {
	raw, err := Encode(job)
	if err != nil {
		return err
	}
	return q.Push(ctx, raw)
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
