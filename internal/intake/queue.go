package intake

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// QueueConfig configures the redis intake queue.
type QueueConfig struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	DeadLetterKey string
	BlockTimeout  time.Duration
}

// RedisQueue pops intake envelopes from a redis list and parks
// poisoned ones on a dead-letter list.
type RedisQueue struct {
	client        *redis.Client
	key           string
	deadLetterKey string
	blockTimeout  time.Duration
}

// NewRedisQueue creates the queue consumer.
func NewRedisQueue(cfg QueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("intake queue key is required")
	}
	if cfg.DeadLetterKey == "" {
		cfg.DeadLetterKey = cfg.Key + ":dead"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisQueue{
		client:        client,
		key:           cfg.Key,
		deadLetterKey: cfg.DeadLetterKey,
		blockTimeout:  cfg.BlockTimeout,
	}, nil
}

// Pop pops one payload from the list. A nil payload with nil error
// means the block timeout elapsed with nothing queued.
func (q *RedisQueue) Pop(ctx context.Context) ([]byte, error) {
	res, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Requeue pushes the payload back onto the tail of the intake list.
func (q *RedisQueue) Requeue(ctx context.Context, payload []byte) error {
	return q.client.RPush(ctx, q.key, payload).Err()
}

// DeadLetter parks the payload on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, payload []byte) error {
	return q.client.RPush(ctx, q.deadLetterKey, payload).Err()
}

// Close closes the queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
