package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomrun/loom/internal/domain"
)

const resultKeyPrefix = "workflow:result:"

// resultTTL bounds how long an unclaimed terminal result lingers.
const resultTTL = 24 * time.Hour

// RedisChannel hands terminal run results across processes via redis
// lists: the completion poller RPUSHes, the synchronous wrapper BLPOPs.
type RedisChannel struct {
	client *redis.Client
}

func NewRedisChannel(cfg domain.ResultsConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect redis result channel: %w", err)
	}
	return &RedisChannel{client: client}, nil
}

func (r *RedisChannel) Push(ctx context.Context, key string, payload []byte) error {
	fullKey := resultKeyPrefix + key
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, fullKey, payload)
	pipe.Expire(ctx, fullKey, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push result for %s: %w", key, err)
	}
	return nil
}

func (r *RedisChannel) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	vals, err := r.client.BLPop(ctx, timeout, resultKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop for %s: %w", key, err)
	}
	// BLPop returns [key, value]
	return []byte(vals[1]), nil
}

func (r *RedisChannel) Close() error { return r.client.Close() }
