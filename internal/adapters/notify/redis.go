package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
	"github.com/loomrun/loom/internal/xjson"
)

// RedisSink publishes engine events on a pub/sub channel per user. A
// websocket gateway or similar subscribes and fans out; the engine never
// waits on delivery.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(cfg domain.NotifyConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect redis notification sink: %w", err)
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "loom:events"
	}
	return &RedisSink{client: client, channel: channel}, nil
}

type envelope struct {
	UserID  string                 `json:"user_id"`
	Type    ports.MessageType      `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	SentAt  time.Time              `json:"sent_at"`
}

func (r *RedisSink) Publish(ctx context.Context, userID string, messageType ports.MessageType, payload map[string]interface{}) error {
	data, err := xjson.Marshal(envelope{
		UserID:  userID,
		Type:    messageType,
		Payload: payload,
		SentAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel+":"+userID, data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", messageType, userID, err)
	}
	return nil
}

func (r *RedisSink) Close() error { return r.client.Close() }
