package broker

import (
	"context"
	"fmt"

	"bars/internal/model"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// pipeliner is the part of redis.Client the publisher needs.
type pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisPublisher publishes every bar on its bar channel. A batch is sent in one
// pipeline round trip.
type RedisPublisher struct {
	client pipeliner
	prefix string
}

// NewRedisPublisher creates a publisher writing to channels under prefix.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return newRedisPublisher(client, prefix)
}

func newRedisPublisher(client pipeliner, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Name implements service.Sink.
func (p *RedisPublisher) Name() string { return "redis" }

// Write implements service.Sink.
func (p *RedisPublisher) Write(ctx context.Context, bars []model.BarRecord) error {
	if len(bars) == 0 {
		return nil
	}
	payloads := make([][]byte, len(bars))
	for i := range bars {
		data, err := json.Marshal(bars[i])
		if err != nil {
			return fmt.Errorf("marshal bar %s: %w", bars[i].Key(), err)
		}
		payloads[i] = data
	}

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range bars {
			pipe.Publish(ctx, BarChannel(p.prefix, bars[i].Key()), payloads[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %d bars: %w", len(bars), err)
	}
	return nil
}
