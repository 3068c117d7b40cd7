package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultBufferSize is the capacity of a subscription's output channel.
	defaultBufferSize = 1000

	// defaultPubSubSize is the go-redis receive buffer per subscription.
	defaultPubSubSize = 1000
)

// Handler decodes one raw message. A returned error is logged and the message is
// skipped.
type Handler[T any] func(raw []byte) (T, error)

// SubscriptionConfig defines settings for a Subscription.
type SubscriptionConfig[T any] struct {
	// Channels are the redis channels to subscribe to.
	// Required: at least one channel, or one pattern.
	Channels []string

	// Patterns are PSUBSCRIBE patterns.
	Patterns []string

	// Handler is called for every message received.
	// Required: This field must be provided and non-nil.
	Handler Handler[T]

	// BufferSize is the capacity of the output channel.
	BufferSize int
}

// Subscription wraps a redis pub/sub connection with lifecycle and message
// handling logic. Its output channel is closed once the subscription ends.
type Subscription[T any] struct {
	pubsub *redis.PubSub
	cfg    SubscriptionConfig[T]
	out    chan T
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe opens a subscription and waits for redis to confirm it before
// starting the read loop.
func Subscribe[T any](ctx context.Context, client *redis.Client, cfg SubscriptionConfig[T]) (*Subscription[T], error) {
	if len(cfg.Channels) == 0 && len(cfg.Patterns) == 0 {
		return nil, errors.New("at least one channel or pattern is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	var pubsub *redis.PubSub
	if len(cfg.Channels) > 0 {
		pubsub = client.Subscribe(ctx, cfg.Channels...)
		if len(cfg.Patterns) > 0 {
			if err := pubsub.PSubscribe(ctx, cfg.Patterns...); err != nil {
				_ = pubsub.Close()
				return nil, fmt.Errorf("psubscribe %v: %w", cfg.Patterns, err)
			}
		}
	} else {
		pubsub = client.PSubscribe(ctx, cfg.Patterns...)
	}

	// the first reply confirms the subscription or reports a connection error
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v %v: %w", cfg.Channels, cfg.Patterns, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		pubsub: pubsub,
		cfg:    cfg,
		out:    make(chan T, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	go s.readLoop()
	go func() {
		<-s.ctx.Done()
		s.Close()
	}()

	return s, nil
}

// C returns the decoded messages.
func (s *Subscription[T]) C() <-chan T { return s.out }

func (s *Subscription[T]) readLoop() {
	logger := log.With().
		Strs("channels", s.cfg.Channels).
		Strs("patterns", s.cfg.Patterns).
		Str("component", "subscription").
		Logger()

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		close(s.out)
	}()

	msgs := s.pubsub.Channel(redis.WithChannelSize(defaultPubSubSize))
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Warn().Msg("redis subscription closed")
				return
			}
			v, ok := s.handle(msg.Channel, []byte(msg.Payload))
			if !ok {
				continue
			}
			select {
			case s.out <- v:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription[T]) handle(channel string, payload []byte) (v T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("channel", channel).Msg("panic in message handler")
			ok = false
		}
	}()
	v, err := s.cfg.Handler(payload)
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
		return v, false
	}
	return v, true
}

// Close unsubscribes and releases the connection. It can be called multiple times.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis subscription")
		}
	})
}
