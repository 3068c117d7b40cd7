package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bars/internal/model"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// amqpChannel is the part of *amqp.Channel the publisher needs.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes bars to a durable topic exchange. The routing key of a
// bar is its channel name with dots as separators, so consumers can bind on e.g.
// "crypto-crawler.TimeBar.BTC_USDT.#".
type AMQPPublisher struct {
	channel  amqpChannel
	exchange string
	prefix   string
	mu       sync.Mutex
}

// NewAMQPPublisher opens a channel on conn and declares exchange.
func NewAMQPPublisher(conn *amqp.Connection, exchange, prefix string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	p, err := newAMQPPublisher(ch, exchange, prefix)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, prefix string) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, prefix: prefix}, nil
}

// Name implements service.Sink.
func (p *AMQPPublisher) Name() string { return "amqp" }

// Write implements service.Sink. Publishing stops at the first failure.
func (p *AMQPPublisher) Write(ctx context.Context, bars []model.BarRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range bars {
		body, err := json.Marshal(bars[i])
		if err != nil {
			return fmt.Errorf("marshal bar %s: %w", bars[i].Key(), err)
		}
		err = p.channel.PublishWithContext(ctx, p.exchange, BarRoutingKey(p.prefix, bars[i].Key()), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.UnixMilli(bars[i].TimestampEnd),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish bar %s: %w", bars[i].Key(), err)
		}
	}
	return nil
}

// Close releases the channel.
func (p *AMQPPublisher) Close() {
	if p == nil {
		return
	}
	if err := p.channel.Close(); err != nil {
		log.Error().Err(err).Msg("close rabbitmq channel")
	}
}
