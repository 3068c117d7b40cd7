package broker

import (
	"context"

	"bars/internal/model"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads the market data streams of one exchange and market type from
// redis pub/sub.
type RedisSource struct {
	client     *redis.Client
	prefix     string
	exchange   string
	marketType model.MarketType
	decoder    *Decoder
}

// NewRedisSource creates a source for exchange and marketType.
func NewRedisSource(client *redis.Client, prefix, exchange string, marketType model.MarketType) *RedisSource {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &RedisSource{
		client:     client,
		prefix:     prefix,
		exchange:   exchange,
		marketType: marketType,
		decoder:    NewDecoder(),
	}
}

// SubscribeTrades subscribes to the trade channel.
func (s *RedisSource) SubscribeTrades(ctx context.Context) (<-chan model.TradeEvent, error) {
	sub, err := Subscribe(ctx, s.client, SubscriptionConfig[model.TradeEvent]{
		Channels: []string{TradeChannel(s.prefix, s.exchange, s.marketType)},
		Handler:  s.decoder.Trade,
	})
	if err != nil {
		return nil, err
	}
	return sub.C(), nil
}

// SubscribeBbo subscribes to the BBO channel.
func (s *RedisSource) SubscribeBbo(ctx context.Context) (<-chan model.BboEvent, error) {
	sub, err := Subscribe(ctx, s.client, SubscriptionConfig[model.BboEvent]{
		Channels: []string{BboChannel(s.prefix, s.exchange, s.marketType)},
		Handler:  s.decoder.Bbo,
	})
	if err != nil {
		return nil, err
	}
	return sub.C(), nil
}

// SubscribeIndexPrices subscribes to the spot index price channel.
func (s *RedisSource) SubscribeIndexPrices(ctx context.Context) (<-chan model.IndexPrice, error) {
	sub, err := Subscribe(ctx, s.client, SubscriptionConfig[model.IndexPrice]{
		Channels: []string{IndexPriceChannel(s.prefix)},
		Handler:  s.decoder.IndexPrice,
	})
	if err != nil {
		return nil, err
	}
	return sub.C(), nil
}
