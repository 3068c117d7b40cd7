// Package broker connects the bar engine to its message transports.
//
// Market events arrive on redis pub/sub channels written by the crawlers; closed
// bars leave through redis pub/sub and, optionally, a RabbitMQ topic exchange.
// Channel names follow one scheme so that every consumer can derive them:
//
//	{prefix}:trade-{exchange}-{marketType}
//	{prefix}:bbo-{exchange}-{marketType}
//	{prefix}:spot-index-price
//	{prefix}:{barType}:{pair}:{marketType}:{barSize}
package broker

import (
	"fmt"
	"strings"

	"bars/internal/model"
)

// DefaultTopicPrefix is the channel prefix used by the crawlers.
const DefaultTopicPrefix = "crypto-crawler"

// TradeChannel returns the channel carrying trades of one exchange and market type.
func TradeChannel(prefix, exchange string, marketType model.MarketType) string {
	return fmt.Sprintf("%s:trade-%s-%s", prefix, exchange, marketType)
}

// BboChannel returns the channel carrying BBO snapshots of one exchange and market type.
func BboChannel(prefix, exchange string, marketType model.MarketType) string {
	return fmt.Sprintf("%s:bbo-%s-%s", prefix, exchange, marketType)
}

// IndexPriceChannel returns the channel carrying spot index prices.
func IndexPriceChannel(prefix string) string {
	return prefix + ":spot-index-price"
}

// BarChannel returns the channel a bar stream is published on.
func BarChannel(prefix string, key model.BarKey) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", prefix, key.Type, key.Pair, key.MarketType, key.SizeString())
}

// BarPattern returns a PSUBSCRIBE pattern matching published bars. Empty arguments
// match anything.
func BarPattern(prefix string, barType model.BarType, pair string, marketType model.MarketType) string {
	return fmt.Sprintf("%s:%s:%s:%s:*", prefix, orAny(string(barType)), orAny(pair), orAny(string(marketType)))
}

// BarRoutingKey converts a bar channel into an AMQP topic routing key. Topic
// exchanges split keys on dots, so the colons of the channel become dots and dots
// inside the size are replaced.
func BarRoutingKey(prefix string, key model.BarKey) string {
	size := strings.ReplaceAll(key.SizeString(), ".", "_")
	return strings.Join([]string{prefix, string(key.Type), key.Pair, string(key.MarketType), size}, ".")
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
