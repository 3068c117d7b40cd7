/*
Package main implements a client that tails the bars published on redis.

The client pattern-subscribes to the bar channels of the requested pairs and logs
every bar it receives. It supports graceful shutdown via OS signals.

Usage:

	go run ./cmd/client -redis=redis://localhost:6379 -pairs=BTC_USDT,ETH_USDT -bar-type=TimeBar

The client will continuously receive and log bars until interrupted.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bars/internal/broker"
	"bars/internal/model"
	"bars/internal/utils"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxPairs = 50

// Command-line flags for configuring the redis connection and subscription
var (
	redisURL   = flag.String("redis", "redis://localhost:6379", "The redis URL")
	prefix     = flag.String("prefix", broker.DefaultTopicPrefix, "The redis topic prefix")
	pairs      = flag.String("pairs", "BTC_USDT,ETH_USDT", "Comma-separated list of pairs to tail")
	barType    = flag.String("bar-type", "", "Only tail bars of this type, e.g. TimeBar")
	marketType = flag.String("market-type", "", "Only tail bars of this market type, e.g. Spot")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	pairList, err := validateConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis URL")
	}
	client := redis.NewClient(opts)
	defer client.Close()

	patterns := make([]string, 0, len(pairList))
	for _, pair := range pairList {
		patterns = append(patterns, broker.BarPattern(*prefix, model.BarType(*barType), pair, model.MarketType(*marketType)))
	}

	sub, err := broker.Subscribe(ctx, client, broker.SubscriptionConfig[model.BarRecord]{
		Patterns: patterns,
		Handler: func(raw []byte) (model.BarRecord, error) {
			var bar model.BarRecord
			err := json.Unmarshal(raw, &bar)
			return bar, err
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("could not subscribe")
	}
	defer sub.Close()

	log.Info().Strs("patterns", patterns).Msg("tailing bars")

	for bar := range sub.C() {
		l := log.Info().
			Str("bar", bar.Key().String()).
			Str("start_time", time.UnixMilli(bar.Timestamp).UTC().Format(time.RFC3339)).
			Str("end_time", time.UnixMilli(bar.TimestampEnd).UTC().Format(time.RFC3339))
		if bar.Trade != nil {
			l = l.Float64("open", bar.Trade.Open).
				Float64("high", bar.Trade.High).
				Float64("low", bar.Trade.Low).
				Float64("close", bar.Trade.Close).
				Float64("volume", bar.Trade.Volume).
				Int("count", bar.Trade.Count)
		}
		l.Msg("received bar")
	}
	log.Info().Msg("subscription has closed")
}

// validateConfig checks the command-line configuration and returns the pairs to tail.
func validateConfig() ([]string, error) {
	if *redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	if *barType != "" && !model.BarType(*barType).Valid() {
		return nil, fmt.Errorf("unknown bar type %q", *barType)
	}
	list := strings.Split(*pairs, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	if err := utils.ValidatePairs(list, maxPairs); err != nil {
		return nil, err
	}
	return list, nil
}
