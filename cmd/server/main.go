/*
Package main runs the bar server for one exchange and market type.

The server subscribes to the trade, BBO and spot index price channels published by
the crawlers on redis, builds time, tick, volume and dollar bars per instrument and
writes every closed bar to redis pub/sub, to rotated gzip files under DATA_DIR and,
when configured, to an AMQP topic exchange and a Postgres archive.

Usage:

	DATA_DIR=/data go run ./cmd/server binance Spot

Operational endpoints: a gRPC health service on HEALTH_ADDR and an HTTP admin API
(/healthz, /metrics, /v1/generators) on ADMIN_ADDR.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bars/internal/admin"
	"bars/internal/broker"
	"bars/internal/config"
	"bars/internal/service"
	"bars/internal/sink"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const closeTimeout = 30 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("bar server stopped with error")
	}
	log.Info().Msg("bar server stopped")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	catalog, err := cfg.BarSizes.Catalog()
	if err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	fileStore := sink.NewFileStore(filepath.Join(cfg.DataDir, "bars"), sink.WithFileSize(cfg.FileSize))
	defer func() {
		if err := fileStore.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close bar files")
		}
	}()
	sinks := []service.Sink{
		broker.NewRedisPublisher(redisClient, cfg.Redis.TopicPrefix),
		fileStore,
	}

	if cfg.AMQP.Enabled() {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		defer conn.Close()
		pub, err := broker.NewAMQPPublisher(conn, cfg.AMQP.Exchange, cfg.Redis.TopicPrefix)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	if cfg.Archive.Enabled() {
		archive, err := sink.NewArchive(ctx, cfg.Archive.DSN, sink.BatchConfig{
			Size:    cfg.Archive.BatchSize,
			Timeout: cfg.Archive.BatchTimeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := archive.Close(closeCtx); err != nil {
				log.Error().Err(err).Msg("failed to flush bar archive")
			}
		}()
		sinks = append(sinks, archive)
	}

	svcCfg := service.DefaultServiceConfig()
	svcCfg.Staleness = cfg.Staleness
	source := broker.NewRedisSource(redisClient, cfg.Redis.TopicPrefix, cfg.Exchange, cfg.MarketType)
	barService := service.NewBarService(svcCfg, source, service.NewDispatcher(service.DefaultDispatcherConfig()), catalog, sinks,
		service.WithServiceLogger(log.With().Str("exchange", cfg.Exchange).Str("market_type", string(cfg.MarketType)).Logger()),
	)

	log.Info().
		Str("exchange", cfg.Exchange).
		Str("market_type", string(cfg.MarketType)).
		Int("sinks", len(sinks)).
		Int("time_bars", len(catalog.Global)).
		Str("data_dir", cfg.DataDir).
		Msg("bar server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return barService.Run(gctx)
	})
	g.Go(func() error {
		gin.SetMode(gin.ReleaseMode)
		return admin.Serve(gctx, cfg.AdminAddr, admin.NewHandler(barService, cfg.Redis.TopicPrefix))
	})
	g.Go(func() error {
		return serveHealth(gctx, cfg.HealthAddr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHealth runs the gRPC health service until ctx is done.
func serveHealth(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		s.GracefulStop()
	}()

	log.Info().Str("addr", addr).Msg("health server listening")
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
