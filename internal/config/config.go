// Package config loads the runtime configuration of the bar server from the
// command line, the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"bars/internal/broker"
	"bars/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ErrInvalidConfig wraps every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultFileSizeMB     = 256
	defaultStaleness      = 30 * time.Second
	defaultAMQPExchange   = "bars"
	defaultBatchSize      = 500
	defaultBatchTimeout   = 2 * time.Second
	defaultAdminAddr      = ":8080"
	defaultHealthAddr     = ":50051"
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultEnvFile        = ".env"
	channelSegmentRule    = "printascii,excludesall=:*?[] "
)

// Config keeps the runtime configuration of one bar process.
type Config struct {
	Exchange   string           `validate:"required"`
	MarketType model.MarketType `validate:"required"`
	DataDir    string           `validate:"required"`

	Redis     RedisConfig
	FileSize  int64         `validate:"gt=0"`
	Staleness time.Duration `validate:"gt=0"`

	AMQP    AMQPConfig
	Archive ArchiveConfig

	AdminAddr  string
	HealthAddr string
	Log        LogConfig

	BarSizes BarSizes
}

// RedisConfig stores the redis connection and channel prefix.
type RedisConfig struct {
	URL         string `validate:"required"`
	TopicPrefix string `validate:"required"`
}

// AMQPConfig enables the AMQP publisher when URL is set.
type AMQPConfig struct {
	URL      string
	Exchange string `validate:"required_with=URL"`
}

// Enabled reports whether bars are published to AMQP.
func (c AMQPConfig) Enabled() bool { return c.URL != "" }

// ArchiveConfig enables the Postgres archive when DSN is set.
type ArchiveConfig struct {
	DSN          string
	BatchSize    int           `validate:"gt=0"`
	BatchTimeout time.Duration `validate:"gt=0"`
}

// Enabled reports whether bars are archived to Postgres.
func (c ArchiveConfig) Enabled() bool { return c.DSN != "" }

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`
}

// Load builds Config from args (without the program name) and the environment.
//
// Usage: server [-env-file path] [-bar-sizes path] <exchange> <marketType>
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	envFile := fs.String("env-file", defaultEnvFile, "dotenv file loaded before reading the environment")
	barSizesFile := fs.String("bar-sizes", "", "YAML file with bar sizes, overrides BAR_SIZES_FILE")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if fs.NArg() != 2 {
		return nil, fmt.Errorf("%w: expected <exchange> <marketType>, got %d arguments", ErrInvalidConfig, fs.NArg())
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: load %s: %v", ErrInvalidConfig, *envFile, err)
	}

	cfg := &Config{
		Exchange:   fs.Arg(0),
		MarketType: model.MarketType(fs.Arg(1)),
		DataDir:    getString("DATA_DIR", ""),
		Redis: RedisConfig{
			URL:         getString("REDIS_URL", defaultRedisURL),
			TopicPrefix: getString("REDIS_TOPIC_PREFIX", broker.DefaultTopicPrefix),
		},
		AMQP: AMQPConfig{
			URL:      getString("AMQP_URL", ""),
			Exchange: getString("AMQP_EXCHANGE", defaultAMQPExchange),
		},
		AdminAddr:  getString("ADMIN_ADDR", defaultAdminAddr),
		HealthAddr: getString("HEALTH_ADDR", defaultHealthAddr),
		Log: LogConfig{
			Level:  strings.ToLower(getString("LOG_LEVEL", defaultLogLevel)),
			Format: strings.ToLower(getString("LOG_FORMAT", defaultLogFormat)),
		},
	}
	cfg.Archive.DSN = getString("DATABASE_DSN", "")

	fileSizeMB, err := getInt("FILE_SIZE_MB", defaultFileSizeMB)
	if err != nil {
		return nil, err
	}
	cfg.FileSize = int64(fileSizeMB) << 20
	if cfg.Staleness, err = getDuration("STALENESS", defaultStaleness); err != nil {
		return nil, err
	}
	if cfg.Archive.BatchSize, err = getInt("ARCHIVE_BATCH_SIZE", defaultBatchSize); err != nil {
		return nil, err
	}
	if cfg.Archive.BatchTimeout, err = getDuration("ARCHIVE_BATCH_TIMEOUT", defaultBatchTimeout); err != nil {
		return nil, err
	}

	path := *barSizesFile
	if path == "" {
		path = getString("BAR_SIZES_FILE", "")
	}
	if path == "" {
		cfg.BarSizes, err = DefaultBarSizes()
	} else {
		cfg.BarSizes, err = LoadBarSizes(path)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("exchange", cfg.Exchange).Str("market_type", string(cfg.MarketType)).Msg("configuration loaded")
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// exchange and market type are interpolated into redis channel names verbatim
	if err := validate.Var(c.Exchange, channelSegmentRule); err != nil {
		return fmt.Errorf("%w: exchange %q is not a valid channel segment", ErrInvalidConfig, c.Exchange)
	}
	if err := validate.Var(string(c.MarketType), channelSegmentRule); err != nil {
		return fmt.Errorf("%w: market type %q is not a valid channel segment", ErrInvalidConfig, c.MarketType)
	}
	return nil
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func getInt(key string, fallback int) (int, error) {
	value := getString(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: convert %s value %q to int: %v", ErrInvalidConfig, key, value, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := getString(key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: convert %s value %q to duration: %v", ErrInvalidConfig, key, value, err)
	}
	return parsed, nil
}
