package bars

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bars/internal/metrics"
	"bars/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownBarType is returned when a generator is requested for a bar type
	// this package does not implement.
	ErrUnknownBarType = errors.New("unknown bar type")

	// ErrGeneratorClosed is returned by Append after Close.
	ErrGeneratorClosed = errors.New("generator closed")

	// ErrInvalidBarSize is returned for non-positive bar sizes.
	ErrInvalidBarSize = errors.New("invalid bar size")
)

// IsFatal reports whether err means the upstream contract was violated and the
// process should stop rather than skip the event.
func IsFatal(err error) bool {
	return errors.Is(err, model.ErrMalformedTimestamp) ||
		errors.Is(err, ErrUnknownBarType) ||
		errors.Is(err, ErrInvalidBarSize)
}

// EmitFunc receives every closed bar. It is called synchronously from the append or
// timer tick that closed the bar and must not block.
type EmitFunc func(model.BarRecord)

// Generator accumulates events for one bar stream and emits a record each time
// its closing rule fires.
type Generator interface {
	// Append adds a trade or BBO event. It fails only for malformed input or after Close.
	Append(ev model.Event) error

	// Key identifies the bar stream.
	Key() model.BarKey

	// Close releases timers. Partial windows are discarded.
	Close()
}

// GeneratorOption configures a generator.
type GeneratorOption func(*generatorConfig)

type generatorConfig struct {
	logger   zerolog.Logger
	now      func() time.Time
	retained int
	ticker   bool
}

// WithLogger sets the logger used for dropped events and failed aggregations.
func WithLogger(logger zerolog.Logger) GeneratorOption {
	return func(c *generatorConfig) {
		c.logger = logger
	}
}

// WithGeneratorClock replaces the wall clock used by time bars.
func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(c *generatorConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRetainedWindows sets how many time bar windows stay open at once.
func WithRetainedWindows(n int) GeneratorOption {
	return func(c *generatorConfig) {
		if n > 0 {
			c.retained = n
		}
	}
}

// WithoutTicker disables the periodic scan of time bars. Windows then close only
// on explicit Tick calls.
func WithoutTicker() GeneratorOption {
	return func(c *generatorConfig) {
		c.ticker = false
	}
}

// NewGenerator builds the generator matching key's bar type.
func NewGenerator(key model.BarKey, emit EmitFunc, opts ...GeneratorOption) (Generator, error) {
	if key.Size <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBarSize, key)
	}

	cfg := generatorConfig{
		logger:   log.Logger,
		now:      time.Now,
		retained: 3,
		ticker:   true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With().
		Str("component", "generator").
		Str("bar", key.String()).
		Logger()

	switch key.Type {
	case model.TimeBar:
		if key.Size*1000 < 1 {
			return nil, fmt.Errorf("%w: %s is shorter than a millisecond", ErrInvalidBarSize, key)
		}
		return newTimeBarGenerator(key, emit, cfg), nil
	case model.TickBar, model.VolumeBar, model.DollarBar:
		return newThresholdBarGenerator(key, emit, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBarType, key.Type)
	}
}

func sortTrades(trades []model.TradeEvent) {
	slices.SortStableFunc(trades, func(a, b model.TradeEvent) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.TradeID, b.TradeID))
	})
}

// buildRecord aggregates one window. Trades must be sorted and non-empty; BBO
// snapshots are restricted to [begin, end) and sorted here.
func buildRecord(key model.BarKey, begin, end int64, trades []model.TradeEvent, bbos []model.BboEvent) (model.BarRecord, error) {
	agg, indicators, err := AggregateTrades(trades)
	if err != nil {
		return model.BarRecord{}, err
	}

	record := model.BarRecord{
		Exchange:        key.Exchange,
		MarketType:      key.MarketType,
		Pair:            key.Pair,
		RawPair:         key.RawPair,
		BarType:         key.Type,
		BarSize:         key.Size,
		Timestamp:       begin,
		TimestampEnd:    end,
		Trade:           &agg,
		TradeIndicators: &indicators,
	}

	inWindow := make([]model.BboEvent, 0, len(bbos))
	for _, b := range bbos {
		if b.Timestamp >= begin && b.Timestamp < end {
			inWindow = append(inWindow, b)
		}
	}
	if len(inWindow) > 0 {
		slices.SortStableFunc(inWindow, func(a, b model.BboEvent) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
		bbo, err := AggregateBbo(inWindow)
		if err != nil {
			return model.BarRecord{}, err
		}
		record.Bbo = &bbo
	}

	return record, nil
}

// emitRecord builds and emits a record, logging and counting windows that cannot
// be aggregated.
func emitRecord(cfg generatorConfig, emit EmitFunc, key model.BarKey, begin, end int64, trades []model.TradeEvent, bbos []model.BboEvent) {
	if len(trades) == 0 {
		return
	}
	record, err := buildRecord(key, begin, end, trades, bbos)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("bar", metrics.ReasonAggregation).Add(float64(len(trades)))
		cfg.logger.Warn().Err(err).Int64("timestamp", begin).Int("trades", len(trades)).Msg("skipping bar")
		return
	}
	metrics.BarsEmitted.WithLabelValues(string(key.Type)).Inc()
	emit(record)
}
