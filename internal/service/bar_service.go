package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"bars/internal/bars"
	"bars/internal/enrich"
	"bars/internal/metrics"
	"bars/internal/model"
	"bars/internal/router"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned by Run when the service is already running.
var ErrAlreadyRunning = errors.New("bar service already running")

// EventSource delivers the market data streams of one exchange and market type.
// Every channel is closed when ctx is cancelled.
type EventSource interface {
	// SubscribeTrades starts the trade stream.
	SubscribeTrades(ctx context.Context) (<-chan model.TradeEvent, error)

	// SubscribeBbo starts the best bid/offer stream.
	SubscribeBbo(ctx context.Context) (<-chan model.BboEvent, error)

	// SubscribeIndexPrices starts the spot index price stream.
	SubscribeIndexPrices(ctx context.Context) (<-chan model.IndexPrice, error)
}

// BarDispatcher distributes closed bars to sinks.
type BarDispatcher interface {
	// StartDispatching consumes ch until it is closed or ctx is cancelled.
	StartDispatching(ctx context.Context, ch <-chan model.BarRecord) error

	// AttachSink delivers bars for pairs (all pairs when empty) to sink.
	AttachSink(sink Sink, pairs ...string) error

	// Wait blocks until dispatching stopped and sinks are drained.
	Wait()
}

// ServiceConfig holds the tuning parameters of a BarService.
type ServiceConfig struct {
	Staleness        time.Duration // Reorder window, also the lag of the time bar clock
	BarBuffer        int           // Capacity of the channel between generators and dispatcher
	DrainInterval    time.Duration // Period of reorder buffer drains while the streams are idle
	HeartbeatTimeout time.Duration // Silence after which a warning is logged
}

// DefaultServiceConfig returns the production settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Staleness:        bars.DefaultStaleness,
		BarBuffer:        4096,
		DrainInterval:    time.Second,
		HeartbeatTimeout: time.Minute,
	}
}

// ServiceOption configures a BarService.
type ServiceOption func(*BarService)

// WithClock replaces the wall clock used by the reorder buffers and time bars.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *BarService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithServiceLogger sets the logger of the service and the components it creates.
func WithServiceLogger(logger zerolog.Logger) ServiceOption {
	return func(s *BarService) {
		s.logger = logger
	}
}

// WithRouterOptions passes extra options to the router.
func WithRouterOptions(opts ...router.Option) ServiceOption {
	return func(s *BarService) {
		s.routerOpts = append(s.routerOpts, opts...)
	}
}

// BarService is the ingest pipeline of one exchange and market type.
//
// A single goroutine (Run) reads the input streams, holds events in reorder buffers
// until they are older than the staleness window, enriches them and routes them to
// the bar generators. Closed bars travel through a buffered channel to the
// dispatcher which hands them to the sinks.
//
// Time bar generators see a clock that lags the wall clock by the staleness window,
// so a window is closed only after every event that could still belong to it has
// left the reorder buffer.
type BarService struct {
	cfg        ServiceConfig
	source     EventSource
	dispatcher BarDispatcher
	sinks      []Sink
	catalog    router.Catalog
	routerOpts []router.Option
	now        func() time.Time
	logger     zerolog.Logger

	router   *router.Router
	enricher *enrich.Enricher
	trades   *bars.ReorderBuffer[model.TradeEvent]
	bbos     *bars.ReorderBuffer[model.BboEvent]
	barCh    chan model.BarRecord

	started   atomic.Bool
	lastEvent time.Time
}

// NewBarService wires the pipeline. Bars go to every sink in sinks once Run starts.
func NewBarService(cfg ServiceConfig, source EventSource, dispatcher BarDispatcher, catalog router.Catalog, sinks []Sink, opts ...ServiceOption) *BarService {
	def := DefaultServiceConfig()
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.BarBuffer <= 0 {
		cfg.BarBuffer = def.BarBuffer
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}

	s := &BarService{
		cfg:        cfg,
		source:     source,
		dispatcher: dispatcher,
		sinks:      sinks,
		catalog:    catalog,
		now:        time.Now,
		logger:     log.Logger,
		barCh:      make(chan model.BarRecord, cfg.BarBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "bar_service").Logger()

	reorderOpts := []bars.ReorderOption{bars.WithStaleness(cfg.Staleness), bars.WithClock(s.now)}
	s.trades = bars.NewReorderBuffer(bars.ByTimestampThenTradeID, reorderOpts...)
	s.bbos = bars.NewReorderBuffer(bars.ByTimestamp[model.BboEvent], reorderOpts...)
	s.enricher = enrich.NewEnricher(s.logger)

	routerOpts := append([]router.Option{
		router.WithLogger(s.logger),
		router.WithGeneratorOptions(
			bars.WithLogger(s.logger),
			bars.WithGeneratorClock(s.watermark),
		),
	}, s.routerOpts...)
	s.router = router.New(catalog, s.emit, routerOpts...)
	return s
}

// watermark is the time before which every event has been released by the
// reorder buffers.
func (s *BarService) watermark() time.Time {
	return s.now().Add(-s.cfg.Staleness)
}

// emit runs on generator goroutines and must not block them.
func (s *BarService) emit(bar model.BarRecord) {
	select {
	case s.barCh <- bar:
	default:
		metrics.BarsDropped.WithLabelValues("dispatcher").Inc()
		s.logger.Warn().Str("bar", bar.Key().String()).Msg("dispatcher queue full, dropping bar")
	}
}

// Keys returns the bar streams with a live generator.
func (s *BarService) Keys() []model.BarKey {
	return s.router.Keys()
}

// Run processes the input streams until ctx is cancelled or a fatal error occurs.
//
// On return the generators are closed, their partial windows discarded, and every
// bar already closed has been handed to the sinks.
func (s *BarService) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	// the dispatcher outlives ctx so that it can drain barCh after the generators stop
	if err := s.dispatcher.StartDispatching(context.WithoutCancel(ctx), s.barCh); err != nil {
		return fmt.Errorf("failed to start dispatching: %w", err)
	}
	defer func() {
		s.router.Close()
		close(s.barCh)
		s.dispatcher.Wait()
		s.logger.Info().Msg("bar service stopped")
	}()

	for _, sink := range s.sinks {
		if err := s.dispatcher.AttachSink(sink); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	indexCh, err := s.source.SubscribeIndexPrices(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe index prices: %w", err)
	}
	tradeCh, err := s.source.SubscribeTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe trades: %w", err)
	}
	bboCh, err := s.source.SubscribeBbo(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe bbo: %w", err)
	}

	drainTicker := time.NewTicker(s.cfg.DrainInterval)
	defer drainTicker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	s.lastEvent = s.now()
	s.logger.Info().Int("sinks", len(s.sinks)).Dur("staleness", s.cfg.Staleness).Msg("bar service started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-indexCh:
			if !ok {
				return s.closedStream(ctx, "index price")
			}
			s.enricher.UpdateIndexPrice(p)
		case t, ok := <-tradeCh:
			if !ok {
				return s.closedStream(ctx, "trade")
			}
			if err := s.handleTrade(t); err != nil {
				return err
			}
		case b, ok := <-bboCh:
			if !ok {
				return s.closedStream(ctx, "bbo")
			}
			if err := s.handleBbo(b); err != nil {
				return err
			}
		case <-drainTicker.C:
			if err := s.drain(); err != nil {
				return err
			}
		case <-heartbeat.C:
			if silence := s.now().Sub(s.lastEvent); silence >= s.cfg.HeartbeatTimeout {
				s.logger.Warn().Dur("silence", silence).Msg("no market events received")
			}
		}
	}
}

func (s *BarService) closedStream(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s stream closed", name)
}

func (s *BarService) handleTrade(t model.TradeEvent) error {
	metrics.EventsTotal.WithLabelValues("trade").Inc()
	s.lastEvent = s.now()
	if err := model.ValidateTimestamp(t.Timestamp); err != nil {
		return fmt.Errorf("trade %s %s: %w", t.RawPair, t.TradeID, err)
	}
	if !s.trades.Offer(t) {
		metrics.EventsDropped.WithLabelValues("trade", metrics.ReasonStale).Inc()
		s.logger.Debug().Str("pair", t.RawPair).Int64("timestamp", t.Timestamp).Msg("dropping stale trade")
	}
	return s.drain()
}

func (s *BarService) handleBbo(b model.BboEvent) error {
	metrics.EventsTotal.WithLabelValues("bbo").Inc()
	s.lastEvent = s.now()
	if err := model.ValidateTimestamp(b.Timestamp); err != nil {
		return fmt.Errorf("bbo %s: %w", b.RawPair, err)
	}
	if !s.bbos.Offer(b) {
		metrics.EventsDropped.WithLabelValues("bbo", metrics.ReasonStale).Inc()
		s.logger.Debug().Str("pair", b.RawPair).Int64("timestamp", b.Timestamp).Msg("dropping stale bbo")
	}
	return s.drain()
}

// drain routes every event that has left the reorder window.
func (s *BarService) drain() error {
	for _, t := range s.trades.DrainReady() {
		enriched, ok := s.enricher.EnrichTrade(t)
		if !ok {
			continue
		}
		if err := s.router.Route(enriched); err != nil {
			return err
		}
	}
	for _, b := range s.bbos.DrainReady() {
		enriched, ok := s.enricher.EnrichBbo(b)
		if !ok {
			continue
		}
		if err := s.router.Route(enriched); err != nil {
			return err
		}
	}
	return nil
}
