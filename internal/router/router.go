// Package router fans market events out to bar generators.
//
// Each event is routed to one generator per bar definition configured for the
// base currency of its pair. Generators are created lazily the first time a bar
// stream is seen, so the number of live generators follows the instruments that
// actually trade rather than the configuration.
package router

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"bars/internal/bars"
	"bars/internal/metrics"
	"bars/internal/model"
	"bars/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrRouterClosed is returned by Route after Close.
var ErrRouterClosed = errors.New("router closed")

// Catalog lists the bar definitions that apply to each base currency.
//
// Global definitions (typically the time bars) apply to every base, PerBase adds
// the threshold bars sized for a specific base currency.
type Catalog struct {
	Global  []model.BarDefinition
	PerBase map[string][]model.BarDefinition
}

// Definitions returns the bar definitions for base, global ones first.
func (c Catalog) Definitions(base string) []model.BarDefinition {
	defs := make([]model.BarDefinition, 0, len(c.Global)+len(c.PerBase[base]))
	defs = append(defs, c.Global...)
	return append(defs, c.PerBase[base]...)
}

// GeneratorFactory builds a generator for a bar stream. bars.NewGenerator is the
// production factory.
type GeneratorFactory func(key model.BarKey, emit bars.EmitFunc, opts ...bars.GeneratorOption) (bars.Generator, error)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithGeneratorFactory replaces bars.NewGenerator.
func WithGeneratorFactory(f GeneratorFactory) Option {
	return func(r *Router) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithGeneratorOptions passes options to every generator the router creates.
func WithGeneratorOptions(opts ...bars.GeneratorOption) Option {
	return func(r *Router) {
		r.genOpts = append(r.genOpts, opts...)
	}
}

// Router owns the registry of live generators keyed by bar stream.
//
// Route is expected to be called from a single ingest goroutine. The registry is
// guarded so that Keys can be read from other goroutines, e.g. the admin API.
type Router struct {
	catalog Catalog
	emit    bars.EmitFunc
	factory GeneratorFactory
	genOpts []bars.GeneratorOption
	logger  zerolog.Logger

	mu         sync.RWMutex
	generators map[model.BarKey]bars.Generator
	closed     bool
}

// New creates a Router that wires every generator's output to emit.
func New(catalog Catalog, emit bars.EmitFunc, opts ...Option) *Router {
	r := &Router{
		catalog:    catalog,
		emit:       emit,
		factory:    bars.NewGenerator,
		logger:     log.Logger,
		generators: make(map[model.BarKey]bars.Generator),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "router").Logger()
	return r
}

// Route appends ev to every generator configured for its pair, creating generators
// on first use. Only fatal generator errors are returned; the caller should stop
// the pipeline on any error.
func (r *Router) Route(ev model.Event) error {
	inst := ev.Instrument()
	base := utils.BaseCurrency(inst.Pair)
	if base == "" {
		r.logger.Error().Str("pair", inst.Pair).Msg("pair has no base currency, no bar configuration applies")
		return nil
	}

	for _, def := range r.catalog.Definitions(base) {
		key := model.BarKey{Instrument: inst, BarDefinition: def}
		gen, err := r.generator(key)
		if err != nil {
			return err
		}
		if err := gen.Append(ev); err != nil {
			return fmt.Errorf("append to %s: %w", key, err)
		}
	}
	return nil
}

func (r *Router) generator(key model.BarKey) (bars.Generator, error) {
	r.mu.RLock()
	gen, ok := r.generators[key]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}
	if ok {
		return gen, nil
	}

	gen, err := r.factory(key, r.emit, r.genOpts...)
	if err != nil {
		return nil, fmt.Errorf("create generator %s: %w", key, err)
	}

	r.mu.Lock()
	r.generators[key] = gen
	n := len(r.generators)
	r.mu.Unlock()

	metrics.LiveGenerators.Set(float64(n))
	r.logger.Info().Str("bar", key.String()).Int("generators", n).Msg("created bar generator")
	return gen, nil
}

// Keys returns the live bar streams in a stable order.
func (r *Router) Keys() []model.BarKey {
	r.mu.RLock()
	keys := make([]model.BarKey, 0, len(r.generators))
	for k := range r.generators {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	slices.SortFunc(keys, func(a, b model.BarKey) int {
		return cmp.Or(
			cmp.Compare(a.Exchange, b.Exchange),
			cmp.Compare(a.MarketType, b.MarketType),
			cmp.Compare(a.Pair, b.Pair),
			cmp.Compare(a.RawPair, b.RawPair),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Size, b.Size),
		)
	})
	return keys
}

// Len returns the number of live generators.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.generators)
}

// Close closes every generator. Open windows are discarded.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	generators := r.generators
	r.generators = make(map[model.BarKey]bars.Generator)
	r.mu.Unlock()

	for _, gen := range generators {
		gen.Close()
	}
	metrics.LiveGenerators.Set(0)
	r.logger.Info().Int("generators", len(generators)).Msg("router closed")
}
