// Package service provides core business logic components for the bar service.
//
// The dispatcher component implements a fan-out message distribution system that
// delivers closed bars to every attached sink while handling slow sinks gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"bars/internal/metrics"
	"bars/internal/model"
	"bars/internal/utils"

	"github.com/rs/zerolog/log"
)

// Sink persists or forwards closed bars. A Write call receives an ordered batch and
// is made at most once per batch; failures are not retried.
type Sink interface {
	Name() string
	Write(ctx context.Context, bars []model.BarRecord) error
}

// Subscriber represents a consumer of bars for a set of pairs.
//
// Each subscriber maintains its own buffered channel for receiving bars and a set
// of pairs it is interested in. An empty set means every pair.
type Subscriber struct {
	id              int64                // represents a unique identifier for the subscriber
	name            string               // label used in logs and metrics
	ch              chan model.BarRecord // Buffered channel for bar delivery
	pairsSubscribed map[string]struct{}  // Set of subscribed pairs
}

// C returns the channel bars are delivered on. It is closed on unsubscribe or
// when the dispatcher stops.
func (s *Subscriber) C() <-chan model.BarRecord { return s.ch }

func (s *Subscriber) wants(pair string) bool {
	if len(s.pairsSubscribed) == 0 {
		return true
	}
	_, ok := s.pairsSubscribed[pair]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxPairsAllowed int           // Maximum pairs per subscription
	BufferSize      int           // Per-subscriber channel capacity
	MaxBatch        int           // Maximum bars handed to one Sink.Write call
	WriteTimeout    time.Duration // Deadline for one Sink.Write call
}

// DefaultDispatcherConfig returns the production settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxPairsAllowed: 100,
		BufferSize:      1024,
		MaxBatch:        128,
		WriteTimeout:    10 * time.Second,
	}
}

// Dispatcher implements a fan-out message distribution system for bars.
//
// The dispatcher uses the actor model pattern where a single goroutine owns and manages
// all shared state (subscribers map), eliminating the need for mutexes while ensuring
// thread safety. External interactions happen through channels.
type Dispatcher struct {
	cfg              DispatcherConfig      // Configuration parameters
	subscribers      map[int64]*Subscriber // Active subscribers (owned by dispatch goroutine)
	subscriptionCh   chan *Subscriber      // Channel for new subscription requests
	unsubscriptionCh chan *Subscriber      // Channel for unsubscription requests
	started          atomic.Bool           // Atomic flag tracking dispatcher state
	randIdGen        *rand.Rand            // Random number generator for subscriber IDs
	idMu             sync.Mutex            // Guards randIdGen
	sinks            sync.WaitGroup        // Running sink writers
	stopped          chan struct{}         // Closed when the dispatch goroutine exits
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultDispatcherConfig().WriteTimeout
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10), // Buffered to prevent blocking
		unsubscriptionCh: make(chan *Subscriber, 10), // Buffered to prevent blocking
		randIdGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped:          make(chan struct{}),
	}
}

// Subscribe creates a new subscription for the specified pairs.
func (b *Dispatcher) Subscribe(pairs []string) (*Subscriber, error) {
	if err := utils.ValidatePairs(pairs, b.cfg.MaxPairsAllowed); err != nil {
		return nil, err
	}
	return b.subscribe("subscriber", pairs)
}

func (b *Dispatcher) subscribe(name string, pairs []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, errors.New("dispatcher not started")
	}

	pairSet := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		pairSet[p] = struct{}{}
	}

	b.idMu.Lock()
	id := b.randIdGen.Int63()
	b.idMu.Unlock()

	sub := &Subscriber{
		id:              id,
		name:            name,
		ch:              make(chan model.BarRecord, b.cfg.BufferSize),
		pairsSubscribed: pairSet,
	}

	// write to channel, return error if blocked
	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}

	return sub, nil
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	// write to channel, return error if blocked
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// unsubscribe is an internal method that removes a subscriber and cleans up resources.
func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// AttachSink subscribes sink to every bar, or to the given pairs only, and starts a
// writer goroutine that hands queued bars to it in batches. The writer exits once
// the dispatcher stops and its queue is drained.
func (b *Dispatcher) AttachSink(sink Sink, pairs ...string) error {
	if len(pairs) > 0 {
		if err := utils.ValidatePairs(pairs, b.cfg.MaxPairsAllowed); err != nil {
			return err
		}
	}
	sub, err := b.subscribe(sink.Name(), pairs)
	if err != nil {
		return fmt.Errorf("attach sink %s: %w", sink.Name(), err)
	}

	b.sinks.Add(1)
	go func() {
		defer b.sinks.Done()
		b.runSink(sink, sub)
	}()
	return nil
}

func (b *Dispatcher) runSink(sink Sink, sub *Subscriber) {
	logger := log.With().Str("component", "dispatcher").Str("sink", sink.Name()).Logger()
	for first := range sub.ch {
		batch := append(make([]model.BarRecord, 0, b.cfg.MaxBatch), first)
	fill:
		for len(batch) < b.cfg.MaxBatch {
			select {
			case rec, ok := <-sub.ch:
				if !ok {
					break fill
				}
				batch = append(batch, rec)
			default:
				break fill
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		err := sink.Write(ctx, batch)
		cancel()
		if err != nil {
			metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			logger.Error().Err(err).Int("bars", len(batch)).Msg("sink write failed")
		}
	}
	logger.Info().Msg("sink writer stopped")
}

// Wait blocks until the dispatcher has stopped and every sink writer has drained
// its queue.
func (b *Dispatcher) Wait() {
	<-b.stopped
	b.sinks.Wait()
}

// StartDispatching starts the main dispatcher goroutine that handles all subscriber
// management and message distribution.
//
// This method implements the actor model pattern where a single goroutine owns and manages
// all shared state. The goroutine processes requests from three sources:
//  1. Context cancellation for graceful shutdown
//  2. Subscription/unsubscription requests via channels
//  3. Incoming bars for distribution
//
// The goroutine also stops when barCh is closed, after distributing what it holds.
func (b *Dispatcher) StartDispatching(ctx context.Context, barCh <-chan model.BarRecord) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer close(b.stopped)
		defer func() {
			// Cleanup on shutdown
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribers[sub.id] = sub
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case bar, ok := <-barCh:
				if !ok {
					log.Info().Msg("bar stream closed, dispatcher stopped")
					return
				}
				b.dispatch(bar)
			}
		}
	}()
	return nil
}

// dispatch distributes a bar to all interested subscribers.
//
// This method is only called from within the dispatcher goroutine, ensuring thread-safe
// access to the subscribers map without requiring mutex protection.
//
// Behavior for slow subscribers:
//   - If subscriber channel is full, drops the oldest buffered bar
//   - The new bar is delivered in its place
func (b *Dispatcher) dispatch(bar model.BarRecord) {
	// subscriptions requested before this bar was emitted must see it
	for pending := true; pending; {
		select {
		case sub := <-b.subscriptionCh:
			b.subscribers[sub.id] = sub
		default:
			pending = false
		}
	}

	for _, sub := range b.subscribers {
		if !sub.wants(bar.Pair) {
			continue
		}
		select {
		case sub.ch <- bar:
			continue
		default:
		}

		// channel full: drop the oldest bar for this subscriber
		metrics.BarsDropped.WithLabelValues(sub.name).Inc()
		log.Warn().Str("subscriber", sub.name).Msg("subscriber is too slow, dropping oldest buffered bar")
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- bar:
		default:
		}
	}
}
