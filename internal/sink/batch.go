package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BatchConfig controls batching thresholds.
type BatchConfig struct {
	Size    int
	Timeout time.Duration
}

// batchBuffer collects items and hands them to flushFn once Size items are queued
// or Timeout has passed since the first queued item, whichever comes first.
type batchBuffer[T any] struct {
	cfg     BatchConfig
	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	flushFn func(context.Context, []T) error
	onError func(error)
	logger  zerolog.Logger
	ctx     context.Context
}

func newBatchBuffer[T any](ctx context.Context, cfg BatchConfig, flushFn func(context.Context, []T) error, logger zerolog.Logger) *batchBuffer[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &batchBuffer[T]{
		cfg:     cfg,
		flushFn: flushFn,
		logger:  logger,
		ctx:     ctx,
	}
}

func (bb *batchBuffer[T]) enqueue(items ...T) error {
	bb.mu.Lock()
	ctx := bb.ctx
	if err := ctx.Err(); err != nil {
		bb.mu.Unlock()
		return err
	}
	bb.items = append(bb.items, items...)
	var batch []T
	limit := bb.cfg.Size
	if limit <= 0 {
		limit = 1
	}
	if len(bb.items) >= limit {
		batch = bb.takeBatchLocked()
	} else if bb.timer == nil && bb.cfg.Timeout > 0 {
		bb.startTimerLocked()
	}
	bb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return bb.flushWithContext(ctx, batch)
}

func (bb *batchBuffer[T]) startTimerLocked() {
	bb.timer = time.AfterFunc(bb.cfg.Timeout, func() {
		batch := bb.takeBatch()
		if len(batch) == 0 {
			return
		}
		bb.mu.Lock()
		ctx := bb.ctx
		bb.mu.Unlock()
		if err := bb.flushWithContext(ctx, batch); err != nil {
			bb.logger.Warn().Err(err).Int("size", len(batch)).Msg("batch flush failed")
			if bb.onError != nil {
				bb.onError(err)
			}
		}
	})
}

func (bb *batchBuffer[T]) takeBatch() []T {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.takeBatchLocked()
}

func (bb *batchBuffer[T]) takeBatchLocked() []T {
	if bb.timer != nil {
		bb.timer.Stop()
		bb.timer = nil
	}
	if len(bb.items) == 0 {
		return nil
	}
	batch := make([]T, len(bb.items))
	copy(batch, bb.items)
	bb.items = bb.items[:0]
	return batch
}

func (bb *batchBuffer[T]) flushWithContext(ctx context.Context, batch []T) error {
	start := time.Now()
	if err := bb.flushFn(ctx, batch); err != nil {
		return err
	}
	bb.logger.Debug().
		Int("size", len(batch)).
		Int64("took_ms", time.Since(start).Milliseconds()).
		Msg("flushed batch")
	return nil
}

// drain flushes whatever is queued with ctx. Later enqueues use ctx as well.
func (bb *batchBuffer[T]) drain(ctx context.Context) error {
	if ctx == nil {
		return errors.New("nil context")
	}
	bb.mu.Lock()
	bb.ctx = ctx
	bb.mu.Unlock()

	batch := bb.takeBatch()
	if len(batch) == 0 {
		return nil
	}
	return bb.flushWithContext(ctx, batch)
}
