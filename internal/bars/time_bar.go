package bars

import (
	"slices"
	"sync"
	"time"

	"bars/internal/metrics"
	"bars/internal/model"
)

// TimeBarGenerator closes bars on fixed wall-clock windows.
//
// Up to N windows (default 3) are open at once, so events may arrive up to N-1
// windows late. A ticker firing once per bar size closes every window older than
// the retention floor. Events whose window is in the future or already behind the
// floor are logged and dropped.
//
// Thread Safety:
//   - The window maps are owned by a single goroutine
//   - Appends, ticks and explicit Tick calls are serialized through one channel
type TimeBarGenerator struct {
	key    model.BarKey
	window int64 // milliseconds
	cfg    generatorConfig
	emit   EmitFunc

	trades map[int64][]model.TradeEvent
	bbos   map[int64][]model.BboEvent
	closed int64 // windows starting before this have been emitted

	inbox     chan timeBarCmd
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type timeBarCmd struct {
	event model.Event
	now   int64         // watermark in milliseconds when the event was appended
	scan  chan struct{} // non-nil for a scan request, closed when done
}

func newTimeBarGenerator(key model.BarKey, emit EmitFunc, cfg generatorConfig) *TimeBarGenerator {
	g := &TimeBarGenerator{
		key:    key,
		window: int64(key.Size * 1000),
		cfg:    cfg,
		emit:   emit,
		trades: make(map[int64][]model.TradeEvent),
		bbos:   make(map[int64][]model.BboEvent),
		inbox:  make(chan timeBarCmd, 1024),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	var ticks <-chan time.Time
	var ticker *time.Ticker
	if cfg.ticker {
		ticker = time.NewTicker(time.Duration(g.window) * time.Millisecond)
		ticks = ticker.C
	}

	go func() {
		defer close(g.done)
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-g.quit:
				return
			case <-ticks:
				g.scanOldWindows()
			case cmd := <-g.inbox:
				if cmd.scan != nil {
					g.scanOldWindows()
					close(cmd.scan)
					continue
				}
				g.append(cmd.event, cmd.now)
			}
		}
	}()

	return g
}

// Key implements Generator.
func (g *TimeBarGenerator) Key() model.BarKey { return g.key }

// Append validates ev and queues it for the owning goroutine. The window bounds are
// taken from the clock at the time of the call, not when the event is dequeued.
func (g *TimeBarGenerator) Append(ev model.Event) error {
	if err := model.ValidateTimestamp(ev.EventTimestamp()); err != nil {
		return err
	}
	return g.send(timeBarCmd{event: ev, now: g.cfg.now().UnixMilli()})
}

// Tick closes expired windows now instead of waiting for the ticker. It returns once
// every event appended before the call has been placed and the scan has finished.
func (g *TimeBarGenerator) Tick() error {
	done := make(chan struct{})
	if err := g.send(timeBarCmd{scan: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-g.done:
		return ErrGeneratorClosed
	}
}

// Close stops the ticker and the owning goroutine. Open windows are discarded.
func (g *TimeBarGenerator) Close() {
	g.closeOnce.Do(func() {
		close(g.quit)
	})
	<-g.done
}

func (g *TimeBarGenerator) send(cmd timeBarCmd) error {
	select {
	case <-g.quit:
		return ErrGeneratorClosed
	default:
	}
	select {
	case <-g.quit:
		return ErrGeneratorClosed
	case g.inbox <- cmd:
		return nil
	}
}

func (g *TimeBarGenerator) bounds(now int64) (current, oldest int64) {
	current = floorTo(now, g.window)
	oldest = current - int64(g.cfg.retained-1)*g.window
	return current, oldest
}

func (g *TimeBarGenerator) append(ev model.Event, now int64) {
	current, oldest := g.bounds(now)
	oldest = max(oldest, g.closed)
	bucket := floorTo(ev.EventTimestamp(), g.window)

	stream := streamName(ev)
	if bucket > current {
		metrics.EventsDropped.WithLabelValues(stream, metrics.ReasonFuture).Inc()
		g.cfg.logger.Warn().
			Str("stream", stream).
			Int64("timestamp", ev.EventTimestamp()).
			Msg("event timestamp is ahead of the current window")
		return
	}
	if bucket < oldest {
		metrics.EventsDropped.WithLabelValues(stream, metrics.ReasonLate).Inc()
		g.cfg.logger.Warn().
			Str("stream", stream).
			Int64("timestamp", ev.EventTimestamp()).
			Int64("late_ms", now-ev.EventTimestamp()).
			Msg("event arrived after its window closed")
		return
	}

	switch e := ev.(type) {
	case model.TradeEvent:
		g.trades[bucket] = append(g.trades[bucket], e)
	case model.BboEvent:
		g.bbos[bucket] = append(g.bbos[bucket], e)
	}
}

// scanOldWindows emits, in ascending order, every window older than the retention
// floor that holds at least one trade, then forgets BBO-only windows past the floor.
func (g *TimeBarGenerator) scanOldWindows() {
	_, oldest := g.bounds(g.cfg.now().UnixMilli())
	g.closed = max(g.closed, oldest)

	expired := make([]int64, 0, len(g.trades))
	for ts := range g.trades {
		if ts < oldest {
			expired = append(expired, ts)
		}
	}
	slices.Sort(expired)

	for _, ts := range expired {
		trades := g.trades[ts]
		bbos := g.bbos[ts]
		delete(g.trades, ts)
		delete(g.bbos, ts)

		sortTrades(trades)
		emitRecord(g.cfg, g.emit, g.key, ts, ts+g.window, trades, bbos)
	}

	for ts := range g.bbos {
		if ts < oldest {
			delete(g.bbos, ts)
		}
	}
}

func floorTo(ts, size int64) int64 {
	if ts >= 0 {
		return ts / size * size
	}
	return (ts - size + 1) / size * size
}

func streamName(ev model.Event) string {
	switch ev.(type) {
	case model.TradeEvent:
		return "trade"
	case model.BboEvent:
		return "bbo"
	}
	return "unknown"
}
