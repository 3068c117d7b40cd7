package bars

import (
	"container/heap"
	"time"

	"bars/internal/model"
)

// DefaultStaleness is how long the reorder buffer holds an event before it is
// considered safe to release, and how late an event may arrive before it is dropped.
const DefaultStaleness = 30 * time.Second

// ReorderOption configures a ReorderBuffer.
type ReorderOption func(*reorderConfig)

type reorderConfig struct {
	staleness time.Duration
	now       func() time.Time
}

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) ReorderOption {
	return func(c *reorderConfig) {
		if d > 0 {
			c.staleness = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) ReorderOption {
	return func(c *reorderConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// ByTimestamp orders events by ascending timestamp.
func ByTimestamp[T model.Event](a, b T) bool {
	return a.EventTimestamp() < b.EventTimestamp()
}

// ByTimestampThenTradeID orders trades by timestamp and breaks ties on the
// lexical order of the trade id.
func ByTimestampThenTradeID(a, b model.TradeEvent) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.TradeID < b.TradeID
}

// ReorderBuffer is a bounded-lateness priority queue. Events are held until they are
// older than the staleness window, at which point no earlier event can still be
// accepted, and are then released in order.
//
// A ReorderBuffer is not safe for concurrent use; it is owned by the ingest loop.
type ReorderBuffer[T model.Event] struct {
	cfg   reorderConfig
	items eventHeap[T]
}

// NewReorderBuffer creates a buffer ordered by less.
func NewReorderBuffer[T model.Event](less func(a, b T) bool, opts ...ReorderOption) *ReorderBuffer[T] {
	cfg := reorderConfig{staleness: DefaultStaleness, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ReorderBuffer[T]{
		cfg:   cfg,
		items: eventHeap[T]{less: less},
	}
}

// Offer enqueues ev. It returns false, without enqueueing, when ev is already older
// than the staleness window.
func (r *ReorderBuffer[T]) Offer(ev T) bool {
	if r.expired(ev, r.cfg.now()) {
		return false
	}
	heap.Push(&r.items, ev)
	return true
}

// DrainReady pops, in order, every event that has aged past the staleness window.
// It stops at the first event that is still inside the window.
func (r *ReorderBuffer[T]) DrainReady() []T {
	now := r.cfg.now()
	var out []T
	for r.items.Len() > 0 && r.expired(r.items.events[0], now) {
		out = append(out, heap.Pop(&r.items).(T))
	}
	return out
}

// Len returns the number of buffered events.
func (r *ReorderBuffer[T]) Len() int {
	return r.items.Len()
}

func (r *ReorderBuffer[T]) expired(ev T, now time.Time) bool {
	return ev.EventTimestamp()+r.cfg.staleness.Milliseconds() < now.UnixMilli()
}

// eventHeap implements heap.Interface.
type eventHeap[T model.Event] struct {
	events []T
	less   func(a, b T) bool
}

func (h eventHeap[T]) Len() int           { return len(h.events) }
func (h eventHeap[T]) Less(i, j int) bool { return h.less(h.events[i], h.events[j]) }
func (h eventHeap[T]) Swap(i, j int)      { h.events[i], h.events[j] = h.events[j], h.events[i] }

func (h *eventHeap[T]) Push(x any) {
	h.events = append(h.events, x.(T))
}

func (h *eventHeap[T]) Pop() any {
	old := h.events
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero
	h.events = old[:n-1]
	return item
}
