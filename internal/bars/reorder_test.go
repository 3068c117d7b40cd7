package bars

import (
	"sync"
	"testing"
	"time"

	"bars/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by reorder and time bar tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) SetMillis(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

func (c *fakeClock) Millis() int64 { return c.Now().UnixMilli() }

// Test_ReorderBuffer_Offer tests staleness on offer
func Test_ReorderBuffer_Offer(t *testing.T) {
	tests := []struct {
		name        string
		lagMillis   int64
		accepted    bool
		description string
	}{
		{name: "Fresh", lagMillis: 0, accepted: true, description: "Should accept current events"},
		{name: "At boundary", lagMillis: 30_000, accepted: true, description: "Should accept events exactly at the window edge"},
		{name: "Stale", lagMillis: 30_001, accepted: false, description: "Should drop events beyond the window"},
		{name: "Future", lagMillis: -5_000, accepted: true, description: "Should accept events ahead of the clock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(testTs)
			buf := NewReorderBuffer(ByTimestamp[model.BboEvent], WithClock(clock.Now))

			ok := buf.Offer(createTestBbo(testTs-tt.lagMillis, 1, 1, 2, 1))

			assert.Equal(t, tt.accepted, ok, tt.description)
			if tt.accepted {
				assert.Equal(t, 1, buf.Len())
			} else {
				assert.Equal(t, 0, buf.Len())
			}
		})
	}
}

// Test_ReorderBuffer_DrainReady tests ordered release after the window passes
func Test_ReorderBuffer_DrainReady(t *testing.T) {
	clock := newFakeClock(testTs)
	buf := NewReorderBuffer(ByTimestampThenTradeID, WithClock(clock.Now))

	require.True(t, buf.Offer(createTestTrade(testTs+300, "c", 1, 1, model.Buy)))
	require.True(t, buf.Offer(createTestTrade(testTs+100, "b", 1, 1, model.Buy)))
	require.True(t, buf.Offer(createTestTrade(testTs+100, "a", 1, 1, model.Buy)))
	require.True(t, buf.Offer(createTestTrade(testTs+200, "d", 1, 1, model.Buy)))

	assert.Empty(t, buf.DrainReady(), "Nothing is ready inside the window")

	clock.SetMillis(testTs + 100 + 30_001)
	ready := buf.DrainReady()
	require.Len(t, ready, 2, "Should release only events older than the window")
	assert.Equal(t, "a", ready[0].TradeID, "Ties should break on trade id")
	assert.Equal(t, "b", ready[1].TradeID)

	clock.Advance(time.Hour)
	ready = buf.DrainReady()
	require.Len(t, ready, 2)
	assert.Equal(t, "d", ready[0].TradeID)
	assert.Equal(t, "c", ready[1].TradeID)
	assert.Equal(t, 0, buf.Len())
}

// Test_ReorderBuffer_Ordering tests that drained output is globally ordered
func Test_ReorderBuffer_Ordering(t *testing.T) {
	clock := newFakeClock(testTs)
	buf := NewReorderBuffer(ByTimestamp[model.BboEvent], WithClock(clock.Now), WithStaleness(time.Second))

	var drained []model.BboEvent
	offsets := []int64{50, 10, 900, 20, 400, 30, 1500, 250, 1200, 700}
	for _, off := range offsets {
		clock.Advance(150 * time.Millisecond)
		require.True(t, buf.Offer(createTestBbo(testTs+off, 1, 1, 2, 1)))
		for _, ev := range buf.DrainReady() {
			assert.Less(t, ev.Timestamp+time.Second.Milliseconds(), clock.Millis(), "Released events must be outside the window")
			drained = append(drained, ev)
		}
	}
	clock.Advance(time.Minute)
	drained = append(drained, buf.DrainReady()...)

	require.Len(t, drained, len(offsets))
	for i := 1; i < len(drained); i++ {
		assert.LessOrEqual(t, drained[i-1].Timestamp, drained[i].Timestamp, "Should release in timestamp order")
	}
}

// Test_WithStaleness tests option validation
func Test_WithStaleness(t *testing.T) {
	clock := newFakeClock(testTs)
	buf := NewReorderBuffer(ByTimestamp[model.BboEvent], WithClock(clock.Now), WithStaleness(0))
	assert.Equal(t, DefaultStaleness, buf.cfg.staleness, "Non-positive staleness should be ignored")
}
