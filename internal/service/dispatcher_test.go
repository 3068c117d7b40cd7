package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bars/internal/metrics"
	"bars/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSink is a mock implementation of Sink
type MockSink struct {
	mock.Mock
	name string

	mu      sync.Mutex
	batches [][]model.BarRecord
}

func (m *MockSink) Name() string { return m.name }

func (m *MockSink) Write(ctx context.Context, bars []model.BarRecord) error {
	m.mu.Lock()
	m.batches = append(m.batches, append([]model.BarRecord(nil), bars...))
	m.mu.Unlock()
	args := m.Called(ctx, bars)
	return args.Error(0)
}

func (m *MockSink) received() []model.BarRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BarRecord
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func newMockSink(name string, err error) *MockSink {
	s := &MockSink{name: name}
	s.On("Write", mock.Anything, mock.Anything).Return(err)
	return s
}

// createTestConfig creates a test configuration
func createTestConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxPairsAllowed: 10,
		BufferSize:      100,
		MaxBatch:        16,
		WriteTimeout:    time.Second,
	}
}

// createTestBar creates a one minute time bar for pair
func createTestBar(pair string, ts int64) model.BarRecord {
	return model.BarRecord{
		Exchange:     "binance",
		MarketType:   model.Spot,
		Pair:         pair,
		RawPair:      "RAW" + pair,
		BarType:      model.TimeBar,
		BarSize:      60,
		Timestamp:    ts,
		TimestampEnd: ts + 60_000,
		Trade: &model.TradeAggregate{
			AggregateStat: model.AggregateStat{Open: 100, High: 101, Low: 99, Close: 100.5, Mean: 100, Median: 100},
			Volume:        1,
			Count:         1,
		},
	}
}

func startTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, chan model.BarRecord, context.CancelFunc) {
	t.Helper()
	d := NewDispatcher(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	barCh := make(chan model.BarRecord, 10)
	require.NoError(t, d.StartDispatching(ctx, barCh), "Should start dispatcher")
	return d, barCh, cancel
}

// Test_NewDispatcher tests dispatcher creation
func Test_NewDispatcher(t *testing.T) {
	tests := []struct {
		name        string
		cfg         DispatcherConfig
		expected    DispatcherConfig
		description string
	}{
		{
			name:        "Explicit config",
			cfg:         createTestConfig(),
			expected:    createTestConfig(),
			description: "Should keep a complete configuration",
		},
		{
			name: "Zero values",
			cfg:  DispatcherConfig{MaxPairsAllowed: 5},
			expected: DispatcherConfig{
				MaxPairsAllowed: 5,
				BufferSize:      1,
				MaxBatch:        1,
				WriteTimeout:    DefaultDispatcherConfig().WriteTimeout,
			},
			description: "Should fill in usable defaults",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.cfg)

			assert.Equal(t, tt.expected, d.cfg, tt.description)
			assert.NotNil(t, d.subscribers, "Should initialize subscribers map")
			assert.Equal(t, 10, cap(d.subscriptionCh), "Should buffer subscription requests")
			assert.Equal(t, 10, cap(d.unsubscriptionCh), "Should buffer unsubscription requests")
			assert.False(t, d.started.Load(), "Should not be started")
		})
	}
}

// Test_StartDispatching tests dispatcher startup
func Test_StartDispatching(t *testing.T) {
	d, barCh, cancel := startTestDispatcher(t, createTestConfig())
	defer cancel()
	defer close(barCh)

	assert.True(t, d.started.Load(), "Should be marked started")

	err := d.StartDispatching(context.Background(), barCh)
	assert.Error(t, err, "Should not start twice")
	assert.Contains(t, err.Error(), "already started")
}

// Test_Subscribe tests subscription validation
func Test_Subscribe(t *testing.T) {
	tests := []struct {
		name          string
		pairs         []string
		startDispatch bool
		expectError   bool
		errorContains string
		description   string
	}{
		{
			name:          "Single pair",
			pairs:         []string{"BTC_USDT"},
			startDispatch: true,
			description:   "Should create subscription for single pair",
		},
		{
			name:          "Dispatcher not started",
			pairs:         []string{"BTC_USDT"},
			startDispatch: false,
			expectError:   true,
			errorContains: "not started",
			description:   "Should reject subscription when dispatcher not started",
		},
		{
			name:          "Too many pairs",
			pairs:         []string{"A_USDT", "B_USDT", "C_USDT", "D_USDT", "E_USDT", "F_USDT", "G_USDT", "H_USDT", "I_USDT", "J_USDT", "K_USDT"},
			startDispatch: true,
			expectError:   true,
			errorContains: "too many",
			description:   "Should reject subscription with too many pairs",
		},
		{
			name:          "Empty pairs list",
			pairs:         []string{},
			startDispatch: true,
			expectError:   true,
			errorContains: "zero pairs requested",
			description:   "Should reject empty pairs list",
		},
		{
			name:          "Invalid pair format",
			pairs:         []string{"BTC_USDT", "BTCUSDT"},
			startDispatch: true,
			expectError:   true,
			errorContains: "invalid",
			description:   "Should reject if any pair is invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(createTestConfig())
			if tt.startDispatch {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				barCh := make(chan model.BarRecord)
				defer close(barCh)
				require.NoError(t, d.StartDispatching(ctx, barCh))
			}

			sub, err := d.Subscribe(tt.pairs)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Nil(t, sub, "Should not return subscriber on error")
				assert.Contains(t, err.Error(), tt.errorContains, "Error should contain expected text")
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, 100, cap(sub.ch), "Should have correct channel capacity")
			assert.Len(t, sub.pairsSubscribed, len(tt.pairs), "Should have correct number of subscribed pairs")
			for _, pair := range tt.pairs {
				assert.True(t, sub.wants(pair), "Should contain subscribed pair: %s", pair)
			}
		})
	}
}

// Test_Unsubscribe tests unsubscription functionality
func Test_Unsubscribe(t *testing.T) {
	d, barCh, cancel := startTestDispatcher(t, createTestConfig())
	defer cancel()
	defer close(barCh)

	sub, err := d.Subscribe([]string{"BTC_USDT"})
	require.NoError(t, err, "Should create subscription")

	require.NoError(t, d.Unsubscribe(sub), "Should unsubscribe successfully")

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "Subscriber channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Error("Channel should be closed within timeout")
	}
}

// Test_ChannelFull tests request channels that are not being drained
func Test_ChannelFull(t *testing.T) {
	t.Run("Subscription channel full", func(t *testing.T) {
		d := NewDispatcher(createTestConfig())
		d.started.Store(true) // Mark as started without starting goroutine

		for i := 0; i < cap(d.subscriptionCh); i++ {
			_, err := d.Subscribe([]string{"BTC_USDT"})
			require.NoError(t, err)
		}

		_, err := d.Subscribe([]string{"BTC_USDT"})
		assert.Error(t, err, "Should fail when subscription channel is full")
		assert.Contains(t, err.Error(), "subscription channel is full")
	})

	t.Run("Unsubscription channel full", func(t *testing.T) {
		d := NewDispatcher(createTestConfig())
		sub := &Subscriber{ch: make(chan model.BarRecord, 1)}

		for i := 0; i < cap(d.unsubscriptionCh); i++ {
			require.NoError(t, d.Unsubscribe(sub))
		}

		err := d.Unsubscribe(sub)
		assert.Error(t, err, "Should fail when unsubscription channel is full")
		assert.Contains(t, err.Error(), "unsubscription channel is full")
	})
}

// Test_MessageDistribution tests bar distribution to subscribers
func Test_MessageDistribution(t *testing.T) {
	d, barCh, cancel := startTestDispatcher(t, createTestConfig())
	defer cancel()
	defer close(barCh)

	sub1, err := d.Subscribe([]string{"BTC_USDT", "ETH_USDT"})
	require.NoError(t, err)
	sub2, err := d.Subscribe([]string{"BTC_USDT"})
	require.NoError(t, err)
	sub3, err := d.Subscribe([]string{"ETH_USDT"})
	require.NoError(t, err)

	// Give time for subscriptions to be processed
	time.Sleep(20 * time.Millisecond)

	tests := []struct {
		name              string
		bar               model.BarRecord
		expectedReceivers []*Subscriber
		description       string
	}{
		{
			name:              "BTC_USDT bar",
			bar:               createTestBar("BTC_USDT", 1_700_000_000_000),
			expectedReceivers: []*Subscriber{sub1, sub2},
			description:       "Should deliver BTC_USDT bar to subscribers 1 and 2",
		},
		{
			name:              "ETH_USDT bar",
			bar:               createTestBar("ETH_USDT", 1_700_000_060_000),
			expectedReceivers: []*Subscriber{sub1, sub3},
			description:       "Should deliver ETH_USDT bar to subscribers 1 and 3",
		},
		{
			name:              "Unsubscribed pair",
			bar:               createTestBar("SOL_USDT", 1_700_000_120_000),
			expectedReceivers: []*Subscriber{},
			description:       "Should not deliver unsubscribed pair to any subscriber",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			barCh <- tt.bar
			time.Sleep(20 * time.Millisecond)

			for _, sub := range []*Subscriber{sub1, sub2, sub3} {
				shouldReceive := false
				for _, expected := range tt.expectedReceivers {
					if sub == expected {
						shouldReceive = true
						break
					}
				}

				if shouldReceive {
					select {
					case got := <-sub.C():
						assert.Equal(t, tt.bar, got, tt.description)
					case <-time.After(time.Second):
						t.Errorf("Subscriber should have received bar within timeout")
					}
				} else {
					select {
					case got := <-sub.C():
						t.Errorf("Subscriber should not have received bar: %+v", got)
					default:
					}
				}
			}
		})
	}
}

// Test_SlowClientHandling tests that a full subscriber loses its oldest bars
func Test_SlowClientHandling(t *testing.T) {
	cfg := createTestConfig()
	cfg.BufferSize = 2
	d, barCh, cancel := startTestDispatcher(t, cfg)
	defer cancel()
	defer close(barCh)

	sub, err := d.Subscribe([]string{"BTC_USDT"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	before := testutil.ToFloat64(metrics.BarsDropped.WithLabelValues("subscriber"))

	for i := int64(0); i < 4; i++ {
		barCh <- createTestBar("BTC_USDT", 1_700_000_000_000+i*60_000)
	}
	time.Sleep(50 * time.Millisecond)

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, int64(1_700_000_120_000), first.Timestamp, "Should keep the newest bars")
	assert.Equal(t, int64(1_700_000_180_000), second.Timestamp)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BarsDropped.WithLabelValues("subscriber"))-before, "Should count dropped bars")
}

// Test_AttachSink tests batched delivery to sinks
func Test_AttachSink(t *testing.T) {
	d := NewDispatcher(createTestConfig())
	sink := newMockSink("memory", nil)

	err := d.AttachSink(sink)
	assert.Error(t, err, "Should not attach before start")

	barCh := make(chan model.BarRecord, 10)
	require.NoError(t, d.StartDispatching(context.Background(), barCh))
	require.NoError(t, d.AttachSink(sink))

	filtered := newMockSink("eth-only", nil)
	require.NoError(t, d.AttachSink(filtered, "ETH_USDT"))
	assert.Error(t, d.AttachSink(newMockSink("bad", nil), "ETHUSDT"), "Should validate sink pairs")
	time.Sleep(20 * time.Millisecond)

	barCh <- createTestBar("BTC_USDT", 1_700_000_000_000)
	barCh <- createTestBar("ETH_USDT", 1_700_000_000_000)
	barCh <- createTestBar("BTC_USDT", 1_700_000_060_000)
	close(barCh)

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait should return once the bar stream closes")
	}

	got := sink.received()
	require.Len(t, got, 3, "Should deliver every bar")
	assert.Equal(t, "BTC_USDT", got[0].Pair)
	assert.Equal(t, "ETH_USDT", got[1].Pair)
	assert.Equal(t, int64(1_700_000_060_000), got[2].Timestamp, "Should preserve order")

	eth := filtered.received()
	require.Len(t, eth, 1, "Should honour the sink pair filter")
	assert.Equal(t, "ETH_USDT", eth[0].Pair)
}

// Test_SinkErrors tests that write failures are counted and do not stop the writer
func Test_SinkErrors(t *testing.T) {
	d := NewDispatcher(createTestConfig())
	sink := newMockSink("failing", errors.New("disk full"))

	barCh := make(chan model.BarRecord, 10)
	require.NoError(t, d.StartDispatching(context.Background(), barCh))
	require.NoError(t, d.AttachSink(sink))
	time.Sleep(20 * time.Millisecond)

	before := testutil.ToFloat64(metrics.SinkErrors.WithLabelValues("failing"))

	barCh <- createTestBar("BTC_USDT", 1_700_000_000_000)
	time.Sleep(20 * time.Millisecond)
	barCh <- createTestBar("BTC_USDT", 1_700_000_060_000)
	close(barCh)
	d.Wait()

	assert.Len(t, sink.received(), 2, "Should keep writing after a failure")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.SinkErrors.WithLabelValues("failing"))-before, 1.0)
	sink.AssertExpectations(t)
}

// Test_DispatcherShutdown tests that cancellation closes subscriber channels
func Test_DispatcherShutdown(t *testing.T) {
	d, barCh, cancel := startTestDispatcher(t, createTestConfig())
	defer close(barCh)

	sub, err := d.Subscribe([]string{"BTC_USDT"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "Subscriber channel should be closed on shutdown")
	case <-time.After(time.Second):
		t.Fatal("Subscriber channel should close within timeout")
	}
	d.Wait()
}
