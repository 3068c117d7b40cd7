package bars

import (
	"testing"

	"bars/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThresholdBar(t *testing.T, barType model.BarType, size float64) (*ThresholdBarGenerator, *recorder) {
	t.Helper()
	rec := &recorder{}
	gen, err := NewGenerator(testKey(barType, size), rec.emit)
	require.NoError(t, err)
	return gen.(*ThresholdBarGenerator), rec
}

// Test_ThresholdBar_Volume tests the volume threshold
func Test_ThresholdBar_Volume(t *testing.T) {
	gen, rec := newTestThresholdBar(t, model.VolumeBar, 10)

	require.NoError(t, gen.Append(createTestTrade(testTs, "1", 100, 3, model.Buy)))
	require.NoError(t, gen.Append(createTestTrade(testTs+10, "2", 100, 4, model.Sell)))
	assert.Empty(t, rec.records(), "Should not emit below the threshold")

	require.NoError(t, gen.Append(createTestTrade(testTs+20, "3", 100, 5, model.Buy)))

	bars := rec.records()
	require.Len(t, bars, 1)
	assert.Equal(t, 3, bars[0].Trade.Count)
	assert.Equal(t, 12.0, bars[0].Trade.Volume)
	assert.Equal(t, testTs, bars[0].Timestamp, "Begin should be the first trade timestamp")
	assert.Equal(t, testTs+20, bars[0].TimestampEnd, "End should be the last trade timestamp")
	assert.True(t, gen.Counter().IsZero(), "Counter should reset after emission")
}

// Test_ThresholdBar_Increments tests the counter per bar type
func Test_ThresholdBar_Increments(t *testing.T) {
	tests := []struct {
		name        string
		barType     model.BarType
		size        float64
		trades      []model.TradeEvent
		expectBars  int
		description string
	}{
		{
			name:    "Tick",
			barType: model.TickBar,
			size:    2,
			trades: []model.TradeEvent{
				createTestTrade(testTs, "1", 1, 100, model.Buy),
				createTestTrade(testTs+1, "2", 1, 0.001, model.Buy),
				createTestTrade(testTs+2, "3", 1, 100, model.Buy),
				createTestTrade(testTs+3, "4", 1, 100, model.Buy),
				createTestTrade(testTs+4, "5", 1, 100, model.Buy),
			},
			expectBars:  2,
			description: "Tick bars should count trades regardless of size",
		},
		{
			name:    "Dollar",
			barType: model.DollarBar,
			size:    250,
			trades: []model.TradeEvent{
				createTestTrade(testTs, "1", 100, 1, model.Buy),
				createTestTrade(testTs+1, "2", 100, 1, model.Buy),
				createTestTrade(testTs+2, "3", 50, 1, model.Buy),
				createTestTrade(testTs+3, "4", 100, 0.5, model.Buy),
			},
			expectBars:  1,
			description: "Dollar bars should count price times quantity",
		},
		{
			name:    "Exact threshold",
			barType: model.VolumeBar,
			size:    0.3,
			trades: []model.TradeEvent{
				createTestTrade(testTs, "1", 1, 0.1, model.Buy),
				createTestTrade(testTs+1, "2", 1, 0.2, model.Buy),
			},
			expectBars:  1,
			description: "Decimal counters should reach the threshold exactly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, rec := newTestThresholdBar(t, tt.barType, tt.size)
			for _, trade := range tt.trades {
				require.NoError(t, gen.Append(trade))
			}
			assert.Len(t, rec.records(), tt.expectBars, tt.description)
		})
	}
}

// Test_ThresholdBar_Bbo tests that BBO snapshots are buffered but never close a bar
func Test_ThresholdBar_Bbo(t *testing.T) {
	gen, rec := newTestThresholdBar(t, model.TickBar, 2)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, gen.Append(createTestBbo(testTs+i*10, 99, 1, 101, 1)))
	}
	assert.Empty(t, rec.records(), "BBO snapshots alone should never emit")

	require.NoError(t, gen.Append(createTestTrade(testTs+5, "1", 100, 1, model.Buy)))
	require.NoError(t, gen.Append(createTestTrade(testTs+45, "2", 100, 1, model.Buy)))

	bars := rec.records()
	require.Len(t, bars, 1)
	require.NotNil(t, bars[0].Bbo)
	assert.Equal(t, 4, bars[0].Bbo.Count, "Should keep snapshots in [first trade, last trade)")
}

// Test_ThresholdBar_Close tests that partial bars are discarded
func Test_ThresholdBar_Close(t *testing.T) {
	gen, rec := newTestThresholdBar(t, model.TickBar, 2)

	require.NoError(t, gen.Append(createTestTrade(testTs, "1", 100, 1, model.Buy)))
	gen.Close()

	assert.ErrorIs(t, gen.Append(createTestTrade(testTs+1, "2", 100, 1, model.Buy)), ErrGeneratorClosed)
	assert.Empty(t, rec.records())
	assert.True(t, gen.Counter().IsZero())
}
