package enrich

import (
	"math"
	"testing"

	"bars/internal/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTs int64 = 1_700_000_000_000

func createTestBbo(rawPair string, bid, bidQty, ask, askQty float64) model.BboEvent {
	return model.BboEvent{
		Exchange:    "binance",
		MarketType:  model.LinearFut,
		Pair:        "BTC_USDT",
		RawPair:     rawPair,
		Timestamp:   testTs,
		BidPrice:    decimal.NewFromFloat(bid),
		BidQuantity: decimal.NewFromFloat(bidQty),
		AskPrice:    decimal.NewFromFloat(ask),
		AskQuantity: decimal.NewFromFloat(askQty),
	}
}

func newTestEnricher() *Enricher {
	e := NewEnricher(zerolog.Nop())
	e.UpdateIndexPrice(model.IndexPrice{Pair: "BTC_USDT", Last: decimal.NewFromInt(100), Timestamp: testTs})
	return e
}

// Test_UpdateIndexPrice tests index price bookkeeping
func Test_UpdateIndexPrice(t *testing.T) {
	e := NewEnricher(zerolog.Nop())

	_, ok := e.IndexPrice("BTC_USDT")
	assert.False(t, ok)

	e.UpdateIndexPrice(model.IndexPrice{Pair: "BTC_USDT", Last: decimal.NewFromInt(100)})
	e.UpdateIndexPrice(model.IndexPrice{Pair: "BTC_USDT", Last: decimal.NewFromInt(101)})
	e.UpdateIndexPrice(model.IndexPrice{Pair: "BTC_USDT", Last: decimal.Zero})

	p, ok := e.IndexPrice("BTC_USDT")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(101).Equal(p), "Should keep the last positive price")
}

// Test_EnrichTrade tests trade basis
func Test_EnrichTrade(t *testing.T) {
	tests := []struct {
		name          string
		pair          string
		price         float64
		expectOK      bool
		expectedBasis float64
		description   string
	}{
		{name: "Premium", pair: "BTC_USDT", price: 101.5, expectOK: true, expectedBasis: 1.5, description: "Basis is price minus index"},
		{name: "Discount", pair: "BTC_USDT", price: 99, expectOK: true, expectedBasis: -1, description: "Basis may be negative"},
		{name: "No index", pair: "ETH_USDT", price: 10, expectOK: false, description: "Should skip pairs without an index price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnricher()
			trade := model.TradeEvent{Pair: tt.pair, Timestamp: testTs, Price: decimal.NewFromFloat(tt.price), Quantity: decimal.NewFromInt(1)}

			out, ok := e.EnrichTrade(trade)

			assert.Equal(t, tt.expectOK, ok, tt.description)
			if tt.expectOK {
				require.NotNil(t, out.Basis)
				assert.InDelta(t, tt.expectedBasis, *out.Basis, 1e-12, tt.description)
			}
			assert.Nil(t, trade.Basis, "Input event should not be modified")
		})
	}
}

// Test_EnrichBbo tests BBO basis and order flow
func Test_EnrichBbo(t *testing.T) {
	e := newTestEnricher()

	_, ok := e.EnrichBbo(createTestBbo("BTC-231229", 100, 1, 102, 2))
	assert.False(t, ok, "First snapshot should only seed state")

	out, ok := e.EnrichBbo(createTestBbo("BTC-231229", 101, 3, 102, 2))
	require.True(t, ok)

	require.NotNil(t, out.Basis)
	assert.InDelta(t, 1.5, *out.Basis, 1e-12, "Basis is mid minus index")
	require.NotNil(t, out.VOI)
	assert.InDelta(t, 3, *out.VOI, 1e-12)
	require.NotNil(t, out.OIR)
	assert.InDelta(t, 1, *out.OIR, 1e-12)
	require.NotNil(t, out.BasisNorm)
	assert.InDelta(t, 1.5, *out.BasisNorm, 1e-12, "Norm divides by the spread")
	require.NotNil(t, out.VOINorm)
	assert.InDelta(t, 3, *out.VOINorm, 1e-12)

	out, ok = e.EnrichBbo(createTestBbo("BTC-231229", 101, 4, 102, 2))
	require.True(t, ok)
	assert.InDelta(t, 1, *out.VOI, 1e-12, "Previous snapshot should advance on every message")
}

// Test_EnrichBbo_PerRawPair tests that order flow state is tracked per raw pair
func Test_EnrichBbo_PerRawPair(t *testing.T) {
	e := newTestEnricher()

	_, ok := e.EnrichBbo(createTestBbo("BTC-231229", 100, 1, 102, 2))
	assert.False(t, ok)
	_, ok = e.EnrichBbo(createTestBbo("BTC-240329", 100, 1, 102, 2))
	assert.False(t, ok, "Each raw pair needs its own seed")
	_, ok = e.EnrichBbo(createTestBbo("BTC-231229", 100, 1, 102, 2))
	assert.True(t, ok)
}

// Test_EnrichBbo_Undefined tests that undefined values are left unset
func Test_EnrichBbo_Undefined(t *testing.T) {
	e := newTestEnricher()

	e.EnrichBbo(createTestBbo("BTCUSDT", 100, 1, 100, 1))
	out, ok := e.EnrichBbo(createTestBbo("BTCUSDT", 100, 1, 100, 1))
	require.True(t, ok)

	require.NotNil(t, out.OIR)
	assert.True(t, math.IsNaN(*out.OIR), "Zero flow gives an undefined ratio")
	assert.Nil(t, out.BasisNorm, "Zero spread should leave norms unset")
	assert.Nil(t, out.VOINorm)
	assert.Nil(t, out.OIRNorm)
}

// Test_EnrichBbo_NoIndex tests BBO without index price
func Test_EnrichBbo_NoIndex(t *testing.T) {
	e := NewEnricher(zerolog.Nop())

	e.EnrichBbo(createTestBbo("BTCUSDT", 100, 1, 102, 1))
	_, ok := e.EnrichBbo(createTestBbo("BTCUSDT", 100, 1, 102, 1))
	assert.False(t, ok)
}
