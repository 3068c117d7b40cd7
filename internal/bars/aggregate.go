// Package bars builds bars from market event streams.
//
// The package holds three layers:
//   - pure aggregation functions that turn a window of trades and BBO snapshots into
//     a BarRecord body (aggregate.go)
//   - a reorder buffer that restores timestamp order within a bounded lateness
//     window (reorder.go)
//   - bar generators, one per bar stream, that decide when a window closes
//     (time_bar.go, threshold_bar.go)
//
// Generators report closed bars through an EmitFunc callback. They never block on
// what the callback does with the record.
package bars

import (
	"errors"
	"math"
	"slices"

	"bars/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptySample is returned when a statistic is requested over zero values.
	ErrEmptySample = errors.New("empty sample")

	// ErrDivideByZero is returned when a volume-weighted statistic would divide by zero.
	ErrDivideByZero = errors.New("divide by zero")
)

// equalityTolerance is the relative difference under which two prices are treated as equal
// by the order flow rules.
const equalityTolerance = 1e-9

// AggregateSample summarizes values. Open and Close are the first and last values in
// the given order; High, Low, Mean and Median are computed over a sorted copy, so the
// input slice is left untouched.
func AggregateSample(values []float64) (model.AggregateStat, error) {
	if len(values) == 0 {
		return model.AggregateStat{}, ErrEmptySample
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	n := len(sorted)
	var median float64
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return model.AggregateStat{
		Open:   values[0],
		High:   sorted[n-1],
		Low:    sorted[0],
		Close:  values[n-1],
		Mean:   sum / float64(n),
		Median: median,
	}, nil
}

// AggregateTrades computes the trade section of a bar. Trades must already be sorted
// by timestamp and trade id.
//
// Volumes are accumulated in decimal so that VolumeBuy + VolumeSell equals Volume
// exactly before conversion. VPIN is |buy - sell| / (buy + sell). The bar format this
// replaces divided by sell + sell, which is not a volume imbalance; the denominator here
// is the total volume on purpose, so VPIN values differ from bars built by that code.
func AggregateTrades(trades []model.TradeEvent) (model.TradeAggregate, model.TradeIndicators, error) {
	if len(trades) == 0 {
		return model.TradeAggregate{}, model.TradeIndicators{}, ErrEmptySample
	}

	prices := make([]float64, 0, len(trades))
	var (
		volBuy, volSell     decimal.Decimal
		quoteBuy, quoteSell decimal.Decimal
		countBuy, countSell int

		basis        []float64
		basisWeight  decimal.Decimal
		basisWeights float64
	)

	for _, t := range trades {
		prices = append(prices, t.Price.InexactFloat64())
		quote := t.Price.Mul(t.Quantity)
		if t.Side == model.Sell {
			volSell = volSell.Add(t.Quantity)
			quoteSell = quoteSell.Add(quote)
			countSell++
		} else {
			volBuy = volBuy.Add(t.Quantity)
			quoteBuy = quoteBuy.Add(quote)
			countBuy++
		}
		if t.Basis != nil && isFinite(*t.Basis) {
			basis = append(basis, *t.Basis)
			basisWeights += *t.Basis * t.Quantity.InexactFloat64()
			basisWeight = basisWeight.Add(t.Quantity)
		}
	}

	volume := volBuy.Add(volSell)
	if volume.IsZero() {
		return model.TradeAggregate{}, model.TradeIndicators{}, ErrDivideByZero
	}
	quoteVolume := quoteBuy.Add(quoteSell)

	priceStat, err := AggregateSample(prices)
	if err != nil {
		return model.TradeAggregate{}, model.TradeIndicators{}, err
	}

	agg := model.TradeAggregate{
		AggregateStat:   priceStat,
		Volume:          volume.InexactFloat64(),
		VolumeSell:      volSell.InexactFloat64(),
		VolumeBuy:       volBuy.InexactFloat64(),
		VolumeQuote:     quoteVolume.InexactFloat64(),
		VolumeQuoteSell: quoteSell.InexactFloat64(),
		VolumeQuoteBuy:  quoteBuy.InexactFloat64(),
		VWAP:            quoteVolume.Div(volume).InexactFloat64(),
		Count:           len(trades),
		CountSell:       countSell,
		CountBuy:        countBuy,
	}

	indicators := model.TradeIndicators{
		VPIN: volBuy.Sub(volSell).Abs().Div(volume).InexactFloat64(),
	}
	if len(basis) > 0 {
		stat, _ := AggregateSample(basis)
		indicators.Basis = &stat
		if !basisWeight.IsZero() {
			vw := basisWeights / basisWeight.InexactFloat64()
			indicators.BasisVW = &vw
		}
	}

	return agg, indicators, nil
}

// AggregateBbo computes the BBO section of a bar. Messages must already be sorted by
// timestamp.
//
// Per-message values that are not finite (zero spreads, zero order flow) are left out
// of their statistic, and a statistic with no remaining values is omitted.
func AggregateBbo(msgs []model.BboEvent) (model.BboIndicators, error) {
	if len(msgs) == 0 {
		return model.BboIndicators{}, ErrEmptySample
	}

	n := len(msgs)
	bids := make([]float64, 0, n)
	asks := make([]float64, 0, n)
	mids := make([]float64, 0, n)
	spreads := make([]float64, 0, n)
	var vwSpreads, basis, voi, oir, basisNorm, voiNorm, oirNorm []float64
	var bidNotional, askNotional float64

	for _, m := range msgs {
		bid := m.BidPrice.InexactFloat64()
		ask := m.AskPrice.InexactFloat64()
		bidN := bid * m.BidQuantity.InexactFloat64()
		askN := ask * m.AskQuantity.InexactFloat64()

		bids = append(bids, bid)
		asks = append(asks, ask)
		mids = append(mids, m.Mid().InexactFloat64())
		spreads = append(spreads, ask-bid)
		if d := askN + bidN; d != 0 {
			vwSpreads = append(vwSpreads, (askN-bidN)/d)
		}
		bidNotional += bidN
		askNotional += askN

		basis = appendFinite(basis, m.Basis)
		voi = appendFinite(voi, m.VOI)
		oir = appendFinite(oir, m.OIR)
		basisNorm = appendFinite(basisNorm, m.BasisNorm)
		voiNorm = appendFinite(voiNorm, m.VOINorm)
		oirNorm = appendFinite(oirNorm, m.OIRNorm)
	}

	out := model.BboIndicators{Count: n}
	out.Bid, _ = AggregateSample(bids)
	out.Ask, _ = AggregateSample(asks)
	out.Mid, _ = AggregateSample(mids)
	out.Spread, _ = AggregateSample(spreads)
	out.VWSpread = optionalStat(vwSpreads)
	if d := bidNotional + askNotional; d != 0 {
		global := (bidNotional - askNotional) / d
		out.VWSpreadGlobal = &global
	}
	out.Basis = optionalStat(basis)
	out.VOI = optionalStat(voi)
	out.OIR = optionalStat(oir)
	out.BasisNorm = optionalStat(basisNorm)
	out.VOINorm = optionalStat(voiNorm)
	out.OIRNorm = optionalStat(oirNorm)

	return out, nil
}

// OrderFlow is the volume order imbalance (VOI) and order imbalance ratio (OIR)
// between two consecutive BBO snapshots.
type OrderFlow struct {
	VOI float64
	OIR float64 // NaN when both volume deltas are zero
}

// ComputeOrderFlow derives VOI and OIR from the previous and current snapshot of the
// same instrument.
//
// The bid contribution is the quantity change when the bid price is unchanged, zero
// when it fell and the full current quantity when it rose. The ask side mirrors this:
// the quantity change when unchanged, the full current quantity when it fell and zero
// when it rose. Prices are compared with a relative tolerance of 1e-9.
func ComputeOrderFlow(prev, cur model.BboEvent) OrderFlow {
	var vb, va float64

	switch {
	case priceEqual(cur.BidPrice, prev.BidPrice):
		vb = cur.BidQuantity.Sub(prev.BidQuantity).InexactFloat64()
	case cur.BidPrice.LessThan(prev.BidPrice):
		vb = 0
	default:
		vb = cur.BidQuantity.InexactFloat64()
	}

	switch {
	case priceEqual(cur.AskPrice, prev.AskPrice):
		va = cur.AskQuantity.Sub(prev.AskQuantity).InexactFloat64()
	case cur.AskPrice.LessThan(prev.AskPrice):
		va = cur.AskQuantity.InexactFloat64()
	default:
		va = 0
	}

	flow := OrderFlow{VOI: vb - va, OIR: math.NaN()}
	if d := vb + va; d != 0 {
		flow.OIR = (vb - va) / d
	}
	return flow
}

func priceEqual(cur, prev decimal.Decimal) bool {
	if prev.IsZero() {
		return cur.IsZero()
	}
	ratio := cur.Div(prev).InexactFloat64()
	return math.Abs(1-ratio) < equalityTolerance
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func appendFinite(values []float64, v *float64) []float64 {
	if v == nil || !isFinite(*v) {
		return values
	}
	return append(values, *v)
}

func optionalStat(values []float64) *model.AggregateStat {
	if len(values) == 0 {
		return nil
	}
	stat, _ := AggregateSample(values)
	return &stat
}
