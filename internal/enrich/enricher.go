// Package enrich attaches derived fields to market events before they reach the
// bar generators: basis against the spot index price for trades and BBO snapshots,
// and order flow indicators between consecutive BBO snapshots of one raw pair.
package enrich

import (
	"math"

	"bars/internal/bars"
	"bars/internal/metrics"
	"bars/internal/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Enricher holds the latest index price per pair and the previous BBO snapshot per
// raw pair. It is owned by the ingest loop and is not safe for concurrent use.
type Enricher struct {
	indexPrices map[string]decimal.Decimal
	prevBbo     map[string]model.BboEvent
	logger      zerolog.Logger
}

// NewEnricher creates an empty Enricher.
func NewEnricher(logger zerolog.Logger) *Enricher {
	return &Enricher{
		indexPrices: make(map[string]decimal.Decimal),
		prevBbo:     make(map[string]model.BboEvent),
		logger:      logger.With().Str("component", "enricher").Logger(),
	}
}

// UpdateIndexPrice records the latest index price of a pair.
func (e *Enricher) UpdateIndexPrice(p model.IndexPrice) {
	if !p.Last.IsPositive() {
		e.logger.Warn().Str("pair", p.Pair).Str("last", p.Last.String()).Msg("ignoring non-positive index price")
		return
	}
	e.indexPrices[p.Pair] = p.Last
}

// IndexPrice returns the latest index price of pair.
func (e *Enricher) IndexPrice(pair string) (decimal.Decimal, bool) {
	p, ok := e.indexPrices[pair]
	return p, ok
}

// EnrichTrade sets the trade basis. It reports false when no index price is known
// for the pair yet, in which case the trade should be skipped.
func (e *Enricher) EnrichTrade(t model.TradeEvent) (model.TradeEvent, bool) {
	index, ok := e.indexPrices[t.Pair]
	if !ok {
		metrics.EventsDropped.WithLabelValues("trade", metrics.ReasonNoIndex).Inc()
		return t, false
	}
	basis := t.Price.Sub(index).InexactFloat64()
	t.Basis = &basis
	return t, true
}

// EnrichBbo sets basis and order flow fields. The first snapshot of each raw pair
// only seeds the order flow state and is reported as not usable, as are snapshots
// for pairs without an index price.
func (e *Enricher) EnrichBbo(b model.BboEvent) (model.BboEvent, bool) {
	prev, seen := e.prevBbo[b.RawPair]
	e.prevBbo[b.RawPair] = b
	if !seen {
		metrics.EventsDropped.WithLabelValues("bbo", metrics.ReasonFirstBbo).Inc()
		return b, false
	}

	index, ok := e.indexPrices[b.Pair]
	if !ok {
		metrics.EventsDropped.WithLabelValues("bbo", metrics.ReasonNoIndex).Inc()
		return b, false
	}

	basis := b.Mid().Sub(index).InexactFloat64()
	spread := b.AskPrice.Sub(b.BidPrice).Abs().InexactFloat64()
	flow := bars.ComputeOrderFlow(prev, b)

	b.Basis = &basis
	b.VOI = &flow.VOI
	b.OIR = &flow.OIR
	b.BasisNorm = normalized(basis, spread)
	b.VOINorm = normalized(flow.VOI, spread)
	b.OIRNorm = normalized(flow.OIR, spread)
	return b, true
}

// normalized divides v by spread. Undefined results are left unset so they do not
// reach the aggregates.
func normalized(v, spread float64) *float64 {
	n := v / spread
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	return &n
}
