package bars

import (
	"bars/internal/model"

	"github.com/shopspring/decimal"
)

// ThresholdBarGenerator closes a bar once enough trading activity has accumulated:
// a number of trades for TickBar, base volume for VolumeBar and quote volume for
// DollarBar. BBO snapshots are kept with the open bar but never close it.
//
// It is not safe for concurrent use. The router calls it from a single goroutine.
type ThresholdBarGenerator struct {
	key       model.BarKey
	threshold decimal.Decimal
	cfg       generatorConfig
	emit      EmitFunc

	counter decimal.Decimal
	trades  []model.TradeEvent
	bbos    []model.BboEvent
	closed  bool
}

func newThresholdBarGenerator(key model.BarKey, emit EmitFunc, cfg generatorConfig) *ThresholdBarGenerator {
	return &ThresholdBarGenerator{
		key:       key,
		threshold: decimal.NewFromFloat(key.Size),
		cfg:       cfg,
		emit:      emit,
	}
}

// Key implements Generator.
func (g *ThresholdBarGenerator) Key() model.BarKey { return g.key }

// Append adds ev and emits a bar when the counter reaches the threshold.
func (g *ThresholdBarGenerator) Append(ev model.Event) error {
	if g.closed {
		return ErrGeneratorClosed
	}
	if err := model.ValidateTimestamp(ev.EventTimestamp()); err != nil {
		return err
	}

	switch e := ev.(type) {
	case model.BboEvent:
		g.bbos = append(g.bbos, e)
	case model.TradeEvent:
		g.trades = append(g.trades, e)
		g.counter = g.counter.Add(g.increment(e))
		if g.counter.GreaterThanOrEqual(g.threshold) {
			g.flush()
		}
	}
	return nil
}

// Counter returns the activity accumulated since the last bar.
func (g *ThresholdBarGenerator) Counter() decimal.Decimal { return g.counter }

// Close discards the open bar.
func (g *ThresholdBarGenerator) Close() {
	g.closed = true
	g.reset()
}

func (g *ThresholdBarGenerator) increment(t model.TradeEvent) decimal.Decimal {
	switch g.key.Type {
	case model.VolumeBar:
		return t.Quantity
	case model.DollarBar:
		return t.Quantity.Mul(t.Price)
	default:
		return decimal.NewFromInt(1)
	}
}

func (g *ThresholdBarGenerator) flush() {
	sortTrades(g.trades)
	begin := g.trades[0].Timestamp
	end := g.trades[len(g.trades)-1].Timestamp
	emitRecord(g.cfg, g.emit, g.key, begin, end, g.trades, g.bbos)
	g.reset()
}

func (g *ThresholdBarGenerator) reset() {
	g.counter = decimal.Zero
	g.trades = nil
	g.bbos = nil
}
