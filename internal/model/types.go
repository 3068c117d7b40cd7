// Package model defines core data types for the bar construction engine.
//
// This package contains the inbound market events (trades, best bid/offer snapshots
// and index prices), the identity of a bar stream, and the serialized bar record.
// Inbound prices and quantities use decimal.Decimal so that volume sums stay exact;
// derived statistics are float64 because they feed ratios, means and medians.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedTimestamp is returned when an event timestamp is not a 13-digit
// Unix millisecond value.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// MarketType identifies the contract family of an instrument. Values are kept as
// published by the crawlers, e.g. "Spot" or "Swap", because they are part of the
// redis channel names. The constants below are the normalized spellings.
type MarketType string

const (
	Spot        MarketType = "spot"
	LinearSwap  MarketType = "linear_swap"
	InverseSwap MarketType = "inverse_swap"
	LinearFut   MarketType = "linear_future"
	InverseFut  MarketType = "inverse_future"
)

// IsPerpetual reports whether instruments of this market type are identified by the
// normalized pair alone. Spot and swap markets have one raw symbol per pair, dated
// futures have many.
func (m MarketType) IsPerpetual() bool {
	switch strings.ToLower(string(m)) {
	case "spot", "swap", string(LinearSwap), string(InverseSwap):
		return true
	}
	return false
}

// BarType selects the closing rule of a bar stream.
type BarType string

const (
	TimeBar   BarType = "TimeBar"
	TickBar   BarType = "TickBar"
	VolumeBar BarType = "VolumeBar"
	DollarBar BarType = "DollarBar"
)

// Valid reports whether t is one of the known bar types.
func (t BarType) Valid() bool {
	switch t {
	case TimeBar, TickBar, VolumeBar, DollarBar:
		return true
	}
	return false
}

// Side is the aggressor side of a trade. On the wire it is a boolean where true means sell.
type Side bool

const (
	Buy  Side = false
	Sell Side = true
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Instrument identifies a tradable symbol on one venue.
type Instrument struct {
	Exchange   string     `json:"exchange" validate:"required"`
	MarketType MarketType `json:"marketType" validate:"required"`
	Pair       string     `json:"pair" validate:"required"`   // normalized, e.g. "BTC_USDT"
	RawPair    string     `json:"rawPair" validate:"required"` // exchange-native symbol
}

// Event is implemented by every message that can be appended to a bar.
type Event interface {
	Instrument() Instrument
	EventTimestamp() int64
}

// TradeEvent is a single executed trade. JSON tags follow the crawler message shape.
//
// Basis is populated by enrichment and is nil until then.
type TradeEvent struct {
	Exchange   string          `json:"exchange" validate:"required"`
	MarketType MarketType      `json:"marketType" validate:"required"`
	Pair       string          `json:"pair" validate:"required"`
	RawPair    string          `json:"rawPair" validate:"required"`
	Timestamp  int64           `json:"timestamp" validate:"required"`
	TradeID    string          `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       Side            `json:"side"`

	Basis *float64 `json:"basis,omitempty"`
}

func (t TradeEvent) Instrument() Instrument {
	return Instrument{Exchange: t.Exchange, MarketType: t.MarketType, Pair: t.Pair, RawPair: t.RawPair}
}

func (t TradeEvent) EventTimestamp() int64 { return t.Timestamp }

// BboEvent is a best bid/offer snapshot.
//
// The pointer fields are derived by enrichment: Basis is mid minus the index price,
// VOI and OIR are the order flow indicators against the previous snapshot of the same
// raw pair, and the *Norm variants are the same values divided by the spread.
type BboEvent struct {
	Exchange    string          `json:"exchange" validate:"required"`
	MarketType  MarketType      `json:"marketType" validate:"required"`
	Pair        string          `json:"pair" validate:"required"`
	RawPair     string          `json:"rawPair" validate:"required"`
	Timestamp   int64           `json:"timestamp" validate:"required"`
	BidPrice    decimal.Decimal `json:"bidPrice"`
	BidQuantity decimal.Decimal `json:"bidQuantity"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	AskQuantity decimal.Decimal `json:"askQuantity"`

	Basis     *float64 `json:"basis,omitempty"`
	VOI       *float64 `json:"voi,omitempty"`
	OIR       *float64 `json:"oir,omitempty"`
	BasisNorm *float64 `json:"basis_norm,omitempty"`
	VOINorm   *float64 `json:"voi_norm,omitempty"`
	OIRNorm   *float64 `json:"oir_norm,omitempty"`
}

func (b BboEvent) Instrument() Instrument {
	return Instrument{Exchange: b.Exchange, MarketType: b.MarketType, Pair: b.Pair, RawPair: b.RawPair}
}

func (b BboEvent) EventTimestamp() int64 { return b.Timestamp }

// Mid returns the arithmetic mean of bid and ask.
func (b BboEvent) Mid() decimal.Decimal {
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// IndexPrice is the latest spot index price of a normalized pair.
type IndexPrice struct {
	Pair      string          `json:"pair" validate:"required"`
	Last      decimal.Decimal `json:"last"`
	Timestamp int64           `json:"timestamp"`
}

// BarDefinition is one configured bar stream for a base currency.
//
// Size is in seconds for TimeBar, trade count for TickBar, base units for VolumeBar
// and quote units for DollarBar.
type BarDefinition struct {
	Type BarType `json:"bar_type" yaml:"type"`
	Size float64 `json:"bar_size" yaml:"size"`
}

// SizeString formats Size the way it appears in channel names and file paths.
func (d BarDefinition) SizeString() string {
	return strconv.FormatFloat(d.Size, 'f', -1, 64)
}

func (d BarDefinition) String() string {
	return fmt.Sprintf("%s/%s", d.Type, d.SizeString())
}

// BarKey identifies exactly one bar stream. It is a comparable value type and is
// used directly as a map key.
type BarKey struct {
	Instrument
	BarDefinition
}

func (k BarKey) String() string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%s",
		k.Exchange, k.MarketType, k.Pair, k.RawPair, k.Type, k.SizeString())
}

// ValidateTimestamp checks that ts is a Unix millisecond timestamp, i.e. exactly
// 13 decimal digits.
func ValidateTimestamp(ts int64) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("%w: %d is not a 13-digit millisecond value", ErrMalformedTimestamp, ts)
	}
	return nil
}
