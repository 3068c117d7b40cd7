package broker

import (
	"errors"
	"fmt"

	"bars/internal/metrics"
	"bars/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// ErrInvalidMessage is returned for messages that decode but fail validation.
var ErrInvalidMessage = errors.New("invalid message")

// Decoder turns crawler messages into model events.
//
// Messages are validated with struct tags and a few value checks. Timestamps are
// deliberately not range checked here: a malformed timestamp is an upstream contract
// violation that the pipeline must see and stop on.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Trade decodes a trade message.
func (d *Decoder) Trade(raw []byte) (model.TradeEvent, error) {
	var t model.TradeEvent
	if err := d.decode("trade", raw, &t); err != nil {
		return t, err
	}
	if !t.Price.IsPositive() || t.Quantity.IsNegative() {
		metrics.EventsDropped.WithLabelValues("trade", metrics.ReasonInvalid).Inc()
		return t, fmt.Errorf("%w: trade %s price %s quantity %s", ErrInvalidMessage, t.TradeID, t.Price, t.Quantity)
	}
	// enrichment owns the derived fields
	t.Basis = nil
	return t, nil
}

// Bbo decodes a BBO message.
func (d *Decoder) Bbo(raw []byte) (model.BboEvent, error) {
	var b model.BboEvent
	if err := d.decode("bbo", raw, &b); err != nil {
		return b, err
	}
	if !b.BidPrice.IsPositive() || !b.AskPrice.IsPositive() {
		metrics.EventsDropped.WithLabelValues("bbo", metrics.ReasonInvalid).Inc()
		return b, fmt.Errorf("%w: bbo %s bid %s ask %s", ErrInvalidMessage, b.RawPair, b.BidPrice, b.AskPrice)
	}
	b.Basis, b.VOI, b.OIR = nil, nil, nil
	b.BasisNorm, b.VOINorm, b.OIRNorm = nil, nil, nil
	return b, nil
}

// IndexPrice decodes an index price message.
func (d *Decoder) IndexPrice(raw []byte) (model.IndexPrice, error) {
	var p model.IndexPrice
	err := d.decode("index_price", raw, &p)
	return p, err
}

func (d *Decoder) decode(stream string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		metrics.EventsDropped.WithLabelValues(stream, metrics.ReasonInvalid).Inc()
		return fmt.Errorf("decode %s: %w", stream, err)
	}
	if err := d.validate.Struct(v); err != nil {
		metrics.EventsDropped.WithLabelValues(stream, metrics.ReasonInvalid).Inc()
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, stream, err)
	}
	return nil
}
