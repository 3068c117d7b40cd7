package model

// AggregateStat summarizes a sample of values. Open and Close follow arrival order,
// the other fields are order independent.
type AggregateStat struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// TradeAggregate is the price statistic of a bar plus its volume breakdown.
type TradeAggregate struct {
	AggregateStat

	Volume          float64 `json:"volume"`
	VolumeSell      float64 `json:"volume_sell"`
	VolumeBuy       float64 `json:"volume_buy"`
	VolumeQuote     float64 `json:"volume_quote"`
	VolumeQuoteSell float64 `json:"volume_quote_sell"`
	VolumeQuoteBuy  float64 `json:"volume_quote_buy"`
	VWAP            float64 `json:"vwap"`
	Count           int     `json:"count"`
	CountSell       int     `json:"count_sell"`
	CountBuy        int     `json:"count_buy"`
}

// TradeIndicators holds derived trade metrics. Basis fields are present only when
// at least one trade in the bar carried a basis.
type TradeIndicators struct {
	Basis   *AggregateStat `json:"basis,omitempty"`
	BasisVW *float64       `json:"basis_vw,omitempty"`
	VPIN    float64        `json:"vpin"`
}

// BboIndicators summarizes the BBO snapshots that fell inside a bar.
type BboIndicators struct {
	Bid            AggregateStat  `json:"bid"`
	Ask            AggregateStat  `json:"ask"`
	Mid            AggregateStat  `json:"mid"`
	Spread         AggregateStat  `json:"spread"`
	VWSpread       *AggregateStat `json:"vw_spread,omitempty"`
	VWSpreadGlobal *float64       `json:"vw_spread_global,omitempty"`
	Count          int            `json:"count"`

	Basis     *AggregateStat `json:"basis,omitempty"`
	VOI       *AggregateStat `json:"voi,omitempty"`
	OIR       *AggregateStat `json:"oir,omitempty"`
	BasisNorm *AggregateStat `json:"basis_norm,omitempty"`
	VOINorm   *AggregateStat `json:"voi_norm,omitempty"`
	OIRNorm   *AggregateStat `json:"oir_norm,omitempty"`
}

// BarRecord is the serialized form of one closed bar.
//
// Timestamp and TimestampEnd are Unix milliseconds. For time bars they are the
// window boundaries, for threshold bars the first and last trade timestamps.
type BarRecord struct {
	Exchange        string           `json:"exchange"`
	MarketType      MarketType       `json:"market_type"`
	Pair            string           `json:"pair"`
	RawPair         string           `json:"raw_pair"`
	BarType         BarType          `json:"bar_type"`
	BarSize         float64          `json:"bar_size"`
	Timestamp       int64            `json:"timestamp"`
	TimestampEnd    int64            `json:"timestamp_end"`
	Trade           *TradeAggregate  `json:"trade,omitempty"`
	TradeIndicators *TradeIndicators `json:"trade_indicators,omitempty"`
	Bbo             *BboIndicators   `json:"bbo,omitempty"`
}

// Key returns the bar stream this record belongs to.
func (r BarRecord) Key() BarKey {
	return BarKey{
		Instrument: Instrument{
			Exchange:   r.Exchange,
			MarketType: r.MarketType,
			Pair:       r.Pair,
			RawPair:    r.RawPair,
		},
		BarDefinition: BarDefinition{Type: r.BarType, Size: r.BarSize},
	}
}
