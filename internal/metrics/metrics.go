// Package metrics exposes Prometheus collectors for the bar pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons used with EventsDropped.
const (
	ReasonStale       = "stale"
	ReasonFuture      = "future"
	ReasonLate        = "late"
	ReasonNoIndex     = "no_index_price"
	ReasonFirstBbo    = "first_bbo"
	ReasonInvalid     = "invalid"
	ReasonAggregation = "aggregation"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_events_total", Help: "Market events received"},
		[]string{"stream"},
	)
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_events_dropped_total", Help: "Market events discarded before reaching a bar"},
		[]string{"stream", "reason"},
	)
	BarsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_emitted_total", Help: "Bars closed by generators"},
		[]string{"bar_type"},
	)
	BarsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_dropped_total", Help: "Bars dropped on the way to a sink"},
		[]string{"sink"},
	)
	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_sink_errors_total", Help: "Failed sink writes"},
		[]string{"sink"},
	)
	LiveGenerators = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bars_live_generators", Help: "Bar generators currently registered"},
	)
)

func init() {
	prometheus.MustRegister(EventsTotal, EventsDropped, BarsEmitted, BarsDropped, SinkErrors, LiveGenerators)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
