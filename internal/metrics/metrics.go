package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exchange's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OrdersPlaced     *prometheus.CounterVec
	OrdersCanceled   prometheus.Counter
	FillsRecorded    *prometheus.CounterVec
	TradeVolume      prometheus.Counter
	AggregationMs    prometheus.Histogram
	BookCacheLookups *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_placed_total",
			Help: "Resting orders accepted, by side and outcome",
		}, []string{"side", "outcome"}),

		OrdersCanceled: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_canceled_total",
			Help: "Orders canceled by their owner",
		}),

		FillsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_fills_recorded_total",
			Help: "Mock trades recorded, by outcome",
		}, []string{"outcome"}),

		TradeVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_trade_volume_total",
			Help: "Notional traded across all markets",
		}),

		AggregationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_book_aggregation_ms",
			Help:    "Time to load and aggregate a book snapshot in milliseconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}),

		BookCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_book_cache_lookups_total",
			Help: "Book cache lookups by result",
		}, []string{"result"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_errors_total",
			Help: "Errors by component and type",
		}, []string{"component", "error_type"}),

		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordOrderPlaced(side, outcome string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(side, outcome).Inc()
}

func (m *Metrics) RecordOrderCanceled() {
	if m == nil {
		return
	}
	m.OrdersCanceled.Inc()
}

func (m *Metrics) RecordFill(outcome string, amount float64) {
	if m == nil {
		return
	}
	m.FillsRecorded.WithLabelValues(outcome).Inc()
	m.TradeVolume.Add(amount)
}

func (m *Metrics) RecordAggregation(d time.Duration) {
	if m == nil {
		return
	}
	m.AggregationMs.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.BookCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
