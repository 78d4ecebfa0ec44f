package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "marketraker_signals_total", Help: "Webhook notifications by type and outcome"},
		[]string{"type", "outcome"},
	)
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "strategy_decisions_total", Help: "Strategy evaluations by result"},
		[]string{"strategy", "result"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"exchange", "side", "result"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_exits_total", Help: "Monitored positions by exit reason"},
		[]string{"reason"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently being monitored"},
	)
	ListenersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_listeners_active", Help: "Raw market-data listeners running"},
	)
)

func init() {
	prometheus.MustRegister(SignalsTotal, DecisionsTotal, OrdersTotal, ExitsTotal, OpenPositions, ListenersActive)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
