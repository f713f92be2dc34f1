package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals emitted by the generator"},
		[]string{"symbol", "direction"},
	)
	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "risk_rejections_total", Help: "Signals rejected by the risk manager"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "order_retries_total", Help: "Transient order submission retries"},
	)
	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_closed_total", Help: "Positions closed, by exit reason"},
		[]string{"reason"},
	)
	SymbolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "symbol_errors_total", Help: "Ticks skipped after a per-symbol failure"},
		[]string{"symbol"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Market data feed reconnect attempts"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Currently open positions"},
	)
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "equity", Help: "Marked-to-market account equity"},
	)
	CandidatesEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizer_candidates_total", Help: "Optimizer candidates evaluated, by outcome"},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, SignalsTotal, RiskRejections, OrdersTotal, OrderRetries,
		TradesClosed, SymbolErrors, FeedReconnects, OpenPositions, Equity, CandidatesEvaluated,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
