// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportfolio_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeLatency tracks end-to-end ExecuteTrade latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sportfolio_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeRejections counts orders rejected before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportfolio_trade_rejections_total",
		Help: "Orders rejected by the ledger",
	}, []string{"reason"})

	// SharesTraded tracks cumulative traded shares by direction.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportfolio_shares_traded_total",
		Help: "Cumulative traded shares",
	}, []string{"direction"})

	// FeesCollected tracks cumulative fees in currency units.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sportfolio_fees_collected_total",
		Help: "Cumulative trading fees collected",
	})

	// RepriceTotal counts per-instrument repricing attempts by result.
	RepriceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportfolio_reprice_total",
		Help: "Instrument repricing attempts",
	}, []string{"result"})

	// RepriceRunDuration tracks full-catalog repricing runs.
	RepriceRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sportfolio_reprice_run_duration_seconds",
		Help:    "Duration of a full catalog repricing run",
		Buckets: prometheus.DefBuckets,
	})

	// ListedInstruments tracks the size of the catalog.
	ListedInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sportfolio_listed_instruments",
		Help: "Number of listed instruments",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sportfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sportfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sportfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
