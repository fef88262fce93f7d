// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"bufio"
	"errors"
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
	// OperationsTotal counts dispatched operations by opcode and result
	// ("ok", "rejected", "duplicate", "persist_error").
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_operations_total",
		Help: "Total operations dispatched to the engine",
	}, []string{"op", "result"})

	// BouncedMessages counts internal messages whose handler failed after
	// the originating operation was accepted.
	BouncedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_bounced_messages_total",
		Help: "Internal messages rejected by their destination",
	}, []string{"op"})

	// TradesTotal counts trades appended to the epoch ledger, by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_trades_total",
		Help: "Total number of trades logged",
	}, []string{"side"})

	// TradeVolume tracks cumulative traded amount in base units, by side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_trade_volume_total",
		Help: "Cumulative trade volume in base units",
	}, []string{"side"})

	TotalAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zkvault_total_assets",
		Help: "Vault net asset value in base units",
	})

	TotalShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zkvault_total_shares",
		Help: "Outstanding vault shares",
	})

	// VaultPaused is 1 while the emergency pause is active.
	VaultPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zkvault_paused",
		Help: "1 when the vault is paused",
	})

	// EpochsSettled counts epochs reaching a terminal status.
	EpochsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_epochs_settled_total",
		Help: "Epochs settled, by status",
	}, []string{"status"})

	// ProofVerifyLatency tracks oracle round trips.
	ProofVerifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zkvault_proof_verify_seconds",
		Help:    "Verification oracle latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zkvault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zkvault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zkvault_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
