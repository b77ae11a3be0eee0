// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// BidsTotal counts bid commands by outcome (accepted or a rejection reason).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_total",
		Help: "Total number of bid commands handled",
	}, []string{"outcome"})

	// BidLatency tracks end-to-end bid handling latency.
	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_bid_latency_seconds",
		Help:    "Bid handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ReservationOps counts calls to the balance authority by operation and result.
	ReservationOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_reservation_ops_total",
		Help: "Balance authority calls by operation and result",
	}, []string{"op", "result"})

	// FinalizationsTotal counts finalization attempts by outcome.
	FinalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_finalizations_total",
		Help: "Auction finalizations by outcome",
	}, []string{"outcome"})

	// ScannerRuns counts expiry scanner ticks, including skipped overlaps.
	ScannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_scanner_runs_total",
		Help: "Expiry scanner ticks",
	}, []string{"result"})

	// CompensationsTotal counts reservations released on behalf of failed flows.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_compensations_total",
		Help: "Compensating releases by trigger",
	}, []string{"kind"})

	// InconsistenciesTotal counts reservation states that need out-of-band
	// reconciliation.
	InconsistenciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_reservation_inconsistencies_total",
		Help: "Reservation operations that left state needing reconciliation",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// MessagesConsumed counts broker deliveries by queue and disposition.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_messages_consumed_total",
		Help: "Broker deliveries by queue and disposition (ack, requeued, dropped)",
	}, []string{"queue", "result"})

	// MessagesPublished counts outbound events by routing key and result.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_messages_published_total",
		Help: "Events published to the broker",
	}, []string{"routing_key", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern labels by chi route template so listing ids do not explode
// cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the wrapped writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
