// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// LedgerOperations counts ledger mutations by kind and outcome
	// (ok, replayed, or the error kind).
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger mutations by transaction kind and outcome",
	}, []string{"kind", "outcome"})

	// TradesOpened counts trades opened, partitioned by direction.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_opened_total",
		Help: "Total number of trades opened",
	}, []string{"direction"})

	// TradesSettled counts settled trades by result.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"result"})

	// SettlementLag tracks how long after expiry a trade was settled.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_lag_seconds",
		Help:    "Delay between trade expiry and settlement",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// SettlementFailures counts settlement attempts that stopped early,
	// by stage (price, outcome, unlock, commission, close).
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlement_failures_total",
		Help: "Trade settlement failures by stage",
	}, []string{"stage"})

	// CommissionCredits counts commission credits by referral level.
	CommissionCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commission_credits_total",
		Help: "Commission credits by referral level",
	}, []string{"level"})

	// TournamentSettlements counts tournaments settled.
	TournamentSettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tournament_settlements_total",
		Help: "Tournaments settled",
	})

	// PayoutFailures counts tournament payouts that could not be credited.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tournament_payout_failures_total",
		Help: "Tournament payouts that failed and need reconciliation",
	})

	// SchedulerJobs counts settlement jobs run, by kind and outcome.
	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_scheduler_jobs_total",
		Help: "Settlement jobs processed by kind and outcome",
	}, []string{"kind", "outcome"})

	// PriceFetchDuration tracks price-source latency.
	PriceFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_price_fetch_duration_seconds",
		Help:    "Price source call latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"source"})

	// ExposureRejections counts trades rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_exposure_limit_rejections_total",
		Help: "Trades rejected by exposure limiter",
	})

	// NotificationErrors counts swallowed notifier failures.
	NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notification_errors_total",
		Help: "Notifier failures, swallowed",
	}, []string{"notifier"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
