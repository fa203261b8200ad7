// Package metrics provides Prometheus instrumentation for the marketledger service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerMutationsTotal counts applied balance mutations by entry type and source.
	LedgerMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "ledger_mutations_total",
			Help:      "Total balance mutations applied, by ledger entry type and source.",
		},
		[]string{"type", "source"},
	)

	// LedgerMutationVolume accumulates the absolute amount moved per entry type.
	LedgerMutationVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "ledger_mutation_volume",
			Help:      "Total amount moved through the ledger, by entry type.",
		},
		[]string{"type"},
	)

	// EscrowReleasesTotal counts escrow releases settled to sellers.
	EscrowReleasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Name:      "escrow_releases_total",
		Help:      "Total escrow releases settled to seller balances.",
	})

	// RefundsTotal counts processed refunds by kind (full, partial).
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "refunds_total",
			Help:      "Total refunds processed, by kind.",
		},
		[]string{"kind"},
	)

	// PayoutTransitionsTotal counts payout state transitions by resulting status.
	PayoutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "payout_transitions_total",
			Help:      "Total payout state transitions, by resulting status.",
		},
		[]string{"status"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerMutationsTotal,
		LedgerMutationVolume,
		EscrowReleasesTotal,
		RefundsTotal,
		PayoutTransitionsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// MutationRecorder feeds applied balance mutations into the ledger counters.
// It satisfies balance.MutationRecorder.
type MutationRecorder struct{}

func (MutationRecorder) RecordMutation(entryType, source string, amount decimal.Decimal) {
	LedgerMutationsTotal.WithLabelValues(entryType, source).Inc()
	vol, _ := amount.Abs().Float64()
	LedgerMutationVolume.WithLabelValues(entryType).Add(vol)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
