package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Dispatch cycles
	CycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_cycle_total", Help: "Dispatch cycle outcomes."},
		[]string{"result"}, // ok | empty | skipped_overlap | error
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminder_cycle_duration_seconds",
			Help:    "Wall time of one dispatch cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_dispatch_total", Help: "Per-patient dispatch outcomes."},
		[]string{"outcome"}, // sent | skipped_deduped | failed
	)

	// Gateway
	GatewaySendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_send_total", Help: "Gateway send outcomes."},
		[]string{"outcome"}, // sent | failed
	)
	GatewaySendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_send_duration_seconds",
			Help:    "Gateway send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Confirmations and inbound replies
	ConfirmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminder_confirm_total", Help: "Token confirmation outcomes."},
		[]string{"result"}, // confirmed | not_found | error
	)
	InboundReplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_reply_total", Help: "Inbound SMS reply outcomes."},
		[]string{"result"}, // confirmed | ignored | unknown_contact | error
	)

	// Freeform sends
	FreeformSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "freeform_suppressed_total", Help: "Freeform sends suppressed by the 5-minute window."},
	)

	// Suggestion service
	SuggestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "suggest_errors_total", Help: "Suggestion service call failures."},
		[]string{"op"}, // recommend | record
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		CycleTotal, CycleDuration, DispatchTotal,
		GatewaySendTotal, GatewaySendDuration,
		ConfirmTotal, InboundReplyTotal,
		FreeformSuppressed, SuggestErrors,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
