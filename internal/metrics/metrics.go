package metrics

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the service's collector set. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Queue
	Enqueued     prometheus.Counter
	Transitions  *prometheus.CounterVec
	StaleDropped prometheus.Counter
	QueueDepth   *prometheus.GaugeVec

	// Delivery
	ProviderSendTotal    *prometheus.CounterVec
	ProviderSendDuration prometheus.Histogram

	// Persistence
	StoreOps *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
			[]string{"handler", "method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
			},
			[]string{"handler", "method"},
		),
		Enqueued: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "staging_enqueued_total", Help: "Messages staged."},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "staging_transitions_total", Help: "Status transitions by target status."},
			[]string{"to"},
		),
		StaleDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "staging_stale_dropped_total", Help: "Pending messages discarded on reload because they expired offline."},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "staging_queue_depth", Help: "Staged messages by status."},
			[]string{"status"},
		),
		ProviderSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
			[]string{"outcome"}, // sent | failed | rejected
		),
		ProviderSendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "provider_send_duration_seconds",
				Help:    "Provider send latency.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
			},
		),
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "store_operations_total", Help: "Persistent store operations."},
			[]string{"op", "result"}, // save|load|remove, ok|error|corrupt
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequests, m.HTTPDuration,
			m.Enqueued, m.Transitions, m.StaleDropped, m.QueueDepth,
			m.ProviderSendTotal, m.ProviderSendDuration,
			m.StoreOps,
		)
	}
	return m
}

func (m *Metrics) ObserveHTTP(handler, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(handler, method).Observe(d.Seconds())
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

func (m *Metrics) IncTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncStaleDropped() {
	if m == nil {
		return
	}
	m.StaleDropped.Inc()
}

// SetDepth replaces the depth gauges; statuses missing from counts read 0.
func (m *Metrics) SetDepth(statuses []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		m.QueueDepth.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) ObserveSend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderSendTotal.WithLabelValues(outcome).Inc()
	m.ProviderSendDuration.Observe(d.Seconds())
}

func (m *Metrics) IncStoreOp(op, result string) {
	if m == nil {
		return
	}
	m.StoreOps.WithLabelValues(op, result).Inc()
}

// RegisterPool exports pgxpool connection gauges, read at scrape time.
func RegisterPool(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}, func() float64 { return float64(pool.Stat().TotalConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}, func() float64 { return float64(pool.Stat().IdleConns()) }),
	)
}
