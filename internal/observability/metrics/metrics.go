package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics counts booking operations by outcome.
type BookingMetrics struct {
	operationsTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by type and outcome",
		}, []string{"operation", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal)
	return m
}

func (m *BookingMetrics) Observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// SyncMetrics tracks calendar mirror job execution.
type SyncMetrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "sync",
			Name:      "jobs_total",
			Help:      "Sync jobs executed by action and outcome",
		}, []string{"action", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Subsystem: "sync",
			Name:      "job_duration_seconds",
			Help:      "Duration of sync job execution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.jobsTotal, m.jobDuration)
	return m
}

func (m *SyncMetrics) ObserveJob(action, outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *SyncMetrics) ObserveJobDuration(action string, seconds float64) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(action).Observe(seconds)
}

// ReconcileMetrics counts reconciliation decisions.
type ReconcileMetrics struct {
	decisionsTotal *prometheus.CounterVec
}

func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	m := &ReconcileMetrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "reconcile",
			Name:      "decisions_total",
			Help:      "Reconciliation outcomes per scanned event",
		}, []string{"decision"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.decisionsTotal)
	return m
}

func (m *ReconcileMetrics) Observe(decision string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(decision).Inc()
}

// IdempotencyMetrics counts ledger hits.
type IdempotencyMetrics struct {
	requestsTotal *prometheus.CounterVec
}

func NewIdempotencyMetrics(reg prometheus.Registerer) *IdempotencyMetrics {
	m := &IdempotencyMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Idempotency ledger resolutions",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal)
	return m
}

func (m *IdempotencyMetrics) Observe(result string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(result).Inc()
}
