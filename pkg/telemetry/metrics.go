package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics exposes Prometheus observability primitives for the credit ledger.
type Metrics struct {
	registry *prometheus.Registry

	creditOps       *prometheus.CounterVec
	creditsDeducted *prometheus.CounterVec
	grantsIssued    *prometheus.CounterVec
	schedulerRuns   *prometheus.CounterVec
	schedulerGrants *prometheus.CounterVec
}

// NewMetrics registers and returns Prometheus metrics for the service.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	creditOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_operations_total",
		Help: "Counts ledger operations by operation and result.",
	}, []string{"op", "result"})

	creditsDeducted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_credits_deducted_total",
		Help: "Total credits deducted or held, by operation.",
	}, []string{"op"})

	grantsIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_grants_issued_total",
		Help: "Counts grants created by grant type.",
	}, []string{"type"})

	schedulerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_scheduler_job_runs_total",
		Help: "Counts scheduler job executions by job and result.",
	}, []string{"job", "result"})

	schedulerGrants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_scheduler_grants_total",
		Help: "Monthly grant outcomes by plan group and result.",
	}, []string{"group", "result"})

	registry.MustRegister(creditOps, creditsDeducted, grantsIssued, schedulerRuns, schedulerGrants)

	return &Metrics{
		registry:        registry,
		creditOps:       creditOps,
		creditsDeducted: creditsDeducted,
		grantsIssued:    grantsIssued,
		schedulerRuns:   schedulerRuns,
		schedulerGrants: schedulerGrants,
	}
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncOperation(op, result string) {
	if m == nil {
		return
	}
	m.creditOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) AddCreditsDeducted(op string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDeducted.WithLabelValues(op).Add(float64(amount))
}

func (m *Metrics) IncGrantIssued(grantType string) {
	if m == nil {
		return
	}
	m.grantsIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) IncSchedulerRun(job, result string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) IncSchedulerGrant(group, result string) {
	if m == nil {
		return
	}
	m.schedulerGrants.WithLabelValues(group, result).Inc()
}

// Module provides the Prometheus metrics registry.
var Module = fx.Module("telemetry",
	fx.Provide(NewMetrics),
)
