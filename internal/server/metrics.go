package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry            *prometheus.Registry
	redemptionsTotal    *prometheus.CounterVec
	executionsTotal     *prometheus.CounterVec
	settlementsTotal    *prometheus.CounterVec
	reconciliationDepth prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrails_redemptions_total",
		Help: "Total redemption requests by terminal status",
	}, []string{"status"})

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrails_executions_total",
		Help: "On-chain execution attempts by result",
	}, []string{"result"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenrails_settlements_total",
		Help: "Settlement submissions by result",
	}, []string{"result"})

	reconciliation := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tokenrails_reconciliation_depth",
		Help: "Requests currently awaiting reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(redemptions, executions, settlements, reconciliation)

	return &metricsRegistry{
		registry:            r,
		redemptionsTotal:    redemptions,
		executionsTotal:     executions,
		settlementsTotal:    settlements,
		reconciliationDepth: reconciliation,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRedemption(status string) {
	m.redemptionsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incExecution(result string) {
	m.executionsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incSettlement(result string) {
	m.settlementsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setReconciliationDepth(depth int) {
	m.reconciliationDepth.Set(float64(depth))
}
