package funnel

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 是漏斗计数的 Prometheus 镜像。
type Metrics struct {
	Events      *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Evaluations *prometheus.CounterVec
	Ticks       prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "tradegate"
	}
	return &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "funnel_events_total",
				Help:      "Funnel events by stage and strategy",
			},
			[]string{"stage", "strategy"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_rejections_total",
				Help:      "Risk gate rejections by reason and strategy",
			},
			[]string{"reason", "strategy"},
		),
		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_evaluations_total",
				Help:      "Strategy evaluations by decision and strategy",
			},
			[]string{"decision", "strategy"},
		),
		Ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "market_ticks_total",
				Help:      "Market ticks received",
			},
		),
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Events, m.Rejections, m.Evaluations, m.Ticks)
}
