// Package metrics exposes prometheus counters for routing outcomes and
// attribute rewrite decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andesco/imgladder/pkg/rewriter"
)

const namespace = "imgladder"

type Metrics struct {
	outcomes  *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by routing outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attribute_decisions_total",
			Help:      "Rewrite decisions taken on element attributes.",
		}, []string{"tag", "attribute", "decision", "reason"}),
	}

	reg.MustRegister(m.outcomes, m.decisions)
	return m
}

func (m *Metrics) ObserveOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDecision(tag, attr string, d rewriter.Decision) {
	m.decisions.WithLabelValues(tag, attr, d.Kind.String(), string(d.Reason)).Inc()
}
