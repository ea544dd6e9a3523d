// Copyright 2024-2026 Aiku AI

package parts

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts target-side part operations. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ops *prometheus.CounterVec
}

// NewMetrics registers the part operation counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mattermost_bridge",
			Name:      "part_operations_total",
			Help:      "Target-side operations performed for bridged message parts.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(m.ops)
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
}
