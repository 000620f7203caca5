package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BridgeOperationsTotal counts bridge operations by op and outcome kind ("ok" on success).
	BridgeOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkbridge_bridge_operations_total",
		Help: "Bridge operations by operation and outcome",
	}, []string{"op", "outcome"})

	BridgeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkbridge_bridge_operation_duration_seconds",
		Help:    "Bridge operation duration including connect and teardown",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 15, 30},
	}, []string{"op"})

	BridgeInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkbridge_bridge_inflight",
		Help: "Bridge operations currently holding a protocol connection",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkbridge_state_transitions_total",
		Help: "Linking state machine transitions by target state",
	}, []string{"to"})
)
