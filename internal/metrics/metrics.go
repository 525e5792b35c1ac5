package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keysentinel_rotations_total",
		Help: "Total number of key rotations by outcome.",
	}, []string{"outcome"})
	RotationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keysentinel_rotation_duration_seconds",
		Help:    "Duration of complete rotation runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	ActiveRotations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keysentinel_active_rotations",
		Help: "Number of rotation plans currently executing.",
	})
	TargetOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keysentinel_target_operations_total",
		Help: "Total per-target remote operations by operation and outcome.",
	}, []string{"operation", "outcome"})
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keysentinel_retries_total",
		Help: "Total number of per-target deploy retries after transient errors.",
	})
	KeysGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keysentinel_keys_generated_total",
		Help: "Total number of key pairs generated by key type.",
	}, []string{"type"})
)
