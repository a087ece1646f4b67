package repair

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repairFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cee_repair_fallback_total",
		Help: "Deterministic simple repairs by fallback reason",
	}, []string{"reason"})

	repairMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cee_repair_mutations_total",
		Help: "Correction records by step and code",
	}, []string{"step", "code"})

	repairEarlyReturnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cee_repair_early_return_total",
		Help: "Pipelines aborted before packaging by step and status",
	}, []string{"step", "status"})

	repairClarifierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cee_repair_clarifier_total",
		Help: "Clarifier outcomes (applied, skipped, error)",
	}, []string{"outcome"})

	repairStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cee_repair_step_duration_seconds",
		Help:    "Duration of each Stage-4 substep",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"step"})
)
