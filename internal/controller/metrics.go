package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
)

var (
	reconcileDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devstack",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation loops in seconds",
			// Bundle installs and readiness waits put the tail well past a minute.
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"namespace", "name", "controller"},
	)

	reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devstack",
			Name:      "reconcile_errors_total",
			Help:      "Total number of reconciliation errors",
		},
		[]string{"namespace", "name", "controller", "reason"},
	)

	stackPhaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devstack",
			Name:      "stack_phase",
			Help:      "Current phase of a Stack (1 = active phase)",
		},
		[]string{"namespace", "name", "phase"},
	)

	componentReadyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devstack",
			Name:      "component_ready",
			Help:      "Whether a stack component is ready (1) or not (0)",
		},
		[]string{"namespace", "name", "component"},
	)

	teardownStepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devstack",
			Name:      "teardown_step_failures_total",
			Help:      "Total number of teardown steps that failed and were skipped",
		},
		[]string{"namespace", "name", "step"},
	)
)

var knownPhases = []devstackv1alpha1.StackPhase{
	devstackv1alpha1.StackPhaseReconciling,
	devstackv1alpha1.StackPhaseReady,
	devstackv1alpha1.StackPhaseDegraded,
	devstackv1alpha1.StackPhaseError,
	devstackv1alpha1.StackPhaseTerminating,
}

func init() {
	metrics.Registry.MustRegister(
		reconcileDurationHistogram,
		reconcileErrorsTotal,
		stackPhaseGauge,
		componentReadyGauge,
		teardownStepFailuresTotal,
	)
}

// ReconcileMetrics provides helpers to record reconcile-level metrics for a
// specific controller and Stack.
type ReconcileMetrics struct {
	namespace  string
	name       string
	controller string
}

// NewReconcileMetrics creates a new ReconcileMetrics instance.
func NewReconcileMetrics(namespace, name, controller string) *ReconcileMetrics {
	return &ReconcileMetrics{
		namespace:  namespace,
		name:       name,
		controller: controller,
	}
}

// ObserveDuration records the duration of a reconcile loop in seconds.
func (m *ReconcileMetrics) ObserveDuration(durationSeconds float64) {
	reconcileDurationHistogram.
		WithLabelValues(m.namespace, m.name, m.controller).
		Observe(durationSeconds)
}

// IncrementError increments the reconcile error counter with the given reason.
// Reason values should be low-cardinality strings (for example, "Transient").
func (m *ReconcileMetrics) IncrementError(reason string) {
	reconcileErrorsTotal.
		WithLabelValues(m.namespace, m.name, m.controller, reason).
		Inc()
}

// StackMetrics provides helpers to record per-stack state metrics.
type StackMetrics struct {
	namespace string
	name      string
}

// NewStackMetrics creates a new StackMetrics instance.
func NewStackMetrics(namespace, name string) *StackMetrics {
	return &StackMetrics{
		namespace: namespace,
		name:      name,
	}
}

// SetPhase sets the gauge of the given phase to 1 and every other phase to 0.
func (m *StackMetrics) SetPhase(phase devstackv1alpha1.StackPhase) {
	for _, p := range knownPhases {
		value := 0.0
		if p == phase {
			value = 1.0
		}
		stackPhaseGauge.WithLabelValues(m.namespace, m.name, string(p)).Set(value)
	}
}

// SetComponentReady records the readiness of one component.
func (m *StackMetrics) SetComponentReady(component string, ready bool) {
	value := 0.0
	if ready {
		value = 1.0
	}
	componentReadyGauge.WithLabelValues(m.namespace, m.name, component).Set(value)
}

// RecordTeardownStepFailure counts a teardown step that failed.
func (m *StackMetrics) RecordTeardownStepFailure(step string) {
	teardownStepFailuresTotal.WithLabelValues(m.namespace, m.name, step).Inc()
}

// Clear removes all per-stack series. Call it once teardown finished so no
// stale series are left after deletion.
func (m *StackMetrics) Clear() {
	for _, p := range knownPhases {
		stackPhaseGauge.DeleteLabelValues(m.namespace, m.name, string(p))
	}
	componentReadyGauge.DeletePartialMatch(prometheus.Labels{"namespace": m.namespace, "name": m.name})
	teardownStepFailuresTotal.DeletePartialMatch(prometheus.Labels{"namespace": m.namespace, "name": m.name})
}
