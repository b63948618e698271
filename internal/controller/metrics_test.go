package controller

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
)

func TestReconcileMetrics_NoPanic(t *testing.T) {
	m := NewReconcileMetrics("ns", "name", "ctrl")

	m.ObserveDuration(0.5)
	m.ObserveDuration(1.0)
	m.IncrementError("Error")
}

func TestStackMetrics_Phase(t *testing.T) {
	m := NewStackMetrics("ns", "phase-test")

	m.SetPhase(devstackv1alpha1.StackPhaseReconciling)
	m.SetPhase(devstackv1alpha1.StackPhaseReady)

	assert.Equal(t, 1.0, testutil.ToFloat64(stackPhaseGauge.WithLabelValues("ns", "phase-test", "Ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stackPhaseGauge.WithLabelValues("ns", "phase-test", "Reconciling")))
}

func TestStackMetrics_Clear(t *testing.T) {
	m := NewStackMetrics("ns", "clear-test")
	m.SetPhase(devstackv1alpha1.StackPhaseReady)
	m.SetComponentReady("database", true)
	m.RecordTeardownStepFailure("uninstall-database")

	m.Clear()

	assert.False(t, stackPhaseGauge.DeleteLabelValues("ns", "clear-test", "Ready"), "phase series removed")
	assert.False(t, componentReadyGauge.DeleteLabelValues("ns", "clear-test", "database"), "component series removed")
	assert.False(t, teardownStepFailuresTotal.DeleteLabelValues("ns", "clear-test", "uninstall-database"), "teardown series removed")
}
