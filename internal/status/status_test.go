package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
)

func newStack() *devstackv1alpha1.Stack {
	return &devstackv1alpha1.Stack{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "dev", Generation: 3},
	}
}

func TestMarkReady(t *testing.T) {
	stack := newStack()
	MarkReconciling(stack, "deploying")
	assert.Equal(t, devstackv1alpha1.StackPhaseReconciling, stack.Status.Phase)
	assert.True(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionReconciling))

	MarkReady(stack, constants.ReasonReady, "all components ready")

	assert.Equal(t, devstackv1alpha1.StackPhaseReady, stack.Status.Phase)
	assert.Equal(t, int64(3), stack.Status.ObservedGeneration)
	assert.True(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionReady))
	assert.False(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionDegraded))
	assert.False(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionReconciling))
	assert.False(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionError))

	ready := Get(stack.Status.Conditions, devstackv1alpha1.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, int64(3), ready.ObservedGeneration)
	assert.Equal(t, "all components ready", ready.Message)
}

func TestMarkDegradedThenError(t *testing.T) {
	stack := newStack()
	MarkDegraded(stack, constants.ReasonComponentsNotReady, "database: 0/1 replicas ready")

	assert.Equal(t, devstackv1alpha1.StackPhaseDegraded, stack.Status.Phase)
	assert.True(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionDegraded))
	assert.False(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionReady))

	MarkError(stack, constants.ReasonBundleFailed, "install ci-server: timed out")

	assert.Equal(t, devstackv1alpha1.StackPhaseError, stack.Status.Phase)
	errCond := Get(stack.Status.Conditions, devstackv1alpha1.ConditionError)
	require.NotNil(t, errCond)
	assert.Equal(t, metav1.ConditionTrue, errCond.Status)
	assert.Equal(t, constants.ReasonBundleFailed, errCond.Reason)
	assert.Contains(t, errCond.Message, "timed out")
	assert.True(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionDegraded), "degraded is kept from the last health pass")
}

func TestMarkTerminating(t *testing.T) {
	stack := newStack()
	MarkReady(stack, constants.ReasonReady, "ok")
	MarkTerminating(stack, "tearing down")

	assert.Equal(t, devstackv1alpha1.StackPhaseTerminating, stack.Status.Phase)
	assert.False(t, IsTrue(stack.Status.Conditions, devstackv1alpha1.ConditionReady))
}
