// Package status maintains the Stack condition set and phase.
package status

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
)

// Set adds or updates a condition in the condition slice.
// LastTransitionTime only moves when the status changes.
func Set(conditions *[]metav1.Condition, generation int64, conditionType devstackv1alpha1.ConditionType, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               string(conditionType),
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
		LastTransitionTime: metav1.Now(),
	})
}

// True sets a condition to True status.
func True(conditions *[]metav1.Condition, generation int64, conditionType devstackv1alpha1.ConditionType, reason, message string) {
	Set(conditions, generation, conditionType, metav1.ConditionTrue, reason, message)
}

// False sets a condition to False status.
func False(conditions *[]metav1.Condition, generation int64, conditionType devstackv1alpha1.ConditionType, reason, message string) {
	Set(conditions, generation, conditionType, metav1.ConditionFalse, reason, message)
}

// Get returns the condition with the given type, or nil if not found.
func Get(conditions []metav1.Condition, conditionType devstackv1alpha1.ConditionType) *metav1.Condition {
	return meta.FindStatusCondition(conditions, string(conditionType))
}

// IsTrue returns true if the condition with the given type has Status=True.
func IsTrue(conditions []metav1.Condition, conditionType devstackv1alpha1.ConditionType) bool {
	return meta.IsStatusConditionTrue(conditions, string(conditionType))
}

// MarkReconciling flags the stack as converging without touching Ready/Degraded.
func MarkReconciling(stack *devstackv1alpha1.Stack, message string) {
	c := &stack.Status.Conditions
	g := stack.Generation
	True(c, g, devstackv1alpha1.ConditionReconciling, constants.ReasonReconciling, message)
	if stack.Status.Phase == "" {
		stack.Status.Phase = devstackv1alpha1.StackPhaseReconciling
	}
}

// MarkReady records a fully converged stack with every enabled component serving.
func MarkReady(stack *devstackv1alpha1.Stack, reason, message string) {
	c := &stack.Status.Conditions
	g := stack.Generation
	True(c, g, devstackv1alpha1.ConditionReady, reason, message)
	False(c, g, devstackv1alpha1.ConditionDegraded, reason, message)
	False(c, g, devstackv1alpha1.ConditionReconciling, constants.ReasonIdle, "reconcile complete")
	False(c, g, devstackv1alpha1.ConditionError, constants.ReasonIdle, "")
	stack.Status.Phase = devstackv1alpha1.StackPhaseReady
	stack.Status.ObservedGeneration = g
}

// MarkDegraded records a converged stack where at least one component is not serving.
func MarkDegraded(stack *devstackv1alpha1.Stack, reason, message string) {
	c := &stack.Status.Conditions
	g := stack.Generation
	False(c, g, devstackv1alpha1.ConditionReady, reason, message)
	True(c, g, devstackv1alpha1.ConditionDegraded, reason, message)
	False(c, g, devstackv1alpha1.ConditionReconciling, constants.ReasonIdle, "reconcile complete")
	False(c, g, devstackv1alpha1.ConditionError, constants.ReasonIdle, "")
	stack.Status.Phase = devstackv1alpha1.StackPhaseDegraded
	stack.Status.ObservedGeneration = g
}

// MarkError records a failed reconcile pass. Ready is cleared; Degraded is left
// as it was last observed.
func MarkError(stack *devstackv1alpha1.Stack, reason, message string) {
	c := &stack.Status.Conditions
	g := stack.Generation
	True(c, g, devstackv1alpha1.ConditionError, reason, message)
	False(c, g, devstackv1alpha1.ConditionReady, reason, message)
	False(c, g, devstackv1alpha1.ConditionReconciling, reason, message)
	stack.Status.Phase = devstackv1alpha1.StackPhaseError
}

// MarkTerminating records that teardown is in progress.
func MarkTerminating(stack *devstackv1alpha1.Stack, message string) {
	c := &stack.Status.Conditions
	g := stack.Generation
	True(c, g, devstackv1alpha1.ConditionReconciling, constants.ReasonReconciling, message)
	False(c, g, devstackv1alpha1.ConditionReady, constants.ReasonReconciling, message)
	stack.Status.Phase = devstackv1alpha1.StackPhaseTerminating
}
