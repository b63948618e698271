// Package kube provides Kubernetes-specific utilities and helpers.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
)

// StackLabels returns the labels stamped on operator-owned objects of a stack.
func StackLabels(stack *devstackv1alpha1.Stack, component string) map[string]string {
	labels := map[string]string{
		constants.LabelAppInstance:   stack.Name,
		constants.LabelAppManagedBy:  constants.LabelValueAppManagedByDevstackOperator,
		constants.LabelDevstackStack: stack.Name,
	}
	if component != "" {
		labels[constants.LabelAppComponent] = component
		labels[constants.LabelDevstackComponent] = component
	}
	return labels
}

// OwnerReference returns a controlling owner reference to the stack so that
// owned objects are garbage collected with it.
func OwnerReference(stack *devstackv1alpha1.Stack) metav1.OwnerReference {
	blockOwnerDeletion := true
	controller := true
	return metav1.OwnerReference{
		APIVersion:         devstackv1alpha1.GroupVersion.String(),
		Kind:               "Stack",
		Name:               stack.Name,
		UID:                stack.UID,
		BlockOwnerDeletion: &blockOwnerDeletion,
		Controller:         &controller,
	}
}

// ReadSecretValue returns a single key of a Secret. A missing Secret is
// returned as the Kubernetes NotFound error; a missing key is an error.
func ReadSecretValue(ctx context.Context, c client.Client, namespace, name, key string) ([]byte, error) {
	secret := &corev1.Secret{}
	if err := c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, secret); err != nil {
		return nil, err
	}
	value, ok := secret.Data[key]
	if !ok || len(value) == 0 {
		return nil, fmt.Errorf("secret %s/%s missing %q key", namespace, name, key)
	}
	return value, nil
}

// CreateOrReplaceSecret creates the Secret or, when one with the same name
// already exists, replaces its labels, type and data wholesale. The replace
// carries the observed resourceVersion so a concurrent writer surfaces as a
// Conflict instead of a lost update.
func CreateOrReplaceSecret(ctx context.Context, c client.Client, desired *corev1.Secret) error {
	err := c.Create(ctx, desired)
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create Secret %s/%s: %w", desired.Namespace, desired.Name, err)
	}

	existing := &corev1.Secret{}
	if err := c.Get(ctx, client.ObjectKeyFromObject(desired), existing); err != nil {
		return fmt.Errorf("failed to get existing Secret %s/%s: %w", desired.Namespace, desired.Name, err)
	}
	existing.Labels = desired.Labels
	existing.OwnerReferences = desired.OwnerReferences
	existing.Type = desired.Type
	existing.Data = desired.Data
	existing.StringData = nil
	if err := c.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to replace Secret %s/%s: %w", desired.Namespace, desired.Name, err)
	}
	return nil
}

// DeleteIgnoreNotFound deletes obj and treats absence as success.
func DeleteIgnoreNotFound(ctx context.Context, c client.Client, obj client.Object) error {
	if err := c.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}
