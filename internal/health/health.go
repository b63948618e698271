// Package health probes stack components and folds their status into the
// stack's Ready or Degraded condition.
package health

import (
	"context"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// Checker probes component health.
type Checker struct {
	client client.Client
}

// NewChecker creates a Checker.
func NewChecker(c client.Client) *Checker {
	return &Checker{client: c}
}

// Check probes one component. api is only used for the secrets backend and
// may be nil otherwise. Probe failures are reported as a not-ready status;
// only Kubernetes API errors are returned.
func (c *Checker) Check(ctx context.Context, stack *devstackv1alpha1.Stack, component string, api secretstore.API) (devstackv1alpha1.ComponentStatus, error) {
	switch component {
	case constants.ComponentSecretsBackend:
		return c.secretsBackend(ctx, stack, api)
	case constants.ComponentDatabase:
		return c.workload(ctx, stack.Namespace, component, paths.DatabaseFullName(stack.Name))
	case constants.ComponentCIServer:
		return c.workload(ctx, stack.Namespace, component, paths.CIServerFullName(stack.Name))
	default:
		return devstackv1alpha1.ComponentStatus{}, fmt.Errorf("unknown component %q", component)
	}
}

// secretsBackend adds the replica count to the API health of an HA backend.
// Every replica's pod must be ready, not only the one the operator talks to.
func (c *Checker) secretsBackend(ctx context.Context, stack *devstackv1alpha1.Stack, api secretstore.API) (devstackv1alpha1.ComponentStatus, error) {
	status := SecretsBackend(ctx, api)
	if !status.Ready || stack.Spec.SecretsBackend == nil || stack.Spec.SecretsBackend.Replicas <= 1 {
		return status, nil
	}

	pods, err := kube.ListPods(ctx, c.client, stack.Namespace, paths.SecretsBackendSelector(stack.Name))
	if err != nil {
		return status, err
	}
	ready := 0
	for i := range pods {
		if pods[i].DeletionTimestamp == nil && kube.IsPodReady(&pods[i]) {
			ready++
		}
	}
	want := int(stack.Spec.SecretsBackend.Replicas)
	replicas := fmt.Sprintf("%d/%d replicas ready", ready, want)
	if ready < want {
		status.Ready = false
		status.Message = replicas
		return status, nil
	}
	status.Message += ", " + replicas
	return status, nil
}

// SecretsBackend reports the backend ready when it is initialized and unsealed.
func SecretsBackend(ctx context.Context, api secretstore.API) devstackv1alpha1.ComponentStatus {
	status := devstackv1alpha1.ComponentStatus{Name: constants.ComponentSecretsBackend, LastUpdated: metav1.Now()}
	if api == nil {
		status.Message = "no client"
		return status
	}
	health, err := api.Health(ctx)
	switch {
	case err != nil:
		status.Message = fmt.Sprintf("health check failed: %v", err)
	case !health.Initialized:
		status.Message = "not initialized"
	case health.Sealed:
		status.Message = "sealed"
	default:
		status.Ready = true
		status.Message = "initialized and unsealed"
		if health.Version != "" {
			status.Message += ", version " + health.Version
		}
	}
	return status
}

// workload reports a chart-managed StatefulSet ready when all its replicas
// are ready, falling back to a Deployment of the same name.
func (c *Checker) workload(ctx context.Context, namespace, component, name string) (devstackv1alpha1.ComponentStatus, error) {
	status := devstackv1alpha1.ComponentStatus{Name: component, LastUpdated: metav1.Now()}
	key := types.NamespacedName{Namespace: namespace, Name: name}

	sts := &appsv1.StatefulSet{}
	err := c.client.Get(ctx, key, sts)
	switch {
	case err == nil:
		status.Ready, status.Message = replicasReady("StatefulSet", name, sts.Spec.Replicas, sts.Status.ReadyReplicas)
		return status, nil
	case !apierrors.IsNotFound(err):
		return status, fmt.Errorf("failed to get StatefulSet %s/%s: %w", namespace, name, err)
	}

	deploy := &appsv1.Deployment{}
	err = c.client.Get(ctx, key, deploy)
	switch {
	case err == nil:
		status.Ready, status.Message = replicasReady("Deployment", name, deploy.Spec.Replicas, deploy.Status.ReadyReplicas)
		return status, nil
	case !apierrors.IsNotFound(err):
		return status, fmt.Errorf("failed to get Deployment %s/%s: %w", namespace, name, err)
	}

	status.Message = fmt.Sprintf("workload %s not found", name)
	return status, nil
}

func replicasReady(kind, name string, desired *int32, ready int32) (bool, string) {
	want := int32(1)
	if desired != nil {
		want = *desired
	}
	msg := fmt.Sprintf("%s %s: %d/%d replicas ready", kind, name, ready, want)
	return ready >= want && want > 0, msg
}

// Aggregate folds component statuses into the condition the stack should
// carry: Ready when every component is ready, Degraded otherwise.
func Aggregate(components []devstackv1alpha1.ComponentStatus) (devstackv1alpha1.ConditionType, string, string) {
	if len(components) == 0 {
		return devstackv1alpha1.ConditionReady, constants.ReasonNoComponents, "no components enabled"
	}

	var notReady []string
	for _, c := range components {
		if !c.Ready {
			notReady = append(notReady, fmt.Sprintf("%s (%s)", c.Name, c.Message))
		}
	}
	if len(notReady) == 0 {
		return devstackv1alpha1.ConditionReady, constants.ReasonReady, fmt.Sprintf("%d components ready", len(components))
	}
	return devstackv1alpha1.ConditionDegraded, constants.ReasonComponentsNotReady, "not ready: " + strings.Join(notReady, "; ")
}
