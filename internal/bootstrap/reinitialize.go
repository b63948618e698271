package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

// reinitialize deletes the unseal material, the backend's volume claims and
// its pods so the backend restarts on empty storage. It returns the identities
// of the deleted pods, which must not be mistaken for their replacements.
func (m *Machine) reinitialize(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack) (map[string]struct{}, error) {
	logging.LogAuditEvent(logger, logging.EventBootstrapReinitialize, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
	})

	if err := m.materials.Delete(ctx, stack); err != nil {
		return nil, err
	}
	logging.LogAuditEvent(logger, logging.EventUnsealMaterialDeleted, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"secret_name":     paths.UnsealMaterialSecretName(stack.Name),
	})

	claims, err := DeleteVolumeClaims(ctx, m.client, stack)
	if err != nil {
		return nil, err
	}
	logging.LogAuditEvent(logger, logging.EventPersistentVolumeClaimsReset, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"claim_count":     strconv.Itoa(len(claims)),
	})

	pods, err := kube.ListPods(ctx, m.client, stack.Namespace, paths.SecretsBackendSelector(stack.Name))
	if err != nil {
		return nil, err
	}
	replaced := make(map[string]struct{}, len(pods))
	for i := range pods {
		pod := &pods[i]
		replaced[podIdentity(pod)] = struct{}{}
		if err := kube.DeleteIgnoreNotFound(ctx, m.client, pod); err != nil {
			return nil, fmt.Errorf("failed to delete secrets backend pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		logger.Info("Deleted secrets backend pod", "pod", pod.Name)
	}

	if err := m.waitForClaimsGone(ctx, stack, claims); err != nil {
		return nil, err
	}
	return replaced, nil
}

// DeleteVolumeClaims deletes the secrets backend's PersistentVolumeClaims and
// returns the UIDs of the claims it deleted.
func DeleteVolumeClaims(ctx context.Context, c client.Client, stack *devstackv1alpha1.Stack) ([]string, error) {
	list := &corev1.PersistentVolumeClaimList{}
	if err := c.List(ctx, list, client.InNamespace(stack.Namespace), client.MatchingLabels(paths.SecretsBackendSelector(stack.Name))); err != nil {
		return nil, fmt.Errorf("failed to list secrets backend volume claims: %w", err)
	}

	uids := make([]string, 0, len(list.Items))
	for i := range list.Items {
		pvc := &list.Items[i]
		if err := kube.DeleteIgnoreNotFound(ctx, c, pvc); err != nil {
			return nil, fmt.Errorf("failed to delete volume claim %s/%s: %w", pvc.Namespace, pvc.Name, err)
		}
		uids = append(uids, string(pvc.UID))
	}
	return uids, nil
}

// waitForClaimsGone blocks until none of the deleted claims remain. A claim
// stays Terminating while a pod still mounts it.
func (m *Machine) waitForClaimsGone(ctx context.Context, stack *devstackv1alpha1.Stack, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	pending := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		pending[uid] = struct{}{}
	}

	return poll(ctx, m.opts.PodPollInterval, func(ctx context.Context) (bool, error) {
		list := &corev1.PersistentVolumeClaimList{}
		if err := m.client.List(ctx, list, client.InNamespace(stack.Namespace), client.MatchingLabels(paths.SecretsBackendSelector(stack.Name))); err != nil {
			return false, fmt.Errorf("failed to list secrets backend volume claims: %w", err)
		}
		for i := range list.Items {
			if _, ok := pending[string(list.Items[i].UID)]; ok {
				return false, nil
			}
		}
		return true, nil
	})
}

// waitForPod blocks until the ordinal-0 secrets backend pod, if it is not in
// replaced, is Running with its server container started and an IP assigned.
// Readiness is not required: a sealed backend fails its readiness probe.
// Higher ordinals are never bootstrapped; they join the raft cluster of pod 0.
func (m *Machine) waitForPod(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, replaced map[string]struct{}) (*corev1.Pod, error) {
	var found *corev1.Pod
	err := poll(ctx, m.opts.PodPollInterval, func(ctx context.Context) (bool, error) {
		pod, err := kube.FindFirstPod(ctx, m.client, stack.Namespace, paths.SecretsBackendSelector(stack.Name))
		if err != nil {
			return false, err
		}
		if pod == nil || pod.DeletionTimestamp != nil {
			logger.V(1).Info("Waiting for secrets backend pod to be created", "pod", paths.SecretsBackendPodName(stack.Name, 0))
			return false, nil
		}
		if _, old := replaced[podIdentity(pod)]; old {
			return false, nil
		}
		if !kube.IsContainerRunning(pod, constants.ContainerNameOpenBao) || pod.Status.PodIP == "" {
			logger.V(1).Info("Waiting for secrets backend pod to run", "pod", pod.Name, "phase", pod.Status.Phase)
			return false, nil
		}
		found = pod
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("secrets backend pod for stack %s/%s not running: %w", stack.Namespace, stack.Name, err)
	}
	return found, nil
}

func podIdentity(pod *corev1.Pod) string {
	return pod.Name + "/" + string(pod.UID)
}

// poll calls check every interval, starting immediately, until it is done
// or ctx ends.
func poll(ctx context.Context, interval time.Duration, check wait.ConditionWithContextFunc) error {
	return wait.PollUntilContextCancel(ctx, interval, true, check)
}
