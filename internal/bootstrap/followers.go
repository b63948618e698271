package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// UnsealFollowers unseals the raft followers of an HA backend with the
// stored shares. Each follower joins ordinal 0 through retry_join and comes
// up sealed after every restart. Pods that are not running yet are left for
// a later pass. It returns the number of followers it unsealed.
//
// A follower that rejects the stored shares is reported as an error and never
// triggers reinitialization; only ordinal 0 owns the cluster's state.
func (m *Machine) UnsealFollowers(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, newAPI func() (secretstore.API, error)) (int, error) {
	if stack.Spec.SecretsBackend == nil || stack.Spec.SecretsBackend.Replicas <= 1 {
		return 0, nil
	}
	logger = logger.WithValues("component", constants.ComponentSecretsBackend)
	if strings.TrimSpace(m.opts.Address.LocalOverride) != "" {
		logger.V(1).Info("Local address override reaches one pod only; skipping raft followers")
		return 0, nil
	}

	material, present, err := m.materials.Load(ctx, stack)
	if err != nil {
		return 0, err
	}
	if !present || !material.usable() {
		return 0, fmt.Errorf("unseal material for stack %s/%s is missing; cannot unseal followers", stack.Namespace, stack.Name)
	}

	pods, err := kube.ListPods(ctx, m.client, stack.Namespace, paths.SecretsBackendSelector(stack.Name))
	if err != nil {
		return 0, err
	}

	unsealed := 0
	var errs []error
	for i := range pods {
		pod := &pods[i]
		if pod.Name == paths.SecretsBackendPodName(stack.Name, 0) || pod.DeletionTimestamp != nil {
			continue
		}
		if !kube.IsContainerRunning(pod, constants.ContainerNameOpenBao) || pod.Status.PodIP == "" {
			logger.V(1).Info("Raft follower is not running yet", "pod", pod.Name, "phase", pod.Status.Phase)
			continue
		}

		done, err := m.unsealFollower(ctx, pod, material, newAPI)
		if err != nil {
			errs = append(errs, fmt.Errorf("follower %s: %w", pod.Name, err))
			continue
		}
		if done {
			unsealed++
			logging.LogAuditEvent(logger, logging.EventBootstrapUnseal, map[string]string{
				"stack_namespace": stack.Namespace,
				"stack_name":      stack.Name,
				"pod_name":        pod.Name,
			})
		}
	}
	if len(errs) > 0 {
		return unsealed, errors.Join(errs...)
	}
	if unsealed > 0 {
		logger.Info("Unsealed raft followers", "count", unsealed)
	}
	return unsealed, nil
}

// unsealFollower reports whether it had to unseal the pod.
func (m *Machine) unsealFollower(ctx context.Context, pod *corev1.Pod, material *Material, newAPI func() (secretstore.API, error)) (bool, error) {
	api, err := newAPI()
	if err != nil {
		return false, err
	}
	address, err := secretstore.ResolveBaseAddress(pod, m.opts.Address)
	if err != nil {
		return false, err
	}
	if err := api.SetBaseAddress(address); err != nil {
		return false, err
	}

	health, err := api.Health(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read health: %w", err)
	}
	// A Shamir-sealed node completes its retry_join only once unsealed, so
	// it may still report uninitialized here.
	if !health.Sealed {
		return false, nil
	}

	ok, err := submitShares(ctx, api, material.Keys)
	if err != nil {
		return false, fmt.Errorf("failed to unseal: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("still sealed after %d key shares", len(material.Keys))
	}
	return true, nil
}
