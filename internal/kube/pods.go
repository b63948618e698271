package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// FindFirstPod returns the StatefulSet ordinal-0 pod matching the selector.
// It returns nil while that pod does not exist, even if higher ordinals do.
func FindFirstPod(ctx context.Context, c client.Client, namespace string, selector map[string]string) (*corev1.Pod, error) {
	pods, err := ListPods(ctx, c, namespace, selector)
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if strings.HasSuffix(pods[i].Name, "-0") {
			return &pods[i], nil
		}
	}
	return nil, nil
}

// ListPods lists pods matching the selector, sorted by name.
func ListPods(ctx context.Context, c client.Client, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	podList := &corev1.PodList{}
	if err := c.List(ctx, podList, client.InNamespace(namespace), client.MatchingLabels(selector)); err != nil {
		return nil, fmt.Errorf("failed to list pods in %s: %w", namespace, err)
	}
	pods := podList.Items
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })
	return pods, nil
}

// IsPodReady reports whether the pod's Ready condition is True.
func IsPodReady(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

// IsContainerRunning reports whether the pod is Running with the named
// container started. A sealed or uninitialized secrets backend fails its
// readiness probe, so bootstrap waits on this instead of IsPodReady.
func IsContainerRunning(pod *corev1.Pod, container string) bool {
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name == container {
			return status.State.Running != nil
		}
	}
	return false
}
