package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func pod(name string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "dev", Labels: labels}}
}

func TestFindFirstPod(t *testing.T) {
	sel := map[string]string{"app.kubernetes.io/instance": "demo-openbao"}
	other := map[string]string{"app.kubernetes.io/instance": "other"}
	ctx := context.Background()

	c := newTestClient(t, pod("demo-openbao-1", sel), pod("demo-openbao-0", sel), pod("other-0", other))
	got, err := FindFirstPod(ctx, c, "dev", sel)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "demo-openbao-0", got.Name)

	c = newTestClient(t, pod("demo-openbao-2", sel), pod("demo-openbao-1", sel))
	got, err = FindFirstPod(ctx, c, "dev", sel)
	require.NoError(t, err)
	assert.Nil(t, got, "higher ordinals never stand in for ordinal 0")

	c = newTestClient(t)
	got, err = FindFirstPod(ctx, c, "dev", sel)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPodReadiness(t *testing.T) {
	running := &corev1.Pod{Status: corev1.PodStatus{
		Phase: corev1.PodRunning,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "openbao",
			State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
		}},
		Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
	}}

	assert.True(t, IsContainerRunning(running, "openbao"))
	assert.False(t, IsContainerRunning(running, "sidecar"))
	assert.False(t, IsPodReady(running), "sealed backends fail readiness while running")
	assert.False(t, IsContainerRunning(nil, "openbao"))

	pending := running.DeepCopy()
	pending.Status.Phase = corev1.PodPending
	assert.False(t, IsContainerRunning(pending, "openbao"))

	ready := running.DeepCopy()
	ready.Status.Conditions[0].Status = corev1.ConditionTrue
	assert.True(t, IsPodReady(ready))
}
