//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

func newTestNamespace(t *testing.T) string {
	t.Helper()

	base := strings.ToLower(t.Name())
	base = strings.ReplaceAll(base, "/", "-")
	base = strings.ReplaceAll(base, "_", "-")
	if len(base) > 40 {
		base = base[:40]
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("it-%s-%d", base, time.Now().UnixNano()),
		},
	}
	if err := k8sClient.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
		t.Fatalf("create namespace: %v", err)
	}

	t.Cleanup(func() {
		_ = k8sClient.Delete(context.Background(), ns)
	})

	return ns.Name
}

// chartDeployer stands in for Helm against a real API server: installing a
// release creates the objects its chart would render and marks them ready.
// There is no kubelet or StatefulSet controller in envtest.
type chartDeployer struct {
	mu       sync.Mutex
	c        client.Client
	stack    string
	releases map[string]bundle.Bundle
}

func newChartDeployer(c client.Client, stack string) *chartDeployer {
	return &chartDeployer{c: c, stack: stack, releases: map[string]bundle.Bundle{}}
}

func (d *chartDeployer) InstallOrUpgrade(ctx context.Context, b bundle.Bundle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.releases[b.Release]; ok {
		return false, nil
	}
	if err := d.render(ctx, b); err != nil {
		return false, err
	}
	d.releases[b.Release] = b
	return true, nil
}

func (d *chartDeployer) Uninstall(ctx context.Context, namespace, release string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.releases, release)
	for _, obj := range []client.Object{
		&appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: paths.DatabaseFullName(d.stack), Namespace: namespace}},
		&appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: paths.CIServerFullName(d.stack), Namespace: namespace}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: release + "-0", Namespace: namespace}},
	} {
		if !strings.HasPrefix(obj.GetName(), release) {
			continue
		}
		if err := d.c.Delete(ctx, obj, client.GracePeriodSeconds(0)); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (d *chartDeployer) IsInstalled(_ context.Context, _ string, release string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.releases[release]
	return ok, nil
}

func (d *chartDeployer) GetCurrentValues(_ context.Context, _ string, release string) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.releases[release]
	if !ok {
		return nil, fmt.Errorf("release %s not found", release)
	}
	return b.Values, nil
}

func (d *chartDeployer) render(ctx context.Context, b bundle.Bundle) error {
	switch b.Release {
	case paths.ReleaseName(d.stack, constants.ComponentSecretsBackend):
		labels := paths.SecretsBackendSelector(d.stack)
		claim := &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "data-" + b.Release + "-0", Namespace: b.Namespace, Labels: labels},
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse("1Gi")},
				},
			},
		}
		if err := createIgnoreExists(ctx, d.c, claim); err != nil {
			return err
		}
		// No controller-manager runs, so the default service account a pod
		// is admitted with is created here.
		defaultSA := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: b.Namespace}}
		if err := createIgnoreExists(ctx, d.c, defaultSA); err != nil {
			return err
		}
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: b.Release + "-0", Namespace: b.Namespace, Labels: labels},
			Spec: corev1.PodSpec{Containers: []corev1.Container{{
				Name:  constants.ContainerNameOpenBao,
				Image: "openbao/openbao:2.4.4",
			}}},
		}
		if err := createIgnoreExists(ctx, d.c, pod); err != nil {
			return err
		}
		pod.Status = corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "10.0.0.10",
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  constants.ContainerNameOpenBao,
				Image: "openbao/openbao:2.4.4",
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{StartedAt: metav1.Now()}},
			}},
		}
		return d.c.Status().Update(ctx, pod)
	case paths.ReleaseName(d.stack, constants.ComponentDatabase):
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: paths.DatabaseFullName(d.stack), Namespace: b.Namespace},
			Data:       map[string][]byte{constants.SecretKeyPostgresPassword: []byte("integration")},
		}
		if err := createIgnoreExists(ctx, d.c, secret); err != nil {
			return err
		}
		return d.readyStatefulSet(ctx, b.Namespace, paths.DatabaseFullName(d.stack))
	case paths.ReleaseName(d.stack, constants.ComponentCIServer):
		return d.readyStatefulSet(ctx, b.Namespace, paths.CIServerFullName(d.stack))
	}
	return nil
}

func (d *chartDeployer) readyStatefulSet(ctx context.Context, namespace, name string) error {
	labels := map[string]string{"app.kubernetes.io/name": name}
	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(int32(1)),
			ServiceName: name,
			Selector:    &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "main", Image: "busybox:1.36"}}},
			},
		},
	}
	if err := createIgnoreExists(ctx, d.c, sts); err != nil {
		return err
	}
	sts.Status.Replicas = 1
	sts.Status.ReadyReplicas = 1
	sts.Status.ObservedGeneration = sts.Generation
	return d.c.Status().Update(ctx, sts)
}

func createIgnoreExists(ctx context.Context, c client.Client, obj client.Object) error {
	if err := c.Create(ctx, obj); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return err
		}
		return c.Get(ctx, client.ObjectKeyFromObject(obj), obj)
	}
	return nil
}

func newStack(namespace, name string) *devstackv1alpha1.Stack {
	return &devstackv1alpha1.Stack{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: devstackv1alpha1.StackSpec{
			SecretsBackend: &devstackv1alpha1.SecretsBackendSpec{
				ComponentSpec: devstackv1alpha1.ComponentSpec{Enabled: true},
				KeyShares:     3,
				KeyThreshold:  2,
			},
			Database: &devstackv1alpha1.DatabaseSpec{
				ComponentSpec: devstackv1alpha1.ComponentSpec{Enabled: true},
				Consumers:     []string{"app"},
			},
			CIServer: &devstackv1alpha1.CIServerSpec{ComponentSpec: devstackv1alpha1.ComponentSpec{Enabled: true}},
		},
	}
}
