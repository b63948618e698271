package stack

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
	"github.com/dc-tec/devstack-operator/internal/secretstore/secretstoretest"
)

var testScheme = func() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	_ = devstackv1alpha1.AddToScheme(scheme)
	return scheme
}()

const (
	testNamespace = "dev"
	testStackName = "demo"
)

var stackKey = types.NamespacedName{Namespace: testNamespace, Name: testStackName}

func enabled() devstackv1alpha1.ComponentSpec {
	return devstackv1alpha1.ComponentSpec{Enabled: true}
}

// fullStack enables every component with one database consumer.
func fullStack() *devstackv1alpha1.Stack {
	return &devstackv1alpha1.Stack{
		ObjectMeta: metav1.ObjectMeta{Name: testStackName, Namespace: testNamespace, Generation: 1},
		Spec: devstackv1alpha1.StackSpec{
			SecretsBackend: &devstackv1alpha1.SecretsBackendSpec{ComponentSpec: enabled(), KeyShares: 3, KeyThreshold: 2},
			Database:       &devstackv1alpha1.DatabaseSpec{ComponentSpec: enabled(), Consumers: []string{"app"}},
			CIServer:       &devstackv1alpha1.CIServerSpec{ComponentSpec: enabled()},
		},
	}
}

// fakeDeployer keeps releases in memory. Installing a release creates the
// workloads its chart would render, already ready unless held back.
type fakeDeployer struct {
	mu       sync.Mutex
	client   client.Client
	releases map[string]bundle.Bundle
	calls    []string

	busy          map[string]bool
	installErr    map[string]error
	uninstallErr  map[string]error
	notReady      map[string]bool
	renderObjects bool
	// beforeInstall, when set, runs before a release is installed.
	beforeInstall func(ctx context.Context, b bundle.Bundle)
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		releases:      map[string]bundle.Bundle{},
		busy:          map[string]bool{},
		installErr:    map[string]error{},
		uninstallErr:  map[string]error{},
		notReady:      map[string]bool{},
		renderObjects: true,
	}
}

func (d *fakeDeployer) InstallOrUpgrade(ctx context.Context, b bundle.Bundle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "install:"+b.Release)
	if d.beforeInstall != nil {
		d.beforeInstall(ctx, b)
	}
	if d.busy[b.Release] {
		return false, bundle.ErrReleaseBusy
	}
	if err := d.installErr[b.Release]; err != nil {
		return false, err
	}
	if current, ok := d.releases[b.Release]; ok && current.Version == b.Version {
		if equal, err := bundle.ValuesEqual(current.Values, b.Values); err == nil && equal {
			return false, nil
		}
	}
	d.releases[b.Release] = b
	if d.renderObjects {
		if err := d.render(ctx, b); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *fakeDeployer) Uninstall(_ context.Context, _ string, release string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "uninstall:"+release)
	if err := d.uninstallErr[release]; err != nil {
		return err
	}
	delete(d.releases, release)
	return nil
}

func (d *fakeDeployer) IsInstalled(_ context.Context, _ string, release string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.releases[release]
	return ok, nil
}

func (d *fakeDeployer) GetCurrentValues(_ context.Context, _ string, release string) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.releases[release]
	if !ok {
		return nil, fmt.Errorf("release %s not found", release)
	}
	return maps.Clone(b.Values), nil
}

func (d *fakeDeployer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDeployer) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *fakeDeployer) Release(name string) (bundle.Bundle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.releases[name]
	return b, ok
}

func (d *fakeDeployer) render(ctx context.Context, b bundle.Bundle) error {
	switch b.Release {
	case paths.ReleaseName(testStackName, constants.ComponentSecretsBackend):
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name:      b.Release + "-0",
			Namespace: b.Namespace,
			Labels:    paths.SecretsBackendSelector(testStackName),
		}}
		claim := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{
			Name:      "data-" + b.Release + "-0",
			Namespace: b.Namespace,
			Labels:    paths.SecretsBackendSelector(testStackName),
		}}
		if err := createIfMissing(ctx, d.client, claim); err != nil {
			return err
		}
		if err := createIfMissing(ctx, d.client, pod); err != nil {
			return err
		}
		pod.Status = corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "10.0.0.10",
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  constants.ContainerNameOpenBao,
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		}
		return d.client.Status().Update(ctx, pod)
	case paths.ReleaseName(testStackName, constants.ComponentDatabase):
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: paths.DatabaseFullName(testStackName), Namespace: b.Namespace},
			Data:       map[string][]byte{constants.SecretKeyPostgresPassword: []byte("s3cr3t")},
		}
		if err := createIfMissing(ctx, d.client, secret); err != nil {
			return err
		}
		return d.statefulSet(ctx, b, paths.DatabaseFullName(testStackName))
	case paths.ReleaseName(testStackName, constants.ComponentCIServer):
		return d.statefulSet(ctx, b, paths.CIServerFullName(testStackName))
	}
	return nil
}

func (d *fakeDeployer) statefulSet(ctx context.Context, b bundle.Bundle, name string) error {
	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: b.Namespace},
		Spec:       appsv1.StatefulSetSpec{Replicas: ptr.To(int32(1))},
	}
	if err := createIfMissing(ctx, d.client, sts); err != nil {
		return err
	}
	if d.notReady[b.Release] {
		return nil
	}
	sts.Status.ReadyReplicas = 1
	sts.Status.Replicas = 1
	return d.client.Status().Update(ctx, sts)
}

func createIfMissing(ctx context.Context, c client.Client, obj client.Object) error {
	if err := c.Get(ctx, client.ObjectKeyFromObject(obj), obj); err == nil {
		return nil
	}
	return c.Create(ctx, obj)
}

// env is a reconciler wired to a fake cluster, a fake backend and a fake
// deployer.
type env struct {
	client     client.Client
	srv        *secretstoretest.Server
	deployer   *fakeDeployer
	reconciler *StackReconciler
}

func newEnv(tb testing.TB, objs ...client.Object) *env {
	tb.Helper()
	c := fake.NewClientBuilder().
		WithScheme(testScheme).
		WithStatusSubresource(&devstackv1alpha1.Stack{}).
		WithObjects(objs...).
		Build()

	srv := secretstoretest.New(tb)
	deployer := newFakeDeployer()
	deployer.client = c

	r := NewStackReconciler(c, testScheme, deployer, Options{
		Address: secretstore.AddressOptions{LocalOverride: srv.URL},
		SecretStore: secretstore.ClientConfig{
			LimiterDisabled:     true,
			ReachabilityBackoff: 5 * time.Millisecond,
		},
		ComponentReadyTimeout: 2 * time.Second,
		ComponentPollInterval: 5 * time.Millisecond,
		PodPollInterval:       5 * time.Millisecond,
	})
	return &env{client: c, srv: srv, deployer: deployer, reconciler: r}
}

func (e *env) reconcile() (ctrl.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.reconciler.Reconcile(ctx, ctrl.Request{NamespacedName: stackKey})
}

// converge runs the finalizer pass and one full pass.
func (e *env) converge() (ctrl.Result, error) {
	if _, err := e.reconcile(); err != nil {
		return ctrl.Result{}, err
	}
	return e.reconcile()
}

func (e *env) stack() (*devstackv1alpha1.Stack, error) {
	stack := &devstackv1alpha1.Stack{}
	err := e.client.Get(context.Background(), stackKey, stack)
	return stack, err
}

func (e *env) update(mutate func(*devstackv1alpha1.Stack)) error {
	stack, err := e.stack()
	if err != nil {
		return err
	}
	mutate(stack)
	stack.Generation++
	return e.client.Update(context.Background(), stack)
}
