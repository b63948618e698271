//go:build integration
// +build integration

package integration

import (
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	stackcontroller "github.com/dc-tec/devstack-operator/internal/controller/stack"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
	"github.com/dc-tec/devstack-operator/internal/secretstore/secretstoretest"
)

func newReconciler(t *testing.T, stackName string) (*stackcontroller.StackReconciler, *secretstoretest.Server) {
	t.Helper()
	srv := secretstoretest.New(t)
	r := stackcontroller.NewStackReconciler(k8sClient, k8sScheme, newChartDeployer(k8sClient, stackName), stackcontroller.Options{
		Address: secretstore.AddressOptions{LocalOverride: srv.URL},
		SecretStore: secretstore.ClientConfig{
			LimiterDisabled:     true,
			ReachabilityBackoff: 10 * time.Millisecond,
		},
		ComponentReadyTimeout: 10 * time.Second,
		ComponentPollInterval: 50 * time.Millisecond,
		PodPollInterval:       50 * time.Millisecond,
	})
	return r, srv
}

// reconcileUntil runs Reconcile until done reports true or the attempts run out.
func reconcileUntil(t *testing.T, r *stackcontroller.StackReconciler, key types.NamespacedName, done func() bool) {
	t.Helper()
	for range 5 {
		if _, err := r.Reconcile(ctx, ctrl.Request{NamespacedName: key}); err != nil {
			t.Fatalf("Reconcile error: %v", err)
		}
		if done() {
			return
		}
	}
	t.Fatalf("stack %s did not converge", key)
}

func TestStackCRD_DefaultsAndValidation(t *testing.T) {
	namespace := newTestNamespace(t)

	stack := newStack(namespace, "defaults")
	stack.Spec.SecretsBackend.KeyShares = 0
	stack.Spec.SecretsBackend.KeyThreshold = 0
	if err := k8sClient.Create(ctx, stack); err != nil {
		t.Fatalf("create Stack: %v", err)
	}

	t.Run("applies schema defaults", func(t *testing.T) {
		var latest devstackv1alpha1.Stack
		if err := k8sClient.Get(ctx, types.NamespacedName{Name: stack.Name, Namespace: namespace}, &latest); err != nil {
			t.Fatalf("get Stack: %v", err)
		}
		if latest.Spec.SecretsBackend.KeyShares != devstackv1alpha1.DefaultKeyShares {
			t.Errorf("keyShares = %d, want %d", latest.Spec.SecretsBackend.KeyShares, devstackv1alpha1.DefaultKeyShares)
		}
		if latest.Spec.Database.DatabaseName != devstackv1alpha1.DefaultDatabaseName {
			t.Errorf("databaseName = %q, want %q", latest.Spec.Database.DatabaseName, devstackv1alpha1.DefaultDatabaseName)
		}
	})

	t.Run("rejects out of range key shares", func(t *testing.T) {
		invalid := newStack(namespace, "too-many-shares")
		invalid.Spec.SecretsBackend.KeyShares = 20
		err := k8sClient.Create(ctx, invalid)
		if !apierrors.IsInvalid(err) {
			t.Fatalf("expected Invalid error, got %v", err)
		}
		if !strings.Contains(err.Error(), "keyShares") {
			t.Errorf("error %q does not name keyShares", err)
		}
	})
}

func TestStackReconciler_Lifecycle(t *testing.T) {
	namespace := newTestNamespace(t)
	stackName := "lifecycle"
	key := types.NamespacedName{Name: stackName, Namespace: namespace}

	stack := newStack(namespace, stackName)
	stack.Spec.Jobs = []devstackv1alpha1.StackJob{
		{Name: "seed", Image: "busybox:1.36", Command: []string{"true"}, SecretAccess: true},
		{Name: "nightly", Image: "busybox:1.36", Schedule: "0 2 * * *"},
	}
	if err := k8sClient.Create(ctx, stack); err != nil {
		t.Fatalf("create Stack: %v", err)
	}

	r, srv := newReconciler(t, stackName)
	var latest devstackv1alpha1.Stack
	reconcileUntil(t, r, key, func() bool {
		if err := k8sClient.Get(ctx, key, &latest); err != nil {
			t.Fatalf("get Stack: %v", err)
		}
		return latest.Status.Phase == devstackv1alpha1.StackPhaseReady
	})

	t.Run("records status through the status subresource", func(t *testing.T) {
		if latest.Status.ObservedGeneration != latest.Generation {
			t.Errorf("observedGeneration = %d, want %d", latest.Status.ObservedGeneration, latest.Generation)
		}
		if len(latest.Status.Components) != 3 {
			t.Errorf("expected 3 component statuses, got %d", len(latest.Status.Components))
		}
		if latest.Status.SecretsBackend == nil || !latest.Status.SecretsBackend.Initialized {
			t.Errorf("expected initialized secrets backend status, got %+v", latest.Status.SecretsBackend)
		}
	})

	t.Run("stores unseal material owned by the stack", func(t *testing.T) {
		secret := &corev1.Secret{}
		if err := k8sClient.Get(ctx, types.NamespacedName{Name: paths.UnsealMaterialSecretName(stackName), Namespace: namespace}, secret); err != nil {
			t.Fatalf("expected unseal material Secret: %v", err)
		}
		if len(secret.OwnerReferences) == 0 || secret.OwnerReferences[0].UID != latest.UID {
			t.Errorf("expected unseal material to be owned by the stack, got %+v", secret.OwnerReferences)
		}
	})

	t.Run("creates the CI admin Secret from the backend", func(t *testing.T) {
		secret := &corev1.Secret{}
		if err := k8sClient.Get(ctx, types.NamespacedName{Name: paths.CIAdminSecretName(stackName), Namespace: namespace}, secret); err != nil {
			t.Fatalf("expected CI admin Secret: %v", err)
		}
		kvPath, err := paths.StaticSecretPath(namespace, stackName, constants.ComponentCIServer)
		if err != nil {
			t.Fatalf("StaticSecretPath: %v", err)
		}
		stored, _, ok := srv.KV(constants.MountPathKV, kvPath)
		if !ok {
			t.Fatalf("expected CI admin password in the backend")
		}
		if got := string(secret.Data[constants.SecretKeyCIAdminPassword]); got == "" || got != stored["admin-password"] {
			t.Errorf("CI admin password does not match the stored one")
		}
	})

	t.Run("creates valid job objects", func(t *testing.T) {
		job := &batchv1.Job{}
		if err := k8sClient.Get(ctx, types.NamespacedName{Name: paths.JobName(stackName, "seed"), Namespace: namespace}, job); err != nil {
			t.Fatalf("expected seed Job: %v", err)
		}
		if sa := job.Spec.Template.Spec.ServiceAccountName; sa != paths.JobServiceAccountName(stackName, "seed") {
			t.Errorf("seed Job runs as %q", sa)
		}
		cronJob := &batchv1.CronJob{}
		if err := k8sClient.Get(ctx, types.NamespacedName{Name: paths.JobName(stackName, "nightly"), Namespace: namespace}, cronJob); err != nil {
			t.Fatalf("expected nightly CronJob: %v", err)
		}
	})

	t.Run("tears down and releases the finalizer", func(t *testing.T) {
		if err := k8sClient.Delete(ctx, &latest); err != nil {
			t.Fatalf("delete Stack: %v", err)
		}
		reconcileUntil(t, r, key, func() bool {
			err := k8sClient.Get(ctx, key, &devstackv1alpha1.Stack{})
			return apierrors.IsNotFound(err)
		})

		err := k8sClient.Get(ctx, types.NamespacedName{Name: paths.UnsealMaterialSecretName(stackName), Namespace: namespace}, &corev1.Secret{})
		if !apierrors.IsNotFound(err) {
			t.Errorf("expected unseal material to be deleted, got %v", err)
		}
	})
}
