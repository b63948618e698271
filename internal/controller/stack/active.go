package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bootstrap"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	"github.com/dc-tec/devstack-operator/internal/constants"
	controllermetrics "github.com/dc-tec/devstack-operator/internal/controller"
	"github.com/dc-tec/devstack-operator/internal/credentials"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
	"github.com/dc-tec/devstack-operator/internal/health"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/paths"
	"github.com/dc-tec/devstack-operator/internal/reconcile"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
	"github.com/dc-tec/devstack-operator/internal/status"
)

// ciAdminPasswordKey is the KV key holding the CI administrator password.
const ciAdminPasswordKey = "admin-password" // #nosec G101 -- KV key name, not a credential

// reconcileActive runs the component pipeline, the stack jobs and the health
// pass. It leaves the outcome on stack.Status.
func (r *StackReconciler) reconcileActive(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, metrics *controllermetrics.StackMetrics) (reconcile.Result, error) {
	var api secretstore.API

	for _, kind := range componentOrder {
		enabled, err := kind.Enabled(stack)
		if err != nil {
			return reconcile.Result{}, err
		}
		if !enabled {
			if err := r.removeDisabled(ctx, componentLogger(logger, kind), stack, kind); err != nil {
				return reconcile.Result{}, err
			}
			continue
		}
		if err := r.reconcileComponent(ctx, componentLogger(logger, kind), stack, kind, &api); err != nil {
			return reconcile.Result{}, err
		}
	}

	result := reconcile.Result{RequeueAfter: constants.RequeueStandard}

	pending, failedJobs, err := r.reconcileJobs(ctx, logger, stack, api)
	if err != nil {
		return reconcile.Result{}, stageFailed(constants.ReasonJobsFailed, err)
	}
	if pending {
		result = result.Merge(reconcile.Result{RequeueAfter: constants.RequeueShort})
	}

	components := make([]devstackv1alpha1.ComponentStatus, 0, len(componentOrder))
	for _, kind := range EnabledComponents(stack) {
		componentStatus, err := r.health.Check(ctx, stack, string(kind), api)
		if err != nil {
			return reconcile.Result{}, err
		}
		metrics.SetComponentReady(string(kind), componentStatus.Ready)
		components = append(components, componentStatus)
	}
	stack.Status.Components = components

	conditionType, reason, message := health.Aggregate(components)
	if len(failedJobs) > 0 {
		jobsMessage := "jobs failed: " + strings.Join(failedJobs, ", ")
		if conditionType == devstackv1alpha1.ConditionReady {
			conditionType, reason, message = devstackv1alpha1.ConditionDegraded, constants.ReasonJobsFailed, jobsMessage
		} else {
			message += "; " + jobsMessage
		}
	}
	if conditionType == devstackv1alpha1.ConditionReady {
		status.MarkReady(stack, reason, message)
	} else {
		status.MarkDegraded(stack, reason, message)
		result = result.Merge(reconcile.Result{RequeueAfter: constants.RequeueShort})
	}
	return result, nil
}

// reconcileComponent deploys, waits for and wires one component. api is set
// once the secrets backend is ready so later components can be wired
// through it.
func (r *StackReconciler) reconcileComponent(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, kind ComponentKind, api *secretstore.API) error {
	switch kind {
	case ComponentSecretsBackend:
		ready, err := r.reconcileSecretsBackend(ctx, logger, stack)
		if err != nil {
			return err
		}
		*api = ready
		return nil
	case ComponentDatabase:
		return r.reconcileDatabase(ctx, logger, stack, *api)
	case ComponentCIServer:
		return r.reconcileCIServer(ctx, logger, stack, *api)
	default:
		return fmt.Errorf("unknown component kind %q", kind)
	}
}

// reconcileSecretsBackend deploys the backend and bootstraps it. The backend
// pod only turns ready once unsealed, so bootstrapping is its readiness wait.
func (r *StackReconciler) reconcileSecretsBackend(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack) (secretstore.API, error) {
	if err := r.deploy(ctx, logger, stack, ComponentSecretsBackend); err != nil {
		return nil, err
	}

	api, err := r.secretStoreClient(stack)
	if err != nil {
		return nil, stageFailed(constants.ReasonBootstrapFailed, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, r.opts.ComponentReadyTimeout)
	defer cancel()
	result, err := r.bootstrap.Ensure(readyCtx, logger, stack, api)
	recordBootstrap(stack, result)
	if err != nil {
		if errors.Is(readyCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, stageFailed(constants.ReasonReadyTimeout,
				fmt.Errorf("%s not ready after %s: %w", ComponentSecretsBackend, r.opts.ComponentReadyTimeout, err))
		}
		return nil, stageFailed(constants.ReasonBootstrapFailed, fmt.Errorf("failed to bootstrap %s: %w", ComponentSecretsBackend, err))
	}
	if _, err := r.bootstrap.UnsealFollowers(readyCtx, logger, stack, func() (secretstore.API, error) {
		return r.secretStoreClient(stack)
	}); err != nil {
		return nil, stageFailed(constants.ReasonBootstrapFailed, fmt.Errorf("failed to unseal %s raft followers: %w", ComponentSecretsBackend, err))
	}
	logger.Info("Secrets backend ready", "action", string(result.Action))
	return api, nil
}

func recordBootstrap(stack *devstackv1alpha1.Stack, result *bootstrap.Result) {
	if result == nil {
		return
	}
	if stack.Status.SecretsBackend == nil {
		stack.Status.SecretsBackend = &devstackv1alpha1.SecretsBackendStatus{}
	}
	observed := stack.Status.SecretsBackend
	if result.Action != "" {
		observed.LastBootstrapAction = string(result.Action)
	}
	if result.Reinitialized {
		now := metav1.Now()
		observed.LastReinitializeTime = &now
	}
	if result.Health != nil {
		observed.Initialized = result.Health.Initialized
		observed.Sealed = result.Health.Sealed
	}
}

// reconcileDatabase deploys the database, waits for it and, when the secrets
// backend is deployed, points the database engine at it.
func (r *StackReconciler) reconcileDatabase(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) error {
	if err := r.deploy(ctx, logger, stack, ComponentDatabase); err != nil {
		return err
	}
	if err := r.waitReady(ctx, logger, stack, ComponentDatabase); err != nil {
		return err
	}

	if api == nil {
		if len(stack.Spec.Database.Consumers) > 0 {
			return stageFailed(constants.ReasonWiringFailed, operatorerrors.WrapPermanentPrerequisitesMissing(
				fmt.Errorf("database consumers need the secrets backend")))
		}
		return nil
	}
	if err := r.credentials.EnsureDatabaseCredentials(ctx, logger, api, stack); err != nil {
		return stageFailed(constants.ReasonWiringFailed, err)
	}
	return nil
}

// reconcileCIServer stores the CI administrator credentials before the CI
// bundle is deployed so the server starts with them.
func (r *StackReconciler) reconcileCIServer(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) error {
	if api == nil {
		return stageFailed(constants.ReasonWiringFailed, operatorerrors.WrapPermanentPrerequisitesMissing(
			fmt.Errorf("%s needs the secrets backend for its administrator credentials", ComponentCIServer)))
	}
	if err := r.ensureCIAdminSecret(ctx, logger, stack, api); err != nil {
		return stageFailed(constants.ReasonWiringFailed, err)
	}
	if err := r.deploy(ctx, logger, stack, ComponentCIServer); err != nil {
		return err
	}
	return r.waitReady(ctx, logger, stack, ComponentCIServer)
}

func (r *StackReconciler) ensureCIAdminSecret(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) error {
	path, err := paths.StaticSecretPath(stack.Namespace, stack.Name, constants.ComponentCIServer)
	if err != nil {
		return operatorerrors.WrapPermanentConfig(err)
	}
	password, err := credentials.GetOrCreateStaticSecret(ctx, logger, api, path, ciAdminPasswordKey)
	if err != nil {
		return err
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            paths.CIAdminSecretName(stack.Name),
			Namespace:       stack.Namespace,
			Labels:          kube.StackLabels(stack, constants.LabelValueComponentCIAdmin),
			OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(stack)},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			constants.SecretKeyCIAdminUser:     []byte(stack.CIAdminUser()),
			constants.SecretKeyCIAdminPassword: []byte(password),
		},
	}
	return kube.CreateOrReplaceSecret(ctx, r.Client, secret)
}

// deploy installs or upgrades the component's bundle.
func (r *StackReconciler) deploy(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, kind ComponentKind) error {
	b, err := bundle.ForComponent(stack, string(kind))
	if err != nil {
		return stageFailed(constants.ReasonBundleFailed, operatorerrors.WrapPermanentConfig(err))
	}
	changed, err := r.deployer.InstallOrUpgrade(ctx, b)
	if err != nil {
		if errors.Is(err, bundle.ErrReleaseBusy) {
			return fmt.Errorf("release %s: %w", b.Release, err)
		}
		return stageFailed(constants.ReasonBundleFailed, fmt.Errorf("failed to deploy %s bundle %s: %w", kind, b.Release, err))
	}
	if changed {
		logger.Info("Deployed bundle", "release", b.Release, "chart", b.Chart, "version", b.Version)
	}
	return nil
}

// waitReady polls the component's health until it is ready or the ready
// timeout expires.
func (r *StackReconciler) waitReady(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, kind ComponentKind) error {
	var last devstackv1alpha1.ComponentStatus
	err := wait.PollUntilContextTimeout(ctx, r.opts.ComponentPollInterval, r.opts.ComponentReadyTimeout, true, func(ctx context.Context) (bool, error) {
		componentStatus, err := r.health.Check(ctx, stack, string(kind), nil)
		if err != nil {
			return false, err
		}
		last = componentStatus
		if !componentStatus.Ready {
			logger.V(1).Info("Waiting for component", "status", componentStatus.Message)
		}
		return componentStatus.Ready, nil
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && ctx.Err() == nil {
		return stageFailed(constants.ReasonReadyTimeout,
			fmt.Errorf("%s not ready after %s: %s", kind, r.opts.ComponentReadyTimeout, last.Message))
	}
	return fmt.Errorf("failed to wait for %s: %w", kind, err)
}

// removeDisabled uninstalls the release of a component that is no longer
// enabled. Stored data (volume claims, unseal material) is kept so the
// component can be enabled again.
func (r *StackReconciler) removeDisabled(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, kind ComponentKind) error {
	release := paths.ReleaseName(stack.Name, string(kind))
	installed, err := r.deployer.IsInstalled(ctx, stack.Namespace, release)
	if err != nil {
		return stageFailed(constants.ReasonBundleFailed, fmt.Errorf("failed to look up release %s: %w", release, err))
	}
	if !installed {
		return nil
	}
	if err := r.deployer.Uninstall(ctx, stack.Namespace, release); err != nil {
		return stageFailed(constants.ReasonBundleFailed, fmt.Errorf("failed to uninstall disabled %s release %s: %w", kind, release, err))
	}
	logger.Info("Uninstalled disabled component", "release", release)
	return nil
}

// reconcileJobs grants secret access, then creates and prunes the stack's
// jobs. It returns whether a replaced job is still terminating and the
// names of failed one-shot jobs.
func (r *StackReconciler) reconcileJobs(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) (bool, []string, error) {
	for _, job := range stack.Spec.Jobs {
		if !job.SecretAccess {
			continue
		}
		if api == nil {
			return false, nil, operatorerrors.WrapPermanentPrerequisitesMissing(
				fmt.Errorf("job %s has secret access but the secrets backend is not enabled", job.Name))
		}
		if err := credentials.ConfigureJobAccess(ctx, logger, api, stack, job); err != nil {
			return false, nil, err
		}
	}

	pending, err := r.jobs.Ensure(ctx, logger, stack)
	if err != nil {
		return false, nil, err
	}

	states, err := r.jobs.Status(ctx, stack)
	if err != nil {
		return false, nil, err
	}
	var failed []string
	for _, job := range stack.Spec.Jobs {
		if states[job.Name] == "Failed" {
			failed = append(failed, job.Name)
		}
	}
	return pending, failed, nil
}
