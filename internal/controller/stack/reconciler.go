/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stack contains the controller that deploys a Stack's components,
// wires them together through the secrets backend and tears them down when
// the Stack is deleted.
package stack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bootstrap"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	"github.com/dc-tec/devstack-operator/internal/constants"
	controllermetrics "github.com/dc-tec/devstack-operator/internal/controller"
	"github.com/dc-tec/devstack-operator/internal/credentials"
	"github.com/dc-tec/devstack-operator/internal/health"
	"github.com/dc-tec/devstack-operator/internal/jobs"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
	"github.com/dc-tec/devstack-operator/internal/status"
)

// Options configures a StackReconciler.
type Options struct {
	// Address controls how the secrets backend is reached from the operator.
	Address secretstore.AddressOptions
	// SecretStore is the client configuration template; StackKey is filled
	// in per stack.
	SecretStore secretstore.ClientConfig
	// SecretStoreFactory defaults to secretstore.DefaultFactory.
	SecretStoreFactory secretstore.Factory
	// ComponentReadyTimeout bounds the wait for each component to become
	// ready. Defaults to constants.DefaultComponentReadyTimeout.
	ComponentReadyTimeout time.Duration
	// ComponentPollInterval defaults to constants.ComponentPollInterval.
	ComponentPollInterval time.Duration
	// PodPollInterval is passed to the bootstrap machine.
	PodPollInterval time.Duration
	// ImageResolver pins job images to digests; nil resolves against the
	// registry.
	ImageResolver jobs.ImageResolver
	// MaxConcurrentReconciles defaults to 2.
	MaxConcurrentReconciles int
}

// StackReconciler reconciles a Stack object.
type StackReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	deployer    bundle.Deployer
	bootstrap   *bootstrap.Machine
	credentials *credentials.Provisioner
	jobs        *jobs.Reconciler
	health      *health.Checker
	opts        Options
}

// NewStackReconciler creates a StackReconciler that deploys bundles with
// deployer.
func NewStackReconciler(c client.Client, scheme *runtime.Scheme, deployer bundle.Deployer, opts Options) *StackReconciler {
	if opts.SecretStoreFactory == nil {
		opts.SecretStoreFactory = secretstore.DefaultFactory
	}
	if opts.ComponentReadyTimeout <= 0 {
		opts.ComponentReadyTimeout = constants.DefaultComponentReadyTimeout
	}
	if opts.ComponentPollInterval <= 0 {
		opts.ComponentPollInterval = constants.ComponentPollInterval
	}
	if opts.MaxConcurrentReconciles <= 0 {
		opts.MaxConcurrentReconciles = 2
	}
	return &StackReconciler{
		Client:   c,
		Scheme:   scheme,
		deployer: deployer,
		bootstrap: bootstrap.NewMachine(c, bootstrap.Options{
			Address:         opts.Address,
			PodPollInterval: opts.PodPollInterval,
		}),
		credentials: credentials.NewProvisioner(c),
		jobs:        jobs.NewReconciler(c, opts.ImageResolver),
		health:      health.NewChecker(c),
		opts:        opts,
	}
}

// The controller runs with a ClusterRole covering Stacks, the objects the
// bundles render, the backend's pods and claims, and Jobs/CronJobs.
// +kubebuilder:rbac:groups=devstack.dc-tec.io,resources=stacks,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=devstack.dc-tec.io,resources=stacks/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=devstack.dc-tec.io,resources=stacks/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets;serviceaccounts;services;configmaps;persistentvolumeclaims,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;delete
// +kubebuilder:rbac:groups=apps,resources=statefulsets;deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=batch,resources=jobs;cronjobs,verbs=get;list;watch;create;update;patch;delete

// Reconcile moves a Stack towards its declared components: every enabled
// component is deployed, becomes ready and is wired before the next one is
// touched.
func (r *StackReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	reconcileMetrics := controllermetrics.NewReconcileMetrics(req.Namespace, req.Name, constants.ControllerNameStack)
	stackMetrics := controllermetrics.NewStackMetrics(req.Namespace, req.Name)
	startTime := time.Now()
	var reconcileErr error
	defer func() {
		reconcileMetrics.ObserveDuration(time.Since(startTime).Seconds())
		if reconcileErr != nil {
			reconcileMetrics.IncrementError(metricReason(reconcileErr))
		}
	}()

	logger := log.FromContext(ctx).WithValues(
		"stack_namespace", req.Namespace,
		"stack_name", req.Name,
		"controller", constants.ControllerNameStack,
	)

	stack := &devstackv1alpha1.Stack{}
	if err := r.Get(ctx, req.NamespacedName, stack); err != nil {
		if apierrors.IsNotFound(err) {
			logger.V(1).Info("Stack not found; assuming it was deleted")
			return ctrl.Result{}, nil
		}
		reconcileErr = fmt.Errorf("failed to get Stack %s/%s: %w", req.Namespace, req.Name, err)
		return ctrl.Result{}, reconcileErr
	}

	if !stack.DeletionTimestamp.IsZero() {
		if !controllerutil.ContainsFinalizer(stack, devstackv1alpha1.StackFinalizer) {
			return ctrl.Result{}, nil
		}
		logger.Info("Stack is marked for deletion; tearing down")

		original := stack.DeepCopy()
		status.MarkTerminating(stack, "tearing down components")
		if err := r.patchStatus(ctx, original, stack); err != nil {
			logger.V(1).Info("Could not record terminating status", "error", err.Error())
		}
		stackMetrics.SetPhase(devstackv1alpha1.StackPhaseTerminating)

		r.teardown(ctx, logger, stack, stackMetrics)

		controllerutil.RemoveFinalizer(stack, devstackv1alpha1.StackFinalizer)
		if err := r.Update(ctx, stack); err != nil && !apierrors.IsNotFound(err) {
			reconcileErr = fmt.Errorf("failed to remove finalizer from Stack %s/%s: %w", stack.Namespace, stack.Name, err)
			return ctrl.Result{}, reconcileErr
		}
		stackMetrics.Clear()
		secretstore.ForgetStack(secretStoreKey(stack))
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(stack, devstackv1alpha1.StackFinalizer) {
		controllerutil.AddFinalizer(stack, devstackv1alpha1.StackFinalizer)
		if err := r.Update(ctx, stack); err != nil {
			reconcileErr = fmt.Errorf("failed to add finalizer to Stack %s/%s: %w", stack.Namespace, stack.Name, err)
			return ctrl.Result{}, reconcileErr
		}
		return ctrl.Result{RequeueAfter: constants.RequeueImmediate}, nil
	}

	if stack.Status.ObservedGeneration != stack.Generation || stack.Status.Phase == "" {
		original := stack.DeepCopy()
		status.MarkReconciling(stack, fmt.Sprintf("reconciling generation %d", stack.Generation))
		if err := r.patchStatus(ctx, original, stack); err != nil {
			reconcileErr = err
			return ctrl.Result{}, reconcileErr
		}
	}

	original := stack.DeepCopy()
	result, err := r.reconcileActive(ctx, logger, stack, stackMetrics)
	if errors.Is(err, bundle.ErrReleaseBusy) {
		logger.Info("A release has an operation in flight; retrying shortly", "reason", err.Error())
		status.MarkReconciling(stack, err.Error())
		if patchErr := r.patchStatus(ctx, original, stack); patchErr != nil {
			reconcileErr = patchErr
			return ctrl.Result{}, reconcileErr
		}
		return ctrl.Result{RequeueAfter: constants.RequeueShort}, nil
	}
	if err != nil {
		logger.Error(err, "Stack reconcile failed")
		status.MarkError(stack, conditionReason(err), err.Error())
		if patchErr := r.patchStatus(ctx, original, stack); patchErr != nil {
			logger.Error(patchErr, "Failed to record error status")
		}
		stackMetrics.SetPhase(stack.Status.Phase)
		reconcileErr = err
		return ctrl.Result{}, reconcileErr
	}

	if err := r.patchStatus(ctx, original, stack); err != nil {
		reconcileErr = err
		return ctrl.Result{}, reconcileErr
	}
	stackMetrics.SetPhase(stack.Status.Phase)
	logger.V(1).Info("Stack reconciled", "phase", stack.Status.Phase, "requeue_after", result.RequeueAfter.String())
	return ctrl.Result{RequeueAfter: result.RequeueAfter}, nil
}

func (r *StackReconciler) patchStatus(ctx context.Context, original, stack *devstackv1alpha1.Stack) error {
	if err := r.Status().Patch(ctx, stack, client.MergeFrom(original)); err != nil {
		return fmt.Errorf("failed to update status of Stack %s/%s: %w", stack.Namespace, stack.Name, err)
	}
	return nil
}

func (r *StackReconciler) secretStoreClient(stack *devstackv1alpha1.Stack) (secretstore.API, error) {
	cfg := r.opts.SecretStore
	cfg.StackKey = secretStoreKey(stack)
	api, err := r.opts.SecretStoreFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets backend client: %w", err)
	}
	return api, nil
}

func secretStoreKey(stack *devstackv1alpha1.Stack) string {
	return stack.Namespace + "/" + stack.Name
}

func componentLogger(logger logr.Logger, kind ComponentKind) logr.Logger {
	return logger.WithValues("component", string(kind))
}
