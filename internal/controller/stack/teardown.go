package stack

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bootstrap"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	controllermetrics "github.com/dc-tec/devstack-operator/internal/controller"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

// TeardownAction is one kind of teardown step.
type TeardownAction string

const (
	TeardownUninstall            TeardownAction = "Uninstall"
	TeardownDeleteUnsealMaterial TeardownAction = "DeleteUnsealMaterial"
	TeardownDeleteVolumeClaims   TeardownAction = "DeleteVolumeClaims"
)

// TeardownStep is one step of a teardown plan.
type TeardownStep struct {
	Name      string
	Action    TeardownAction
	Component ComponentKind
	// Release is set for TeardownUninstall.
	Release string
}

// PlanTeardown returns the ordered steps that remove a stack. Consumers go
// before the secrets backend, and the backend's data goes before its
// release. Every component is covered whether or not it is enabled, since a
// component disabled after install can still have objects left; each step
// tolerates absence.
func PlanTeardown(stack *devstackv1alpha1.Stack) []TeardownStep {
	uninstall := func(kind ComponentKind) TeardownStep {
		return TeardownStep{
			Name:      "uninstall-" + string(kind),
			Action:    TeardownUninstall,
			Component: kind,
			Release:   paths.ReleaseName(stack.Name, string(kind)),
		}
	}
	return []TeardownStep{
		uninstall(ComponentCIServer),
		uninstall(ComponentDatabase),
		{Name: "delete-unseal-material", Action: TeardownDeleteUnsealMaterial, Component: ComponentSecretsBackend},
		{Name: "delete-volume-claims", Action: TeardownDeleteVolumeClaims, Component: ComponentSecretsBackend},
		uninstall(ComponentSecretsBackend),
	}
}

// teardown runs the whole plan. A failed step is logged and counted; it
// never stops the remaining steps.
func (r *StackReconciler) teardown(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, metrics *controllermetrics.StackMetrics) {
	plan := PlanTeardown(stack)
	logging.LogAuditEvent(logger, logging.EventStackTeardown, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"step_count":      strconv.Itoa(len(plan)),
	})

	for _, step := range plan {
		if err := r.runTeardownStep(ctx, logger, stack, step); err != nil {
			logger.Error(err, "Teardown step failed; continuing", "step", step.Name)
			logging.LogAuditEvent(logger, logging.EventStackTeardownStepFailed, map[string]string{
				"stack_namespace": stack.Namespace,
				"stack_name":      stack.Name,
				"step_name":       step.Name,
				"error":           err.Error(),
			})
			metrics.RecordTeardownStepFailure(step.Name)
			continue
		}
		logger.V(1).Info("Teardown step done", "step", step.Name)
	}
}

func (r *StackReconciler) runTeardownStep(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, step TeardownStep) error {
	switch step.Action {
	case TeardownUninstall:
		return r.uninstallWhenFree(ctx, stack.Namespace, step.Release)
	case TeardownDeleteUnsealMaterial:
		return r.bootstrap.Materials().Delete(ctx, stack)
	case TeardownDeleteVolumeClaims:
		claims, err := bootstrap.DeleteVolumeClaims(ctx, r.Client, stack)
		if err != nil {
			return err
		}
		if len(claims) > 0 {
			logger.Info("Deleted secrets backend volume claims", "count", len(claims))
		}
		return nil
	default:
		return fmt.Errorf("unknown teardown action %q", step.Action)
	}
}

// uninstallWhenFree retries Uninstall while another worker holds the release,
// up to the component ready timeout.
func (r *StackReconciler) uninstallWhenFree(ctx context.Context, namespace, release string) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, r.opts.ComponentPollInterval, r.opts.ComponentReadyTimeout, true, func(ctx context.Context) (bool, error) {
		lastErr = r.deployer.Uninstall(ctx, namespace, release)
		if errors.Is(lastErr, bundle.ErrReleaseBusy) {
			return false, nil
		}
		return true, lastErr
	})
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		return fmt.Errorf("%w: %w", err, lastErr)
	}
	return err
}
