package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// Options configures a Machine.
type Options struct {
	// Address controls how the backend address is derived from its pod.
	Address secretstore.AddressOptions
	// PodPollInterval defaults to constants.PodPollInterval.
	PodPollInterval time.Duration
	// KubernetesHost is written into the kubernetes auth config. Defaults to
	// constants.KubernetesAPIHost.
	KubernetesHost string
}

// Result reports what a bootstrap pass did.
type Result struct {
	// Action is the action that brought the backend to ready. It is
	// ActionReinitialize whenever the pass had to reinitialize.
	Action Action
	// Reinitialized is true when storage and unseal material were reset.
	Reinitialized bool
	// Health is the backend state at the end of the pass.
	Health *secretstore.HealthResponse
}

// Machine drives a stack's secrets backend to initialized, unsealed and
// authenticated. It keeps no state between calls; every pass starts from
// what the backend and the cluster report.
type Machine struct {
	client    client.Client
	materials *MaterialStore
	opts      Options
}

// NewMachine creates a Machine.
func NewMachine(c client.Client, opts Options) *Machine {
	if opts.PodPollInterval <= 0 {
		opts.PodPollInterval = constants.PodPollInterval
	}
	if opts.KubernetesHost == "" {
		opts.KubernetesHost = constants.KubernetesAPIHost
	}
	return &Machine{
		client:    c,
		materials: NewMaterialStore(c),
		opts:      opts,
	}
}

// Materials exposes the unseal material store used by the machine.
func (m *Machine) Materials() *MaterialStore {
	return m.materials
}

// Ensure runs one bootstrap pass. On success the root token is adopted on
// api and the database, KV v2 and kubernetes auth engines are enabled.
// Inconsistent state is repaired by reinitializing, at most once per call.
// Waits for the backend pod and its API block until ctx is done.
func (m *Machine) Ensure(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) (*Result, error) {
	logger = logger.WithValues("component", constants.ComponentSecretsBackend)
	result := &Result{}

	var replaced map[string]struct{}
	for {
		health, err := m.connect(ctx, logger, stack, api, replaced)
		if err != nil {
			return result, err
		}

		material, present, err := m.materials.Load(ctx, stack)
		if err != nil {
			return result, err
		}

		action := Decide(Observation{
			Initialized:     health.Initialized,
			Sealed:          health.Sealed,
			MaterialPresent: present,
		})
		logger.V(1).Info("Observed secrets backend state",
			"initialized", health.Initialized,
			"sealed", health.Sealed,
			"materialPresent", present,
			"action", action)

		switch action {
		case ActionFreshInit:
			err = m.freshInit(ctx, logger, stack, api)
		case ActionValidateThenUnseal:
			err = m.validateThenUnseal(ctx, logger, stack, api, material)
		case ActionValidateOnly:
			err = m.validateOnly(ctx, api, material)
		case ActionReinitialize:
			err = operatorerrors.Corruption("backend initialized=%t but unseal material present=%t", health.Initialized, present)
		default:
			return result, fmt.Errorf("unknown bootstrap action %q", action)
		}

		if operatorerrors.IsCorruption(err) {
			if result.Reinitialized {
				recordFailure(ActionReinitialize)
				return result, fmt.Errorf("secrets backend still inconsistent after reinitialization: %s", err.Error())
			}
			logger.Info("Secrets backend state is inconsistent; reinitializing", "reason", err.Error())
			replaced, err = m.reinitialize(ctx, logger, stack)
			if err != nil {
				recordFailure(ActionReinitialize)
				return result, err
			}
			result.Reinitialized = true
			result.Action = ActionReinitialize
			recordAction(ActionReinitialize)
			continue
		}
		if err != nil {
			recordFailure(action)
			return result, err
		}

		if result.Action == "" {
			result.Action = action
		}
		recordAction(action)
		break
	}

	if err := m.ensureEngines(ctx, logger, api); err != nil {
		return result, err
	}

	health, err := api.Health(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read secrets backend health after bootstrap: %w", err)
	}
	result.Health = health
	return result, nil
}

// connect waits for a running backend pod that is not in replaced, points
// api at it and waits until its API answers.
func (m *Machine) connect(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API, replaced map[string]struct{}) (*secretstore.HealthResponse, error) {
	pod, err := m.waitForPod(ctx, logger, stack, replaced)
	if err != nil {
		return nil, err
	}

	address, err := secretstore.ResolveBaseAddress(pod, m.opts.Address)
	if err != nil {
		return nil, err
	}
	if err := api.SetBaseAddress(address); err != nil {
		return nil, operatorerrors.WrapPermanentConfig(err)
	}

	logger.V(1).Info("Waiting for secrets backend API", "pod", pod.Name, "address", address)
	return api.WaitUntilReachable(ctx)
}

func (m *Machine) freshInit(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API) error {
	shares, threshold := stack.KeyShares(), stack.KeyThreshold()

	resp, err := api.Init(ctx, shares, threshold)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets backend: %w", err)
	}

	material := &Material{Keys: resp.KeysBase64, RootToken: resp.RootToken}
	if err := m.materials.Save(ctx, stack, material); err != nil {
		return err
	}
	logging.LogAuditEvent(logger, logging.EventUnsealMaterialStored, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"share_count":     strconv.Itoa(len(material.Keys)),
	})

	if len(material.Keys) < threshold {
		return fmt.Errorf("secrets backend returned %d key shares, need %d", len(material.Keys), threshold)
	}
	unsealed, err := submitShares(ctx, api, material.Keys[:threshold])
	if err != nil {
		return fmt.Errorf("failed to unseal freshly initialized secrets backend: %w", err)
	}
	if !unsealed {
		return fmt.Errorf("secrets backend still sealed after %d key shares", threshold)
	}

	api.SetSessionToken(material.RootToken)
	logging.LogAuditEvent(logger, logging.EventBootstrapFreshInit, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
		"share_count":     strconv.Itoa(shares),
		"threshold":       strconv.Itoa(threshold),
	})
	return nil
}

func (m *Machine) validateThenUnseal(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, api secretstore.API, material *Material) error {
	if !material.usable() {
		return operatorerrors.Corruption("stored unseal material is incomplete")
	}

	unsealed, err := submitShares(ctx, api, material.Keys)
	if err != nil {
		if secretstore.IsRejected(err) {
			return operatorerrors.Corruption("stored unseal key rejected: %v", err)
		}
		return fmt.Errorf("failed to unseal secrets backend: %w", err)
	}
	if !unsealed {
		return operatorerrors.Corruption("stored unseal keys do not reach the unseal threshold")
	}

	logging.LogAuditEvent(logger, logging.EventBootstrapUnseal, map[string]string{
		"stack_namespace": stack.Namespace,
		"stack_name":      stack.Name,
	})
	return m.validateOnly(ctx, api, material)
}

func (m *Machine) validateOnly(ctx context.Context, api secretstore.API, material *Material) error {
	if material == nil || material.RootToken == "" {
		return operatorerrors.Corruption("stored root token is missing")
	}

	api.SetSessionToken(material.RootToken)
	if _, err := api.LookupSelf(ctx); err != nil {
		if secretstore.IsRejected(err) {
			api.SetSessionToken("")
			return operatorerrors.Corruption("stored root token rejected: %v", err)
		}
		return fmt.Errorf("failed to validate root token: %w", err)
	}
	return nil
}

// submitShares submits keys in order until the backend reports unsealed.
// A share that was already accepted in the current unseal attempt is ignored
// by the backend, so resubmitting after an interrupted pass is safe.
func submitShares(ctx context.Context, api secretstore.API, keys []string) (bool, error) {
	for _, key := range keys {
		resp, err := api.Unseal(ctx, key)
		if err != nil {
			return false, err
		}
		if !resp.Sealed {
			return true, nil
		}
	}
	return false, nil
}
