package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

type engine struct {
	path  string
	input secretstore.MountInput
}

var requiredEngines = []engine{
	{
		path: constants.MountPathDatabase,
		input: secretstore.MountInput{
			Type:        constants.MountTypeDatabase,
			Description: "Dynamic database credentials",
		},
	},
	{
		path: constants.MountPathKV,
		input: secretstore.MountInput{
			Type:        constants.MountTypeKV,
			Description: "Static stack credentials",
			Options:     map[string]string{"version": "2"},
		},
	},
}

// ensureEngines enables the secrets engines and the kubernetes auth method
// that are missing. Nothing is written when everything is already in place.
func (m *Machine) ensureEngines(ctx context.Context, logger logr.Logger, api secretstore.API) error {
	mounts, err := api.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list secrets engines: %w", err)
	}
	for _, e := range requiredEngines {
		if _, ok := mounts[e.path]; ok {
			continue
		}
		if err := api.EnableMount(ctx, e.path, e.input); err != nil {
			return fmt.Errorf("failed to enable %s secrets engine at %s: %w", e.input.Type, e.path, err)
		}
		logging.LogAuditEvent(logger, logging.EventSecretsEngineEnabled, map[string]string{
			"mount_path": e.path,
			"type":       e.input.Type,
		})
	}

	auths, err := api.ListAuth(ctx)
	if err != nil {
		return fmt.Errorf("failed to list auth methods: %w", err)
	}
	if _, ok := auths[constants.MountPathKubernetesAuth]; !ok {
		input := secretstore.MountInput{Type: constants.MountTypeKubernetesAuth, Description: "Stack job identities"}
		if err := api.EnableAuth(ctx, constants.MountPathKubernetesAuth, input); err != nil {
			return fmt.Errorf("failed to enable kubernetes auth method: %w", err)
		}
		logging.LogAuditEvent(logger, logging.EventSecretsEngineEnabled, map[string]string{
			"mount_path": "auth/" + constants.MountPathKubernetesAuth,
			"type":       constants.MountTypeKubernetesAuth,
		})
	}

	_, err = api.ReadKubernetesAuthConfig(ctx, constants.MountPathKubernetesAuth)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, secretstore.ErrNotFound):
		return fmt.Errorf("failed to read kubernetes auth config: %w", err)
	}

	// The backend runs in-cluster and reviews tokens with its own service account.
	cfg := secretstore.KubernetesAuthConfig{KubernetesHost: m.opts.KubernetesHost}
	if err := api.WriteKubernetesAuthConfig(ctx, constants.MountPathKubernetesAuth, cfg); err != nil {
		return fmt.Errorf("failed to configure kubernetes auth method: %w", err)
	}
	return nil
}
