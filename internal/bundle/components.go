package bundle

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

// reservedKeys are top-level values the operator owns because object names
// and wiring derive from them. User values for them are dropped.
var reservedKeys = []string{"fullnameOverride", "nameOverride", "namespaceOverride"}

// ForComponent builds the bundle of a stack component: the default or
// overridden chart, operator values, the user's values merged over them, and
// the values the operator's wiring depends on applied last.
func ForComponent(stack *devstackv1alpha1.Stack, component string) (Bundle, error) {
	var (
		spec     *devstackv1alpha1.ComponentSpec
		chart    devstackv1alpha1.BundleReference
		base     map[string]any
		enforced map[string]any
		err      error
	)

	switch component {
	case constants.ComponentSecretsBackend:
		if stack.Spec.SecretsBackend == nil {
			return Bundle{}, fmt.Errorf("stack %s/%s has no secrets backend", stack.Namespace, stack.Name)
		}
		spec = &stack.Spec.SecretsBackend.ComponentSpec
		chart = devstackv1alpha1.BundleReference{
			Repository: constants.SecretsBackendChartRepo(),
			Chart:      constants.DefaultSecretsBackendChart,
			Version:    constants.DefaultSecretsBackendChartVersion,
		}
		base, err = secretsBackendValues(stack)
		enforced = map[string]any{"injector": map[string]any{"enabled": false}}
	case constants.ComponentDatabase:
		if stack.Spec.Database == nil {
			return Bundle{}, fmt.Errorf("stack %s/%s has no database", stack.Namespace, stack.Name)
		}
		spec = &stack.Spec.Database.ComponentSpec
		chart = devstackv1alpha1.BundleReference{
			Repository: constants.DatabaseChartRepo(),
			Chart:      constants.DefaultDatabaseChart,
			Version:    constants.DefaultDatabaseChartVersion,
		}
		base, err = databaseValues(stack)
		enforced = map[string]any{"auth": map[string]any{"enablePostgresUser": true}}
	case constants.ComponentCIServer:
		if stack.Spec.CIServer == nil {
			return Bundle{}, fmt.Errorf("stack %s/%s has no CI server", stack.Namespace, stack.Name)
		}
		spec = &stack.Spec.CIServer.ComponentSpec
		chart = devstackv1alpha1.BundleReference{
			Repository: constants.CIServerChartRepo(),
			Chart:      constants.DefaultCIServerChart,
			Version:    constants.DefaultCIServerChartVersion,
		}
		base, err = ciServerValues(stack.Spec.CIServer)
		enforced = map[string]any{"controller": map[string]any{"admin": map[string]any{
			"existingSecret": paths.CIAdminSecretName(stack.Name),
			"userKey":        constants.SecretKeyCIAdminUser,
			"passwordKey":    constants.SecretKeyCIAdminPassword,
		}}}
	default:
		return Bundle{}, fmt.Errorf("unknown component %q", component)
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to build %s values: %w", component, err)
	}

	if spec.Bundle != nil {
		chart = *spec.Bundle
	}

	user, err := DecodeValues(spec.Values)
	if err != nil {
		return Bundle{}, fmt.Errorf("invalid %s values: %w", component, err)
	}
	for _, k := range reservedKeys {
		delete(user, k)
	}

	return Bundle{
		Release:    paths.ReleaseName(stack.Name, component),
		Namespace:  stack.Namespace,
		Repository: chart.Repository,
		Chart:      chart.Chart,
		Version:    chart.Version,
		Values:     MergeValues(MergeValues(base, user), enforced),
	}, nil
}

func secretsBackendValues(stack *devstackv1alpha1.Stack) (map[string]any, error) {
	spec := stack.Spec.SecretsBackend
	values := map[string]any{}
	if spec.Replicas > 1 {
		setPath(values, true, "server", "ha", "enabled")
		setPath(values, int64(spec.Replicas), "server", "ha", "replicas")
		setPath(values, true, "server", "ha", "raft", "enabled")
		setPath(values, string(RenderRaftConfig(stack)), "server", "ha", "raft", "config")
	} else {
		setPath(values, true, "server", "standalone", "enabled")
	}
	setPath(values, true, "server", "dataStorage", "enabled")
	if spec.StorageSize != nil {
		setPath(values, quantity(spec.StorageSize), "server", "dataStorage", "size")
	}
	if err := setResources(values, spec.Resources, "server", "resources"); err != nil {
		return nil, err
	}
	return values, nil
}

func databaseValues(stack *devstackv1alpha1.Stack) (map[string]any, error) {
	spec := stack.Spec.Database
	values := map[string]any{}
	setPath(values, stack.DatabaseName(), "auth", "database")
	setPath(values, true, "primary", "persistence", "enabled")
	if spec.StorageSize != nil {
		setPath(values, quantity(spec.StorageSize), "primary", "persistence", "size")
	}
	if err := setResources(values, spec.Resources, "primary", "resources"); err != nil {
		return nil, err
	}
	return values, nil
}

func ciServerValues(spec *devstackv1alpha1.CIServerSpec) (map[string]any, error) {
	values := map[string]any{}
	if len(spec.Plugins) > 0 {
		plugins := make([]any, 0, len(spec.Plugins))
		for _, p := range spec.Plugins {
			plugins = append(plugins, p)
		}
		setPath(values, plugins, "controller", "installPlugins")
	}
	setPath(values, true, "persistence", "enabled")
	if spec.StorageSize != nil {
		setPath(values, quantity(spec.StorageSize), "persistence", "size")
	}
	if err := setResources(values, spec.Resources, "controller", "resources"); err != nil {
		return nil, err
	}
	return values, nil
}

func quantity(q *resource.Quantity) string {
	return q.String()
}

func setResources(values map[string]any, resources corev1.ResourceRequirements, keys ...string) error {
	if len(resources.Limits) == 0 && len(resources.Requests) == 0 {
		return nil
	}
	raw, err := json.Marshal(resources)
	if err != nil {
		return err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	setPath(values, out, keys...)
	return nil
}
