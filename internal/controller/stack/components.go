package stack

import (
	"fmt"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
)

// ComponentKind names one of the components a stack can deploy.
type ComponentKind string

const (
	ComponentSecretsBackend ComponentKind = constants.ComponentSecretsBackend
	ComponentDatabase       ComponentKind = constants.ComponentDatabase
	ComponentCIServer       ComponentKind = constants.ComponentCIServer
)

// componentOrder is the order components are reconciled in. The secrets
// backend comes first because the others are wired through it.
var componentOrder = []ComponentKind{
	ComponentSecretsBackend,
	ComponentDatabase,
	ComponentCIServer,
}

// Enabled reports whether the stack deploys the component.
func (k ComponentKind) Enabled(stack *devstackv1alpha1.Stack) (bool, error) {
	switch k {
	case ComponentSecretsBackend:
		return stack.SecretsBackendEnabled(), nil
	case ComponentDatabase:
		return stack.DatabaseEnabled(), nil
	case ComponentCIServer:
		return stack.CIServerEnabled(), nil
	default:
		return false, fmt.Errorf("unknown component kind %q", k)
	}
}

// EnabledComponents returns the enabled components in reconcile order.
func EnabledComponents(stack *devstackv1alpha1.Stack) []ComponentKind {
	var out []ComponentKind
	for _, kind := range componentOrder {
		if on, _ := kind.Enabled(stack); on {
			out = append(out, kind)
		}
	}
	return out
}
