// Package bootstrap brings a stack's secrets backend from "just deployed" to
// initialized, unsealed and holding a validated root token, recovering from
// inconsistent state by reinitializing.
package bootstrap

// Action is the step chosen for an observed bootstrap state.
type Action string

const (
	// ActionFreshInit initializes an empty backend.
	ActionFreshInit Action = "FreshInit"
	// ActionReinitialize wipes the backend storage and unseal material, then
	// initializes from scratch.
	ActionReinitialize Action = "Reinitialize"
	// ActionValidateThenUnseal unseals with the stored shares and validates the
	// stored root token.
	ActionValidateThenUnseal Action = "ValidateThenUnseal"
	// ActionValidateOnly adopts and validates the stored root token.
	ActionValidateOnly Action = "ValidateOnly"
)

// Observation is what the backend reports about itself plus whether the
// stack's unseal material exists.
type Observation struct {
	Initialized     bool
	Sealed          bool
	MaterialPresent bool
}

// Decide maps an observation to the action that converges it.
//
//	initialized  material  sealed    action
//	false        false     -         FreshInit
//	false        true      -         Reinitialize
//	true         false     -         Reinitialize
//	true         true      true      ValidateThenUnseal
//	true         true      false     ValidateOnly
func Decide(obs Observation) Action {
	switch {
	case !obs.Initialized && !obs.MaterialPresent:
		return ActionFreshInit
	case obs.Initialized != obs.MaterialPresent:
		return ActionReinitialize
	case obs.Sealed:
		return ActionValidateThenUnseal
	default:
		return ActionValidateOnly
	}
}
