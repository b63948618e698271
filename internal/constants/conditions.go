package constants

// Common condition reasons used by the operator for Stack status conditions.
const (
	// ReasonReady indicates every enabled component is serving.
	ReasonReady = "Ready"
	// ReasonError indicates a generic failure state.
	ReasonError = "Error"
	// ReasonReconciling indicates the stack is currently being reconciled.
	ReasonReconciling = "Reconciling"
	// ReasonIdle indicates reconciliation finished and nothing is in flight.
	ReasonIdle = "Idle"

	// ReasonComponentsNotReady indicates at least one enabled component is not serving.
	ReasonComponentsNotReady = "ComponentsNotReady"
	// ReasonNoComponents indicates the stack enables no components.
	ReasonNoComponents = "NoComponents"

	ReasonBundleFailed    = "BundleFailed"
	ReasonBootstrapFailed = "BootstrapFailed"
	ReasonWiringFailed    = "WiringFailed"
	ReasonReadyTimeout    = "ReadyTimeout"
	ReasonJobsFailed      = "JobsFailed"
)
