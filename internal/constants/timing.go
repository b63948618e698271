package constants

import "time"

// Requeue intervals used by controllers.
const (
	RequeueImmediate = 1 * time.Second
	RequeueShort     = 5 * time.Second
	RequeueStandard  = 1 * time.Minute
)

// Polling intervals used while waiting on the secrets backend and components.
const (
	ReachabilityBackoff   = 2 * time.Second
	PodPollInterval       = 2 * time.Second
	ComponentPollInterval = 5 * time.Second

	DefaultComponentReadyTimeout = 10 * time.Minute
)
