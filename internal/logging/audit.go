package logging

import (
	"strings"

	"github.com/go-logr/logr"
)

// Audit event types emitted by the operator.
const (
	EventBootstrapFreshInit          = "BootstrapFreshInit"
	EventBootstrapReinitialize       = "BootstrapReinitialize"
	EventBootstrapUnseal             = "BootstrapUnseal"
	EventUnsealMaterialStored        = "UnsealMaterialStored"
	EventUnsealMaterialDeleted       = "UnsealMaterialDeleted"
	EventSecretsEngineEnabled        = "SecretsEngineEnabled"
	EventDatabaseConnectionWritten   = "DatabaseConnectionWritten"
	EventDatabaseRoleWritten         = "DatabaseRoleWritten"
	EventStaticSecretCreated         = "StaticSecretCreated"
	EventJobAccessGranted            = "JobAccessGranted"
	EventStackTeardown               = "StackTeardown"
	EventStackTeardownStepFailed     = "StackTeardownStepFailed"
	EventPersistentVolumeClaimsReset = "PersistentVolumeClaimsReset"
)

// redacted replaces values whose key names a credential.
const redacted = "[REDACTED]"

var sensitiveKeyFragments = []string{"token", "password", "key", "secret"}

// LogAuditEvent logs a structured audit event for operator actions.
// Audit events are tagged with "audit=true" for filtering in log aggregation
// systems. Field values whose keys look like credentials are redacted.
func LogAuditEvent(logger logr.Logger, eventType string, fields map[string]string) {
	auditLogger := logger.WithValues("audit", "true", "event_type", eventType)
	for key, value := range fields {
		if isSensitiveKey(key) {
			value = redacted
		}
		auditLogger = auditLogger.WithValues(key, value)
	}
	auditLogger.Info("Operator audit event")
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	// Paths and names that merely mention a credential are safe to log.
	if strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_name") || strings.HasSuffix(k, "_count") {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}
