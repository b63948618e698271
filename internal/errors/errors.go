package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

// Transient errors indicate temporary conditions that should be retried
// after a short delay.

// ErrTransientConnection indicates a transient connection error that should be retried.
// This includes timeouts, connection refused, DNS resolution failures, and network unreachable errors.
var ErrTransientConnection = errors.New("transient connection error")

// ErrTransientKubernetesAPI indicates a transient Kubernetes API error that should be retried.
var ErrTransientKubernetesAPI = errors.New("transient Kubernetes API error")

// ErrTransientRemoteOverloaded indicates the secrets backend rejected a call
// with 429 or a 5xx status, or the client-side circuit breaker is open.
var ErrTransientRemoteOverloaded = errors.New("transient remote overload")

// Permanent errors indicate configuration or state issues that require user intervention.

// ErrPermanentConfig indicates a permanent configuration error that requires user intervention.
var ErrPermanentConfig = errors.New("permanent configuration error")

// ErrPermanentPrerequisitesMissing indicates that a dependency (for example a
// component that must be deployed first) is not available yet.
var ErrPermanentPrerequisitesMissing = errors.New("permanent prerequisites missing")

// ErrCorruption indicates that the secrets backend and its persisted unseal
// material disagree. The bootstrap state machine recovers from it by
// reinitializing; it is never surfaced on the Stack status.
var ErrCorruption = errors.New("secrets backend bootstrap state is corrupt")

var transientConnectionPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"dial tcp",
	"connection closed",
	"broken pipe",
}

// IsTransientConnection checks if an error is a transient connection error.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientConnection) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientConnectionPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsTransientKubernetesAPI checks if an error is a transient Kubernetes API error.
func IsTransientKubernetesAPI(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientKubernetesAPI) {
		return true
	}
	return apierrors.IsTooManyRequests(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsConflict(err)
}

// WrapTransientConnection wraps an error as a transient connection error.
// If the error is already a transient connection error, it is returned as-is.
func WrapTransientConnection(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientConnection, err)
}

// WrapTransientRemoteOverloaded wraps an error as a transient remote overload.
func WrapTransientRemoteOverloaded(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientRemoteOverloaded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientRemoteOverloaded, err)
}

// WrapTransientKubernetesAPI wraps an error as a transient Kubernetes API error.
func WrapTransientKubernetesAPI(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientKubernetesAPI) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientKubernetesAPI, err)
}

// WrapPermanentConfig wraps an error as a permanent configuration error.
func WrapPermanentConfig(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentConfig, err)
}

// WrapPermanentPrerequisitesMissing wraps an error as a permanent prerequisites missing error.
func WrapPermanentPrerequisitesMissing(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentPrerequisitesMissing, err)
}

// Corruption marks err as a bootstrap corruption signal.
func Corruption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// IsCorruption reports whether err signals corrupt bootstrap state.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsTransient checks if an error is transient (should be retried).
func IsTransient(err error) bool {
	return IsTransientConnection(err) || IsTransientKubernetesAPI(err) || errors.Is(err, ErrTransientRemoteOverloaded)
}

// IsPermanent checks if an error is permanent (requires user intervention).
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermanentConfig) || errors.Is(err, ErrPermanentPrerequisitesMissing)
}

// ShouldRequeue determines if an error should trigger a requeue and after how long.
// Transient errors requeue after a short delay, permanent errors do not requeue,
// and anything else is left to the controller-runtime backoff.
func ShouldRequeue(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if IsPermanent(err) {
		return false, 0
	}
	if IsTransient(err) {
		return true, constants.RequeueShort
	}
	return true, 0
}

// IsCRDMissingError checks if an error indicates that a CRD is not installed.
func IsCRDMissingError(err error) bool {
	if err == nil {
		return false
	}
	if meta.IsNoMatchError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no matches for kind") ||
		strings.Contains(msg, "no kind is registered for the type") ||
		strings.Contains(msg, "could not find the requested resource")
}

// WrapCRDMissing wraps an error as a permanent config error for missing CRDs.
func WrapCRDMissing(err error) error {
	if err == nil {
		return nil
	}
	if IsCRDMissingError(err) {
		return WrapPermanentConfig(fmt.Errorf("CRD not installed: %w", err))
	}
	return err
}
