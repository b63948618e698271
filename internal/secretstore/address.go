package secretstore

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
)

// AddressOptions controls how the backend address is derived from its pod.
type AddressOptions struct {
	// LocalOverride, when set, is used instead of the pod IP. It is the
	// loopback address of a port-forward when the operator runs outside the cluster.
	LocalOverride string
	// Scheme defaults to http.
	Scheme string
	// Port defaults to constants.SecretsBackendPort.
	Port int
}

// LocalOverrideFromEnv returns the port-forward override from the environment, if any.
func LocalOverrideFromEnv() string {
	return strings.TrimSpace(os.Getenv(constants.EnvLocalPortForward))
}

// ResolveBaseAddress chooses the address the operator uses to reach the
// backend pod: the local override when configured, otherwise the pod IP.
func ResolveBaseAddress(pod *corev1.Pod, opts AddressOptions) (string, error) {
	if override := strings.TrimSpace(opts.LocalOverride); override != "" {
		if !strings.Contains(override, "://") {
			override = "http://" + override
		}
		if _, err := parseBaseURL(override); err != nil {
			return "", operatorerrors.WrapPermanentConfig(err)
		}
		return strings.TrimSuffix(override, "/"), nil
	}

	if pod == nil {
		return "", operatorerrors.WrapPermanentPrerequisitesMissing(fmt.Errorf("secrets backend pod not found"))
	}
	if pod.Status.PodIP == "" {
		return "", operatorerrors.WrapPermanentPrerequisitesMissing(
			fmt.Errorf("secrets backend pod %s/%s has no IP yet", pod.Namespace, pod.Name))
	}

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := opts.Port
	if port == 0 {
		port = constants.SecretsBackendPort
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(port))), nil
}

// WaitUntilReachable polls the health endpoint with a fixed backoff until the
// backend answers with any state-encoding status. It returns only when the
// backend is reachable or ctx is done.
func (c *Client) WaitUntilReachable(ctx context.Context) (*HealthResponse, error) {
	for {
		health, err := c.Health(ctx)
		if err == nil {
			return health, nil
		}

		timer := time.NewTimer(c.reachabilityBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("secrets backend at %s not reachable: %w (last error: %v)", c.BaseAddress(), ctx.Err(), err)
		case <-timer.C:
		}
	}
}
