// Package paths derives the names and secrets backend paths of everything the
// operator creates for a stack. Every user-controlled segment is validated
// before it is joined, so no input can introduce a path separator.
package paths

import (
	"fmt"
	"net/url"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

// JobsSegment groups per-job secrets under a stack's path.
const JobsSegment = "jobs"

// ValidateSegment rejects values that are unsafe as a single path segment.
func ValidateSegment(segment string) error {
	switch {
	case segment == "":
		return fmt.Errorf("path segment must not be empty")
	case strings.Contains(segment, "/"):
		return fmt.Errorf("path segment %q must not contain '/'", segment)
	case segment == "." || segment == "..":
		return fmt.Errorf("path segment %q is not allowed", segment)
	}
	if errs := validation.IsDNS1123Label(segment); len(errs) > 0 {
		return fmt.Errorf("path segment %q is invalid: %s", segment, strings.Join(errs, "; "))
	}
	return nil
}

// Join validates and escapes each segment and joins them with '/'.
func Join(segments ...string) (string, error) {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if err := ValidateSegment(s); err != nil {
			return "", err
		}
		escaped = append(escaped, url.PathEscape(s))
	}
	return strings.Join(escaped, "/"), nil
}

// StaticSecretPath is the KV path of a component's static credentials:
// <namespace>/<stack>/<component>.
func StaticSecretPath(namespace, stack, component string) (string, error) {
	return Join(namespace, stack, component)
}

// JobSecretPath is the KV path prefix a job may read:
// <namespace>/<stack>/jobs/<job>.
func JobSecretPath(namespace, stack, job string) (string, error) {
	return Join(namespace, stack, JobsSegment, job)
}

// ConnectionName is the database secrets engine connection of a stack.
func ConnectionName(stack string) (string, error) {
	if err := ValidateSegment(stack); err != nil {
		return "", err
	}
	return stack + constants.SuffixPostgres, nil
}

// RoleName is the dynamic database role of a consumer: <stack>-<consumer>.
func RoleName(stack, consumer string) (string, error) {
	if _, err := Join(stack, consumer); err != nil {
		return "", err
	}
	return stack + "-" + consumer, nil
}

// JobRoleName names the kubernetes auth role and ACL policy of a job:
// <stack>-job-<job>.
func JobRoleName(stack, job string) (string, error) {
	if _, err := Join(stack, job); err != nil {
		return "", err
	}
	return stack + constants.SuffixJobRole + job, nil
}

// JobName is the Kubernetes Job or CronJob name of a stack job.
func JobName(stack, job string) string {
	return stack + "-" + job
}

// JobServiceAccountName is the service account a stack job runs as. The
// kubernetes auth role of a job with secret access is bound to it.
func JobServiceAccountName(stack, job string) string {
	return JobName(stack, job)
}

// ReleaseName returns the bundle release name of a component.
func ReleaseName(stack, component string) string {
	switch component {
	case constants.ComponentSecretsBackend:
		return stack + constants.SuffixReleaseSecretsBackend
	case constants.ComponentDatabase:
		return stack + constants.SuffixReleaseDatabase
	case constants.ComponentCIServer:
		return stack + constants.SuffixReleaseCIServer
	default:
		return stack + "-" + component
	}
}

// UnsealMaterialSecretName is the Secret holding a stack's unseal keys and root token.
func UnsealMaterialSecretName(stack string) string {
	return stack + constants.SuffixUnsealMaterial
}

// CIAdminSecretName is the Secret the CI bundle reads its admin credentials from.
func CIAdminSecretName(stack string) string {
	return stack + constants.SuffixCIAdmin
}

// DatabaseFullName is the chart-managed name of the database StatefulSet,
// Service and admin Secret.
func DatabaseFullName(stack string) string {
	return ReleaseName(stack, constants.ComponentDatabase) + constants.SuffixChartPostgreSQL
}

// DatabaseServiceHost is the in-cluster address of the database service.
func DatabaseServiceHost(namespace, stack string) string {
	return fmt.Sprintf("%s.%s.svc:%d", DatabaseFullName(stack), namespace, constants.DatabasePort)
}

// SecretsBackendServiceAddress is the in-cluster URL of the secrets backend
// service that jobs authenticate against.
func SecretsBackendServiceAddress(namespace, stack string) string {
	return fmt.Sprintf("http://%s.%s.svc:%d", ReleaseName(stack, constants.ComponentSecretsBackend), namespace, constants.SecretsBackendPort)
}

// SecretsBackendPodName is the name of the backend pod with the given
// StatefulSet ordinal. Ordinal 0 is the pod that is initialized.
func SecretsBackendPodName(stack string, ordinal int) string {
	return fmt.Sprintf("%s-%d", ReleaseName(stack, constants.ComponentSecretsBackend), ordinal)
}

// SecretsBackendPeerAddress is the URL raft followers join the cluster
// through: the ordinal-0 pod behind the chart's headless internal service.
func SecretsBackendPeerAddress(namespace, stack string) string {
	release := ReleaseName(stack, constants.ComponentSecretsBackend)
	return fmt.Sprintf("http://%s.%s%s.%s.svc:%d",
		SecretsBackendPodName(stack, 0), release, constants.SuffixChartInternalService, namespace, constants.SecretsBackendPort)
}

// CIServerFullName is the chart-managed name of the CI StatefulSet.
func CIServerFullName(stack string) string {
	return ReleaseName(stack, constants.ComponentCIServer) + constants.SuffixChartJenkins
}

// SecretsBackendSelector selects the secrets backend pods and volume claims of a stack.
func SecretsBackendSelector(stack string) map[string]string {
	return map[string]string{
		constants.LabelAppName:     constants.ContainerNameOpenBao,
		constants.LabelAppInstance: ReleaseName(stack, constants.ComponentSecretsBackend),
	}
}
