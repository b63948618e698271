package constants

// Environment variable keys read by the operator.
const (
	// EnvLocalPortForward, when set, is the loopback address (for example
	// http://127.0.0.1:8200) used to reach the secrets backend instead of the pod IP.
	EnvLocalPortForward = "DEVSTACK_LOCAL_PORT_FORWARD"

	// EnvHelmDriver selects the Helm release storage driver (secret, configmap, memory).
	EnvHelmDriver = "HELM_DRIVER"

	// Bundle repository overrides for air-gapped installations.
	EnvSecretsBackendChartRepo = "DEVSTACK_SECRETS_BACKEND_CHART_REPO"
	EnvDatabaseChartRepo       = "DEVSTACK_DATABASE_CHART_REPO"
	EnvCIServerChartRepo       = "DEVSTACK_CI_SERVER_CHART_REPO"
)
