package constants

// Resource name suffixes used by the operator when creating per-stack resources.
const (
	SuffixUnsealMaterial = "-unseal-material"
	SuffixCIAdmin        = "-ci-admin"
	SuffixPostgres       = "-postgres"
	SuffixJobRole        = "-job-"

	// Release name suffixes; releases are named <stack>-<suffix>.
	SuffixReleaseSecretsBackend = "-openbao"
	SuffixReleaseDatabase       = "-db"
	SuffixReleaseCIServer       = "-ci"

	// Chart-managed object suffixes appended to the release name.
	SuffixChartPostgreSQL      = "-postgresql"
	SuffixChartJenkins         = "-jenkins"
	SuffixChartInternalService = "-internal"
)

// Keys inside operator-managed Secrets.
const (
	SecretKeyUnsealKeys       = "unseal-keys"
	SecretKeyRootToken        = "root-token" // #nosec G101 -- This is a Secret data key name, not a credential
	SecretKeyPostgresPassword = "postgres-password"
	SecretKeyCIAdminUser      = "jenkins-admin-user"
	SecretKeyCIAdminPassword  = "jenkins-admin-password" // #nosec G101 -- This is a Secret data key name, not a credential
)

// Component names reported in status and used in secrets backend paths.
const (
	ComponentSecretsBackend = "secrets-backend"
	ComponentDatabase       = "database"
	ComponentCIServer       = "ci-server"
)

// Well-known container names.
const (
	ContainerNameOpenBao = "openbao"
	ContainerNameJob     = "job"
)

// Controller names registered with the manager.
const (
	ControllerNameStack = "stack"
)
