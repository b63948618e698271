package constants

// Secrets backend API paths used by the operator.
const (
	APIPathSysHealth       = "/v1/sys/health"
	APIPathSysInit         = "/v1/sys/init"
	APIPathSysUnseal       = "/v1/sys/unseal"
	APIPathSysMounts       = "/v1/sys/mounts"
	APIPathSysAuth         = "/v1/sys/auth"
	APIPathSysPoliciesACL  = "/v1/sys/policies/acl"
	APIPathTokenLookupSelf = "/v1/auth/token/lookup-self"
)

// Engine mount paths enabled during bootstrap.
const (
	MountPathDatabase       = "database"
	MountPathKV             = "secret"
	MountPathKubernetesAuth = "kubernetes"

	MountTypeDatabase       = "database"
	MountTypeKV             = "kv"
	MountTypeKubernetesAuth = "kubernetes"
)

// PluginNamePostgreSQL is the database plugin used for dynamic PostgreSQL credentials.
const PluginNamePostgreSQL = "postgresql-database-plugin"

// Port the secrets backend API listens on.
const SecretsBackendPort = 8200

// Port raft peers replicate over.
const SecretsBackendClusterPort = 8201

// SecretsBackendDataPath is where the chart mounts the backend's data volume.
const SecretsBackendDataPath = "/openbao/data"

// Port the database service listens on.
const DatabasePort = 5432
