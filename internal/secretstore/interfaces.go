package secretstore

import "context"

// API is the subset of the secrets backend used by bootstrap and credential
// provisioning. *Client implements it.
type API interface {
	SetSessionToken(token string)
	SessionToken() string
	SetBaseAddress(address string) error
	BaseAddress() string

	Health(ctx context.Context) (*HealthResponse, error)
	WaitUntilReachable(ctx context.Context) (*HealthResponse, error)
	Init(ctx context.Context, shares, threshold int) (*InitResponse, error)
	Unseal(ctx context.Context, key string) (*UnsealResponse, error)
	LookupSelf(ctx context.Context) (*TokenLookup, error)

	ListMounts(ctx context.Context) (map[string]MountOutput, error)
	EnableMount(ctx context.Context, path string, input MountInput) error
	ListAuth(ctx context.Context) (map[string]MountOutput, error)
	EnableAuth(ctx context.Context, path string, input MountInput) error
	WritePolicy(ctx context.Context, name, policy string) error

	WriteDatabaseConfig(ctx context.Context, mount, name string, cfg DatabaseConfig) error
	WriteDatabaseRole(ctx context.Context, mount, name string, role DatabaseRole) error
	ReadDatabaseRole(ctx context.Context, mount, name string) (*DatabaseRole, error)

	ReadKV(ctx context.Context, mount, path string) (*KVSecret, error)
	WriteKV(ctx context.Context, mount, path string, data map[string]string, cas *int) (int, error)

	ReadKubernetesAuthConfig(ctx context.Context, mount string) (*KubernetesAuthConfig, error)
	WriteKubernetesAuthConfig(ctx context.Context, mount string, cfg KubernetesAuthConfig) error
	WriteKubernetesRole(ctx context.Context, mount, name string, role KubernetesRole) error
}

var _ API = (*Client)(nil)

// Factory builds a Client for a stack.
type Factory func(config ClientConfig) (API, error)

// DefaultFactory builds real HTTP clients.
func DefaultFactory(config ClientConfig) (API, error) {
	return NewClient(config)
}
