package secretstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// KubernetesAuthConfig configures the kubernetes auth method.
type KubernetesAuthConfig struct {
	KubernetesHost       string `json:"kubernetes_host"`
	KubernetesCACert     string `json:"kubernetes_ca_cert,omitempty"`
	TokenReviewerJWT     string `json:"token_reviewer_jwt,omitempty"`
	DisableISSValidation bool   `json:"disable_iss_validation"`
}

// KubernetesRole binds service accounts to policies.
type KubernetesRole struct {
	BoundServiceAccountNames      []string `json:"bound_service_account_names"`
	BoundServiceAccountNamespaces []string `json:"bound_service_account_namespaces"`
	TokenPolicies                 []string `json:"token_policies"`
	TokenTTL                      int      `json:"token_ttl,omitempty"`
}

// WriteKubernetesAuthConfig writes auth/<mount>/config.
func (c *Client) WriteKubernetesAuthConfig(ctx context.Context, mount string, cfg KubernetesAuthConfig) error {
	path := "/v1/auth/" + escapePath(mount) + "/config"
	return c.call(ctx, http.MethodPost, path, cfg, nil, "write kubernetes auth config")
}

// WriteKubernetesRole creates or replaces auth/<mount>/role/<name>.
func (c *Client) WriteKubernetesRole(ctx context.Context, mount, name string, role KubernetesRole) error {
	path := "/v1/auth/" + escapePath(mount) + "/role/" + url.PathEscape(name)
	return c.call(ctx, http.MethodPost, path, role, nil, "write kubernetes role "+name)
}

// ReadKubernetesAuthConfig reads auth/<mount>/config. An unconfigured method
// matches ErrNotFound.
func (c *Client) ReadKubernetesAuthConfig(ctx context.Context, mount string) (*KubernetesAuthConfig, error) {
	var out struct {
		Data *KubernetesAuthConfig `json:"data"`
	}
	path := "/v1/auth/" + escapePath(mount) + "/config"
	if err := c.call(ctx, http.MethodGet, path, nil, &out, "read kubernetes auth config"); err != nil {
		return nil, err
	}
	if out.Data == nil || out.Data.KubernetesHost == "" {
		return nil, fmt.Errorf("read kubernetes auth config: %w", ErrNotFound)
	}
	return out.Data, nil
}
