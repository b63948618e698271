package secretstore

import (
	"context"
	"net/http"
	"net/url"
)

// DatabaseConfig is a database secrets engine connection.
type DatabaseConfig struct {
	PluginName       string   `json:"plugin_name"`
	ConnectionURL    string   `json:"connection_url"`
	AllowedRoles     []string `json:"allowed_roles"`
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	VerifyConnection *bool    `json:"verify_connection,omitempty"`
}

// DatabaseRole is a dynamic credential role.
type DatabaseRole struct {
	DBName             string   `json:"db_name"`
	CreationStatements []string `json:"creation_statements"`
	DefaultTTL         int      `json:"default_ttl"`
	MaxTTL             int      `json:"max_ttl"`
}

// WriteDatabaseConfig creates or replaces the connection config at
// <mount>/config/<name>.
func (c *Client) WriteDatabaseConfig(ctx context.Context, mount, name string, cfg DatabaseConfig) error {
	path := "/v1/" + escapePath(mount) + "/config/" + url.PathEscape(name)
	return c.call(ctx, http.MethodPost, path, cfg, nil, "write database config "+name)
}

// WriteDatabaseRole creates or replaces <mount>/roles/<name>.
func (c *Client) WriteDatabaseRole(ctx context.Context, mount, name string, role DatabaseRole) error {
	path := "/v1/" + escapePath(mount) + "/roles/" + url.PathEscape(name)
	return c.call(ctx, http.MethodPost, path, role, nil, "write database role "+name)
}

// ReadDatabaseRole reads <mount>/roles/<name>. A missing role matches ErrNotFound.
func (c *Client) ReadDatabaseRole(ctx context.Context, mount, name string) (*DatabaseRole, error) {
	var out struct {
		Data DatabaseRole `json:"data"`
	}
	path := "/v1/" + escapePath(mount) + "/roles/" + url.PathEscape(name)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, "read database role "+name); err != nil {
		return nil, err
	}
	return &out.Data, nil
}
