package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

// MountInput configures a secrets engine or auth method.
type MountInput struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// MountOutput describes an existing mount.
type MountOutput struct {
	Type    string            `json:"type"`
	Options map[string]string `json:"options,omitempty"`
}

// ListMounts returns the enabled secrets engines keyed by path without the
// trailing slash.
func (c *Client) ListMounts(ctx context.Context) (map[string]MountOutput, error) {
	return c.listMounts(ctx, constants.APIPathSysMounts, "list mounts")
}

// EnableMount enables a secrets engine at path.
func (c *Client) EnableMount(ctx context.Context, path string, input MountInput) error {
	return c.call(ctx, http.MethodPost, constants.APIPathSysMounts+"/"+escapePath(path), input, nil, "enable mount "+path)
}

// ListAuth returns the enabled auth methods keyed by path without the trailing slash.
func (c *Client) ListAuth(ctx context.Context) (map[string]MountOutput, error) {
	return c.listMounts(ctx, constants.APIPathSysAuth, "list auth methods")
}

// EnableAuth enables an auth method at path.
func (c *Client) EnableAuth(ctx context.Context, path string, input MountInput) error {
	return c.call(ctx, http.MethodPost, constants.APIPathSysAuth+"/"+escapePath(path), input, nil, "enable auth "+path)
}

// WritePolicy creates or replaces an ACL policy.
func (c *Client) WritePolicy(ctx context.Context, name, policy string) error {
	in := map[string]string{"policy": policy}
	return c.call(ctx, http.MethodPut, constants.APIPathSysPoliciesACL+"/"+url.PathEscape(name), in, nil, "write policy "+name)
}

// listMounts decodes both the legacy top-level layout and the "data" envelope
// of the mount listing endpoints.
func (c *Client) listMounts(ctx context.Context, path, op string) (map[string]MountOutput, error) {
	var raw map[string]json.RawMessage
	if err := c.call(ctx, http.MethodGet, path, nil, &raw, op); err != nil {
		return nil, err
	}

	source := raw
	if data, ok := raw["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, fmt.Errorf("failed to parse %s response: %w", op, err)
		}
		source = nested
	}

	mounts := make(map[string]MountOutput, len(source))
	for key, value := range source {
		if !strings.HasSuffix(key, "/") {
			continue
		}
		var m MountOutput
		if err := json.Unmarshal(value, &m); err != nil {
			continue
		}
		mounts[strings.TrimSuffix(key, "/")] = m
	}
	return mounts, nil
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
