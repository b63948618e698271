package secretstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// KVSecret is the current version of a KV v2 secret.
type KVSecret struct {
	Data    map[string]string
	Version int
}

type kvReadResponse struct {
	Data struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			Version int `json:"version"`
		} `json:"metadata"`
	} `json:"data"`
}

type kvWriteRequest struct {
	Options map[string]int    `json:"options,omitempty"`
	Data    map[string]string `json:"data"`
}

type kvWriteResponse struct {
	Data struct {
		Version int `json:"version"`
	} `json:"data"`
}

func kvDataPath(mount, path string) string {
	return "/v1/" + escapePath(mount) + "/data/" + escapePath(path)
}

type kvMetadataResponse struct {
	Data struct {
		CurrentVersion int `json:"current_version"`
	} `json:"data"`
}

func kvMetadataPath(mount, path string) string {
	return "/v1/" + escapePath(mount) + "/metadata/" + escapePath(path)
}

// ReadKV reads the latest version of a KV v2 secret. A missing or deleted
// secret matches ErrNotFound; a deleted one is reported as *KVDeletedError.
func (c *Client) ReadKV(ctx context.Context, mount, path string) (*KVSecret, error) {
	var out kvReadResponse
	err := c.call(ctx, http.MethodGet, kvDataPath(mount, path), nil, &out, "read kv "+path)
	if err == nil && out.Data.Data == nil {
		err = fmt.Errorf("read kv %s: %w", path, ErrNotFound)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, c.kvMissing(ctx, mount, path, err)
	}

	data := make(map[string]string, len(out.Data.Data))
	for k, v := range out.Data.Data {
		switch tv := v.(type) {
		case string:
			data[k] = tv
		default:
			data[k] = fmt.Sprint(tv)
		}
	}
	return &KVSecret{Data: data, Version: out.Data.Metadata.Version}, nil
}

// WriteKV writes a new version of a KV v2 secret. When cas is non-nil the
// write only succeeds if the current version equals *cas (0 means "must not
// exist"); a mismatch returns ErrCASMismatch.
func (c *Client) WriteKV(ctx context.Context, mount, path string, data map[string]string, cas *int) (int, error) {
	in := kvWriteRequest{Data: data}
	if cas != nil {
		in.Options = map[string]int{"cas": *cas}
	}

	var out kvWriteResponse
	err := c.call(ctx, http.MethodPost, kvDataPath(mount, path), in, &out, "write kv "+path)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && mentionsCAS(apiErr.Errors) {
			return 0, fmt.Errorf("write kv %s: %w", path, ErrCASMismatch)
		}
		return 0, err
	}
	return out.Data.Version, nil
}

// kvMissing tells a secret that never existed from a soft-deleted one. The
// data endpoint answers 404 for both; the metadata keeps the version.
func (c *Client) kvMissing(ctx context.Context, mount, path string, notFound error) error {
	var meta kvMetadataResponse
	err := c.call(ctx, http.MethodGet, kvMetadataPath(mount, path), nil, &meta, "read kv metadata "+path)
	switch {
	case errors.Is(err, ErrNotFound):
		return notFound
	case err != nil:
		return err
	case meta.Data.CurrentVersion == 0:
		return notFound
	}
	return &KVDeletedError{Path: path, Version: meta.Data.CurrentVersion}
}

func mentionsCAS(messages []string) bool {
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m), "check-and-set") {
			return true
		}
	}
	return false
}
