package secretstore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned by read operations when the path does not exist.
	ErrNotFound = errors.New("secret store path not found")

	// ErrCASMismatch is returned by WriteKV when the check-and-set version no
	// longer matches the stored version.
	ErrCASMismatch = errors.New("check-and-set version mismatch")
)

// KVDeletedError is returned by ReadKV when the latest version of a KV v2
// secret is soft-deleted. It matches ErrNotFound. Version is the deleted
// version, which a check-and-set write must name to replace it.
type KVDeletedError struct {
	Path    string
	Version int
}

func (e *KVDeletedError) Error() string {
	return fmt.Sprintf("read kv %s: version %d is deleted", e.Path, e.Version)
}

func (e *KVDeletedError) Is(target error) bool {
	return target == ErrNotFound
}

// DeletedVersion returns the soft-deleted version carried by err, or 0 when
// the secret never existed.
func DeletedVersion(err error) int {
	var deleted *KVDeletedError
	if errors.As(err, &deleted) {
		return deleted.Version
	}
	return 0
}

// APIError is returned for any non-2xx response from the secrets backend.
// Errors carries the backend's own error strings.
type APIError struct {
	Op         string
	StatusCode int
	Errors     []string
}

func (e *APIError) Error() string {
	detail := strings.Join(e.Errors, "; ")
	if detail == "" {
		detail = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, detail)
}

// Is lets 404 responses match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRejected reports whether the backend answered with a 4xx status other
// than 404. A rejected unseal key or token shows up this way.
func IsRejected(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500 && code != http.StatusNotFound && code != http.StatusTooManyRequests
}
