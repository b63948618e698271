package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"

	"github.com/go-logr/logr"

	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/logging"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// staticSecretBytes is the entropy of a generated static secret.
const staticSecretBytes = 32

// GetOrCreateStaticSecret returns the value stored under key at the KV path,
// generating and storing a random value when there is none. Writes use
// check-and-set so concurrent callers converge on a single value: the loser
// of a race returns the winner's value.
func GetOrCreateStaticSecret(ctx context.Context, logger logr.Logger, api secretstore.API, path, key string) (string, error) {
	current, err := api.ReadKV(ctx, constants.MountPathKV, path)
	cas := 0
	data := map[string]string{}
	switch {
	case err == nil:
		if value, ok := current.Data[key]; ok && value != "" {
			return value, nil
		}
		cas = current.Version
		data = maps.Clone(current.Data)
	case errors.Is(err, secretstore.ErrNotFound):
		cas = secretstore.DeletedVersion(err)
	default:
		return "", fmt.Errorf("failed to read static secret %s: %w", path, err)
	}

	value, err := generateSecret()
	if err != nil {
		return "", err
	}
	data[key] = value

	if _, err := api.WriteKV(ctx, constants.MountPathKV, path, data, &cas); err != nil {
		if !errors.Is(err, secretstore.ErrCASMismatch) {
			return "", fmt.Errorf("failed to write static secret %s: %w", path, err)
		}
		winner, readErr := api.ReadKV(ctx, constants.MountPathKV, path)
		if readErr != nil {
			return "", fmt.Errorf("failed to re-read static secret %s after concurrent write: %w", path, readErr)
		}
		if value, ok := winner.Data[key]; ok && value != "" {
			return value, nil
		}
		return "", fmt.Errorf("static secret %s changed concurrently without key %q", path, key)
	}

	logging.LogAuditEvent(logger, logging.EventStaticSecretCreated, map[string]string{
		"secret_path": path,
		"field_name":  key,
	})
	return value, nil
}

func generateSecret() (string, error) {
	raw := make([]byte, staticSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
