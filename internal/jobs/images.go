package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
)

// DefaultDigestCacheTTL is how long a resolved tag is reused before the
// registry is asked again.
const DefaultDigestCacheTTL = 5 * time.Minute

// ImageResolver turns an image reference into a digest reference.
type ImageResolver interface {
	Resolve(ctx context.Context, image string) (string, error)
}

// DigestResolver resolves tags with a registry HEAD request. Results are
// cached per tag for a TTL.
type DigestResolver struct {
	keychain authn.Keychain
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]resolvedDigest
}

type resolvedDigest struct {
	ref     string
	expires time.Time
}

// NewDigestResolver creates a DigestResolver that authenticates with the
// operator's default keychain.
func NewDigestResolver(ttl time.Duration) *DigestResolver {
	if ttl <= 0 {
		ttl = DefaultDigestCacheTTL
	}
	return &DigestResolver{
		keychain: authn.DefaultKeychain,
		ttl:      ttl,
		now:      time.Now,
		cache:    map[string]resolvedDigest{},
	}
}

// Resolve returns image as "<repository>@sha256:...". A reference that
// already carries a digest is returned as-is.
func (d *DigestResolver) Resolve(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", operatorerrors.WrapPermanentConfig(fmt.Errorf("invalid image reference %q: %w", image, err))
	}
	if digest, ok := ref.(name.Digest); ok {
		return digest.String(), nil
	}

	key := ref.Name()
	d.mu.Lock()
	cached, ok := d.cache[key]
	d.mu.Unlock()
	if ok && d.now().Before(cached.expires) {
		return cached.ref, nil
	}

	desc, err := remote.Head(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(d.keychain))
	if err != nil {
		return "", operatorerrors.WrapTransientConnection(fmt.Errorf("failed to resolve image digest of %q: %w", image, err))
	}
	digest, err := name.NewDigest(fmt.Sprintf("%s@%s", ref.Context().Name(), desc.Digest.String()))
	if err != nil {
		return "", fmt.Errorf("failed to create digest reference: %w", err)
	}

	d.mu.Lock()
	d.cache[key] = resolvedDigest{ref: digest.String(), expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return digest.String(), nil
}
