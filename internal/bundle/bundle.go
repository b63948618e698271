// Package bundle deploys the packaged manifests of stack components as
// releases and reports on what is installed.
package bundle

import (
	"context"
	"errors"
)

// ErrReleaseBusy is returned when a release has an install, upgrade or
// rollback in flight and cannot be changed yet.
var ErrReleaseBusy = errors.New("release has an operation in progress")

// Bundle is one release of a chart with the values it is rendered with.
type Bundle struct {
	// Release is the release name. Chart-managed object names derive from it.
	Release   string
	Namespace string
	// Repository is the chart repository URL. An oci:// repository is joined
	// with Chart to form the reference; an empty one treats Chart as a
	// reference or local path.
	Repository string
	Chart      string
	Version    string
	Values     map[string]any
}

// Deployer installs, upgrades and removes bundles.
type Deployer interface {
	// InstallOrUpgrade installs the bundle or upgrades its release. It reports
	// whether anything changed; a release already at the requested version
	// with equal values is left alone.
	InstallOrUpgrade(ctx context.Context, b Bundle) (bool, error)
	// Uninstall removes a release. A missing release is not an error.
	Uninstall(ctx context.Context, namespace, release string) error
	// IsInstalled reports whether a release exists.
	IsInstalled(ctx context.Context, namespace, release string) (bool, error)
	// GetCurrentValues returns the user-supplied values of the current
	// revision of a release.
	GetCurrentValues(ctx context.Context, namespace, release string) (map[string]any, error)
}
