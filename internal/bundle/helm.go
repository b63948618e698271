package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	helmkube "helm.sh/helm/v3/pkg/kube"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

const (
	defaultHelmTimeout = 5 * time.Minute
	// maxReleaseHistory bounds the revisions kept per release.
	maxReleaseHistory = 5
)

// HelmOptions configures a HelmDeployer.
type HelmOptions struct {
	// Driver is the release storage driver. Defaults to $HELM_DRIVER, then "secret".
	Driver string
	// CacheDir holds downloaded charts and repository indexes. Defaults to a
	// directory under os.TempDir().
	CacheDir string
	// Timeout bounds a single install, upgrade or uninstall.
	Timeout time.Duration
	Logger  logr.Logger
}

// HelmDeployer deploys bundles as Helm v3 releases.
type HelmDeployer struct {
	logger   logr.Logger
	settings *cli.EnvSettings
	driver   string
	timeout  time.Duration
	registry *registry.Client

	// configure and loadChart are replaced in tests.
	configure func(namespace string) (*action.Configuration, error)
	loadChart func(ctx context.Context, cfg *action.Configuration, b Bundle) (*chart.Chart, error)

	// One operation at a time per release.
	locks sync.Map
}

var _ Deployer = (*HelmDeployer)(nil)

// NewHelmDeployer creates a HelmDeployer using in-cluster or kubeconfig
// credentials, the same way the helm CLI resolves them.
func NewHelmDeployer(opts HelmOptions) (*HelmDeployer, error) {
	if opts.Driver == "" {
		opts.Driver = os.Getenv(constants.EnvHelmDriver)
	}
	if opts.Driver == "" {
		opts.Driver = "secret"
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "devstack-helm")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHelmTimeout
	}

	settings := cli.New()
	settings.RepositoryCache = filepath.Join(opts.CacheDir, "repository")
	settings.RepositoryConfig = filepath.Join(opts.CacheDir, "repositories.yaml")
	settings.RegistryConfig = filepath.Join(opts.CacheDir, "registry", "config.json")

	rc, err := registry.NewClient(
		registry.ClientOptEnableCache(true),
		registry.ClientOptCredentialsFile(settings.RegistryConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chart registry client: %w", err)
	}

	d := &HelmDeployer{
		logger:   opts.Logger,
		settings: settings,
		driver:   opts.Driver,
		timeout:  opts.Timeout,
		registry: rc,
	}
	d.configure = d.actionConfig
	d.loadChart = d.locateChart
	return d, nil
}

func (d *HelmDeployer) actionConfig(namespace string) (*action.Configuration, error) {
	cfg := new(action.Configuration)
	getter := helmkube.GetConfig(d.settings.KubeConfig, d.settings.KubeContext, namespace)
	logger := d.logger.WithValues("namespace", namespace)
	debug := func(format string, v ...interface{}) {
		logger.V(2).Info(fmt.Sprintf(format, v...))
	}
	if err := cfg.Init(getter, namespace, d.driver, debug); err != nil {
		return nil, fmt.Errorf("failed to initialize helm for namespace %s: %w", namespace, err)
	}
	cfg.RegistryClient = d.registry
	return cfg, nil
}

func (d *HelmDeployer) locateChart(_ context.Context, cfg *action.Configuration, b Bundle) (*chart.Chart, error) {
	install := action.NewInstall(cfg)
	install.SetRegistryClient(d.registry)
	install.Version = b.Version

	ref := b.Chart
	switch {
	case registry.IsOCI(b.Repository):
		ref = strings.TrimSuffix(b.Repository, "/") + "/" + b.Chart
	case b.Repository != "":
		install.RepoURL = b.Repository
	}

	path, err := install.LocateChart(ref, d.settings)
	if err != nil {
		return nil, fmt.Errorf("failed to locate chart %s version %q: %w", ref, b.Version, err)
	}
	chrt, err := loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", path, err)
	}
	return chrt, nil
}

// lock claims the release for one operation. A release already claimed by
// another caller yields ErrReleaseBusy.
func (d *HelmDeployer) lock(namespace, release string) (func(), error) {
	m, _ := d.locks.LoadOrStore(namespace+"/"+release, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("release %s/%s is being changed by another worker: %w", namespace, release, ErrReleaseBusy)
	}
	return mu.Unlock, nil
}

// InstallOrUpgrade installs the release or upgrades it when its chart version
// or values differ from b.
func (d *HelmDeployer) InstallOrUpgrade(ctx context.Context, b Bundle) (bool, error) {
	unlock, err := d.lock(b.Namespace, b.Release)
	if err != nil {
		return false, err
	}
	defer unlock()
	logger := d.logger.WithValues("release", b.Release, "namespace", b.Namespace)

	cfg, err := d.configure(b.Namespace)
	if err != nil {
		return false, err
	}
	current, err := latestRelease(cfg, b.Release)
	if err != nil {
		return false, err
	}

	if current != nil {
		if current.Info != nil && current.Info.Status.IsPending() {
			return false, fmt.Errorf("release %s/%s is %s: %w", b.Namespace, b.Release, current.Info.Status, ErrReleaseBusy)
		}
		if upToDate(current, b) {
			equal, err := ValuesEqual(current.Config, b.Values)
			if err != nil {
				return false, err
			}
			if equal {
				logger.V(1).Info("Release is up to date", "revision", current.Version)
				return false, nil
			}
		}
	}

	values, err := normalize(b.Values)
	if err != nil {
		return false, err
	}
	chrt, err := d.loadChart(ctx, cfg, b)
	if err != nil {
		return false, err
	}

	if current == nil {
		install := action.NewInstall(cfg)
		install.ReleaseName = b.Release
		install.Namespace = b.Namespace
		install.Version = b.Version
		install.Timeout = d.timeout
		rel, err := install.RunWithContext(ctx, chrt, values)
		if err != nil {
			return false, fmt.Errorf("failed to install release %s/%s: %w", b.Namespace, b.Release, err)
		}
		logger.Info("Installed release", "chart", chartVersion(rel), "revision", rel.Version)
		return true, nil
	}

	upgrade := action.NewUpgrade(cfg)
	upgrade.Namespace = b.Namespace
	upgrade.Version = b.Version
	upgrade.Timeout = d.timeout
	upgrade.MaxHistory = maxReleaseHistory
	rel, err := upgrade.RunWithContext(ctx, b.Release, chrt, values)
	if err != nil {
		return false, fmt.Errorf("failed to upgrade release %s/%s: %w", b.Namespace, b.Release, err)
	}
	logger.Info("Upgraded release", "chart", chartVersion(rel), "revision", rel.Version)
	return true, nil
}

// Uninstall removes the release and its history.
func (d *HelmDeployer) Uninstall(_ context.Context, namespace, name string) error {
	unlock, err := d.lock(namespace, name)
	if err != nil {
		return err
	}
	defer unlock()

	cfg, err := d.configure(namespace)
	if err != nil {
		return err
	}
	current, err := latestRelease(cfg, name)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	uninstall := action.NewUninstall(cfg)
	uninstall.Timeout = d.timeout
	if _, err := uninstall.Run(name); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil
		}
		return fmt.Errorf("failed to uninstall release %s/%s: %w", namespace, name, err)
	}
	d.logger.Info("Uninstalled release", "release", name, "namespace", namespace)
	return nil
}

// IsInstalled reports whether any revision of the release exists.
func (d *HelmDeployer) IsInstalled(_ context.Context, namespace, name string) (bool, error) {
	cfg, err := d.configure(namespace)
	if err != nil {
		return false, err
	}
	current, err := latestRelease(cfg, name)
	if err != nil {
		return false, err
	}
	return current != nil, nil
}

// GetCurrentValues returns the user-supplied values of the latest revision.
func (d *HelmDeployer) GetCurrentValues(_ context.Context, namespace, name string) (map[string]any, error) {
	cfg, err := d.configure(namespace)
	if err != nil {
		return nil, err
	}
	values, err := action.NewGetValues(cfg).Run(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get values of release %s/%s: %w", namespace, name, err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

// latestRelease returns the highest revision of a release, or nil when the
// release does not exist.
func latestRelease(cfg *action.Configuration, name string) (*release.Release, error) {
	history, err := action.NewHistory(cfg).Run(name)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history of release %s: %w", name, err)
	}

	var latest *release.Release
	for _, rel := range history {
		if latest == nil || rel.Version > latest.Version {
			latest = rel
		}
	}
	return latest, nil
}

func upToDate(current *release.Release, b Bundle) bool {
	if current.Info == nil || current.Info.Status != release.StatusDeployed {
		return false
	}
	if b.Version == "" {
		return true
	}
	return current.Chart != nil && current.Chart.Metadata != nil && current.Chart.Metadata.Version == b.Version
}

func chartVersion(rel *release.Release) string {
	if rel == nil || rel.Chart == nil || rel.Chart.Metadata == nil {
		return ""
	}
	return rel.Chart.Metadata.Name + "-" + rel.Chart.Metadata.Version
}
