/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/bundle"
	"github.com/dc-tec/devstack-operator/internal/constants"
	stackcontroller "github.com/dc-tec/devstack-operator/internal/controller/stack"
	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(devstackv1alpha1.AddToScheme(scheme))
}

// config is the parsed command line of the controller manager.
type config struct {
	metricsAddr          string
	metricsCertPath      string
	metricsCertName      string
	metricsCertKey       string
	probeAddr            string
	enableLeaderElection bool
	secureMetrics        bool
	enableHTTP2          bool
	enableWebhooks       bool

	secretsBackendLocalAddress string
	componentReadyTimeout      time.Duration
	maxConcurrentReconciles    int
	helmDriver                 string
	helmCacheDir               string
	helmTimeout                time.Duration

	zap zap.Options
}

func parseFlags(args []string) (*config, error) {
	cfg := &config{zap: zap.Options{Development: true}}
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)

	fs.StringVar(&cfg.metricsAddr, "metrics-bind-address", ":8443", "The address the metrics endpoint binds to.")
	fs.StringVar(&cfg.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	fs.BoolVar(&cfg.enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	fs.BoolVar(&cfg.secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	fs.StringVar(&cfg.metricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	fs.StringVar(&cfg.metricsCertName, "metrics-cert-name", "tls.crt", "The name of the metrics server certificate file.")
	fs.StringVar(&cfg.metricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	fs.BoolVar(&cfg.enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	fs.BoolVar(&cfg.enableWebhooks, "enable-webhooks", os.Getenv("ENABLE_WEBHOOKS") != "false",
		"Serve the Stack admission webhooks.")

	fs.StringVar(&cfg.secretsBackendLocalAddress, "secrets-backend-local-address", secretstore.LocalOverrideFromEnv(),
		"Reach the secrets backend at this address instead of its pod IP, for example a local port-forward "+
			"when the manager runs outside the cluster. Defaults to $"+constants.EnvLocalPortForward+".")
	fs.DurationVar(&cfg.componentReadyTimeout, "component-ready-timeout", constants.DefaultComponentReadyTimeout,
		"How long each component may take to become ready before the stack is marked failed.")
	fs.IntVar(&cfg.maxConcurrentReconciles, "max-concurrent-reconciles", 2,
		"Number of stacks reconciled in parallel.")
	fs.StringVar(&cfg.helmDriver, "helm-driver", os.Getenv(constants.EnvHelmDriver),
		"Helm release storage driver. Defaults to $"+constants.EnvHelmDriver+", then secret.")
	fs.StringVar(&cfg.helmCacheDir, "helm-cache-dir", "", "Directory for downloaded charts and repository indexes.")
	fs.DurationVar(&cfg.helmTimeout, "helm-timeout", 5*time.Minute, "Timeout of a single Helm install, upgrade or uninstall.")

	cfg.zap.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.componentReadyTimeout <= 0 {
		return nil, fmt.Errorf("--component-ready-timeout must be positive, got %s", cfg.componentReadyTimeout)
	}
	if cfg.maxConcurrentReconciles < 1 {
		return nil, fmt.Errorf("--max-concurrent-reconciles must be at least 1, got %d", cfg.maxConcurrentReconciles)
	}
	return cfg, nil
}

func (c *config) metricsOptions() metricsserver.Options {
	var tlsOpts []func(*tls.Config)

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	if !c.enableHTTP2 {
		tlsOpts = append(tlsOpts, func(t *tls.Config) {
			setupLog.Info("disabling http/2")
			t.NextProtos = []string{"http/1.1"}
		})
	}

	opts := metricsserver.Options{
		BindAddress:   c.metricsAddr,
		SecureServing: c.secureMetrics,
		TLSOpts:       tlsOpts,
	}
	if c.secureMetrics {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		opts.FilterProvider = filters.WithAuthenticationAndAuthorization
	}
	if len(c.metricsCertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher using provided certificates",
			"metrics-cert-path", c.metricsCertPath, "metrics-cert-name", c.metricsCertName, "metrics-cert-key", c.metricsCertKey)
		opts.CertDir = c.metricsCertPath
		opts.CertName = c.metricsCertName
		opts.KeyName = c.metricsCertKey
	}
	return opts
}

func (c *config) reconcilerOptions() stackcontroller.Options {
	return stackcontroller.Options{
		Address:                 secretstore.AddressOptions{LocalOverride: c.secretsBackendLocalAddress},
		ComponentReadyTimeout:   c.componentReadyTimeout,
		MaxConcurrentReconciles: c.maxConcurrentReconciles,
	}
}

// cacheOptions limits the Secret informer behind the controller's owned
// Secret watch to Secrets labeled as managed by the operator.
func cacheOptions() cache.Options {
	return cache.Options{
		ByObject: map[client.Object]cache.ByObject{
			&corev1.Secret{}: {
				Label: labels.SelectorFromSet(labels.Set{
					constants.LabelAppManagedBy: constants.LabelValueAppManagedByDevstackOperator,
				}),
			},
		},
	}
}

// Run starts the Stack controller manager.
func Run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&cfg.zap)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                cfg.metricsOptions(),
		HealthProbeBindAddress: cfg.probeAddr,
		LeaderElection:         cfg.enableLeaderElection,
		LeaderElectionID:       "devstack-controller-leader.devstack.dc-tec.io",
		Cache:                  cacheOptions(),
		// Secrets are read directly; the cache only holds the operator's own.
		Client: client.Options{
			Cache: &client.CacheOptions{
				DisableFor: []client.Object{&corev1.Secret{}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	deployer, err := bundle.NewHelmDeployer(bundle.HelmOptions{
		Driver:   cfg.helmDriver,
		CacheDir: cfg.helmCacheDir,
		Timeout:  cfg.helmTimeout,
		Logger:   ctrl.Log.WithName("helm"),
	})
	if err != nil {
		return fmt.Errorf("unable to create bundle deployer: %w", err)
	}
	if cfg.secretsBackendLocalAddress != "" {
		setupLog.Info("Reaching secrets backends through a local address", "address", cfg.secretsBackendLocalAddress)
	}

	if err := stackcontroller.NewStackReconciler(mgr.GetClient(), mgr.GetScheme(), deployer, cfg.reconcilerOptions()).
		SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create controller %s: %w", constants.ControllerNameStack, err)
	}
	if cfg.enableWebhooks {
		if err := (&devstackv1alpha1.Stack{}).SetupWebhookWithManager(mgr); err != nil {
			return fmt.Errorf("unable to create webhook for Stack: %w", err)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting controller manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}
