package constants

import (
	"os"
	"strings"
)

// Default bundles deployed when a component does not override its bundle.
const (
	DefaultSecretsBackendChartRepo    = "https://openbao.github.io/openbao-helm"
	DefaultSecretsBackendChart        = "openbao"
	DefaultSecretsBackendChartVersion = "0.16.1"

	DefaultDatabaseChartRepo    = "oci://registry-1.docker.io/bitnamicharts"
	DefaultDatabaseChart        = "postgresql"
	DefaultDatabaseChartVersion = "16.4.2"

	DefaultCIServerChartRepo    = "https://charts.jenkins.io"
	DefaultCIServerChart        = "jenkins"
	DefaultCIServerChartVersion = "5.8.10"
)

// SecretsBackendChartRepo returns the default secrets backend chart repository,
// honoring the environment override.
func SecretsBackendChartRepo() string {
	return chartRepo(EnvSecretsBackendChartRepo, DefaultSecretsBackendChartRepo)
}

// DatabaseChartRepo returns the default database chart repository.
func DatabaseChartRepo() string {
	return chartRepo(EnvDatabaseChartRepo, DefaultDatabaseChartRepo)
}

// CIServerChartRepo returns the default CI server chart repository.
func CIServerChartRepo() string {
	return chartRepo(EnvCIServerChartRepo, DefaultCIServerChartRepo)
}

func chartRepo(envVar, defaultRepo string) string {
	if repo := strings.TrimSpace(os.Getenv(envVar)); repo != "" {
		return repo
	}
	return defaultRepo
}
