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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/dc-tec/devstack-operator/internal/constants"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv(constants.EnvLocalPortForward, "")
	t.Setenv(constants.EnvHelmDriver, "")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.metricsAddr)
	assert.True(t, cfg.secureMetrics)
	assert.False(t, cfg.enableHTTP2)
	assert.Equal(t, constants.DefaultComponentReadyTimeout, cfg.componentReadyTimeout)
	assert.Equal(t, 2, cfg.maxConcurrentReconciles)
	assert.Empty(t, cfg.secretsBackendLocalAddress)
	assert.Empty(t, cfg.helmDriver)
}

func TestParseFlags_EnvironmentDefaults(t *testing.T) {
	t.Setenv(constants.EnvLocalPortForward, "127.0.0.1:8200")
	t.Setenv(constants.EnvHelmDriver, "configmap")

	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8200", cfg.secretsBackendLocalAddress)
	assert.Equal(t, "configmap", cfg.helmDriver)

	opts := cfg.reconcilerOptions()
	assert.Equal(t, "127.0.0.1:8200", opts.Address.LocalOverride)
}

func TestParseFlags_Overrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--component-ready-timeout=90s",
		"--max-concurrent-reconciles=4",
		"--secrets-backend-local-address=http://localhost:18200",
		"--metrics-secure=false",
	})
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.componentReadyTimeout)
	assert.Equal(t, 4, cfg.maxConcurrentReconciles)
	assert.False(t, cfg.metricsOptions().SecureServing)
	assert.Nil(t, cfg.metricsOptions().FilterProvider)

	opts := cfg.reconcilerOptions()
	assert.Equal(t, 90*time.Second, opts.ComponentReadyTimeout)
	assert.Equal(t, 4, opts.MaxConcurrentReconciles)
}

func TestParseFlags_Rejects(t *testing.T) {
	for _, args := range [][]string{
		{"--component-ready-timeout=0s"},
		{"--max-concurrent-reconciles=0"},
		{"--no-such-flag"},
	} {
		_, err := parseFlags(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestMetricsOptions_DisablesHTTP2ByDefault(t *testing.T) {
	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Len(t, cfg.metricsOptions().TLSOpts, 1)

	cfg, err = parseFlags([]string{"--enable-http2"})
	require.NoError(t, err)
	assert.Empty(t, cfg.metricsOptions().TLSOpts)
}

func TestCacheOptions_ScopesSecretInformer(t *testing.T) {
	opts := cacheOptions()
	require.Len(t, opts.ByObject, 1)
	for obj, byObject := range opts.ByObject {
		assert.IsType(t, &corev1.Secret{}, obj)
		require.NotNil(t, byObject.Label)
		assert.True(t, byObject.Label.Matches(labels.Set{
			constants.LabelAppManagedBy: constants.LabelValueAppManagedByDevstackOperator,
		}))
		assert.False(t, byObject.Label.Matches(labels.Set{"owner": "helm"}), "chart and user Secrets stay out of the cache")
	}
}
