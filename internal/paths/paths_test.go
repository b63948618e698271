package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSegment(t *testing.T) {
	tests := []struct {
		segment string
		wantErr bool
	}{
		{segment: "demo"},
		{segment: "ci-server"},
		{segment: "", wantErr: true},
		{segment: "a/b", wantErr: true},
		{segment: "..", wantErr: true},
		{segment: ".", wantErr: true},
		{segment: "Upper", wantErr: true},
		{segment: "with space", wantErr: true},
		{segment: "-leading", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.segment, func(t *testing.T) {
			err := ValidateSegment(tt.segment)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStaticSecretPath(t *testing.T) {
	got, err := StaticSecretPath("dev", "demo", "ci-server")
	require.NoError(t, err)
	assert.Equal(t, "dev/demo/ci-server", got)

	_, err = StaticSecretPath("dev", "team/demo", "ci-server")
	assert.Error(t, err)
}

func TestJobPaths(t *testing.T) {
	path, err := JobSecretPath("dev", "demo", "seed")
	require.NoError(t, err)
	assert.Equal(t, "dev/demo/jobs/seed", path)

	role, err := JobRoleName("demo", "seed")
	require.NoError(t, err)
	assert.Equal(t, "demo-job-seed", role)

	_, err = JobRoleName("demo", "../x")
	assert.Error(t, err)
	assert.Equal(t, "demo-seed", JobName("demo", "seed"))
	assert.Equal(t, "demo-seed", JobServiceAccountName("demo", "seed"))
}

func TestDatabaseNames(t *testing.T) {
	conn, err := ConnectionName("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-postgres", conn)

	role, err := RoleName("demo", "api")
	require.NoError(t, err)
	assert.Equal(t, "demo-api", role)

	_, err = RoleName("demo", "")
	assert.Error(t, err)

	assert.Equal(t, "demo-db-postgresql", DatabaseFullName("demo"))
	assert.Equal(t, "http://demo-openbao.dev.svc:8200", SecretsBackendServiceAddress("dev", "demo"))
	assert.Equal(t, "demo-db-postgresql.dev.svc:5432", DatabaseServiceHost("dev", "demo"))
}

func TestReleaseNames(t *testing.T) {
	assert.Equal(t, "demo-openbao", ReleaseName("demo", "secrets-backend"))
	assert.Equal(t, "demo-db", ReleaseName("demo", "database"))
	assert.Equal(t, "demo-ci", ReleaseName("demo", "ci-server"))
	assert.Equal(t, "demo-ci-jenkins", CIServerFullName("demo"))
	assert.Equal(t, "demo-unseal-material", UnsealMaterialSecretName("demo"))
	assert.Equal(t, "demo-ci-admin", CIAdminSecretName("demo"))
	assert.Equal(t, map[string]string{
		"app.kubernetes.io/name":     "openbao",
		"app.kubernetes.io/instance": "demo-openbao",
	}, SecretsBackendSelector("demo"))
}

func TestSecretsBackendPeers(t *testing.T) {
	assert.Equal(t, "demo-openbao-0", SecretsBackendPodName("demo", 0))
	assert.Equal(t, "demo-openbao-2", SecretsBackendPodName("demo", 2))
	assert.Equal(t, "http://demo-openbao-0.demo-openbao-internal.dev.svc:8200", SecretsBackendPeerAddress("dev", "demo"))
}
