package v1alpha1

import (
	"context"
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func newTestStack(name string) *Stack {
	return &Stack{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "dev",
		},
		Spec: StackSpec{
			SecretsBackend: &SecretsBackendSpec{ComponentSpec: ComponentSpec{Enabled: true}},
			Database: &DatabaseSpec{
				ComponentSpec: ComponentSpec{Enabled: true},
				Consumers:     []string{"api", "worker"},
			},
			CIServer: &CIServerSpec{
				ComponentSpec: ComponentSpec{Enabled: true},
				Plugins:       []string{"git:5.2.1", "workflow-aggregator:596.v8c21c963d92d"},
			},
		},
	}
}

func TestStackDefaulterAddsFinalizerAndDefaults(t *testing.T) {
	defaulter := &stackDefaulter{}
	stack := newTestStack("demo")

	if err := defaulter.Default(context.Background(), stack); err != nil {
		t.Fatalf("Default() error = %v, want no error", err)
	}

	if !hasString(stack.Finalizers, StackFinalizer) {
		t.Fatalf("Default() did not add finalizer %q, got %v", StackFinalizer, stack.Finalizers)
	}
	if stack.Spec.SecretsBackend.KeyShares != DefaultKeyShares || stack.Spec.SecretsBackend.KeyThreshold != DefaultKeyThreshold {
		t.Fatalf("unexpected key defaults: shares=%d threshold=%d",
			stack.Spec.SecretsBackend.KeyShares, stack.Spec.SecretsBackend.KeyThreshold)
	}
	if stack.Spec.SecretsBackend.Replicas != 1 {
		t.Fatalf("Replicas = %d, want 1", stack.Spec.SecretsBackend.Replicas)
	}
	if stack.Spec.Database.DatabaseName != DefaultDatabaseName {
		t.Fatalf("DatabaseName = %q, want %q", stack.Spec.Database.DatabaseName, DefaultDatabaseName)
	}
	if stack.Spec.CIServer.AdminUser != DefaultCIAdminUser {
		t.Fatalf("AdminUser = %q, want %q", stack.Spec.CIServer.AdminUser, DefaultCIAdminUser)
	}

	// Defaulting twice must not duplicate the finalizer.
	if err := defaulter.Default(context.Background(), stack); err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if len(stack.Finalizers) != 1 {
		t.Fatalf("expected a single finalizer, got %v", stack.Finalizers)
	}
}

func TestStackDefaulterSkipsFinalizerDuringDeletion(t *testing.T) {
	now := metav1.Now()
	stack := newTestStack("demo")
	stack.DeletionTimestamp = &now

	if err := (&stackDefaulter{}).Default(context.Background(), stack); err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if hasString(stack.Finalizers, StackFinalizer) {
		t.Fatalf("Default() added finalizer during deletion")
	}
}

func TestStackValidator(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Stack)
		wantErr string
	}{
		{
			name:   "valid stack",
			mutate: func(*Stack) {},
		},
		{
			name:    "name with path separator",
			mutate:  func(s *Stack) { s.Name = "team/a" },
			wantErr: "metadata.name",
		},
		{
			name:    "name with traversal",
			mutate:  func(s *Stack) { s.Name = ".." },
			wantErr: "metadata.name",
		},
		{
			name: "threshold above shares",
			mutate: func(s *Stack) {
				s.Spec.SecretsBackend.KeyShares = 3
				s.Spec.SecretsBackend.KeyThreshold = 4
			},
			wantErr: "keyThreshold must not exceed keyShares",
		},
		{
			name:    "too many shares",
			mutate:  func(s *Stack) { s.Spec.SecretsBackend.KeyShares = 17 },
			wantErr: "spec.secretsBackend.keyShares",
		},
		{
			name:    "duplicate consumer",
			mutate:  func(s *Stack) { s.Spec.Database.Consumers = []string{"api", "api"} },
			wantErr: "Duplicate value",
		},
		{
			name:    "consumer with slash",
			mutate:  func(s *Stack) { s.Spec.Database.Consumers = []string{"a/b"} },
			wantErr: "spec.database.consumers[0]",
		},
		{
			name: "consumers without secrets backend",
			mutate: func(s *Stack) {
				s.Spec.SecretsBackend.Enabled = false
				s.Spec.CIServer = nil
			},
			wantErr: "dynamic database credentials require",
		},
		{
			name:    "ci server without secrets backend",
			mutate:  func(s *Stack) { s.Spec.SecretsBackend = nil; s.Spec.Database.Consumers = nil },
			wantErr: "spec.ciServer.enabled",
		},
		{
			name:    "malformed plugin",
			mutate:  func(s *Stack) { s.Spec.CIServer.Plugins = []string{"git"} },
			wantErr: "name:version",
		},
		{
			name:    "bundle without chart",
			mutate:  func(s *Stack) { s.Spec.Database.Bundle = &BundleReference{Repository: "https://charts.example.com"} },
			wantErr: "spec.database.bundle.chart",
		},
		{
			name: "bundle with unsupported repository scheme",
			mutate: func(s *Stack) {
				s.Spec.Database.Bundle = &BundleReference{Repository: "ftp://charts", Chart: "postgresql"}
			},
			wantErr: "spec.database.bundle.repository",
		},
		{
			name: "default ttl above max ttl",
			mutate: func(s *Stack) {
				s.Spec.Credentials.DefaultTTL = &metav1.Duration{Duration: 48 * time.Hour}
			},
			wantErr: "defaultTTL must not exceed maxTTL",
		},
		{
			name: "negative max ttl",
			mutate: func(s *Stack) {
				s.Spec.Credentials.MaxTTL = &metav1.Duration{Duration: -time.Minute}
			},
			wantErr: "maxTTL must be a positive duration",
		},
		{
			name: "invalid cron schedule",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "nightly", Image: "busybox", Schedule: "every night"}}
			},
			wantErr: "invalid cron expression",
		},
		{
			name: "six field cron schedule",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "nightly", Image: "busybox", Schedule: "0 0 2 * * *"}}
			},
			wantErr: "invalid cron expression",
		},
		{
			name: "duplicate job names",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "seed", Image: "busybox"}, {Name: "seed", Image: "busybox"}}
			},
			wantErr: "Duplicate value",
		},
		{
			name: "job name too long once prefixed",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: strings.Repeat("j", 50), Image: "busybox"}}
			},
			wantErr: "spec.jobs[0].name",
		},
		{
			name: "job without image",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "seed"}}
			},
			wantErr: "spec.jobs[0].image",
		},
		{
			name: "pinned job with malformed image",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "seed", Image: "Busybox:Latest!", PinDigest: true}}
			},
			wantErr: "pinDigest needs a registry reference",
		},
		{
			name: "pinned job with registry image",
			mutate: func(s *Stack) {
				s.Spec.Jobs = []StackJob{{Name: "seed", Image: "ghcr.io/acme/seed:1.2", PinDigest: true}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := newTestStack("demo")
			tt.mutate(stack)

			_, err := (&stackValidator{}).ValidateCreate(context.Background(), stack)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateCreate() error = %v, want none", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateCreate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateCreate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestStackValidatorWarnsOnKeyShareChange(t *testing.T) {
	old := newTestStack("demo")
	old.Spec.SecretsBackend.KeyShares = 5
	old.Spec.SecretsBackend.KeyThreshold = 3
	updated := old.DeepCopy()
	updated.Spec.SecretsBackend.KeyShares = 7

	warnings, err := (&stackValidator{}).ValidateUpdate(context.Background(), old, updated)
	if err != nil {
		t.Fatalf("ValidateUpdate() error = %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "reinitialized") {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestCredentialPolicyEffectiveTTLs(t *testing.T) {
	var policy CredentialPolicy
	if policy.EffectiveDefaultTTL() != time.Hour || policy.EffectiveMaxTTL() != 24*time.Hour {
		t.Fatalf("unexpected defaults: %v / %v", policy.EffectiveDefaultTTL(), policy.EffectiveMaxTTL())
	}

	policy.DefaultTTL = &metav1.Duration{Duration: 10 * time.Minute}
	policy.MaxTTL = &metav1.Duration{Duration: 2 * time.Hour}
	if policy.EffectiveDefaultTTL() != 10*time.Minute || policy.EffectiveMaxTTL() != 2*time.Hour {
		t.Fatalf("unexpected overrides: %v / %v", policy.EffectiveDefaultTTL(), policy.EffectiveMaxTTL())
	}
}
