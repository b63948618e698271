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

package v1alpha1

import (
	"time"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// StackFinalizer is the finalizer used to ensure teardown logic runs
	// before a Stack is fully deleted.
	StackFinalizer = "devstack.dc-tec.io/stack-finalizer"

	// DefaultKeyShares is the number of unseal key shares generated when unset.
	DefaultKeyShares = 5
	// DefaultKeyThreshold is the number of shares required to unseal when unset.
	DefaultKeyThreshold = 3
	// DefaultDatabaseName is the application database name when unset.
	DefaultDatabaseName = "app"
	// DefaultCIAdminUser is the CI administrator username when unset.
	DefaultCIAdminUser = "admin"
	// DefaultCredentialTTL is the default lease of a dynamic database credential.
	DefaultCredentialTTL = time.Hour
	// DefaultCredentialMaxTTL is the maximum lease of a dynamic database credential.
	DefaultCredentialMaxTTL = 24 * time.Hour
)

// StackPhase is a high-level summary of stack state.
// +kubebuilder:validation:Enum=Reconciling;Ready;Degraded;Error;Terminating
type StackPhase string

const (
	StackPhaseReconciling StackPhase = "Reconciling"
	StackPhaseReady       StackPhase = "Ready"
	StackPhaseDegraded    StackPhase = "Degraded"
	StackPhaseError       StackPhase = "Error"
	StackPhaseTerminating StackPhase = "Terminating"
)

// ConditionType identifies a stack-level condition.
type ConditionType string

const (
	// ConditionReconciling is True while the controller is converging the stack.
	ConditionReconciling ConditionType = "Reconciling"
	// ConditionReady is True when every enabled component reports ready.
	ConditionReady ConditionType = "Ready"
	// ConditionDegraded is True when at least one enabled component is not ready.
	ConditionDegraded ConditionType = "Degraded"
	// ConditionError is True when the last reconcile pass failed.
	ConditionError ConditionType = "Error"
)

// BundleReference identifies a packaged, versioned set of manifests.
type BundleReference struct {
	// Repository is the chart repository URL. When empty, Chart is treated as a
	// local path or OCI reference.
	// +optional
	Repository string `json:"repository,omitempty"`
	// Chart is the chart name (or path / OCI reference).
	// +kubebuilder:validation:MinLength=1
	Chart string `json:"chart"`
	// Version pins the chart version.
	// +optional
	Version string `json:"version,omitempty"`
}

// ComponentSpec holds the fields shared by every stack component.
type ComponentSpec struct {
	// Enabled toggles deployment of the component.
	// +kubebuilder:default=true
	Enabled bool `json:"enabled"`
	// Bundle overrides the default bundle for the component.
	// +optional
	Bundle *BundleReference `json:"bundle,omitempty"`
	// Values are merged over the operator-computed bundle values.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	Values *apiextensionsv1.JSON `json:"values,omitempty"`
	// Resources sets compute requests/limits for the component's main container.
	// +optional
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`
}

// SecretsBackendSpec configures the OpenBao/Vault secrets backend.
type SecretsBackendSpec struct {
	ComponentSpec `json:",inline"`
	// StorageSize is the size of the backend's persistent volume.
	// +optional
	StorageSize *resource.Quantity `json:"storageSize,omitempty"`
	// Replicas enables HA mode when greater than one.
	// +optional
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=1
	Replicas int32 `json:"replicas,omitempty"`
	// KeyShares is the number of unseal key shares generated at initialization.
	// +optional
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=16
	// +kubebuilder:default=5
	KeyShares int `json:"keyShares,omitempty"`
	// KeyThreshold is the number of shares required to unseal.
	// +optional
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=3
	KeyThreshold int `json:"keyThreshold,omitempty"`
}

// DatabaseSpec configures the PostgreSQL database.
type DatabaseSpec struct {
	ComponentSpec `json:",inline"`
	// StorageSize is the size of the database persistent volume.
	// +optional
	StorageSize *resource.Quantity `json:"storageSize,omitempty"`
	// DatabaseName is the application database created by the bundle.
	// +optional
	// +kubebuilder:default=app
	DatabaseName string `json:"databaseName,omitempty"`
	// Consumers are the logical consumers that receive a dynamic database role.
	// +optional
	// +kubebuilder:validation:MaxItems=32
	Consumers []string `json:"consumers,omitempty"`
}

// CIServerSpec configures the Jenkins CI automation server.
type CIServerSpec struct {
	ComponentSpec `json:",inline"`
	// Plugins is the list of plugins installed at startup (name:version).
	// +optional
	Plugins []string `json:"plugins,omitempty"`
	// AdminUser is the CI administrator username.
	// +optional
	// +kubebuilder:default=admin
	AdminUser string `json:"adminUser,omitempty"`
	// StorageSize is the size of the CI home volume.
	// +optional
	StorageSize *resource.Quantity `json:"storageSize,omitempty"`
}

// CredentialPolicy bounds the lifetime of dynamically issued database credentials.
type CredentialPolicy struct {
	// DefaultTTL is the default lease duration of a dynamic credential.
	// +optional
	DefaultTTL *metav1.Duration `json:"defaultTTL,omitempty"`
	// MaxTTL is the maximum lease duration of a dynamic credential.
	// +optional
	MaxTTL *metav1.Duration `json:"maxTTL,omitempty"`
}

// EffectiveDefaultTTL returns DefaultTTL or DefaultCredentialTTL when unset.
func (p CredentialPolicy) EffectiveDefaultTTL() time.Duration {
	if p.DefaultTTL != nil && p.DefaultTTL.Duration > 0 {
		return p.DefaultTTL.Duration
	}
	return DefaultCredentialTTL
}

// EffectiveMaxTTL returns MaxTTL or DefaultCredentialMaxTTL when unset.
func (p CredentialPolicy) EffectiveMaxTTL() time.Duration {
	if p.MaxTTL != nil && p.MaxTTL.Duration > 0 {
		return p.MaxTTL.Duration
	}
	return DefaultCredentialMaxTTL
}

// StackJob is a one-shot or scheduled workload that runs alongside the stack.
type StackJob struct {
	// Name identifies the job within the stack.
	// +kubebuilder:validation:MinLength=1
	// +kubebuilder:validation:MaxLength=40
	Name string `json:"name"`
	// Schedule is a 5-field cron expression. Empty means run once.
	// +optional
	Schedule string `json:"schedule,omitempty"`
	// Image is the container image to run.
	// +kubebuilder:validation:MinLength=1
	Image string `json:"image"`
	// Command overrides the image entrypoint.
	// +optional
	Command []string `json:"command,omitempty"`
	// Args are passed to the command.
	// +optional
	Args []string `json:"args,omitempty"`
	// SecretAccess grants the job read access to its secrets-backend path.
	// +optional
	SecretAccess bool `json:"secretAccess,omitempty"`
	// PinDigest runs the image by digest, resolved from the registry when the
	// job objects are reconciled. A tag that moves replaces a one-shot Job.
	// +optional
	PinDigest bool `json:"pinDigest,omitempty"`
}

// StackSpec defines the desired state of Stack.
type StackSpec struct {
	// SecretsBackend configures the secrets backend component.
	// +optional
	SecretsBackend *SecretsBackendSpec `json:"secretsBackend,omitempty"`
	// Database configures the relational database component.
	// +optional
	Database *DatabaseSpec `json:"database,omitempty"`
	// CIServer configures the CI automation server component.
	// +optional
	CIServer *CIServerSpec `json:"ciServer,omitempty"`
	// Credentials bounds dynamically issued credentials.
	// +optional
	Credentials CredentialPolicy `json:"credentials,omitempty"`
	// Jobs are one-shot or scheduled workloads wired to the stack.
	// +optional
	// +kubebuilder:validation:MaxItems=16
	Jobs []StackJob `json:"jobs,omitempty"`
}

// ComponentStatus is the observed health of a single component.
type ComponentStatus struct {
	// Name is the component name (secrets-backend, database, ci-server).
	Name string `json:"name"`
	// Ready reports whether the component is serving.
	Ready bool `json:"ready"`
	// Message is a human-readable health summary.
	// +optional
	Message string `json:"message,omitempty"`
	// LastUpdated is when the component was last probed.
	// +optional
	LastUpdated metav1.Time `json:"lastUpdated,omitempty"`
}

// SecretsBackendStatus records what the controller last observed about the backend.
type SecretsBackendStatus struct {
	// Initialized is the backend's self-reported initialization flag.
	Initialized bool `json:"initialized"`
	// Sealed is the backend's self-reported seal flag.
	Sealed bool `json:"sealed"`
	// LastBootstrapAction is the bootstrap action taken on the last pass.
	// +optional
	LastBootstrapAction string `json:"lastBootstrapAction,omitempty"`
	// LastReinitializeTime is when the backend was last reinitialized after corruption.
	// +optional
	LastReinitializeTime *metav1.Time `json:"lastReinitializeTime,omitempty"`
}

// StackStatus defines the observed state of Stack.
type StackStatus struct {
	// Phase is a high-level summary of the stack state.
	// +optional
	Phase StackPhase `json:"phase,omitempty"`
	// ObservedGeneration is the last spec generation fully processed.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	// Components is the per-component health.
	// +optional
	// +listType=map
	// +listMapKey=name
	Components []ComponentStatus `json:"components,omitempty"`
	// SecretsBackend is the last observed secrets backend state.
	// +optional
	SecretsBackend *SecretsBackendStatus `json:"secretsBackend,omitempty"`
	// Conditions represent the current state of the Stack resource.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=stk
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Stack is the Schema for the stacks API. A Stack declares a secrets backend,
// a relational database and a CI server that the controller deploys and wires
// together with dynamically issued credentials.
type Stack struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   StackSpec   `json:"spec,omitempty"`
	Status StackStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// StackList contains a list of Stack.
type StackList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Stack `json:"items"`
}

// SecretsBackendEnabled reports whether the secrets backend is deployed.
func (s *Stack) SecretsBackendEnabled() bool {
	return s.Spec.SecretsBackend != nil && s.Spec.SecretsBackend.Enabled
}

// DatabaseEnabled reports whether the database is deployed.
func (s *Stack) DatabaseEnabled() bool {
	return s.Spec.Database != nil && s.Spec.Database.Enabled
}

// CIServerEnabled reports whether the CI server is deployed.
func (s *Stack) CIServerEnabled() bool {
	return s.Spec.CIServer != nil && s.Spec.CIServer.Enabled
}

// KeyShares returns the configured number of unseal key shares.
func (s *Stack) KeyShares() int {
	if s.Spec.SecretsBackend != nil && s.Spec.SecretsBackend.KeyShares > 0 {
		return s.Spec.SecretsBackend.KeyShares
	}
	return DefaultKeyShares
}

// KeyThreshold returns the configured number of shares required to unseal.
func (s *Stack) KeyThreshold() int {
	if s.Spec.SecretsBackend != nil && s.Spec.SecretsBackend.KeyThreshold > 0 {
		return s.Spec.SecretsBackend.KeyThreshold
	}
	return DefaultKeyThreshold
}

// DatabaseName returns the application database name.
func (s *Stack) DatabaseName() string {
	if s.Spec.Database != nil && s.Spec.Database.DatabaseName != "" {
		return s.Spec.Database.DatabaseName
	}
	return DefaultDatabaseName
}

// CIAdminUser returns the CI administrator username.
func (s *Stack) CIAdminUser() string {
	if s.Spec.CIServer != nil && s.Spec.CIServer.AdminUser != "" {
		return s.Spec.CIServer.AdminUser
	}
	return DefaultCIAdminUser
}

func init() {
	SchemeBuilder.Register(&Stack{}, &StackList{})
}
