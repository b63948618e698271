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
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/robfig/cron/v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

var stackWebhookLog = ctrl.Log.WithName("stack-webhook")

const (
	stackFieldPathRoot = "spec"

	// maxCronJobNameLength is the Kubernetes limit for CronJob names; the
	// controller suffixes Job names generated from them.
	maxCronJobNameLength = 52

	// maxKeyShares matches the upper bound accepted by the secrets backend.
	maxKeyShares = 16
)

// stackCronParser accepts standard 5-field cron expressions for job schedules.
var stackCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// stackValidator implements admission.CustomValidator for Stack.
type stackValidator struct{}

var _ webhook.CustomValidator = &stackValidator{}

// stackDefaulter implements admission.CustomDefaulter for Stack. It injects
// the finalizer and fills defaults the controller relies on.
type stackDefaulter struct{}

var _ webhook.CustomDefaulter = &stackDefaulter{}

// SetupWebhookWithManager registers the Stack webhooks with the manager.
func (r *Stack) SetupWebhookWithManager(mgr ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(mgr).
		For(&Stack{}).
		WithValidator(&stackValidator{}).
		WithDefaulter(&stackDefaulter{}).
		Complete()
}

// +kubebuilder:webhook:path=/mutate-devstack-dc-tec-io-v1alpha1-stack,mutating=true,failurePolicy=fail,sideEffects=None,groups=devstack.dc-tec.io,resources=stacks,verbs=create;update,versions=v1alpha1,name=mstack.kb.io,admissionReviewVersions=v1

// +kubebuilder:webhook:path=/validate-devstack-dc-tec-io-v1alpha1-stack,mutating=false,failurePolicy=fail,sideEffects=None,groups=devstack.dc-tec.io,resources=stacks,verbs=create;update,versions=v1alpha1,name=vstack.kb.io,admissionReviewVersions=v1

// Default sets default values on Stack resources during admission.
func (d *stackDefaulter) Default(_ context.Context, obj runtime.Object) error {
	stack, ok := obj.(*Stack)
	if !ok {
		return apierrors.NewBadRequest("expected Stack object for defaulting")
	}

	// The controller must be able to drop the finalizer once teardown has run.
	if stack.DeletionTimestamp != nil && !stack.DeletionTimestamp.IsZero() {
		return nil
	}

	if !hasString(stack.Finalizers, StackFinalizer) {
		stack.Finalizers = append(stack.Finalizers, StackFinalizer)
	}

	if sb := stack.Spec.SecretsBackend; sb != nil {
		if sb.Replicas == 0 {
			sb.Replicas = 1
		}
		if sb.KeyShares == 0 {
			sb.KeyShares = DefaultKeyShares
		}
		if sb.KeyThreshold == 0 {
			sb.KeyThreshold = DefaultKeyThreshold
		}
	}
	if db := stack.Spec.Database; db != nil && db.DatabaseName == "" {
		db.DatabaseName = DefaultDatabaseName
	}
	if ci := stack.Spec.CIServer; ci != nil && ci.AdminUser == "" {
		ci.AdminUser = DefaultCIAdminUser
	}

	return nil
}

func hasString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// ValidateCreate validates Stack resources on create.
func (v *stackValidator) ValidateCreate(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	stack, ok := obj.(*Stack)
	if !ok {
		return nil, apierrors.NewBadRequest("expected Stack object for validation")
	}

	stackWebhookLog.Info("validating create", "name", stack.Name, "namespace", stack.Namespace)
	return validateStack(stack)
}

// ValidateUpdate validates Stack resources on update.
func (v *stackValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	stack, ok := newObj.(*Stack)
	if !ok {
		return nil, apierrors.NewBadRequest("expected Stack object for validation")
	}
	old, ok := oldObj.(*Stack)
	if !ok {
		return nil, apierrors.NewBadRequest("expected Stack object for validation")
	}

	stackWebhookLog.Info("validating update", "name", stack.Name, "namespace", stack.Namespace)

	warnings, err := validateStack(stack)
	if err != nil {
		return warnings, err
	}

	// Shares and threshold only apply at initialization; changing them later
	// has no effect on an already initialized backend.
	if old.Spec.SecretsBackend != nil && stack.Spec.SecretsBackend != nil {
		if old.Spec.SecretsBackend.KeyShares != stack.Spec.SecretsBackend.KeyShares ||
			old.Spec.SecretsBackend.KeyThreshold != stack.Spec.SecretsBackend.KeyThreshold {
			warnings = append(warnings, "keyShares/keyThreshold changes only take effect after the secrets backend is reinitialized")
		}
	}

	return warnings, nil
}

// ValidateDelete validates Stack resources on delete. Teardown is handled by the finalizer.
func (v *stackValidator) ValidateDelete(_ context.Context, obj runtime.Object) (admission.Warnings, error) {
	stack, ok := obj.(*Stack)
	if !ok {
		return nil, apierrors.NewBadRequest("expected Stack object for validation")
	}

	stackWebhookLog.Info("validating delete", "name", stack.Name, "namespace", stack.Namespace)
	return nil, nil
}

func validateStack(stack *Stack) (admission.Warnings, error) {
	var allErrs field.ErrorList
	var warnings admission.Warnings

	allErrs = append(allErrs, validateIdentity(stack)...)
	allErrs = append(allErrs, validateSecretsBackend(stack)...)
	allErrs = append(allErrs, validateDatabase(stack)...)
	allErrs = append(allErrs, validateCIServer(stack)...)
	allErrs = append(allErrs, validateCredentials(stack)...)
	jobErrs, jobWarnings := validateJobs(stack)
	allErrs = append(allErrs, jobErrs...)
	warnings = append(warnings, jobWarnings...)

	if len(allErrs) > 0 {
		return warnings, apierrors.NewInvalid(
			GroupVersion.WithKind("Stack").GroupKind(),
			stack.Name,
			allErrs,
		)
	}
	return warnings, nil
}

// validateIdentity rejects names that cannot be used verbatim as secrets
// backend path segments (for example names containing "/" or "..").
func validateIdentity(stack *Stack) field.ErrorList {
	var allErrs field.ErrorList
	namePath := field.NewPath("metadata", "name")
	for _, msg := range validation.IsDNS1123Label(stack.Name) {
		allErrs = append(allErrs, field.Invalid(namePath, stack.Name, msg))
	}
	if stack.Namespace != "" {
		nsPath := field.NewPath("metadata", "namespace")
		for _, msg := range validation.IsDNS1123Label(stack.Namespace) {
			allErrs = append(allErrs, field.Invalid(nsPath, stack.Namespace, msg))
		}
	}
	return allErrs
}

func validateBundle(path *field.Path, ref *BundleReference) field.ErrorList {
	if ref == nil {
		return nil
	}
	var allErrs field.ErrorList
	if strings.TrimSpace(ref.Chart) == "" {
		allErrs = append(allErrs, field.Required(path.Child("chart"), "chart is required when bundle is set"))
	}
	if ref.Repository != "" && !strings.HasPrefix(ref.Repository, "https://") &&
		!strings.HasPrefix(ref.Repository, "http://") && !strings.HasPrefix(ref.Repository, "oci://") {
		allErrs = append(allErrs, field.Invalid(path.Child("repository"), ref.Repository,
			"repository must be an http(s):// or oci:// URL"))
	}
	return allErrs
}

func validateSecretsBackend(stack *Stack) field.ErrorList {
	sb := stack.Spec.SecretsBackend
	if sb == nil {
		return nil
	}
	path := field.NewPath(stackFieldPathRoot, "secretsBackend")
	var allErrs field.ErrorList

	allErrs = append(allErrs, validateBundle(path.Child("bundle"), sb.Bundle)...)

	if sb.KeyShares < 0 || sb.KeyShares > maxKeyShares {
		allErrs = append(allErrs, field.Invalid(path.Child("keyShares"), sb.KeyShares,
			fmt.Sprintf("keyShares must be between 1 and %d", maxKeyShares)))
	}
	if sb.KeyThreshold < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("keyThreshold"), sb.KeyThreshold,
			"keyThreshold must be positive"))
	}
	if sb.KeyShares > 0 && sb.KeyThreshold > sb.KeyShares {
		allErrs = append(allErrs, field.Invalid(path.Child("keyThreshold"), sb.KeyThreshold,
			"keyThreshold must not exceed keyShares"))
	}
	if sb.Replicas < 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("replicas"), sb.Replicas, "replicas must be positive"))
	}
	return allErrs
}

func validateDatabase(stack *Stack) field.ErrorList {
	db := stack.Spec.Database
	if db == nil {
		return nil
	}
	path := field.NewPath(stackFieldPathRoot, "database")
	var allErrs field.ErrorList

	allErrs = append(allErrs, validateBundle(path.Child("bundle"), db.Bundle)...)

	seen := make(map[string]struct{}, len(db.Consumers))
	for i, consumer := range db.Consumers {
		cPath := path.Child("consumers").Index(i)
		for _, msg := range validation.IsDNS1123Label(consumer) {
			allErrs = append(allErrs, field.Invalid(cPath, consumer, msg))
		}
		if _, dup := seen[consumer]; dup {
			allErrs = append(allErrs, field.Duplicate(cPath, consumer))
		}
		seen[consumer] = struct{}{}
	}

	if db.Enabled && len(db.Consumers) > 0 && !stack.SecretsBackendEnabled() {
		allErrs = append(allErrs, field.Invalid(path.Child("consumers"), db.Consumers,
			"dynamic database credentials require spec.secretsBackend.enabled"))
	}
	return allErrs
}

func validateCIServer(stack *Stack) field.ErrorList {
	ci := stack.Spec.CIServer
	if ci == nil {
		return nil
	}
	path := field.NewPath(stackFieldPathRoot, "ciServer")
	var allErrs field.ErrorList

	allErrs = append(allErrs, validateBundle(path.Child("bundle"), ci.Bundle)...)

	for i, plugin := range ci.Plugins {
		name, version, ok := strings.Cut(plugin, ":")
		if !ok || name == "" || version == "" {
			allErrs = append(allErrs, field.Invalid(path.Child("plugins").Index(i), plugin,
				"plugin must be in the form name:version"))
		}
	}

	if ci.Enabled && !stack.SecretsBackendEnabled() {
		allErrs = append(allErrs, field.Invalid(path.Child("enabled"), ci.Enabled,
			"the CI admin credential is stored in the secrets backend; spec.secretsBackend.enabled is required"))
	}
	return allErrs
}

func validateCredentials(stack *Stack) field.ErrorList {
	creds := stack.Spec.Credentials
	path := field.NewPath(stackFieldPathRoot, "credentials")
	var allErrs field.ErrorList

	if creds.DefaultTTL != nil && creds.DefaultTTL.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("defaultTTL"), creds.DefaultTTL.Duration.String(),
			"defaultTTL must be a positive duration"))
	}
	if creds.MaxTTL != nil && creds.MaxTTL.Duration <= 0 {
		allErrs = append(allErrs, field.Invalid(path.Child("maxTTL"), creds.MaxTTL.Duration.String(),
			"maxTTL must be a positive duration"))
	}
	if len(allErrs) == 0 && creds.EffectiveDefaultTTL() > creds.EffectiveMaxTTL() {
		allErrs = append(allErrs, field.Invalid(path.Child("defaultTTL"), creds.EffectiveDefaultTTL().String(),
			fmt.Sprintf("defaultTTL must not exceed maxTTL (%s)", creds.EffectiveMaxTTL())))
	}
	return allErrs
}

func validateJobs(stack *Stack) (field.ErrorList, admission.Warnings) {
	path := field.NewPath(stackFieldPathRoot, "jobs")
	var allErrs field.ErrorList
	var warnings admission.Warnings

	seen := make(map[string]struct{}, len(stack.Spec.Jobs))
	for i, job := range stack.Spec.Jobs {
		jPath := path.Index(i)

		for _, msg := range validation.IsDNS1123Label(job.Name) {
			allErrs = append(allErrs, field.Invalid(jPath.Child("name"), job.Name, msg))
		}
		if _, dup := seen[job.Name]; dup {
			allErrs = append(allErrs, field.Duplicate(jPath.Child("name"), job.Name))
		}
		seen[job.Name] = struct{}{}

		if full := stack.Name + "-" + job.Name; len(full) > maxCronJobNameLength {
			allErrs = append(allErrs, field.TooLong(jPath.Child("name"), full, maxCronJobNameLength))
		}

		if strings.TrimSpace(job.Image) == "" {
			allErrs = append(allErrs, field.Required(jPath.Child("image"), "image is required"))
		} else if job.PinDigest {
			if _, err := name.ParseReference(job.Image); err != nil {
				allErrs = append(allErrs, field.Invalid(jPath.Child("image"), job.Image,
					fmt.Sprintf("pinDigest needs a registry reference: %v", err)))
			}
		}

		if job.Schedule != "" {
			if _, err := stackCronParser.Parse(job.Schedule); err != nil {
				allErrs = append(allErrs, field.Invalid(jPath.Child("schedule"), job.Schedule,
					fmt.Sprintf("invalid cron expression: %v", err)))
			}
		} else if job.SecretAccess {
			warnings = append(warnings, fmt.Sprintf("job %q runs once; its secret access role stays bound until the stack is deleted", job.Name))
		}

		if job.SecretAccess && !stack.SecretsBackendEnabled() {
			allErrs = append(allErrs, field.Invalid(jPath.Child("secretAccess"), job.SecretAccess,
				"secret access requires spec.secretsBackend.enabled"))
		}
	}
	return allErrs, warnings
}
