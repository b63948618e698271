// Package jobs turns the stack's job definitions into Jobs and CronJobs.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
	"github.com/dc-tec/devstack-operator/internal/paths"
)

const (
	jobTTLSeconds          = 3600 // completed and failed runs are kept for an hour
	cronSuccessfulHistory  = 3
	cronFailedHistory      = 1
	scratchVolumeName      = "tmp"
	scratchVolumeMountPath = "/tmp"
)

// Environment variables exposed to jobs with secret access.
const (
	EnvSecretsAddress   = "VAULT_ADDR"
	EnvSecretsAuthMount = "VAULT_AUTH_MOUNT"
	EnvSecretsAuthRole  = "VAULT_AUTH_ROLE"
	EnvSecretsPath      = "VAULT_SECRET_PATH"
)

// scheduleParser accepts standard 5-field cron expressions.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule rejects anything but a 5-field cron expression.
func ValidateSchedule(schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Labels returns the labels of every object built for a stack job.
func Labels(stack *devstackv1alpha1.Stack, job string) map[string]string {
	labels := kube.StackLabels(stack, constants.LabelValueComponentJob)
	labels[constants.LabelDevstackJob] = job
	return labels
}

// SpecHash fingerprints a job definition. A one-shot Job whose hash differs
// from its definition is replaced.
func SpecHash(job devstackv1alpha1.StackJob) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", job.Name, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8]), nil
}

func objectMeta(stack *devstackv1alpha1.Stack, job devstackv1alpha1.StackJob) (metav1.ObjectMeta, error) {
	hash, err := SpecHash(job)
	if err != nil {
		return metav1.ObjectMeta{}, err
	}
	return metav1.ObjectMeta{
		Name:            paths.JobName(stack.Name, job.Name),
		Namespace:       stack.Namespace,
		Labels:          Labels(stack, job.Name),
		Annotations:     map[string]string{constants.AnnotationJobSpecHash: hash},
		OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(stack)},
	}, nil
}

// BuildJob builds the one-shot Job of a stack job.
func BuildJob(stack *devstackv1alpha1.Stack, job devstackv1alpha1.StackJob) (*batchv1.Job, error) {
	if job.Schedule != "" {
		return nil, fmt.Errorf("job %s is scheduled; build a CronJob", job.Name)
	}
	meta, err := objectMeta(stack, job)
	if err != nil {
		return nil, err
	}
	template, err := podTemplate(stack, job)
	if err != nil {
		return nil, err
	}
	return &batchv1.Job{
		ObjectMeta: meta,
		Spec:       jobSpec(template),
	}, nil
}

// BuildCronJob builds the CronJob of a scheduled stack job.
func BuildCronJob(stack *devstackv1alpha1.Stack, job devstackv1alpha1.StackJob) (*batchv1.CronJob, error) {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return nil, err
	}
	meta, err := objectMeta(stack, job)
	if err != nil {
		return nil, err
	}
	template, err := podTemplate(stack, job)
	if err != nil {
		return nil, err
	}
	return &batchv1.CronJob{
		ObjectMeta: meta,
		Spec: batchv1.CronJobSpec{
			Schedule:                   job.Schedule,
			ConcurrencyPolicy:          batchv1.ForbidConcurrent,
			SuccessfulJobsHistoryLimit: ptr.To(int32(cronSuccessfulHistory)),
			FailedJobsHistoryLimit:     ptr.To(int32(cronFailedHistory)),
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: Labels(stack, job.Name)},
				Spec:       jobSpec(template),
			},
		},
	}, nil
}

func jobSpec(template corev1.PodTemplateSpec) batchv1.JobSpec {
	return batchv1.JobSpec{
		BackoffLimit:            ptr.To(int32(0)),
		TTLSecondsAfterFinished: ptr.To(int32(jobTTLSeconds)),
		Template:                template,
	}
}

// BuildServiceAccount builds the service account a stack job runs as.
func BuildServiceAccount(stack *devstackv1alpha1.Stack, job string) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:            paths.JobServiceAccountName(stack.Name, job),
			Namespace:       stack.Namespace,
			Labels:          Labels(stack, job),
			OwnerReferences: []metav1.OwnerReference{kube.OwnerReference(stack)},
		},
		AutomountServiceAccountToken: ptr.To(false),
	}
}

func podTemplate(stack *devstackv1alpha1.Stack, job devstackv1alpha1.StackJob) (corev1.PodTemplateSpec, error) {
	var env []corev1.EnvVar
	if job.SecretAccess {
		secretPath, err := paths.JobSecretPath(stack.Namespace, stack.Name, job.Name)
		if err != nil {
			return corev1.PodTemplateSpec{}, err
		}
		role, err := paths.JobRoleName(stack.Name, job.Name)
		if err != nil {
			return corev1.PodTemplateSpec{}, err
		}
		env = []corev1.EnvVar{
			{Name: EnvSecretsAddress, Value: paths.SecretsBackendServiceAddress(stack.Namespace, stack.Name)},
			{Name: EnvSecretsAuthMount, Value: constants.MountPathKubernetesAuth},
			{Name: EnvSecretsAuthRole, Value: role},
			{Name: EnvSecretsPath, Value: constants.MountPathKV + "/data/" + secretPath},
		}
	}

	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: Labels(stack, job.Name)},
		Spec: corev1.PodSpec{
			ServiceAccountName: paths.JobServiceAccountName(stack.Name, job.Name),
			// Only jobs that log in to the secrets backend need their token.
			AutomountServiceAccountToken: ptr.To(job.SecretAccess),
			RestartPolicy:                corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr.To(true),
				RunAsUser:    ptr.To(constants.UserNonRoot),
				RunAsGroup:   ptr.To(constants.GroupNonRoot),
				FSGroup:      ptr.To(constants.GroupNonRoot),
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
			Containers: []corev1.Container{{
				Name:    constants.ContainerNameJob,
				Image:   job.Image,
				Command: job.Command,
				Args:    job.Args,
				Env:     env,
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr.To(false),
					Capabilities: &corev1.Capabilities{
						Drop: []corev1.Capability{"ALL"},
					},
					ReadOnlyRootFilesystem: ptr.To(true),
					RunAsNonRoot:           ptr.To(true),
				},
				VolumeMounts: []corev1.VolumeMount{{Name: scratchVolumeName, MountPath: scratchVolumeMountPath}},
			}},
			Volumes: []corev1.Volume{{
				Name:         scratchVolumeName,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}, nil
}
