package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	"github.com/dc-tec/devstack-operator/internal/kube"
)

var errTerminating = errors.New("object is terminating")

// Reconciler keeps a stack's Jobs, CronJobs and job service accounts in line
// with its job definitions.
type Reconciler struct {
	client client.Client
	images ImageResolver
}

// NewReconciler creates a Reconciler. images resolves the digests of jobs
// with PinDigest set; nil uses a DigestResolver.
func NewReconciler(c client.Client, images ImageResolver) *Reconciler {
	if images == nil {
		images = NewDigestResolver(DefaultDigestCacheTTL)
	}
	return &Reconciler{client: c, images: images}
}

// Ensure creates or updates the objects of every defined job and deletes the
// objects of jobs that are no longer defined. It reports pending when a
// replaced one-shot Job is still terminating and Ensure should run again.
func (r *Reconciler) Ensure(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack) (bool, error) {
	pending := false
	oneShot := map[string]struct{}{}
	scheduled := map[string]struct{}{}

	for _, job := range stack.Spec.Jobs {
		job, err := r.pinImage(ctx, job)
		if err != nil {
			return pending, err
		}
		if err := r.ensureServiceAccount(ctx, stack, job.Name); err != nil {
			return pending, err
		}

		if job.Schedule == "" {
			oneShot[job.Name] = struct{}{}
			waiting, err := r.ensureJob(ctx, logger, stack, job)
			if err != nil {
				return pending, err
			}
			pending = pending || waiting
			continue
		}

		scheduled[job.Name] = struct{}{}
		if err := r.ensureCronJob(ctx, logger, stack, job); err != nil {
			return pending, err
		}
	}

	if err := r.prune(ctx, logger, stack, oneShot, scheduled); err != nil {
		return pending, err
	}
	return pending, nil
}

// Status reports the state of each one-shot Job, keyed by job name.
func (r *Reconciler) Status(ctx context.Context, stack *devstackv1alpha1.Stack) (map[string]string, error) {
	list := &batchv1.JobList{}
	if err := r.client.List(ctx, list, client.InNamespace(stack.Namespace), client.MatchingLabels(kube.StackLabels(stack, constants.LabelValueComponentJob))); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	states := map[string]string{}
	for i := range list.Items {
		job := &list.Items[i]
		if ownedByCronJob(job) {
			continue
		}
		states[job.Labels[constants.LabelDevstackJob]] = kube.JobState(job)
	}
	return states, nil
}

// pinImage replaces the image of a job with PinDigest set by its digest
// reference.
func (r *Reconciler) pinImage(ctx context.Context, job devstackv1alpha1.StackJob) (devstackv1alpha1.StackJob, error) {
	if !job.PinDigest {
		return job, nil
	}
	image, err := r.images.Resolve(ctx, job.Image)
	if err != nil {
		return job, fmt.Errorf("job %s: %w", job.Name, err)
	}
	job.Image = image
	return job, nil
}

func (r *Reconciler) ensureServiceAccount(ctx context.Context, stack *devstackv1alpha1.Stack, job string) error {
	desired := BuildServiceAccount(stack, job)
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	_, err := controllerutil.CreateOrUpdate(ctx, r.client, sa, func() error {
		sa.Labels = desired.Labels
		sa.OwnerReferences = desired.OwnerReferences
		sa.AutomountServiceAccountToken = desired.AutomountServiceAccountToken
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ensure ServiceAccount %s/%s: %w", desired.Namespace, desired.Name, err)
	}
	return nil
}

// ensureJob creates the Job of a one-shot stack job. A Job's pod template is
// immutable, so a Job built from an older definition is deleted and created
// again.
func (r *Reconciler) ensureJob(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, def devstackv1alpha1.StackJob) (bool, error) {
	desired, err := BuildJob(stack, def)
	if err != nil {
		return false, err
	}
	if err := r.deleteIfExists(ctx, &batchv1.CronJob{}, desired.Namespace, desired.Name); err != nil {
		return false, err
	}

	existing := &batchv1.Job{}
	err = r.client.Get(ctx, types.NamespacedName{Namespace: desired.Namespace, Name: desired.Name}, existing)
	switch {
	case err == nil:
		if existing.Annotations[constants.AnnotationJobSpecHash] != desired.Annotations[constants.AnnotationJobSpecHash] {
			logger.Info("Replacing job built from an older definition", "job", desired.Name)
			if err := r.client.Delete(ctx, existing, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !apierrors.IsNotFound(err) {
				return false, fmt.Errorf("failed to delete Job %s/%s: %w", existing.Namespace, existing.Name, err)
			}
		}
	case !apierrors.IsNotFound(err):
		return false, fmt.Errorf("failed to get Job %s/%s: %w", desired.Namespace, desired.Name, err)
	}

	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.client, job, func() error {
		if !job.DeletionTimestamp.IsZero() {
			return errTerminating
		}
		if job.CreationTimestamp.IsZero() {
			job.Spec = desired.Spec
		}
		job.Labels = desired.Labels
		job.Annotations = mergeAnnotations(job.Annotations, desired.Annotations)
		job.OwnerReferences = desired.OwnerReferences
		return nil
	})
	if errors.Is(err, errTerminating) || apierrors.IsAlreadyExists(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to ensure Job %s/%s: %w", desired.Namespace, desired.Name, err)
	}
	if op == controllerutil.OperationResultCreated {
		logger.Info("Created job", "job", desired.Name)
	}
	return false, nil
}

func (r *Reconciler) ensureCronJob(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, def devstackv1alpha1.StackJob) error {
	desired, err := BuildCronJob(stack, def)
	if err != nil {
		return err
	}
	if err := r.deleteIfExists(ctx, &batchv1.Job{}, desired.Namespace, desired.Name); err != nil {
		return err
	}

	cronJob := &batchv1.CronJob{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.client, cronJob, func() error {
		cronJob.Labels = desired.Labels
		cronJob.Annotations = mergeAnnotations(cronJob.Annotations, desired.Annotations)
		cronJob.OwnerReferences = desired.OwnerReferences
		cronJob.Spec = desired.Spec
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ensure CronJob %s/%s: %w", desired.Namespace, desired.Name, err)
	}
	if op != controllerutil.OperationResultNone {
		logger.Info("Reconciled cron job", "cronjob", desired.Name, "operation", op)
	}
	return nil
}

// deleteIfExists deletes a job object of the other kind left behind when a
// job switched between one-shot and scheduled. Objects not managed for a
// stack job are left alone.
func (r *Reconciler) deleteIfExists(ctx context.Context, obj client.Object, namespace, name string) error {
	if err := r.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get %s/%s: %w", namespace, name, err)
	}
	if obj.GetLabels()[constants.LabelDevstackJob] == "" {
		return nil
	}
	if err := r.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (r *Reconciler) prune(ctx context.Context, logger logr.Logger, stack *devstackv1alpha1.Stack, oneShot, scheduled map[string]struct{}) error {
	selector := client.MatchingLabels(kube.StackLabels(stack, constants.LabelValueComponentJob))
	background := client.PropagationPolicy(metav1.DeletePropagationBackground)

	jobs := &batchv1.JobList{}
	if err := r.client.List(ctx, jobs, client.InNamespace(stack.Namespace), selector); err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if ownedByCronJob(job) {
			continue
		}
		if _, ok := oneShot[job.Labels[constants.LabelDevstackJob]]; ok {
			continue
		}
		if err := r.client.Delete(ctx, job, background); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete Job %s/%s: %w", job.Namespace, job.Name, err)
		}
		logger.Info("Deleted job no longer defined", "job", job.Name)
	}

	cronJobs := &batchv1.CronJobList{}
	if err := r.client.List(ctx, cronJobs, client.InNamespace(stack.Namespace), selector); err != nil {
		return fmt.Errorf("failed to list cron jobs: %w", err)
	}
	for i := range cronJobs.Items {
		cronJob := &cronJobs.Items[i]
		if _, ok := scheduled[cronJob.Labels[constants.LabelDevstackJob]]; ok {
			continue
		}
		if err := r.client.Delete(ctx, cronJob, background); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete CronJob %s/%s: %w", cronJob.Namespace, cronJob.Name, err)
		}
		logger.Info("Deleted cron job no longer defined", "cronjob", cronJob.Name)
	}

	accounts := &corev1.ServiceAccountList{}
	if err := r.client.List(ctx, accounts, client.InNamespace(stack.Namespace), selector); err != nil {
		return fmt.Errorf("failed to list service accounts: %w", err)
	}
	for i := range accounts.Items {
		sa := &accounts.Items[i]
		name := sa.Labels[constants.LabelDevstackJob]
		_, isOneShot := oneShot[name]
		_, isScheduled := scheduled[name]
		if isOneShot || isScheduled {
			continue
		}
		if err := kube.DeleteIgnoreNotFound(ctx, r.client, sa); err != nil {
			return fmt.Errorf("failed to delete ServiceAccount %s/%s: %w", sa.Namespace, sa.Name, err)
		}
	}
	return nil
}

func ownedByCronJob(job *batchv1.Job) bool {
	owner := metav1.GetControllerOf(job)
	return owner != nil && owner.Kind == "CronJob"
}

func mergeAnnotations(current, desired map[string]string) map[string]string {
	out := maps.Clone(current)
	if out == nil {
		out = map[string]string{}
	}
	maps.Copy(out, desired)
	return out
}
