package stack

import (
	"time"

	"golang.org/x/time/rate"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
	"github.com/dc-tec/devstack-operator/internal/constants"
	controllerutil "github.com/dc-tec/devstack-operator/internal/controller"
)

// SetupWithManager registers the Stack controller.
//
// Objects the controller creates itself (jobs, service accounts, operator
// Secrets) are watched through owner references. Chart-rendered workloads
// carry no owner reference to the Stack, so their readiness is picked up by
// the periodic requeue.
func (r *StackReconciler) SetupWithManager(mgr ctrl.Manager) error {
	rateLimiter := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[ctrl.Request](1*time.Second, 60*time.Second),
		&workqueue.TypedBucketRateLimiter[ctrl.Request]{Limiter: rate.NewLimiter(rate.Limit(10), 100)},
	)

	return ctrl.NewControllerManagedBy(mgr).
		For(&devstackv1alpha1.Stack{}, builder.WithPredicates(controllerutil.StackPredicate())).
		Owns(&batchv1.Job{}, builder.WithPredicates(controllerutil.JobFinishedPredicate())).
		Owns(&batchv1.CronJob{}, builder.WithPredicates(controllerutil.ResourceGenerationChangedPredicate())).
		Owns(&corev1.ServiceAccount{}, builder.WithPredicates(controllerutil.ResourceGenerationChangedPredicate())).
		Owns(&corev1.Secret{}, builder.WithPredicates(controllerutil.ResourceGenerationChangedPredicate())).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: r.opts.MaxConcurrentReconciles,
			RateLimiter:             rateLimiter,
		}).
		Named(constants.ControllerNameStack).
		Complete(r)
}
