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
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
)

// StackPredicate filters Stack events to only reconcile on meaningful
// changes.
//
// The predicate allows reconciliation when:
//   - The resource is created or deleted
//   - The Spec changes (detected via Generation change)
//   - DeletionTimestamp or finalizers change
//   - Metadata labels or annotations change
//
// Status-only updates are filtered out; the controller writes status itself
// and would otherwise wake up for its own writes.
func StackPredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc: func(e event.CreateEvent) bool {
			return true
		},
		DeleteFunc: func(e event.DeleteEvent) bool {
			return true
		},
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldStack, ok := e.ObjectOld.(*devstackv1alpha1.Stack)
			if !ok {
				return true
			}
			newStack, ok := e.ObjectNew.(*devstackv1alpha1.Stack)
			if !ok {
				return true
			}

			if oldStack.Generation != newStack.Generation {
				return true
			}
			if !oldStack.DeletionTimestamp.Equal(newStack.DeletionTimestamp) {
				return true
			}
			if !equality.Semantic.DeepEqual(oldStack.Finalizers, newStack.Finalizers) {
				return true
			}
			if !equality.Semantic.DeepEqual(oldStack.Labels, newStack.Labels) {
				return true
			}
			if !equality.Semantic.DeepEqual(oldStack.Annotations, newStack.Annotations) {
				return true
			}
			return false
		},
		GenericFunc: func(e event.GenericEvent) bool {
			return true
		},
	}
}

// JobFinishedPredicate filters Job update events to those where the Job
// succeeded or failed, so the owning stack's job status is refreshed.
func JobFinishedPredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc: func(e event.CreateEvent) bool {
			return false
		},
		DeleteFunc: func(e event.DeleteEvent) bool {
			return true
		},
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldJob, ok := e.ObjectOld.(*batchv1.Job)
			if !ok {
				return true
			}
			newJob, ok := e.ObjectNew.(*batchv1.Job)
			if !ok {
				return true
			}
			return oldJob.Status.Succeeded != newJob.Status.Succeeded ||
				oldJob.Status.Failed != newJob.Status.Failed
		},
		GenericFunc: func(e event.GenericEvent) bool {
			return true
		},
	}
}

// ResourceGenerationChangedPredicate filters update events to only trigger
// reconciliation when the Generation changes.
func ResourceGenerationChangedPredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc: func(e event.CreateEvent) bool {
			return true
		},
		DeleteFunc: func(e event.DeleteEvent) bool {
			return true
		},
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldObj, ok := e.ObjectOld.(metav1.Object)
			if !ok {
				return true
			}
			newObj, ok := e.ObjectNew.(metav1.Object)
			if !ok {
				return true
			}
			return oldObj.GetGeneration() != newObj.GetGeneration()
		},
		GenericFunc: func(e event.GenericEvent) bool {
			return true
		},
	}
}
