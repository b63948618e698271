package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"

	devstackv1alpha1 "github.com/dc-tec/devstack-operator/api/v1alpha1"
)

func TestStackPredicate_Update(t *testing.T) {
	base := &devstackv1alpha1.Stack{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "dev", Generation: 1},
	}
	now := metav1.Now()

	tests := []struct {
		name   string
		mutate func(s *devstackv1alpha1.Stack)
		want   bool
	}{
		{
			name:   "status only",
			mutate: func(s *devstackv1alpha1.Stack) { s.Status.Phase = devstackv1alpha1.StackPhaseReady },
			want:   false,
		},
		{
			name:   "spec change",
			mutate: func(s *devstackv1alpha1.Stack) { s.Generation = 2 },
			want:   true,
		},
		{
			name:   "deletion requested",
			mutate: func(s *devstackv1alpha1.Stack) { s.DeletionTimestamp = &now },
			want:   true,
		},
		{
			name:   "finalizer added",
			mutate: func(s *devstackv1alpha1.Stack) { s.Finalizers = []string{devstackv1alpha1.StackFinalizer} },
			want:   true,
		},
		{
			name:   "label change",
			mutate: func(s *devstackv1alpha1.Stack) { s.Labels = map[string]string{"team": "a"} },
			want:   true,
		},
	}

	p := StackPredicate()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := base.DeepCopy()
			tt.mutate(updated)
			assert.Equal(t, tt.want, p.Update(event.UpdateEvent{ObjectOld: base, ObjectNew: updated}))
		})
	}
}

func TestJobFinishedPredicate(t *testing.T) {
	p := JobFinishedPredicate()
	running := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "seed"}}

	assert.False(t, p.Create(event.CreateEvent{Object: running}))
	assert.True(t, p.Delete(event.DeleteEvent{Object: running}))

	relabeled := running.DeepCopy()
	relabeled.Labels = map[string]string{"x": "y"}
	assert.False(t, p.Update(event.UpdateEvent{ObjectOld: running, ObjectNew: relabeled}))

	failed := running.DeepCopy()
	failed.Status.Failed = 1
	assert.True(t, p.Update(event.UpdateEvent{ObjectOld: running, ObjectNew: failed}))

	succeeded := running.DeepCopy()
	succeeded.Status.Succeeded = 1
	assert.True(t, p.Update(event.UpdateEvent{ObjectOld: running, ObjectNew: succeeded}))
}

func TestResourceGenerationChangedPredicate(t *testing.T) {
	p := ResourceGenerationChangedPredicate()
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "job", Generation: 1}}

	annotated := sa.DeepCopy()
	annotated.Annotations = map[string]string{"k": "v"}
	assert.False(t, p.Update(event.UpdateEvent{ObjectOld: sa, ObjectNew: annotated}))

	bumped := sa.DeepCopy()
	bumped.Generation = 2
	assert.True(t, p.Update(event.UpdateEvent{ObjectOld: sa, ObjectNew: bumped}))
}
