package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultMerge(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Duration
		want time.Duration
	}{
		{name: "both zero", a: 0, b: 0, want: 0},
		{name: "left zero", a: 0, b: time.Second, want: time.Second},
		{name: "right zero", a: time.Minute, b: 0, want: time.Minute},
		{name: "sooner wins", a: time.Minute, b: 5 * time.Second, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Result{RequeueAfter: tt.a}.Merge(Result{RequeueAfter: tt.b})
			assert.Equal(t, tt.want, got.RequeueAfter)
		})
	}
}
