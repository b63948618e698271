package reconcile

import "time"

// Result expresses whether reconciliation should be requeued, and after what delay.
// A zero RequeueAfter means "no requeue requested".
type Result struct {
	RequeueAfter time.Duration
}

// Merge returns the result that requeues soonest. Zero delays lose to any
// requested requeue.
func (r Result) Merge(other Result) Result {
	switch {
	case r.RequeueAfter == 0:
		return other
	case other.RequeueAfter == 0:
		return r
	case other.RequeueAfter < r.RequeueAfter:
		return other
	default:
		return r
	}
}
