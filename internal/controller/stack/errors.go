package stack

import (
	"errors"

	"github.com/dc-tec/devstack-operator/internal/constants"
	operatorerrors "github.com/dc-tec/devstack-operator/internal/errors"
)

// stageError carries the condition reason of the reconcile stage that failed.
type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func stageFailed(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{reason: reason, err: err}
}

// conditionReason returns the reason recorded on the Error condition.
func conditionReason(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.reason
	}
	return constants.ReasonError
}

// metricReason classifies err for the reconcile error counter.
func metricReason(err error) string {
	switch {
	case operatorerrors.IsTransient(err):
		return "Transient"
	case operatorerrors.IsPermanent(err):
		return "Permanent"
	default:
		return conditionReason(err)
	}
}
