package kube

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// JobSucceeded reports whether a Job has completed successfully.
func JobSucceeded(job *batchv1.Job) bool {
	if job == nil {
		return false
	}
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobComplete && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return job.Status.Succeeded > 0
}

// JobFailed reports whether a Job has completed unsuccessfully.
func JobFailed(job *batchv1.Job) bool {
	if job == nil {
		return false
	}
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	// Conditions may not be observed yet for a Job whose pods all failed.
	return job.Status.Failed > 0 && job.Status.Active == 0 && job.Status.Succeeded == 0
}

// JobState summarizes a one-shot Job as Succeeded, Failed, Running or Pending.
func JobState(job *batchv1.Job) string {
	switch {
	case JobSucceeded(job):
		return "Succeeded"
	case JobFailed(job):
		return "Failed"
	case job != nil && job.Status.Active > 0:
		return "Running"
	default:
		return "Pending"
	}
}
