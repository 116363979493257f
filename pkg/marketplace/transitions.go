package marketplace

import "fmt"

// allowedTransitions is the single source of truth for the job lifecycle.
// Confirmation is not listed: it stamps customer_confirmed_at on a completed
// job without moving the status.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusUnderReview: {JobStatusActive, JobStatusAssigned, JobStatusCancelled},
	JobStatusActive:      {JobStatusAssigned, JobStatusCancelled},
	JobStatusAssigned:    {JobStatusInProgress},
	JobStatusInProgress:  {JobStatusCompleted},
	JobStatusCompleted:   {},
	JobStatusCancelled:   {},
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from JobStatus, to JobStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func validateTransition(from JobStatus, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrJobStateConflict, from, to)
	}
	return nil
}
