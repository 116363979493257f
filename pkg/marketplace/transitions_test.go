package marketplace

import "testing"

func TestCanTransition(test *testing.T) {
	cases := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusUnderReview, JobStatusActive, true},
		{JobStatusUnderReview, JobStatusAssigned, true},
		{JobStatusUnderReview, JobStatusCancelled, true},
		{JobStatusUnderReview, JobStatusCompleted, false},
		{JobStatusActive, JobStatusAssigned, true},
		{JobStatusActive, JobStatusCancelled, true},
		{JobStatusActive, JobStatusInProgress, false},
		{JobStatusAssigned, JobStatusInProgress, true},
		{JobStatusAssigned, JobStatusCancelled, false},
		{JobStatusAssigned, JobStatusActive, false},
		{JobStatusInProgress, JobStatusCompleted, true},
		{JobStatusInProgress, JobStatusCancelled, false},
		{JobStatusCompleted, JobStatusActive, false},
		{JobStatusCompleted, JobStatusCancelled, false},
		{JobStatusCancelled, JobStatusActive, false},
	}
	for _, testCase := range cases {
		if got := CanTransition(testCase.from, testCase.to); got != testCase.allowed {
			test.Errorf("CanTransition(%s, %s) = %v, expected %v", testCase.from, testCase.to, got, testCase.allowed)
		}
	}
}

func TestTerminalStatusesHaveNoSuccessors(test *testing.T) {
	for _, terminal := range []JobStatus{JobStatusCompleted, JobStatusCancelled} {
		if len(allowedTransitions[terminal]) != 0 {
			test.Errorf("status %s must be terminal", terminal)
		}
	}
}
