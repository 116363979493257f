package marketplace

import (
	"context"
	"fmt"
	"time"
)

// Service owns the job lifecycle state machine, the application subsystem,
// and the settlement engine over a Store.
type Service struct {
	store        Store
	nowFunc      func() time.Time
	logger       OperationLogger
	notifier     Notifier
	walletWriter WalletWriter
	consumers    []EventConsumer
	feePercent   int64
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFunc: now, feePercent: defaultPlatformFeePercent}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.feePercent < 0 || service.feePercent > 100 {
		return nil, fmt.Errorf("%w: fee percent out of range", ErrInvalidServiceConfig)
	}
	if service.consumers == nil {
		service.consumers = []EventConsumer{&statsConsumer{store: store}, &settlementNotifyConsumer{service: service}}
	}
	return service, nil
}

// CreateJob posts a new job owned by the principal, pending admin review.
func (service *Service) CreateJob(ctx context.Context, principal Principal, spec JobSpec) (Job, error) {
	now := service.nowFunc()
	job, operationError := service.store.CreateJob(ctx, Job{
		CustomerID:      principal.UserID().String(),
		Status:          JobStatusUnderReview,
		Title:           spec.Title,
		Description:     spec.Description,
		BudgetCents:     spec.BudgetCents,
		Currency:        spec.Currency,
		MaxApplications: spec.MaxApplications,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateJob,
		Principal: principal.UserID(),
		JobID:     job.JobID,
		Amount:    spec.BudgetCents,
		Error:     operationError,
	})
	return job, operationError
}

// GetJob reads a single job.
func (service *Service) GetJob(ctx context.Context, jobID JobID) (Job, error) {
	return service.store.GetJob(ctx, jobID.String())
}

// ApproveJob moves an under-review job to active. Admin only.
func (service *Service) ApproveJob(ctx context.Context, principal Principal, jobID JobID) (Job, error) {
	job, operationError := service.transition(ctx, jobID, JobStatusActive, transitionRules{
		allowedFrom: []JobStatus{JobStatusUnderReview},
		authorize: func(job Job) error {
			if !principal.IsAdmin() {
				return fmt.Errorf("%w: approval requires the admin role", ErrNotAuthorized)
			}
			return nil
		},
	})
	if operationError == nil {
		service.notify(ctx, job.CustomerID, NotificationJobApproved, map[string]string{"job_id": job.JobID, "title": job.Title})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationApproveJob,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Error:     operationError,
	})
	return job, operationError
}

// AssignTaskerDirect assigns a tasker without an application, at the budget
// price. Customer only, and only while the job is unassigned.
func (service *Service) AssignTaskerDirect(ctx context.Context, principal Principal, jobID JobID, taskerID UserID) (Job, error) {
	job, operationError := service.transition(ctx, jobID, JobStatusAssigned, transitionRules{
		allowedFrom:       []JobStatus{JobStatusActive, JobStatusUnderReview},
		requireUnassigned: true,
		authorize:         requireCustomer(principal),
		changes:           JobChanges{AssignedTaskerID: taskerID.String()},
	})
	if operationError == nil {
		service.notify(ctx, taskerID.String(), NotificationJobAssigned, map[string]string{"job_id": job.JobID, "title": job.Title})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAssignDirect,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Error:     operationError,
	})
	return job, operationError
}

// StartJob moves an assigned job to in_progress. Assigned tasker only.
func (service *Service) StartJob(ctx context.Context, principal Principal, jobID JobID) (Job, error) {
	startedAt := service.nowFunc()
	job, operationError := service.transition(ctx, jobID, JobStatusInProgress, transitionRules{
		allowedFrom: []JobStatus{JobStatusAssigned},
		authorize:   requireAssignedTasker(principal),
		changes:     JobChanges{StartedAt: startedAt},
	})
	if operationError == nil {
		service.notify(ctx, job.CustomerID, NotificationJobStarted, map[string]string{"job_id": job.JobID, "title": job.Title})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationStartJob,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Error:     operationError,
	})
	return job, operationError
}

// CompleteJob moves an in-progress job to completed. Assigned tasker only.
func (service *Service) CompleteJob(ctx context.Context, principal Principal, jobID JobID) (Job, error) {
	completedAt := service.nowFunc()
	job, operationError := service.transition(ctx, jobID, JobStatusCompleted, transitionRules{
		allowedFrom: []JobStatus{JobStatusInProgress},
		authorize:   requireAssignedTasker(principal),
		changes:     JobChanges{CompletedAt: completedAt},
	})
	if operationError == nil {
		service.notify(ctx, job.CustomerID, NotificationJobCompleted, map[string]string{"job_id": job.JobID, "title": job.Title})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCompleteJob,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Error:     operationError,
	})
	return job, operationError
}

// CancelJob cancels an unassigned job. Customer only. No notification goes
// out: cancellation requires an unassigned job, so the customer is the only
// party and they initiated it.
func (service *Service) CancelJob(ctx context.Context, principal Principal, jobID JobID) (Job, error) {
	job, operationError := service.transition(ctx, jobID, JobStatusCancelled, transitionRules{
		allowedFrom:       []JobStatus{JobStatusUnderReview, JobStatusActive},
		requireUnassigned: true,
		authorize:         requireCustomer(principal),
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancelJob,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Error:     operationError,
	})
	return job, operationError
}

// transitionRules parameterizes a single guarded status transition.
type transitionRules struct {
	allowedFrom       []JobStatus
	requireUnassigned bool
	authorize         func(job Job) error
	changes           JobChanges
}

// transition reads the job, applies the guards, and executes the status move
// as a conditional write keyed on the observed status so a concurrent
// transition cannot be silently overwritten.
func (service *Service) transition(ctx context.Context, jobID JobID, to JobStatus, rules transitionRules) (Job, error) {
	var updated Job
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID.String())
		if err != nil {
			return err
		}
		if rules.authorize != nil {
			if err := rules.authorize(job); err != nil {
				return err
			}
		}
		if err := requireStatus(job, rules.allowedFrom); err != nil {
			return err
		}
		if err := validateTransition(job.Status, to); err != nil {
			return err
		}
		if rules.requireUnassigned && job.AssignedTaskerID != "" {
			return fmt.Errorf("%w: already assigned", ErrJobStateConflict)
		}
		changes := rules.changes
		changes.Status = to
		if err := transactionStore.TransitionJob(ctx, job.JobID, rules.allowedFrom, rules.requireUnassigned, changes); err != nil {
			return err
		}
		updated, err = transactionStore.GetJob(ctx, jobID.String())
		return err
	})
	if operationError != nil {
		return Job{}, operationError
	}
	return updated, nil
}

func requireStatus(job Job, allowed []JobStatus) error {
	for _, status := range allowed {
		if job.Status == status {
			return nil
		}
	}
	switch job.Status {
	case JobStatusAssigned:
		return fmt.Errorf("%w: already assigned", ErrJobStateConflict)
	case JobStatusInProgress, JobStatusCompleted:
		return fmt.Errorf("%w: already in progress or completed", ErrJobStateConflict)
	}
	return fmt.Errorf("%w: job is %s", ErrJobStateConflict, job.Status)
}

func requireCustomer(principal Principal) func(job Job) error {
	return func(job Job) error {
		if job.CustomerID != principal.UserID().String() {
			return fmt.Errorf("%w: only the job owner may do this", ErrNotAuthorized)
		}
		return nil
	}
}

func requireAssignedTasker(principal Principal) func(job Job) error {
	return func(job Job) error {
		if job.AssignedTaskerID == "" || job.AssignedTaskerID != principal.UserID().String() {
			return fmt.Errorf("%w: only the assigned tasker may do this", ErrNotAuthorized)
		}
		return nil
	}
}

// notify dispatches a notification best-effort. Dispatcher failures never
// change the primary result.
func (service *Service) notify(ctx context.Context, userID string, event NotificationEvent, payload map[string]string) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.Notify(ctx, userID, event, payload); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: string(event),
			JobID:     payload["job_id"],
			Status:    operationStatusError,
			Error:     WrapError("notify", string(event), "dispatch", err),
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
