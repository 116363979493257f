package marketplace

import (
	"context"
	"fmt"
)

// ApplyToJob files a tasker's bid against a job. The application counter is
// incremented by the store as an atomic conditional write, never by a
// read-modify-write here.
func (service *Service) ApplyToJob(ctx context.Context, principal Principal, jobID JobID, proposedPrice AmountCents) (Application, error) {
	var created Application
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID.String())
		if err != nil {
			return err
		}
		if job.Status != JobStatusActive && job.Status != JobStatusUnderReview {
			return fmt.Errorf("%w: no longer accepting applications", ErrJobStateConflict)
		}
		if job.AssignedTaskerID != "" {
			return fmt.Errorf("%w: already assigned", ErrJobStateConflict)
		}
		if job.CustomerID == principal.UserID().String() {
			return ErrOwnJobApplication
		}
		exists, err := transactionStore.ApplicationExists(ctx, job.JobID, principal.UserID().String())
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyApplied
		}
		if err := transactionStore.IncrementJobApplications(ctx, job.JobID); err != nil {
			return err
		}
		now := service.nowFunc()
		created, err = transactionStore.CreateApplication(ctx, Application{
			JobID:              job.JobID,
			TaskerID:           principal.UserID().String(),
			ProposedPriceCents: proposedPrice,
			Status:             ApplicationStatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		return err
	})
	if operationError == nil {
		job, err := service.store.GetJob(ctx, jobID.String())
		if err == nil {
			service.notify(ctx, job.CustomerID, NotificationApplicationReceived, map[string]string{
				"job_id":         job.JobID,
				"title":          job.Title,
				"application_id": created.ApplicationID,
			})
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationApply,
		Principal:   principal.UserID(),
		JobID:       jobID.String(),
		Application: created.ApplicationID,
		Amount:      proposedPrice,
		Error:       operationError,
	})
	if operationError != nil {
		return Application{}, operationError
	}
	return created, nil
}

// AcceptApplication selects the winning bid: the target application becomes
// accepted, the job is assigned at the proposed price, and every other pending
// application for the job is rejected, all in one transaction.
func (service *Service) AcceptApplication(ctx context.Context, principal Principal, applicationID ApplicationID) (Application, error) {
	var accepted Application
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		application, err := transactionStore.GetApplication(ctx, applicationID.String())
		if err != nil {
			return err
		}
		job, err := transactionStore.GetJob(ctx, application.JobID)
		if err != nil {
			return err
		}
		if job.CustomerID != principal.UserID().String() {
			return fmt.Errorf("%w: only the job owner may accept applications", ErrNotAuthorized)
		}
		if job.AssignedTaskerID != "" {
			return fmt.Errorf("%w: already assigned", ErrJobStateConflict)
		}
		if application.Status != ApplicationStatusPending {
			return ErrApplicationClosed
		}
		if err := transactionStore.UpdateApplicationStatus(ctx, application.ApplicationID, ApplicationStatusPending, ApplicationStatusAccepted); err != nil {
			return err
		}
		if err := transactionStore.TransitionJob(ctx, job.JobID, []JobStatus{JobStatusActive, JobStatusUnderReview}, true, JobChanges{
			Status:           JobStatusAssigned,
			AssignedTaskerID: application.TaskerID,
			FinalPriceCents:  application.ProposedPriceCents,
		}); err != nil {
			return err
		}
		if err := transactionStore.RejectPendingApplications(ctx, job.JobID, application.ApplicationID); err != nil {
			return err
		}
		accepted, err = transactionStore.GetApplication(ctx, applicationID.String())
		return err
	})
	if operationError == nil {
		service.notify(ctx, accepted.TaskerID, NotificationApplicationAccepted, map[string]string{
			"job_id":         accepted.JobID,
			"application_id": accepted.ApplicationID,
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationAccept,
		Principal:   principal.UserID(),
		JobID:       accepted.JobID,
		Application: applicationID.String(),
		Error:       operationError,
	})
	if operationError != nil {
		return Application{}, operationError
	}
	return accepted, nil
}

// RejectApplication declines a pending bid without touching the job.
func (service *Service) RejectApplication(ctx context.Context, principal Principal, applicationID ApplicationID) (Application, error) {
	var rejected Application
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		application, err := transactionStore.GetApplication(ctx, applicationID.String())
		if err != nil {
			return err
		}
		job, err := transactionStore.GetJob(ctx, application.JobID)
		if err != nil {
			return err
		}
		if job.CustomerID != principal.UserID().String() {
			return fmt.Errorf("%w: only the job owner may reject applications", ErrNotAuthorized)
		}
		if application.Status != ApplicationStatusPending {
			return ErrApplicationClosed
		}
		if err := transactionStore.UpdateApplicationStatus(ctx, application.ApplicationID, ApplicationStatusPending, ApplicationStatusRejected); err != nil {
			return err
		}
		rejected, err = transactionStore.GetApplication(ctx, applicationID.String())
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationReject,
		Principal:   principal.UserID(),
		JobID:       rejected.JobID,
		Application: applicationID.String(),
		Error:       operationError,
	})
	if operationError != nil {
		return Application{}, operationError
	}
	return rejected, nil
}

// GetJobApplications lists the applications filed against a job. Customer only.
func (service *Service) GetJobApplications(ctx context.Context, principal Principal, jobID JobID) ([]Application, error) {
	job, err := service.store.GetJob(ctx, jobID.String())
	if err != nil {
		return nil, err
	}
	if job.CustomerID != principal.UserID().String() {
		return nil, fmt.Errorf("%w: only the job owner may list applications", ErrNotAuthorized)
	}
	return service.store.ListApplications(ctx, job.JobID)
}
