package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// UserID identifies a customer or tasker.
type UserID struct {
	value string
}

// JobID identifies a job.
type JobID struct {
	value string
}

// ApplicationID identifies a tasker's application against a job.
type ApplicationID struct {
	value string
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	userID UserID
	admin  bool
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewJobID validates and normalizes a job id.
func NewJobID(raw string) (JobID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return JobID{}, fmt.Errorf("%w: empty value", ErrInvalidJobID)
	}
	return JobID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id JobID) String() string {
	return id.value
}

// NewApplicationID validates and normalizes an application id.
func NewApplicationID(raw string) (ApplicationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ApplicationID{}, fmt.Errorf("%w: empty value", ErrInvalidApplicationID)
	}
	return ApplicationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ApplicationID) String() string {
	return id.value
}

// NewPrincipal builds an authenticated principal from a user id and role flag.
func NewPrincipal(userID UserID, admin bool) (Principal, error) {
	if userID.value == "" {
		return Principal{}, fmt.Errorf("%w: missing principal", ErrNotAuthenticated)
	}
	return Principal{userID: userID, admin: admin}, nil
}

// UserID returns the principal's user id.
func (principal Principal) UserID() UserID {
	return principal.userID
}

// IsAdmin reports whether the principal carries the admin role.
func (principal Principal) IsAdmin() bool {
	return principal.admin
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NewCurrency validates a three-letter currency code and upper-cases it.
func NewCurrency(raw string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != currencyCodeLength {
		return "", fmt.Errorf("%w: must be a three-letter code", ErrInvalidCurrency)
	}
	return normalized, nil
}

// JobStatus defines the job lifecycle.
type JobStatus string

const (
	JobStatusUnderReview JobStatus = "under_review"
	JobStatusActive      JobStatus = "active"
	JobStatusAssigned    JobStatus = "assigned"
	JobStatusInProgress  JobStatus = "in_progress"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// String returns the stored status value.
func (status JobStatus) String() string {
	return string(status)
}

// ParseJobStatus validates a stored status value.
func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(raw)
	switch status {
	case JobStatusUnderReview, JobStatusActive, JobStatusAssigned, JobStatusInProgress, JobStatusCompleted, JobStatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, raw)
}

// ApplicationStatus defines the application lifecycle.
type ApplicationStatus string

const (
	ApplicationStatusPending  ApplicationStatus = "pending"
	ApplicationStatusAccepted ApplicationStatus = "accepted"
	ApplicationStatusRejected ApplicationStatus = "rejected"
)

// String returns the stored status value.
func (status ApplicationStatus) String() string {
	return string(status)
}

// ParseApplicationStatus validates a stored status value.
func ParseApplicationStatus(raw string) (ApplicationStatus, error) {
	status := ApplicationStatus(raw)
	switch status {
	case ApplicationStatusPending, ApplicationStatusAccepted, ApplicationStatusRejected:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidApplicationStatus, raw)
}

// PaymentStatus marks the state of a ledger transaction.
type PaymentStatus string

const (
	PaymentStatusPaid PaymentStatus = "paid"
)

// EventType enumerates outbox domain events.
type EventType string

const (
	EventJobSettled EventType = "job_settled"
)

// NotificationEvent enumerates the events the dispatcher can render.
type NotificationEvent string

const (
	NotificationJobApproved         NotificationEvent = "job_approved"
	NotificationJobAssigned         NotificationEvent = "job_assigned"
	NotificationJobStarted          NotificationEvent = "job_started"
	NotificationJobCompleted        NotificationEvent = "job_completed"
	NotificationJobConfirmed        NotificationEvent = "job_confirmed"
	NotificationJobCancelled        NotificationEvent = "job_cancelled"
	NotificationApplicationReceived NotificationEvent = "application_received"
	NotificationApplicationAccepted NotificationEvent = "application_accepted"
	NotificationPaymentReceived     NotificationEvent = "payment_received"
)

// Job is the tracked unit of work.
//
// Zero values stand in for unset nullable columns: an empty AssignedTaskerID
// means unassigned, a zero FinalPriceCents means no accepted price yet, and
// zero timestamps mean the corresponding transition has not happened.
type Job struct {
	JobID               string
	CustomerID          string
	AssignedTaskerID    string
	Status              JobStatus
	Title               string
	Description         string
	BudgetCents         AmountCents
	FinalPriceCents     AmountCents
	Currency            string
	MaxApplications     int
	CurrentApplications int
	StartedAt           time.Time
	CompletedAt         time.Time
	CustomerConfirmedAt time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SettlementAmount is the amount the settlement engine charges: the accepted
// final price when one exists, otherwise the customer's budget.
func (job Job) SettlementAmount() AmountCents {
	if job.FinalPriceCents > 0 {
		return job.FinalPriceCents
	}
	return job.BudgetCents
}

// JobSpec is the validated input for creating a job.
type JobSpec struct {
	Title           string
	Description     string
	BudgetCents     AmountCents
	Currency        string
	MaxApplications int
}

// NewJobSpec validates the customer-supplied fields of a new job.
func NewJobSpec(title string, description string, budgetCents int64, currency string, maxApplications int) (JobSpec, error) {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" || len(trimmedTitle) > maxJobTitleLength {
		return JobSpec{}, fmt.Errorf("%w: title must be 1-%d characters", ErrInvalidJobSpec, maxJobTitleLength)
	}
	trimmedDescription := strings.TrimSpace(description)
	if trimmedDescription == "" || len(trimmedDescription) > maxJobDescriptionLength {
		return JobSpec{}, fmt.Errorf("%w: description must be 1-%d characters", ErrInvalidJobSpec, maxJobDescriptionLength)
	}
	budget, err := NewAmountCents(budgetCents)
	if err != nil {
		return JobSpec{}, fmt.Errorf("%w: budget %v", ErrInvalidJobSpec, err)
	}
	normalizedCurrency, err := NewCurrency(currency)
	if err != nil {
		return JobSpec{}, fmt.Errorf("%w: currency %v", ErrInvalidJobSpec, err)
	}
	if maxApplications < 0 {
		return JobSpec{}, fmt.Errorf("%w: max applications must not be negative", ErrInvalidJobSpec)
	}
	return JobSpec{
		Title:           trimmedTitle,
		Description:     trimmedDescription,
		BudgetCents:     budget,
		Currency:        normalizedCurrency,
		MaxApplications: maxApplications,
	}, nil
}

// Application is a tasker's bid on a job.
type Application struct {
	ApplicationID      string
	JobID              string
	TaskerID           string
	ProposedPriceCents AmountCents
	Status             ApplicationStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LedgerTransaction is the authoritative record of a completed payment.
type LedgerTransaction struct {
	TransactionID    string
	JobID            string
	PayerID          string
	PayeeID          string
	AmountCents      AmountCents
	PlatformFeeCents AmountCents
	Status           PaymentStatus
	ProcessedAt      time.Time
	CreatedAt        time.Time
}

// WalletAuditEntry is a non-authoritative record paired with a balance mutation.
type WalletAuditEntry struct {
	EntryID      string
	UserID       string
	AmountCents  int64
	Type         string
	RelatedJobID string
	NotesJSON    string
	CreatedAt    time.Time
}

// UserStats is the eventually consistent per-user rollup.
type UserStats struct {
	UserID             string
	CompletedJobs      int64
	TotalEarningsCents int64
	TotalSpentCents    int64
}

// StatsDelta is an increment applied to a user's rollup.
type StatsDelta struct {
	UserID             string
	CompletedJobs      int64
	TotalEarningsCents int64
	TotalSpentCents    int64
}

// DomainEvent is an outbox row committed together with the write it describes.
type DomainEvent struct {
	EventID     string
	JobID       string
	Type        EventType
	PayloadJSON string
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// SettlementPayload is the JSON body of a job_settled domain event.
type SettlementPayload struct {
	JobID            string `json:"job_id"`
	TransactionID    string `json:"transaction_id"`
	CustomerID       string `json:"customer_id"`
	TaskerID         string `json:"tasker_id"`
	AmountCents      int64  `json:"amount_cents"`
	PlatformFeeCents int64  `json:"platform_fee_cents"`
	NetAmountCents   int64  `json:"net_amount_cents"`
	Currency         string `json:"currency"`
}

// Encode serializes the payload for the outbox row.
func (payload SettlementPayload) Encode() (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	return string(raw), nil
}

// DecodeSettlementPayload parses a job_settled outbox payload.
func DecodeSettlementPayload(raw string) (SettlementPayload, error) {
	var payload SettlementPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return SettlementPayload{}, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	return payload, nil
}

// JobChanges carries the column updates applied alongside a status transition.
// Zero values are left untouched by the store.
type JobChanges struct {
	Status           JobStatus
	AssignedTaskerID string
	FinalPriceCents  AmountCents
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Store is the persistence contract used by Service. Implementations must make
// TransitionJob, ConfirmJob, IncrementJobApplications,
// UpdateApplicationStatus, and CompareAndSetWalletBalance conditional writes
// that report zero affected rows through the documented sentinel errors.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, requireUnassigned bool, changes JobChanges) error
	ConfirmJob(ctx context.Context, jobID string, confirmedAt time.Time) error

	CreateApplication(ctx context.Context, application Application) (Application, error)
	GetApplication(ctx context.Context, applicationID string) (Application, error)
	ListApplications(ctx context.Context, jobID string) ([]Application, error)
	ApplicationExists(ctx context.Context, jobID string, taskerID string) (bool, error)
	IncrementJobApplications(ctx context.Context, jobID string) error
	UpdateApplicationStatus(ctx context.Context, applicationID string, from, to ApplicationStatus) error
	RejectPendingApplications(ctx context.Context, jobID string, exceptApplicationID string) error

	CreateTransaction(ctx context.Context, transaction LedgerTransaction) (LedgerTransaction, error)
	ListSettledTransactions(ctx context.Context, userID string, from, to time.Time) ([]LedgerTransaction, error)

	GetWalletBalance(ctx context.Context, userID string) (int64, error)
	CompareAndSetWalletBalance(ctx context.Context, userID string, expected int64, next int64) error
	CreateWalletAudit(ctx context.Context, entry WalletAuditEntry) error

	UpsertUserStats(ctx context.Context, delta StatsDelta) error
	GetUserStats(ctx context.Context, userID string) (UserStats, error)

	CreateEvent(ctx context.Context, event DomainEvent) (DomainEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) error
}
