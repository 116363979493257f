package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job mirrors the jobs table.
type Job struct {
	JobID               string     `gorm:"type:uuid;primaryKey"`
	CustomerID          string     `gorm:"not null;index:idx_jobs_customer"`
	AssignedTaskerID    *string    `gorm:"index:idx_jobs_tasker"`
	Status              string     `gorm:"not null;index:idx_jobs_status"`
	Title               string     `gorm:"not null"`
	Description         string     `gorm:"not null"`
	BudgetCents         int64      `gorm:"not null"`
	FinalPriceCents     *int64     `gorm:""`
	Currency            string     `gorm:"not null"`
	MaxApplications     int        `gorm:"not null"`
	CurrentApplications int        `gorm:"not null"`
	StartedAt           *time.Time `gorm:""`
	CompletedAt         *time.Time `gorm:""`
	CustomerConfirmedAt *time.Time `gorm:""`
	CreatedAt           time.Time  `gorm:"not null"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

func (job *Job) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}

// Application mirrors the applications table. One row per (job, tasker).
type Application struct {
	ApplicationID      string    `gorm:"type:uuid;primaryKey"`
	JobID              string    `gorm:"type:uuid;not null;index:uniq_application_job_tasker,unique,priority:1"`
	TaskerID           string    `gorm:"not null;index:uniq_application_job_tasker,unique,priority:2"`
	ProposedPriceCents int64     `gorm:"not null"`
	Status             string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Application) TableName() string { return "applications" }

func (application *Application) BeforeCreate(tx *gorm.DB) error {
	if application.ApplicationID == "" {
		application.ApplicationID = uuid.NewString()
	}
	return nil
}

// LedgerTransaction mirrors the append-only ledger_transactions table. The
// unique index on job_id backs the at-most-once settlement guarantee.
type LedgerTransaction struct {
	TransactionID    string     `gorm:"type:uuid;primaryKey"`
	JobID            string     `gorm:"type:uuid;not null;index:uniq_transaction_job,unique"`
	PayerID          string     `gorm:"not null;index:idx_transactions_payer"`
	PayeeID          string     `gorm:"not null;index:idx_transactions_payee"`
	AmountCents      int64      `gorm:"not null"`
	PlatformFeeCents int64      `gorm:"not null"`
	Status           string     `gorm:"not null"`
	ProcessedAt      *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// UserWallet holds the mutable per-user balance scalar.
type UserWallet struct {
	UserID       string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (UserWallet) TableName() string { return "user_wallets" }

// WalletAuditEntry mirrors the append-only wallet_audit_entries table.
type WalletAuditEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"not null;index:idx_wallet_audit_user"`
	AmountCents  int64          `gorm:"not null"`
	Type         string         `gorm:"not null"`
	RelatedJobID string         `gorm:"type:uuid"`
	Notes        datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (WalletAuditEntry) TableName() string { return "wallet_audit_entries" }

func (entry *WalletAuditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// UserStats mirrors the user_stats rollup table.
type UserStats struct {
	UserID             string    `gorm:"primaryKey"`
	CompletedJobs      int64     `gorm:"not null"`
	TotalEarningsCents int64     `gorm:"not null"`
	TotalSpentCents    int64     `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (UserStats) TableName() string { return "user_stats" }

// DomainEvent mirrors the domain_events outbox table.
type DomainEvent struct {
	EventID     string         `gorm:"type:uuid;primaryKey"`
	JobID       string         `gorm:"type:uuid;not null;index:idx_events_job"`
	Type        string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	ProcessedAt *time.Time     `gorm:""`
}

func (DomainEvent) TableName() string { return "domain_events" }

func (event *DomainEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema for every marketplace table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Job{},
		&Application{},
		&LedgerTransaction{},
		&UserWallet{},
		&WalletAuditEntry{},
		&UserStats{},
		&DomainEvent{},
	)
}
