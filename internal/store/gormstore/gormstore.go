package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultNotesJSON      = "{}"

	errorOperationStore     = "store"
	errorSubjectJob         = "job"
	errorSubjectApplication = "application"
	errorSubjectTransaction = "transaction"
	errorSubjectWallet      = "wallet"
	errorSubjectStats       = "stats"
	errorSubjectEvent       = "event"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeDuplicate      = "duplicate"
	errorCodeIncrement      = "increment"
	errorCodeConfirm        = "confirm"
	errorCodeCompareAndSet  = "compare_and_set"
	errorCodeUpsert         = "upsert"
	errorCodeInvalid        = "invalid"
)

// Store implements marketplace.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketplace.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateJob(ctx context.Context, job marketplace.Job) (marketplace.Job, error) {
	model := jobToModel(job)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return marketplace.Job{}, wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return jobFromModel(model)
}

func (store *Store) GetJob(ctx context.Context, jobID string) (marketplace.Job, error) {
	var model Job
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return marketplace.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, marketplace.ErrJobNotFound)
		}
		return marketplace.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return jobFromModel(model)
}

// TransitionJob moves a job's status with a conditional write keyed on the
// observed statuses (and, when requested, on the job being unassigned), so a
// concurrent transition surfaces as zero affected rows instead of a lost
// update.
func (store *Store) TransitionJob(ctx context.Context, jobID string, from []marketplace.JobStatus, requireUnassigned bool, changes marketplace.JobChanges) error {
	updates := map[string]interface{}{
		"status":     changes.Status.String(),
		"updated_at": time.Now().UTC(),
	}
	if changes.AssignedTaskerID != "" {
		updates["assigned_tasker_id"] = changes.AssignedTaskerID
	}
	if changes.FinalPriceCents > 0 {
		updates["final_price_cents"] = changes.FinalPriceCents.Int64()
	}
	if !changes.StartedAt.IsZero() {
		updates["started_at"] = changes.StartedAt.UTC()
	}
	if !changes.CompletedAt.IsZero() {
		updates["completed_at"] = changes.CompletedAt.UTC()
	}

	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, status.String())
	}
	query := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND status IN ?", jobID, fromValues)
	if requireUnassigned {
		query = query.Where("assigned_tasker_id IS NULL")
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, marketplace.ErrJobStateConflict)
	}
	return nil
}

// ConfirmJob stamps customer_confirmed_at if and only if it is still unset.
// Zero affected rows means a concurrent confirmation already settled the job.
func (store *Store) ConfirmJob(ctx context.Context, jobID string, confirmedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND customer_confirmed_at IS NULL", jobID).
		Updates(map[string]interface{}{
			"customer_confirmed_at": confirmedAt.UTC(),
			"updated_at":            confirmedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeConfirm, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeConfirm, marketplace.ErrJobAlreadySettled)
	}
	return nil
}

func (store *Store) CreateApplication(ctx context.Context, application marketplace.Application) (marketplace.Application, error) {
	model := Application{
		ApplicationID:      application.ApplicationID,
		JobID:              application.JobID,
		TaskerID:           application.TaskerID,
		ProposedPriceCents: application.ProposedPriceCents.Int64(),
		Status:             application.Status.String(),
		CreatedAt:          application.CreatedAt.UTC(),
		UpdatedAt:          application.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return marketplace.Application{}, wrapStoreError(errorSubjectApplication, errorCodeDuplicate, marketplace.ErrAlreadyApplied)
	}
	if err != nil {
		return marketplace.Application{}, wrapStoreError(errorSubjectApplication, errorCodeCreate, err)
	}
	return applicationFromModel(model)
}

func (store *Store) GetApplication(ctx context.Context, applicationID string) (marketplace.Application, error) {
	var model Application
	err := store.db.WithContext(ctx).Where("application_id = ?", applicationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return marketplace.Application{}, wrapStoreError(errorSubjectApplication, errorCodeGet, marketplace.ErrApplicationNotFound)
		}
		return marketplace.Application{}, wrapStoreError(errorSubjectApplication, errorCodeGet, err)
	}
	return applicationFromModel(model)
}

func (store *Store) ListApplications(ctx context.Context, jobID string) ([]marketplace.Application, error) {
	var rows []Application
	err := store.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectApplication, errorCodeList, err)
	}
	applications := make([]marketplace.Application, 0, len(rows))
	for _, row := range rows {
		application, err := applicationFromModel(row)
		if err != nil {
			return nil, err
		}
		applications = append(applications, application)
	}
	return applications, nil
}

func (store *Store) ApplicationExists(ctx context.Context, jobID string, taskerID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Application{}).
		Where("job_id = ? AND tasker_id = ?", jobID, taskerID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectApplication, errorCodeGet, err)
	}
	return count > 0, nil
}

// IncrementJobApplications bumps the counter atomically, honoring the
// configured limit in the same statement. Zero affected rows means the limit
// is reached.
func (store *Store) IncrementJobApplications(ctx context.Context, jobID string) error {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND (max_applications = 0 OR current_applications < max_applications)", jobID).
		UpdateColumn("current_applications", gorm.Expr("current_applications + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeIncrement, marketplace.ErrApplicationLimit)
	}
	return nil
}

func (store *Store) UpdateApplicationStatus(ctx context.Context, applicationID string, from, to marketplace.ApplicationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Application{}).
		Where("application_id = ? AND status = ?", applicationID, from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectApplication, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectApplication, errorCodeUpdate, marketplace.ErrApplicationClosed)
	}
	return nil
}

func (store *Store) RejectPendingApplications(ctx context.Context, jobID string, exceptApplicationID string) error {
	err := store.db.WithContext(ctx).
		Model(&Application{}).
		Where("job_id = ? AND application_id <> ? AND status = ?", jobID, exceptApplicationID, marketplace.ApplicationStatusPending.String()).
		Updates(map[string]interface{}{
			"status":     marketplace.ApplicationStatusRejected.String(),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectApplication, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction marketplace.LedgerTransaction) (marketplace.LedgerTransaction, error) {
	var processedAt *time.Time
	if !transaction.ProcessedAt.IsZero() {
		value := transaction.ProcessedAt.UTC()
		processedAt = &value
	}
	model := LedgerTransaction{
		TransactionID:    transaction.TransactionID,
		JobID:            transaction.JobID,
		PayerID:          transaction.PayerID,
		PayeeID:          transaction.PayeeID,
		AmountCents:      transaction.AmountCents.Int64(),
		PlatformFeeCents: transaction.PlatformFeeCents.Int64(),
		Status:           string(transaction.Status),
		ProcessedAt:      processedAt,
		CreatedAt:        transaction.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return marketplace.LedgerTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, marketplace.ErrJobAlreadySettled)
	}
	if err != nil {
		return marketplace.LedgerTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return transactionFromModel(model)
}

func (store *Store) ListSettledTransactions(ctx context.Context, userID string, from, to time.Time) ([]marketplace.LedgerTransaction, error) {
	query := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Where("payee_id = ? AND status = ?", userID, string(marketplace.PaymentStatusPaid))
	if !from.IsZero() {
		query = query.Where("coalesce(processed_at, created_at) >= ?", from.UTC())
	}
	if !to.IsZero() {
		query = query.Where("coalesce(processed_at, created_at) <= ?", to.UTC())
	}
	var rows []LedgerTransaction
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]marketplace.LedgerTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := transactionFromModel(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// GetWalletBalance reads the balance, creating the zero-balance wallet row on
// first touch.
func (store *Store) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	var wallet UserWallet
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&wallet, UserWallet{UserID: userID}).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet.BalanceCents, nil
}

// CompareAndSetWalletBalance writes the balance only when the stored value
// still matches the one the caller read. Zero affected rows is a lost update.
func (store *Store) CompareAndSetWalletBalance(ctx context.Context, userID string, expected int64, next int64) error {
	result := store.db.WithContext(ctx).
		Model(&UserWallet{}).
		Where("user_id = ? AND balance_cents = ?", userID, expected).
		Updates(map[string]interface{}{
			"balance_cents": next,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCompareAndSet, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeCompareAndSet, marketplace.ErrWalletConflict)
	}
	return nil
}

func (store *Store) CreateWalletAudit(ctx context.Context, entry marketplace.WalletAuditEntry) error {
	model := WalletAuditEntry{
		EntryID:      entry.EntryID,
		UserID:       entry.UserID,
		AmountCents:  entry.AmountCents,
		Type:         entry.Type,
		RelatedJobID: entry.RelatedJobID,
		Notes:        notesJSON(entry.NotesJSON),
		CreatedAt:    entry.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

// UpsertUserStats applies the rollup increments in a single conflict-update
// statement.
func (store *Store) UpsertUserStats(ctx context.Context, delta marketplace.StatsDelta) error {
	model := UserStats{
		UserID:             delta.UserID,
		CompletedJobs:      delta.CompletedJobs,
		TotalEarningsCents: delta.TotalEarningsCents,
		TotalSpentCents:    delta.TotalSpentCents,
		UpdatedAt:          time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"completed_jobs":       gorm.Expr("user_stats.completed_jobs + excluded.completed_jobs"),
				"total_earnings_cents": gorm.Expr("user_stats.total_earnings_cents + excluded.total_earnings_cents"),
				"total_spent_cents":    gorm.Expr("user_stats.total_spent_cents + excluded.total_spent_cents"),
				"updated_at":           gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectStats, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetUserStats(ctx context.Context, userID string) (marketplace.UserStats, error) {
	var model UserStats
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return marketplace.UserStats{UserID: userID}, nil
		}
		return marketplace.UserStats{}, wrapStoreError(errorSubjectStats, errorCodeGet, err)
	}
	return marketplace.UserStats{
		UserID:             model.UserID,
		CompletedJobs:      model.CompletedJobs,
		TotalEarningsCents: model.TotalEarningsCents,
		TotalSpentCents:    model.TotalSpentCents,
	}, nil
}

func (store *Store) CreateEvent(ctx context.Context, event marketplace.DomainEvent) (marketplace.DomainEvent, error) {
	model := DomainEvent{
		EventID:   event.EventID,
		JobID:     event.JobID,
		Type:      string(event.Type),
		Payload:   notesJSON(event.PayloadJSON),
		CreatedAt: event.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return marketplace.DomainEvent{}, wrapStoreError(errorSubjectEvent, errorCodeCreate, err)
	}
	return eventFromModel(model)
}

func (store *Store) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&DomainEvent{}).
		Where("event_id = ?", eventID).
		Update("processed_at", processedAt.UTC()).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpdate, err)
	}
	return nil
}

// ElevatedWalletWriter is the privileged wallet write path. It runs on its own
// database session, mirroring an elevated identity distinct from the
// request-scoped store, and writes a balance unconditionally. The settlement
// engine verifies the result by re-reading through the normal path.
type ElevatedWalletWriter struct {
	db *gorm.DB
}

// NewElevatedWalletWriter returns the privileged writer over a dedicated
// session.
func NewElevatedWalletWriter(db *gorm.DB) *ElevatedWalletWriter {
	return &ElevatedWalletWriter{db: db.Session(&gorm.Session{NewDB: true})}
}

// SetBalance writes the balance for any user.
func (writer *ElevatedWalletWriter) SetBalance(ctx context.Context, userID string, balance int64) error {
	result := writer.db.WithContext(ctx).
		Model(&UserWallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance_cents": balance,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationStore, subject, code, err)
}

func jobToModel(job marketplace.Job) Job {
	model := Job{
		JobID:               job.JobID,
		CustomerID:          job.CustomerID,
		Status:              job.Status.String(),
		Title:               job.Title,
		Description:         job.Description,
		BudgetCents:         job.BudgetCents.Int64(),
		Currency:            job.Currency,
		MaxApplications:     job.MaxApplications,
		CurrentApplications: job.CurrentApplications,
		CreatedAt:           job.CreatedAt.UTC(),
		UpdatedAt:           job.UpdatedAt.UTC(),
	}
	if job.AssignedTaskerID != "" {
		value := job.AssignedTaskerID
		model.AssignedTaskerID = &value
	}
	if job.FinalPriceCents > 0 {
		value := job.FinalPriceCents.Int64()
		model.FinalPriceCents = &value
	}
	model.StartedAt = timePointer(job.StartedAt)
	model.CompletedAt = timePointer(job.CompletedAt)
	model.CustomerConfirmedAt = timePointer(job.CustomerConfirmedAt)
	return model
}

func jobFromModel(model Job) (marketplace.Job, error) {
	status, err := marketplace.ParseJobStatus(model.Status)
	if err != nil {
		return marketplace.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	job := marketplace.Job{
		JobID:               model.JobID,
		CustomerID:          model.CustomerID,
		Status:              status,
		Title:               model.Title,
		Description:         model.Description,
		BudgetCents:         marketplace.AmountCents(model.BudgetCents),
		Currency:            model.Currency,
		MaxApplications:     model.MaxApplications,
		CurrentApplications: model.CurrentApplications,
		StartedAt:           timeOrZero(model.StartedAt),
		CompletedAt:         timeOrZero(model.CompletedAt),
		CustomerConfirmedAt: timeOrZero(model.CustomerConfirmedAt),
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
	}
	if model.AssignedTaskerID != nil {
		job.AssignedTaskerID = *model.AssignedTaskerID
	}
	if model.FinalPriceCents != nil {
		job.FinalPriceCents = marketplace.AmountCents(*model.FinalPriceCents)
	}
	return job, nil
}

func applicationFromModel(model Application) (marketplace.Application, error) {
	status, err := marketplace.ParseApplicationStatus(model.Status)
	if err != nil {
		return marketplace.Application{}, wrapStoreError(errorSubjectApplication, errorCodeInvalid, err)
	}
	return marketplace.Application{
		ApplicationID:      model.ApplicationID,
		JobID:              model.JobID,
		TaskerID:           model.TaskerID,
		ProposedPriceCents: marketplace.AmountCents(model.ProposedPriceCents),
		Status:             status,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}, nil
}

func transactionFromModel(model LedgerTransaction) (marketplace.LedgerTransaction, error) {
	return marketplace.LedgerTransaction{
		TransactionID:    model.TransactionID,
		JobID:            model.JobID,
		PayerID:          model.PayerID,
		PayeeID:          model.PayeeID,
		AmountCents:      marketplace.AmountCents(model.AmountCents),
		PlatformFeeCents: marketplace.AmountCents(model.PlatformFeeCents),
		Status:           marketplace.PaymentStatus(model.Status),
		ProcessedAt:      timeOrZero(model.ProcessedAt),
		CreatedAt:        model.CreatedAt,
	}, nil
}

func eventFromModel(model DomainEvent) (marketplace.DomainEvent, error) {
	return marketplace.DomainEvent{
		EventID:     model.EventID,
		JobID:       model.JobID,
		Type:        marketplace.EventType(model.Type),
		PayloadJSON: string(model.Payload),
		CreatedAt:   model.CreatedAt,
		ProcessedAt: timeOrZero(model.ProcessedAt),
	}, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}

func notesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultNotesJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
