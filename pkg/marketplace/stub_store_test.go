package marketplace

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// stubStore is an in-memory Store with rollback-capable transactions, used by
// the service tests.
type stubStore struct {
	jobs         map[string]Job
	applications map[string]Application
	transactions []LedgerTransaction
	wallets      map[string]int64
	audits       []WalletAuditEntry
	stats        map[string]UserStats
	events       map[string]DomainEvent
	sequence     int

	walletCASError   error
	auditError       error
	statsError       error
	eventError       error
	confirmCollision bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		jobs:         map[string]Job{},
		applications: map[string]Application{},
		wallets:      map[string]int64{},
		stats:        map[string]UserStats{},
		events:       map[string]DomainEvent{},
	}
}

func (store *stubStore) nextID(prefix string) string {
	store.sequence++
	return fmt.Sprintf("%s-%d", prefix, store.sequence)
}

// WithTx snapshots the store and restores it when fn fails, mimicking a
// rolled-back transaction.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	jobs         map[string]Job
	applications map[string]Application
	transactions []LedgerTransaction
	wallets      map[string]int64
	audits       []WalletAuditEntry
	stats        map[string]UserStats
	events       map[string]DomainEvent
	sequence     int
}

func (store *stubStore) snapshot() stubSnapshot {
	return stubSnapshot{
		jobs:         copyMap(store.jobs),
		applications: copyMap(store.applications),
		transactions: append([]LedgerTransaction(nil), store.transactions...),
		wallets:      copyMap(store.wallets),
		audits:       append([]WalletAuditEntry(nil), store.audits...),
		stats:        copyMap(store.stats),
		events:       copyMap(store.events),
		sequence:     store.sequence,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.jobs = snapshot.jobs
	store.applications = snapshot.applications
	store.transactions = snapshot.transactions
	store.wallets = snapshot.wallets
	store.audits = snapshot.audits
	store.stats = snapshot.stats
	store.events = snapshot.events
	store.sequence = snapshot.sequence
}

func copyMap[Value any](source map[string]Value) map[string]Value {
	target := make(map[string]Value, len(source))
	for key, value := range source {
		target[key] = value
	}
	return target
}

func (store *stubStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	if job.JobID == "" {
		job.JobID = store.nextID("job")
	}
	store.jobs[job.JobID] = job
	return job, nil
}

func (store *stubStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *stubStore) TransitionJob(ctx context.Context, jobID string, from []JobStatus, requireUnassigned bool, changes JobChanges) error {
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	matched := false
	for _, status := range from {
		if job.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return ErrJobStateConflict
	}
	if requireUnassigned && job.AssignedTaskerID != "" {
		return ErrJobStateConflict
	}
	job.Status = changes.Status
	if changes.AssignedTaskerID != "" {
		job.AssignedTaskerID = changes.AssignedTaskerID
	}
	if changes.FinalPriceCents > 0 {
		job.FinalPriceCents = changes.FinalPriceCents
	}
	if !changes.StartedAt.IsZero() {
		job.StartedAt = changes.StartedAt
	}
	if !changes.CompletedAt.IsZero() {
		job.CompletedAt = changes.CompletedAt
	}
	job.UpdatedAt = time.Now().UTC()
	store.jobs[jobID] = job
	return nil
}

func (store *stubStore) ConfirmJob(ctx context.Context, jobID string, confirmedAt time.Time) error {
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if store.confirmCollision || !job.CustomerConfirmedAt.IsZero() {
		return ErrJobAlreadySettled
	}
	job.CustomerConfirmedAt = confirmedAt
	job.UpdatedAt = confirmedAt
	store.jobs[jobID] = job
	return nil
}

func (store *stubStore) CreateApplication(ctx context.Context, application Application) (Application, error) {
	for _, existing := range store.applications {
		if existing.JobID == application.JobID && existing.TaskerID == application.TaskerID {
			return Application{}, ErrAlreadyApplied
		}
	}
	if application.ApplicationID == "" {
		application.ApplicationID = store.nextID("app")
	}
	store.applications[application.ApplicationID] = application
	return application, nil
}

func (store *stubStore) GetApplication(ctx context.Context, applicationID string) (Application, error) {
	application, ok := store.applications[applicationID]
	if !ok {
		return Application{}, ErrApplicationNotFound
	}
	return application, nil
}

func (store *stubStore) ListApplications(ctx context.Context, jobID string) ([]Application, error) {
	var applications []Application
	for _, application := range store.applications {
		if application.JobID == jobID {
			applications = append(applications, application)
		}
	}
	return applications, nil
}

func (store *stubStore) ApplicationExists(ctx context.Context, jobID string, taskerID string) (bool, error) {
	for _, application := range store.applications {
		if application.JobID == jobID && application.TaskerID == taskerID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) IncrementJobApplications(ctx context.Context, jobID string) error {
	job, ok := store.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.MaxApplications > 0 && job.CurrentApplications >= job.MaxApplications {
		return ErrApplicationLimit
	}
	job.CurrentApplications++
	store.jobs[jobID] = job
	return nil
}

func (store *stubStore) UpdateApplicationStatus(ctx context.Context, applicationID string, from, to ApplicationStatus) error {
	application, ok := store.applications[applicationID]
	if !ok {
		return ErrApplicationNotFound
	}
	if application.Status != from {
		return ErrApplicationClosed
	}
	application.Status = to
	store.applications[applicationID] = application
	return nil
}

func (store *stubStore) RejectPendingApplications(ctx context.Context, jobID string, exceptApplicationID string) error {
	for id, application := range store.applications {
		if application.JobID == jobID && id != exceptApplicationID && application.Status == ApplicationStatusPending {
			application.Status = ApplicationStatusRejected
			store.applications[id] = application
		}
	}
	return nil
}

func (store *stubStore) CreateTransaction(ctx context.Context, transaction LedgerTransaction) (LedgerTransaction, error) {
	for _, existing := range store.transactions {
		if existing.JobID == transaction.JobID {
			return LedgerTransaction{}, ErrJobAlreadySettled
		}
	}
	if transaction.TransactionID == "" {
		transaction.TransactionID = store.nextID("txn")
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListSettledTransactions(ctx context.Context, userID string, from, to time.Time) ([]LedgerTransaction, error) {
	var matched []LedgerTransaction
	for _, transaction := range store.transactions {
		if transaction.PayeeID != userID || transaction.Status != PaymentStatusPaid {
			continue
		}
		at := transaction.ProcessedAt
		if at.IsZero() {
			at = transaction.CreatedAt
		}
		if !from.IsZero() && at.Before(from) {
			continue
		}
		if !to.IsZero() && at.After(to) {
			continue
		}
		matched = append(matched, transaction)
	}
	return matched, nil
}

func (store *stubStore) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	return store.wallets[userID], nil
}

func (store *stubStore) CompareAndSetWalletBalance(ctx context.Context, userID string, expected int64, next int64) error {
	if store.walletCASError != nil {
		return store.walletCASError
	}
	if store.wallets[userID] != expected {
		return ErrWalletConflict
	}
	store.wallets[userID] = next
	return nil
}

func (store *stubStore) CreateWalletAudit(ctx context.Context, entry WalletAuditEntry) error {
	if store.auditError != nil {
		return store.auditError
	}
	if entry.EntryID == "" {
		entry.EntryID = store.nextID("audit")
	}
	store.audits = append(store.audits, entry)
	return nil
}

func (store *stubStore) UpsertUserStats(ctx context.Context, delta StatsDelta) error {
	if store.statsError != nil {
		return store.statsError
	}
	stats := store.stats[delta.UserID]
	stats.UserID = delta.UserID
	stats.CompletedJobs += delta.CompletedJobs
	stats.TotalEarningsCents += delta.TotalEarningsCents
	stats.TotalSpentCents += delta.TotalSpentCents
	store.stats[delta.UserID] = stats
	return nil
}

func (store *stubStore) GetUserStats(ctx context.Context, userID string) (UserStats, error) {
	return store.stats[userID], nil
}

func (store *stubStore) CreateEvent(ctx context.Context, event DomainEvent) (DomainEvent, error) {
	if store.eventError != nil {
		return DomainEvent{}, store.eventError
	}
	if event.EventID == "" {
		event.EventID = store.nextID("evt")
	}
	store.events[event.EventID] = event
	return event, nil
}

func (store *stubStore) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	event, ok := store.events[eventID]
	if !ok {
		return fmt.Errorf("unknown event %s", eventID)
	}
	event.ProcessedAt = processedAt
	store.events[eventID] = event
	return nil
}

// stubNotifier records dispatched notifications.
type stubNotifier struct {
	sent     []sentNotification
	failWith error
}

type sentNotification struct {
	userID  string
	event   NotificationEvent
	payload map[string]string
}

func (notifier *stubNotifier) Notify(ctx context.Context, userID string, event NotificationEvent, payload map[string]string) error {
	if notifier.failWith != nil {
		return notifier.failWith
	}
	notifier.sent = append(notifier.sent, sentNotification{userID: userID, event: event, payload: payload})
	return nil
}

func (notifier *stubNotifier) countByEvent(event NotificationEvent) int {
	count := 0
	for _, notification := range notifier.sent {
		if notification.event == event {
			count++
		}
	}
	return count
}

var testClock = func() time.Time { return time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC) }

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, testClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustJobID(test *testing.T, raw string) JobID {
	test.Helper()
	jobID, err := NewJobID(raw)
	if err != nil {
		test.Fatalf("job id: %v", err)
	}
	return jobID
}

func mustApplicationID(test *testing.T, raw string) ApplicationID {
	test.Helper()
	applicationID, err := NewApplicationID(raw)
	if err != nil {
		test.Fatalf("application id: %v", err)
	}
	return applicationID
}

func mustPrincipal(test *testing.T, raw string) Principal {
	test.Helper()
	principal, err := NewPrincipal(mustUserID(test, raw), false)
	if err != nil {
		test.Fatalf("principal: %v", err)
	}
	return principal
}

func mustAdmin(test *testing.T, raw string) Principal {
	test.Helper()
	principal, err := NewPrincipal(mustUserID(test, raw), true)
	if err != nil {
		test.Fatalf("admin principal: %v", err)
	}
	return principal
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	amount, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustJobSpec(test *testing.T, budgetCents int64, maxApplications int) JobSpec {
	test.Helper()
	spec, err := NewJobSpec("Mount a shelf", "Mount a wooden shelf in the living room.", budgetCents, "usd", maxApplications)
	if err != nil {
		test.Fatalf("job spec: %v", err)
	}
	return spec
}
