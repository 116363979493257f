package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
)

func mustOpenStore(test *testing.T) (*gorm.DB, *Store) {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "taskmarket.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return db, New(db)
}

func mustCreateJob(test *testing.T, store *Store, job marketplace.Job) marketplace.Job {
	test.Helper()
	if job.Currency == "" {
		job.Currency = "USD"
	}
	if job.Title == "" {
		job.Title = "Mount a shelf"
		job.Description = "Mount a wooden shelf in the living room."
	}
	created, err := store.CreateJob(context.Background(), job)
	if err != nil {
		test.Fatalf("create job: %v", err)
	}
	return created
}

func TestJobRoundTrip(test *testing.T) {
	_, store := mustOpenStore(test)
	created := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusUnderReview,
		BudgetCents: 50000,
	})
	if created.JobID == "" {
		test.Fatal("expected generated job id")
	}

	loaded, err := store.GetJob(context.Background(), created.JobID)
	if err != nil {
		test.Fatalf("get job: %v", err)
	}
	if loaded.Status != marketplace.JobStatusUnderReview {
		test.Fatalf("expected status %s, got %s", marketplace.JobStatusUnderReview, loaded.Status)
	}
	if loaded.AssignedTaskerID != "" || loaded.FinalPriceCents != 0 {
		test.Fatalf("expected unset nullables, got %q/%d", loaded.AssignedTaskerID, loaded.FinalPriceCents)
	}
	if !loaded.StartedAt.IsZero() || !loaded.CustomerConfirmedAt.IsZero() {
		test.Fatal("expected zero timestamps on a fresh job")
	}

	_, err = store.GetJob(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, marketplace.ErrJobNotFound) {
		test.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTransitionJobConditionalWrite(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusActive,
		BudgetCents: 50000,
	})
	ctx := context.Background()

	err := store.TransitionJob(ctx, job.JobID, []marketplace.JobStatus{marketplace.JobStatusActive}, true, marketplace.JobChanges{
		Status:           marketplace.JobStatusAssigned,
		AssignedTaskerID: "tasker-1",
		FinalPriceCents:  48000,
	})
	if err != nil {
		test.Fatalf("transition: %v", err)
	}

	loaded, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		test.Fatalf("get job: %v", err)
	}
	if loaded.Status != marketplace.JobStatusAssigned || loaded.AssignedTaskerID != "tasker-1" || loaded.FinalPriceCents != 48000 {
		test.Fatalf("unexpected job after transition: %+v", loaded)
	}

	// Same guard again: the status moved, so zero rows match.
	err = store.TransitionJob(ctx, job.JobID, []marketplace.JobStatus{marketplace.JobStatusActive}, true, marketplace.JobChanges{
		Status:           marketplace.JobStatusAssigned,
		AssignedTaskerID: "tasker-2",
	})
	if !errors.Is(err, marketplace.ErrJobStateConflict) {
		test.Fatalf("expected ErrJobStateConflict, got %v", err)
	}
	reloaded, _ := store.GetJob(ctx, job.JobID)
	if reloaded.AssignedTaskerID != "tasker-1" {
		test.Fatalf("assignment must stay with tasker-1, got %s", reloaded.AssignedTaskerID)
	}
}

func TestConfirmJobCompareAndSet(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusCompleted,
		BudgetCents: 50000,
	})
	ctx := context.Background()
	confirmedAt := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	if err := store.ConfirmJob(ctx, job.JobID, confirmedAt); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	err := store.ConfirmJob(ctx, job.JobID, confirmedAt.Add(time.Minute))
	if !errors.Is(err, marketplace.ErrJobAlreadySettled) {
		test.Fatalf("expected ErrJobAlreadySettled, got %v", err)
	}
	loaded, _ := store.GetJob(ctx, job.JobID)
	if !loaded.CustomerConfirmedAt.Equal(confirmedAt) {
		test.Fatalf("expected first stamp to win, got %v", loaded.CustomerConfirmedAt)
	}
}

func TestCreateApplicationUniquePerTasker(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusActive,
		BudgetCents: 50000,
	})
	ctx := context.Background()

	_, err := store.CreateApplication(ctx, marketplace.Application{
		JobID:              job.JobID,
		TaskerID:           "tasker-1",
		ProposedPriceCents: 48000,
		Status:             marketplace.ApplicationStatusPending,
	})
	if err != nil {
		test.Fatalf("create application: %v", err)
	}
	_, err = store.CreateApplication(ctx, marketplace.Application{
		JobID:              job.JobID,
		TaskerID:           "tasker-1",
		ProposedPriceCents: 45000,
		Status:             marketplace.ApplicationStatusPending,
	})
	if !errors.Is(err, marketplace.ErrAlreadyApplied) {
		test.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}

	exists, err := store.ApplicationExists(ctx, job.JobID, "tasker-1")
	if err != nil {
		test.Fatalf("exists: %v", err)
	}
	if !exists {
		test.Fatal("expected application to exist")
	}
}

func TestIncrementJobApplicationsHonorsLimit(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:      "customer-1",
		Status:          marketplace.JobStatusActive,
		BudgetCents:     50000,
		MaxApplications: 2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.IncrementJobApplications(ctx, job.JobID); err != nil {
			test.Fatalf("increment %d: %v", i, err)
		}
	}
	err := store.IncrementJobApplications(ctx, job.JobID)
	if !errors.Is(err, marketplace.ErrApplicationLimit) {
		test.Fatalf("expected ErrApplicationLimit, got %v", err)
	}
	loaded, _ := store.GetJob(ctx, job.JobID)
	if loaded.CurrentApplications != 2 {
		test.Fatalf("expected counter 2, got %d", loaded.CurrentApplications)
	}
}

func TestIncrementJobApplicationsUnlimited(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusActive,
		BudgetCents: 50000,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.IncrementJobApplications(ctx, job.JobID); err != nil {
			test.Fatalf("increment %d: %v", i, err)
		}
	}
}

func TestUpdateApplicationStatusCompareAndSet(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusActive,
		BudgetCents: 50000,
	})
	ctx := context.Background()
	application, err := store.CreateApplication(ctx, marketplace.Application{
		JobID:              job.JobID,
		TaskerID:           "tasker-1",
		ProposedPriceCents: 48000,
		Status:             marketplace.ApplicationStatusPending,
	})
	if err != nil {
		test.Fatalf("create application: %v", err)
	}

	if err := store.UpdateApplicationStatus(ctx, application.ApplicationID, marketplace.ApplicationStatusPending, marketplace.ApplicationStatusAccepted); err != nil {
		test.Fatalf("accept: %v", err)
	}
	err = store.UpdateApplicationStatus(ctx, application.ApplicationID, marketplace.ApplicationStatusPending, marketplace.ApplicationStatusRejected)
	if !errors.Is(err, marketplace.ErrApplicationClosed) {
		test.Fatalf("expected ErrApplicationClosed, got %v", err)
	}
}

func TestRejectPendingApplicationsKeepsWinner(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusActive,
		BudgetCents: 50000,
	})
	ctx := context.Background()
	var winnerID string
	for index, tasker := range []string{"tasker-1", "tasker-2", "tasker-3"} {
		application, err := store.CreateApplication(ctx, marketplace.Application{
			JobID:              job.JobID,
			TaskerID:           tasker,
			ProposedPriceCents: 48000,
			Status:             marketplace.ApplicationStatusPending,
		})
		if err != nil {
			test.Fatalf("create application: %v", err)
		}
		if index == 1 {
			winnerID = application.ApplicationID
		}
	}

	if err := store.UpdateApplicationStatus(ctx, winnerID, marketplace.ApplicationStatusPending, marketplace.ApplicationStatusAccepted); err != nil {
		test.Fatalf("accept winner: %v", err)
	}
	if err := store.RejectPendingApplications(ctx, job.JobID, winnerID); err != nil {
		test.Fatalf("reject rest: %v", err)
	}

	applications, err := store.ListApplications(ctx, job.JobID)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	accepted, rejected := 0, 0
	for _, application := range applications {
		switch application.Status {
		case marketplace.ApplicationStatusAccepted:
			accepted++
		case marketplace.ApplicationStatusRejected:
			rejected++
		}
	}
	if accepted != 1 || rejected != 2 {
		test.Fatalf("expected 1 accepted / 2 rejected, got %d/%d", accepted, rejected)
	}
}

func TestCreateTransactionUniquePerJob(test *testing.T) {
	_, store := mustOpenStore(test)
	job := mustCreateJob(test, store, marketplace.Job{
		CustomerID:  "customer-1",
		Status:      marketplace.JobStatusCompleted,
		BudgetCents: 50000,
	})
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.CreateTransaction(ctx, marketplace.LedgerTransaction{
		JobID:            job.JobID,
		PayerID:          "customer-1",
		PayeeID:          "tasker-1",
		AmountCents:      48000,
		PlatformFeeCents: 4800,
		Status:           marketplace.PaymentStatusPaid,
		ProcessedAt:      now,
		CreatedAt:        now,
	})
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	_, err = store.CreateTransaction(ctx, marketplace.LedgerTransaction{
		JobID:       job.JobID,
		PayerID:     "customer-1",
		PayeeID:     "tasker-1",
		AmountCents: 48000,
		Status:      marketplace.PaymentStatusPaid,
		CreatedAt:   now,
	})
	if !errors.Is(err, marketplace.ErrJobAlreadySettled) {
		test.Fatalf("expected ErrJobAlreadySettled, got %v", err)
	}
}

func TestListSettledTransactionsWindow(test *testing.T) {
	_, store := mustOpenStore(test)
	ctx := context.Background()
	base := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	for index, processedAt := range []time.Time{base.AddDate(0, 0, -1), base.AddDate(0, 0, -10)} {
		job := mustCreateJob(test, store, marketplace.Job{
			CustomerID:  "customer-1",
			Status:      marketplace.JobStatusCompleted,
			BudgetCents: 50000,
		})
		_, err := store.CreateTransaction(ctx, marketplace.LedgerTransaction{
			JobID:            job.JobID,
			PayerID:          "customer-1",
			PayeeID:          "tasker-1",
			AmountCents:      1000,
			PlatformFeeCents: 100,
			Status:           marketplace.PaymentStatusPaid,
			ProcessedAt:      processedAt,
			CreatedAt:        processedAt,
		})
		if err != nil {
			test.Fatalf("create transaction %d: %v", index, err)
		}
	}

	inWindow, err := store.ListSettledTransactions(ctx, "tasker-1", base.AddDate(0, 0, -7), base)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(inWindow) != 1 {
		test.Fatalf("expected one transaction in window, got %d", len(inWindow))
	}

	all, err := store.ListSettledTransactions(ctx, "tasker-1", time.Time{}, time.Time{})
	if err != nil {
		test.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		test.Fatalf("expected two transactions all time, got %d", len(all))
	}

	none, err := store.ListSettledTransactions(ctx, "tasker-2", time.Time{}, time.Time{})
	if err != nil {
		test.Fatalf("list other: %v", err)
	}
	if len(none) != 0 {
		test.Fatalf("expected no transactions for tasker-2, got %d", len(none))
	}
}

func TestWalletBalanceCompareAndSet(test *testing.T) {
	_, store := mustOpenStore(test)
	ctx := context.Background()

	balance, err := store.GetWalletBalance(ctx, "tasker-1")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance on first touch, got %d", balance)
	}

	if err := store.CompareAndSetWalletBalance(ctx, "tasker-1", 0, 500); err != nil {
		test.Fatalf("compare-and-set: %v", err)
	}
	err = store.CompareAndSetWalletBalance(ctx, "tasker-1", 0, 900)
	if !errors.Is(err, marketplace.ErrWalletConflict) {
		test.Fatalf("expected ErrWalletConflict, got %v", err)
	}
	balance, _ = store.GetWalletBalance(ctx, "tasker-1")
	if balance != 500 {
		test.Fatalf("expected balance 500, got %d", balance)
	}
}

func TestElevatedWalletWriter(test *testing.T) {
	db, store := mustOpenStore(test)
	ctx := context.Background()
	if _, err := store.GetWalletBalance(ctx, "tasker-1"); err != nil {
		test.Fatalf("create wallet: %v", err)
	}

	writer := NewElevatedWalletWriter(db)
	if err := writer.SetBalance(ctx, "tasker-1", 750); err != nil {
		test.Fatalf("set balance: %v", err)
	}
	balance, err := store.GetWalletBalance(ctx, "tasker-1")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 750 {
		test.Fatalf("expected balance 750, got %d", balance)
	}

	if err := writer.SetBalance(ctx, "nobody", 100); err == nil {
		test.Fatal("expected error writing a missing wallet")
	}
}

func TestUpsertUserStatsAccumulates(test *testing.T) {
	_, store := mustOpenStore(test)
	ctx := context.Background()

	deltas := []marketplace.StatsDelta{
		{UserID: "tasker-1", CompletedJobs: 1, TotalEarningsCents: 900},
		{UserID: "tasker-1", CompletedJobs: 1, TotalEarningsCents: 432},
		{UserID: "customer-1", TotalSpentCents: 1000},
	}
	for index, delta := range deltas {
		if err := store.UpsertUserStats(ctx, delta); err != nil {
			test.Fatalf("upsert %d: %v", index, err)
		}
	}

	taskerStats, err := store.GetUserStats(ctx, "tasker-1")
	if err != nil {
		test.Fatalf("get stats: %v", err)
	}
	if taskerStats.CompletedJobs != 2 || taskerStats.TotalEarningsCents != 1332 {
		test.Fatalf("expected 2 jobs / 1332 earned, got %d/%d", taskerStats.CompletedJobs, taskerStats.TotalEarningsCents)
	}

	missing, err := store.GetUserStats(ctx, "nobody")
	if err != nil {
		test.Fatalf("get missing stats: %v", err)
	}
	if missing.CompletedJobs != 0 || missing.TotalEarningsCents != 0 || missing.TotalSpentCents != 0 {
		test.Fatalf("expected zero stats, got %+v", missing)
	}
}

func TestEventOutboxLifecycle(test *testing.T) {
	db, store := mustOpenStore(test)
	ctx := context.Background()
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	event, err := store.CreateEvent(ctx, marketplace.DomainEvent{
		JobID:       "9b2f4a5c-0000-0000-0000-000000000001",
		Type:        marketplace.EventJobSettled,
		PayloadJSON: `{"job_id":"9b2f4a5c-0000-0000-0000-000000000001"}`,
		CreatedAt:   now,
	})
	if err != nil {
		test.Fatalf("create event: %v", err)
	}
	if event.EventID == "" {
		test.Fatal("expected generated event id")
	}
	if !event.ProcessedAt.IsZero() {
		test.Fatal("expected fresh event unprocessed")
	}

	if err := store.MarkEventProcessed(ctx, event.EventID, now.Add(time.Second)); err != nil {
		test.Fatalf("mark processed: %v", err)
	}
	var model DomainEvent
	if err := db.Where("event_id = ?", event.EventID).Take(&model).Error; err != nil {
		test.Fatalf("load event: %v", err)
	}
	if model.ProcessedAt == nil {
		test.Fatal("expected processed_at set")
	}
}

func TestWithTxRollsBack(test *testing.T) {
	_, store := mustOpenStore(test)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, txStore marketplace.Store) error {
		if _, err := txStore.CreateJob(ctx, marketplace.Job{
			CustomerID:  "customer-1",
			Status:      marketplace.JobStatusUnderReview,
			Title:       "Mount a shelf",
			Description: "Mount a wooden shelf in the living room.",
			BudgetCents: 50000,
			Currency:    "USD",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("expected boom, got %v", err)
	}

	var count int64
	if err := store.db.Model(&Job{}).Count(&count).Error; err != nil {
		test.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		test.Fatalf("expected rollback to leave no jobs, got %d", count)
	}
}
