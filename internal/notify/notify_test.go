package notify

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
)

func mustOpenDispatcher(test *testing.T) (*gorm.DB, *Dispatcher) {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "notify.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC) }
	return db, NewDispatcher(db, clock)
}

func TestNotifyPersistsRenderedNotification(test *testing.T) {
	db, dispatcher := mustOpenDispatcher(test)

	err := dispatcher.Notify(context.Background(), "customer-1", marketplace.NotificationJobApproved, map[string]string{
		"job_id": "job-1",
		"title":  "Mount a shelf",
	})
	if err != nil {
		test.Fatalf("notify: %v", err)
	}

	var stored Notification
	if err := db.Where("user_id = ?", "customer-1").Take(&stored).Error; err != nil {
		test.Fatalf("load notification: %v", err)
	}
	if stored.EventType != string(marketplace.NotificationJobApproved) {
		test.Fatalf("expected event %s, got %s", marketplace.NotificationJobApproved, stored.EventType)
	}
	if stored.Title != "Job approved" {
		test.Fatalf("unexpected title %q", stored.Title)
	}
	if !strings.Contains(stored.Message, "Mount a shelf") {
		test.Fatalf("expected job title in message, got %q", stored.Message)
	}
	if !strings.Contains(string(stored.Context), `"job_id":"job-1"`) {
		test.Fatalf("expected payload in context, got %s", string(stored.Context))
	}
}

func TestNotifyEveryEventHasTemplate(test *testing.T) {
	_, dispatcher := mustOpenDispatcher(test)
	events := []marketplace.NotificationEvent{
		marketplace.NotificationJobApproved,
		marketplace.NotificationJobAssigned,
		marketplace.NotificationJobStarted,
		marketplace.NotificationJobCompleted,
		marketplace.NotificationJobConfirmed,
		marketplace.NotificationJobCancelled,
		marketplace.NotificationApplicationReceived,
		marketplace.NotificationApplicationAccepted,
		marketplace.NotificationPaymentReceived,
	}
	payload := map[string]string{"title": "Mount a shelf", "amount_cents": "432"}
	for _, event := range events {
		if err := dispatcher.Notify(context.Background(), "user-1", event, payload); err != nil {
			test.Errorf("notify %s: %v", event, err)
		}
	}
}

func TestNotifyUnknownEventFails(test *testing.T) {
	_, dispatcher := mustOpenDispatcher(test)
	if err := dispatcher.Notify(context.Background(), "user-1", marketplace.NotificationEvent("mystery"), nil); err == nil {
		test.Fatal("expected error for unknown event")
	}
}
