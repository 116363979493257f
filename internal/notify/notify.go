// Package notify renders and persists user notifications for marketplace
// events. It implements marketplace.Notifier; every dispatch stores a row so
// an outer delivery channel can pick it up later.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notification mirrors the notifications table.
type Notification struct {
	NotificationID string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_notifications_user"`
	EventType      string         `gorm:"not null"`
	Title          string         `gorm:"not null"`
	Message        string         `gorm:"not null"`
	Context        datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

func (notification *Notification) BeforeCreate(tx *gorm.DB) error {
	if notification.NotificationID == "" {
		notification.NotificationID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the notifications table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Notification{})
}

// template renders {title, message} for one event type.
type template struct {
	title   string
	message func(payload map[string]string) string
}

var templates = map[marketplace.NotificationEvent]template{
	marketplace.NotificationJobApproved: {
		title:   "Job approved",
		message: func(payload map[string]string) string { return fmt.Sprintf("Your job %q is now live.", payload["title"]) },
	},
	marketplace.NotificationJobAssigned: {
		title:   "Job assigned to you",
		message: func(payload map[string]string) string { return fmt.Sprintf("You were assigned to %q.", payload["title"]) },
	},
	marketplace.NotificationJobStarted: {
		title:   "Work started",
		message: func(payload map[string]string) string { return fmt.Sprintf("Work on %q has started.", payload["title"]) },
	},
	marketplace.NotificationJobCompleted: {
		title: "Job completed",
		message: func(payload map[string]string) string {
			return fmt.Sprintf("The tasker marked %q as completed. Please review and confirm.", payload["title"])
		},
	},
	marketplace.NotificationJobConfirmed: {
		title: "Completion confirmed",
		message: func(payload map[string]string) string {
			return fmt.Sprintf("The customer confirmed your work. You earned %s cents.", payload["amount_cents"])
		},
	},
	marketplace.NotificationJobCancelled: {
		title:   "Job cancelled",
		message: func(payload map[string]string) string { return fmt.Sprintf("Job %q was cancelled.", payload["title"]) },
	},
	marketplace.NotificationApplicationReceived: {
		title:   "New application",
		message: func(payload map[string]string) string { return fmt.Sprintf("A tasker applied to %q.", payload["title"]) },
	},
	marketplace.NotificationApplicationAccepted: {
		title:   "Application accepted",
		message: func(payload map[string]string) string { return "Your application was accepted. You can start the job." },
	},
	marketplace.NotificationPaymentReceived: {
		title: "Payment recorded",
		message: func(payload map[string]string) string {
			return fmt.Sprintf("Payment of %s cents was recorded for your job.", payload["amount_cents"])
		},
	},
}

// Dispatcher persists rendered notifications through GORM.
type Dispatcher struct {
	db      *gorm.DB
	nowFunc func() time.Time
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(db *gorm.DB, now func() time.Time) *Dispatcher {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{db: db, nowFunc: now}
}

// Notify renders the event and stores the notification addressed to userID.
func (dispatcher *Dispatcher) Notify(ctx context.Context, userID string, event marketplace.NotificationEvent, payload map[string]string) error {
	rendered, ok := templates[event]
	if !ok {
		return fmt.Errorf("no template for event %q", event)
	}
	contextJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	notification := Notification{
		UserID:    userID,
		EventType: string(event),
		Title:     rendered.title,
		Message:   rendered.message(payload),
		Context:   datatypes.JSON(contextJSON),
		CreatedAt: dispatcher.nowFunc(),
	}
	if err := dispatcher.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}
