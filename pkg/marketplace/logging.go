package marketplace

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing marketplace operation.
type OperationLog struct {
	Operation   string
	Principal   UserID
	JobID       string
	Application string
	Amount      AmountCents
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Notifier dispatches a rendered notification to a user. Implementations may
// persist the notification; failures are logged by the service and swallowed.
type Notifier interface {
	Notify(ctx context.Context, userID string, event NotificationEvent, payload map[string]string) error
}

// WithNotifier wires the notification dispatcher.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WalletWriter is the privileged execution path able to write another user's
// wallet balance. Optional: when absent or failing, settlement degrades to the
// store's compare-and-set path. The written value is always verified by a
// re-read.
type WalletWriter interface {
	SetBalance(ctx context.Context, userID string, balance int64) error
}

// WithPrivilegedWalletWriter wires the elevated wallet write path.
func WithPrivilegedWalletWriter(writer WalletWriter) ServiceOption {
	return func(service *Service) {
		service.walletWriter = writer
	}
}

// EventConsumer handles a committed domain event outside the settlement's
// critical path.
type EventConsumer interface {
	ConsumeEvent(ctx context.Context, event DomainEvent) error
}

// WithEventConsumers replaces the default post-commit consumers.
func WithEventConsumers(consumers ...EventConsumer) ServiceOption {
	return func(service *Service) {
		service.consumers = consumers
	}
}

// WithPlatformFeePercent overrides the default platform fee rate.
func WithPlatformFeePercent(percent int64) ServiceOption {
	return func(service *Service) {
		service.feePercent = percent
	}
}
