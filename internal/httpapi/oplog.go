package httpapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	"go.uber.org/zap"
)

// ZapOperationLogger adapts zap to the marketplace OperationLogger callback.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires the adapter.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per domain operation.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry marketplace.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.Principal.String() != "" {
		fields = append(fields, zap.String("principal", entry.Principal.String()))
	}
	if entry.JobID != "" {
		fields = append(fields, zap.String("job_id", entry.JobID))
	}
	if entry.Application != "" {
		fields = append(fields, zap.String("application_id", entry.Application))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("marketplace operation failed", fields...)
		return
	}
	operationLogger.logger.Info("marketplace operation", fields...)
}
