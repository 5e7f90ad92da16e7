package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/quotabot/pkg/quota"
	"go.uber.org/zap"
)

const statusError = "error"

// ZapOperationLogger writes quota operation records through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger adapts logger to quota.OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry quota.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("user_id", entry.UserID.Int64()),
		zap.Int64("credits", entry.Credits.Int64()),
	}
	if !entry.Referrer.IsZero() {
		fields = append(fields, zap.Int64("referrer_id", entry.Referrer.Int64()))
	}
	logger := FromContext(ctx, operationLogger.logger)
	if entry.Status == statusError {
		logger.Warn("quota operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	logger.Info("quota operation", fields...)
}
