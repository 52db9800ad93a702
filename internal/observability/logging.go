// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
)

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationID); id != nil {
		return id.(string)
	}
	return ""
}

// StorageLogger provides structured logging for storage backend operations.
type StorageLogger struct {
	tier   string
	logger *Logger
}

// NewStorageLogger creates a new StorageLogger for the given storage tier.
func NewStorageLogger(tier string) *StorageLogger {
	return &StorageLogger{tier: tier, logger: GlobalLogger}
}

// LogWrite logs a storage write operation.
func (l *StorageLogger) LogWrite(ctx context.Context, messageID string, conversationID uint) {
	l.logger.InfoContext(ctx, "storage write",
		slog.String("tier", l.tier),
		slog.String("message_id", messageID),
		slog.Uint64("conversation_id", uint64(conversationID)),
	)
}

// LogFailure logs a failed storage operation.
func (l *StorageLogger) LogFailure(ctx context.Context, op string, err error) {
	l.logger.ErrorContext(ctx, "storage operation failed",
		slog.String("tier", l.tier),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogSwitch logs a storage tier switch.
func (l *StorageLogger) LogSwitch(ctx context.Context, from, to, reason string) {
	l.logger.WarnContext(ctx, "storage tier switch",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// SecurityEvent logs a security-relevant event (decryption failure, integrity
// mismatch, suspicious activity). These always go out at WARN or above.
func SecurityEvent(ctx context.Context, event string, attrs ...any) {
	args := append([]any{slog.String("security_event", event)}, attrs...)
	GlobalLogger.WarnContext(ctx, "security event", args...)
}
