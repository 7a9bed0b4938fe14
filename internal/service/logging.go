package service

import (
	"context"

	"lifeline/internal/privacy"
	"lifeline/internal/tracing"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx for verbose logging.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogWithContext creates a logger entry carrying the request id and verbose flag
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	entry := logger.WithField("verbose", IsVerboseLogging(ctx))
	if id := tracing.GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// LogMessageEvent logs a message lifecycle event. Ids are masked unless the
// request asked for verbose logging. Message content is never logged.
func LogMessageEvent(ctx context.Context, logger *logrus.Logger, event, conversationID, messageID, peerID string) {
	if IsVerboseLogging(ctx) {
		LogWithContext(ctx, logger).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"message_id":      messageID,
			"peer":            peerID,
		}).Debug(event)
		return
	}
	LogWithContext(ctx, logger).WithFields(logrus.Fields{
		"conversation_id": privacy.MaskID(conversationID),
		"message_id":      privacy.MaskID(messageID),
		"peer":            privacy.MaskAccountID(peerID),
	}).Info(event)
}
