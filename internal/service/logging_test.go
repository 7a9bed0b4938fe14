package service

import (
	"bytes"
	"context"
	"testing"

	"lifeline/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestIsVerboseLogging(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected bool
	}{
		{
			name:     "verbose enabled",
			ctx:      WithVerbose(context.Background(), true),
			expected: true,
		},
		{
			name:     "verbose disabled",
			ctx:      WithVerbose(context.Background(), false),
			expected: false,
		},
		{
			name:     "no verbose in context",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "untyped key is ignored",
			ctx:      context.WithValue(context.Background(), "verbose", true), //nolint:staticcheck
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsVerboseLogging(tt.ctx))
		})
	}
}

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger, &buf
}

func TestLogWithContext(t *testing.T) {
	logger, buf := captureLogger()

	ctx := tracing.WithRequestID(WithVerbose(context.Background(), true), "req-42")
	LogWithContext(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "verbose=true")
	assert.Contains(t, output, "request_id=req-42")
}

func TestLogMessageEvent(t *testing.T) {
	logger, buf := captureLogger()

	LogMessageEvent(WithVerbose(context.Background(), true), logger, "Message sent", "group-7", "msg-0123456789", "bob-account")
	output := buf.String()
	assert.Contains(t, output, "conversation_id=group-7")
	assert.Contains(t, output, "message_id=msg-0123456789")
	assert.Contains(t, output, "peer=bob-account")

	buf.Reset()
	LogMessageEvent(context.Background(), logger, "Message sent", "group-7", "msg-0123456789", "bob-account")
	output = buf.String()
	assert.Contains(t, output, "Message sent")
	assert.NotContains(t, output, "msg-0123456789")
	assert.Contains(t, output, "23456789")
	assert.NotContains(t, output, "bob-account")
}
