// Package tracing carries request correlation ids through contexts and
// wraps the OpenTelemetry tracer used by the engine.
package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	startTimeKey contextKey = "start_time"
)

// RequestInfo is the correlation data logged with every request.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	SpanID    string    `json:"span_id,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, start)
}

func GetStartTime(ctx context.Context) time.Time {
	start, _ := ctx.Value(startTimeKey).(time.Time)
	return start
}

// Duration is the time elapsed since WithStartTime, or zero.
func Duration(ctx context.Context) time.Duration {
	start := GetStartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// GetRequestInfo collects the correlation ids of ctx. Trace and span ids come
// from the active OpenTelemetry span, if it is sampled.
func GetRequestInfo(ctx context.Context) RequestInfo {
	return RequestInfo{
		RequestID: GetRequestID(ctx),
		TraceID:   TraceID(ctx),
		SpanID:    SpanID(ctx),
		StartTime: GetStartTime(ctx),
	}
}
