package errors

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBackendError(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		expectedCode ErrorCode
		retryable    bool
	}{
		{"server error", http.StatusBadGateway, ErrCodeBackendUnavailable, true},
		{"no response", 0, ErrCodeBackendUnavailable, true},
		{"throttled", http.StatusTooManyRequests, ErrCodeRateLimit, true},
		{"gateway timeout", http.StatusGatewayTimeout, ErrCodeNetworkTimeout, true},
		{"rejected", http.StatusUnprocessableEntity, ErrCodeContentRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewBackendError("push", "publish", tt.status, errors.New("x"))
			assert.Equal(t, tt.expectedCode, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.Context["status_code"])
		})
	}
}

func TestCipherErrorsAreNotRetryable(t *testing.T) {
	for _, err := range []*AppError{
		NewKeyNotFoundError("a", "k"),
		NewIntegrityError("m", errors.New("tag")),
		NewUnsupportedSuiteError(9),
	} {
		assert.False(t, err.Retryable, err.Code)
		assert.Equal(t, ClassPermanent, err.Class())
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, "req-1")
	ctx = WithAccount(ctx, "acct-1", "dev-1")

	fields := FromContext(ctx)

	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "acct-1", fields["account_id"])
	assert.Equal(t, "dev-1", fields["device_id"])
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrCodeValidationFailed, http.StatusBadRequest},
		{ErrCodeSessionExpired, http.StatusUnauthorized},
		{ErrCodeRecipientBlocked, http.StatusForbidden},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeInvalidTransition, http.StatusConflict},
		{ErrCodeIntegrity, http.StatusUnprocessableEntity},
		{ErrCodeBackendUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(New(tt.code, "x")))
		})
	}
}

func TestToHTTPResponse_FiltersSensitiveContext(t *testing.T) {
	err := New(ErrCodeInvalidConfig, "bad").
		WithContext("config_key", "keystore").
		WithContext("secret", "hunter2").
		WithUserMessage("Configuration error")

	resp := ToHTTPResponse(err, "req-9")

	assert.Equal(t, ErrCodeInvalidConfig, resp.Error.Code)
	assert.Equal(t, "Configuration error", resp.Error.Message)
	assert.Equal(t, "req-9", resp.RequestID)
	ctx, ok := resp.Error.Context.(map[string]interface{})
	if assert.True(t, ok) {
		assert.Equal(t, "keystore", ctx["config_key"])
		assert.NotContains(t, ctx, "secret")
	}
}

func TestToHTTPResponse_PlainError(t *testing.T) {
	resp := ToHTTPResponse(errors.New("boom"), "")
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.Nil(t, resp.Error.Context)
}
