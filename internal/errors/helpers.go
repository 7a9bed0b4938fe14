package errors

import (
	"context"
	"fmt"
	"net/http"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	accountIDKey contextKey = "account_id"
	deviceIDKey  contextKey = "device_id"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewBackendError classifies a failed call to a remote collaborator. Server-side
// and throttling failures are transient; everything else is permanent.
func NewBackendError(backend, operation string, statusCode int, err error) *AppError {
	code := ErrCodeBackendUnavailable
	switch {
	case statusCode == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		code = ErrCodeNetworkTimeout
	case statusCode >= 500 || statusCode == 0:
		code = ErrCodeBackendUnavailable
	default:
		code = ErrCodeContentRejected
	}

	return Wrap(err, code, fmt.Sprintf("%s %s failed", backend, operation)).
		WithContext("backend", backend).
		WithContext("operation", operation).
		WithContext("status_code", statusCode)
}

// NewUnavailableError marks a collaborator as temporarily unreachable.
func NewUnavailableError(backend string, err error) *AppError {
	return Wrap(err, ErrCodeBackendUnavailable, fmt.Sprintf("%s unavailable", backend)).
		WithContext("backend", backend).
		WithUserMessage("Service temporarily unavailable, will retry")
}

// NewKeyNotFoundError reports that no local private key can open an envelope.
func NewKeyNotFoundError(accountID, keyID string) *AppError {
	return New(ErrCodeKeyNotFound, "no private key available for envelope").
		WithContext("account_id", accountID).
		WithContext("key_id", keyID).
		WithUserMessage("This message cannot be decrypted on this device")
}

// NewIntegrityError reports a failed authentication tag.
func NewIntegrityError(messageID string, err error) *AppError {
	return Wrap(err, ErrCodeIntegrity, "authentication tag did not verify").
		WithContext("message_id", messageID).
		WithUserMessage("Message integrity check failed")
}

// NewUnsupportedSuiteError reports an envelope produced by an unknown cipher suite.
func NewUnsupportedSuiteError(version uint8) *AppError {
	return New(ErrCodeUnsupportedSuite, fmt.Sprintf("unsupported cipher suite version %d", version)).
		WithContext("suite_version", version).
		WithUserMessage("Message was encrypted by a newer client")
}

// NewRecipientBlockedError reports a recipient that refuses messages from the sender.
func NewRecipientBlockedError(recipientID string) *AppError {
	return New(ErrCodeRecipientBlocked, "recipient has blocked the sender").
		WithContext("recipient_id", recipientID).
		WithUserMessage("Message could not be delivered")
}

// NewSessionExpiredError reports an expired or invalid authentication session.
func NewSessionExpiredError(reason string) *AppError {
	return New(ErrCodeSessionExpired, "session expired").
		WithContext("reason", reason).
		WithUserMessage("Please sign in again")
}

// NewInvalidTransitionError reports a delivery state change the machine refuses.
func NewInvalidTransitionError(from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("invalid delivery transition %s -> %s", from, to)).
		WithContext("from", from).
		WithContext("to", to)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// Context helpers

// WithAccount stores the authenticated account and device on ctx for error context.
func WithAccount(ctx context.Context, accountID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, accountID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// FromContext extracts error context from a context.Context if present
func FromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	errorCtx := make(map[string]interface{})

	if requestID := ctx.Value(requestIDKey); requestID != nil {
		errorCtx["request_id"] = requestID
	}
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		errorCtx["trace_id"] = traceID
	}
	if accountID := ctx.Value(accountIDKey); accountID != nil {
		errorCtx["account_id"] = accountID
	}
	if deviceID := ctx.Value(deviceIDKey); deviceID != nil {
		errorCtx["device_id"] = deviceID
	}

	return errorCtx
}

// WithContextFromRequest adds request context to an error
func WithContextFromRequest(err *AppError, ctx context.Context) *AppError {
	if err == nil || ctx == nil {
		return err
	}

	for k, v := range FromContext(ctx) {
		err = err.WithContext(k, v)
	}

	return err
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication, ErrCodeSessionExpired:
		return http.StatusUnauthorized
	case ErrCodeRecipientBlocked, ErrCodeContentRejected:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeKeyNotFound, ErrCodeIntegrity, ErrCodeUnsupportedSuite:
		return http.StatusUnprocessableEntity
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout, ErrCodeNetworkTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeBackendUnavailable, ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body returned for failed API calls.
type HTTPErrorResponse struct {
	Error struct {
		Code      ErrorCode   `json:"code"`
		Message   string      `json:"message"`
		Retryable bool        `json:"retryable"`
		Context   interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	response.Error.Retryable = appErr.Retryable
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "secret" && k != "token" && k != "private_key" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
