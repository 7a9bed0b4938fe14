package validation

import (
	"fmt"
	"net/http"
	"unicode"

	"lifeline/internal/constants"
	"lifeline/internal/errors"
)

// ValidateID checks an account, device, conversation or group id. Ids are
// opaque but must be printable, free of whitespace and at most MaxIDLength.
func ValidateID(value, fieldName string) error {
	if value == "" {
		return errors.NewValidationError(fieldName, value, fmt.Sprintf("%s cannot be empty", fieldName))
	}
	if len(value) > constants.MaxIDLength {
		return errors.NewValidationError(fieldName, value,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, constants.MaxIDLength))
	}
	for _, char := range value {
		if unicode.IsSpace(char) || unicode.IsControl(char) {
			return errors.NewValidationError(fieldName, value, fmt.Sprintf("%s contains invalid characters", fieldName))
		}
	}
	return nil
}

// ValidateMessageID checks a client-generated message id. Empty ids are
// allowed; the engine assigns one.
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return nil
	}
	return ValidateID(messageID, "message_id")
}

// ValidateMembers checks a group member list: non-empty, bounded, valid ids,
// no duplicates.
func ValidateMembers(members []string) error {
	if len(members) == 0 {
		return errors.NewValidationError("members", "", "group must have at least one member")
	}
	if len(members) > constants.MaxGroupMembers {
		return errors.NewValidationError("members", fmt.Sprint(len(members)),
			fmt.Sprintf("too many members (max %d)", constants.MaxGroupMembers))
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if err := ValidateID(m, "member"); err != nil {
			return err
		}
		if seen[m] {
			return errors.NewValidationError("members", m, "duplicate member")
		}
		seen[m] = true
	}
	return nil
}

// ValidateBody checks that a message body is present and within maxBytes.
func ValidateBody(body []byte, maxBytes int) error {
	if len(body) == 0 {
		return errors.NewValidationError("body", "", "body cannot be empty")
	}
	if len(body) > maxBytes {
		return errors.NewValidationError("body", fmt.Sprint(len(body)),
			fmt.Sprintf("body too large: %d bytes (max %d bytes)", len(body), maxBytes))
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}

// ValidateRetentionDays validates data retention period
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days must be at least 1")
	}

	if days > 3650 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days too large (max 3650)")
	}

	return nil
}
