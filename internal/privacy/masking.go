package privacy

import (
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		if len(phone) <= 5 {
			return "+" + strings.Repeat("*", len(phone)-1)
		}
		return "+" + strings.Repeat("*", len(phone)-5) + phone[len(phone)-4:]
	}

	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskID masks a message, operation or job id, keeping the last 8 characters
// so log lines can still be correlated.
// Example: "6f1c2b7e-0d7a-4d3e-9a55-3c1e9b0f2a41" -> "****...9b0f2a41"
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	return maskString(id, 8)
}

// MaskAccountID masks an account or recipient identifier. Phone-like ids use
// phone masking.
// Example: "account-123456" -> "**********3456"
func MaskAccountID(accountID string) string {
	if accountID == "" {
		return ""
	}
	if strings.HasPrefix(accountID, "+") || (len(accountID) >= 10 && isNumeric(accountID)) {
		return MaskPhoneNumber(accountID)
	}
	return maskString(accountID, 4)
}

// MaskDeviceID masks a device identifier while keeping its platform prefix,
// if any, readable.
// Example: "ios-8F2A11C3" -> "ios-****11C3"
func MaskDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	if i := strings.IndexByte(deviceID, '-'); i > 0 && i < len(deviceID)-1 {
		return deviceID[:i+1] + maskString(deviceID[i+1:], 4)
	}
	return maskString(deviceID, 4)
}

// MaskRecipients masks each id of a recipient list.
func MaskRecipients(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = MaskAccountID(id)
	}
	return out
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number":
			masked[k] = MaskPhoneNumber(s)
		case "message_id", "operation_id", "job_id":
			masked[k] = MaskID(s)
		case "account_id", "recipient_id", "sender_id", "user_id":
			masked[k] = MaskAccountID(s)
		case "device_id":
			masked[k] = MaskDeviceID(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
