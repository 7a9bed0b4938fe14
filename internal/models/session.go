package models

import "time"

// DeviceSession tracks one (account, device) pair. Rows are never deleted.
type DeviceSession struct {
	AccountID    string    `json:"account_id"`
	DeviceID     string    `json:"device_id"`
	Platform     string    `json:"platform"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Active       bool      `json:"active"`
}
