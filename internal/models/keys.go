package models

import "time"

// PublicKey is an account's published age X25519 recipient. KeyID is the
// fingerprint of Key.
type PublicKey struct {
	AccountID string    `json:"account_id" cbor:"account_id" db:"account_id"`
	KeyID     string    `json:"key_id" cbor:"key_id" db:"key_id"`
	Key       string    `json:"key" cbor:"key" db:"public_key"`
	CreatedAt time.Time `json:"created_at" cbor:"created_at" db:"created_at"`
}
