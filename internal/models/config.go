package models

import "time"

// Config holds the application configuration
type Config struct {
	Account               AccountConfig   `json:"account" yaml:"account"`
	Database              DatabaseConfig  `json:"database" yaml:"database"`
	Keystore              KeystoreConfig  `json:"keystore" yaml:"keystore"`
	Queue                 QueueConfig     `json:"queue" yaml:"queue"`
	Sync                  SyncConfig      `json:"sync" yaml:"sync"`
	Broadcast             BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Remote                RemoteConfig    `json:"remote" yaml:"remote"`
	Push                  PushConfig      `json:"push" yaml:"push"`
	Server                ServerConfig    `json:"server" yaml:"server"`
	Session               SessionConfig   `json:"session" yaml:"session"`
	Tracing               TracingConfig   `json:"tracing" yaml:"tracing"`
	LogLevel              string          `json:"log_level" yaml:"log_level"`
	ConflictRetentionDays int             `json:"conflict_retention_days" yaml:"conflict_retention_days"`
}

// AccountConfig identifies the local account and device. The daemon serves one
// authenticated device.
type AccountConfig struct {
	AccountID        string    `json:"account_id" yaml:"account_id"`
	DeviceID         string    `json:"device_id" yaml:"device_id"`
	Platform         string    `json:"platform" yaml:"platform"`
	SessionExpiresAt time.Time `json:"session_expires_at,omitempty" yaml:"session_expires_at,omitempty"`
}

// DatabaseConfig holds local store configuration
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// KeystoreConfig holds key-material store configuration. Secret seals private
// keys at rest and should come from LIFELINE_KEYSTORE_SECRET.
type KeystoreConfig struct {
	Path                 string `json:"path" yaml:"path"`
	Secret               string `json:"secret,omitempty" yaml:"secret,omitempty"`
	RetireAfterHours     int    `json:"retire_after_hours" yaml:"retire_after_hours"`
	CoordinatorAccountID string `json:"coordinator_account_id" yaml:"coordinator_account_id"`
}

// QueueConfig holds durable queue tuning
type QueueConfig struct {
	MaxAttempts            int     `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMs       int     `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffSec          int     `json:"max_backoff_sec" yaml:"max_backoff_sec"`
	BackoffMultiplier      float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	PollIntervalSec        int     `json:"poll_interval_sec" yaml:"poll_interval_sec"`
	CompressThresholdBytes int     `json:"compress_threshold_bytes" yaml:"compress_threshold_bytes"`
	RetentionDays          int     `json:"retention_days" yaml:"retention_days"`
}

// SyncConfig holds sync coordinator tuning
type SyncConfig struct {
	IntervalSec int `json:"interval_sec" yaml:"interval_sec"`
	PageSize    int `json:"page_size" yaml:"page_size"`
	TimeoutSec  int `json:"timeout_sec" yaml:"timeout_sec"`
}

// BroadcastConfig holds fan-out tuning
type BroadcastConfig struct {
	FanoutWidth      int       `json:"fanout_width" yaml:"fanout_width"`
	Workers          int       `json:"workers" yaml:"workers"`
	FailureThreshold float64   `json:"failure_threshold" yaml:"failure_threshold"`
	DeadlineMin      int       `json:"deadline_min" yaml:"deadline_min"`
	Channels         []Channel `json:"channels" yaml:"channels"`
	DirectoryPath    string    `json:"directory_path" yaml:"directory_path"`
}

// RemoteConfig selects the remote store backend ("memory" or "postgres").
type RemoteConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// PushConfig configures the notification broker. An empty URL disables publishing.
type PushConfig struct {
	AMQPURL  string `json:"amqp_url,omitempty" yaml:"amqp_url,omitempty"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// ServerConfig holds HTTP server and monitor configuration
type ServerConfig struct {
	Port                       int    `json:"port" yaml:"port"`
	AuthToken                  string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	ReadTimeoutSec             int    `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec            int    `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec             int    `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	StaleDeliveryAfterMin      int    `json:"stale_delivery_after_min" yaml:"stale_delivery_after_min"`
	DeliveryMonitorIntervalMin int    `json:"delivery_monitor_interval_min" yaml:"delivery_monitor_interval_min"`
	RetentionCheckIntervalMin  int    `json:"retention_check_interval_min" yaml:"retention_check_interval_min"`
}

// SessionConfig controls device session reaping
type SessionConfig struct {
	InactiveAfterHours int `json:"inactive_after_hours" yaml:"inactive_after_hours"`
	ReapIntervalMin    int `json:"reap_interval_min" yaml:"reap_interval_min"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	Environment  string  `json:"environment" yaml:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout    bool    `json:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
