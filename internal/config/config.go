package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lifeline/internal/constants"
	"lifeline/internal/models"
	"lifeline/internal/security"
	"lifeline/internal/validation"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAccount  = models.ConfigError{Message: "missing account id"}
	ErrMissingDevice   = models.ConfigError{Message: "missing device id"}
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
	ErrMissingKeystore = models.ConfigError{Message: "missing keystore path"}
	ErrMissingDSN      = models.ConfigError{Message: "postgres remote requires a dsn"}
)

// LoadConfig reads a JSON or YAML (by extension) configuration file, fills
// defaults, applies environment overrides and runs security checks.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate fills defaults into c and checks it, without reading the
// environment or applying production checks.
func Validate(c *models.Config) error {
	return validate(c)
}

func validate(c *models.Config) error {
	if c.Account.AccountID == "" {
		return ErrMissingAccount
	}
	if c.Account.DeviceID == "" {
		return ErrMissingDevice
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Keystore.Path == "" {
		return ErrMissingKeystore
	}
	if c.Keystore.Path == c.Database.Path {
		return models.ConfigError{Message: "keystore must not share the message database file"}
	}

	switch c.Remote.Driver {
	case "":
		c.Remote.Driver = "memory"
	case "memory":
	case "postgres":
		if c.Remote.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown remote driver %q", c.Remote.Driver)}
	}

	if c.Account.Platform == "" {
		c.Account.Platform = "server"
	}
	if c.Keystore.RetireAfterHours <= 0 {
		c.Keystore.RetireAfterHours = constants.DefaultKeyRetireAfterHours
	}

	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultQueueMaxAttempts
	}
	if c.Queue.InitialBackoffMs <= 0 {
		c.Queue.InitialBackoffMs = constants.DefaultQueueInitialBackoffMs
	}
	if c.Queue.MaxBackoffSec <= 0 {
		c.Queue.MaxBackoffSec = constants.DefaultQueueMaxBackoffSec
	}
	if c.Queue.BackoffMultiplier < 1 {
		c.Queue.BackoffMultiplier = constants.DefaultQueueBackoffMultiplier
	}
	if c.Queue.PollIntervalSec <= 0 {
		c.Queue.PollIntervalSec = constants.DefaultQueuePollIntervalSec
	}
	if c.Queue.CompressThresholdBytes <= 0 {
		c.Queue.CompressThresholdBytes = constants.DefaultCompressThresholdBytes
	}
	if c.Queue.RetentionDays <= 0 {
		c.Queue.RetentionDays = constants.DefaultQueueRetentionDays
	}
	if err := validation.ValidateRetentionDays(c.Queue.RetentionDays); err != nil {
		return models.ConfigError{Message: "queue: " + err.Error()}
	}
	if c.Queue.InitialBackoffMs > c.Queue.MaxBackoffSec*1000 {
		return models.ConfigError{Message: "queue initial backoff exceeds the backoff ceiling"}
	}

	if c.Sync.IntervalSec <= 0 {
		c.Sync.IntervalSec = constants.DefaultSyncIntervalSec
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = constants.DefaultSyncPageSize
	}
	if c.Sync.TimeoutSec <= 0 {
		c.Sync.TimeoutSec = constants.DefaultSyncTimeoutSec
	}
	if err := validation.ValidateTimeout(c.Sync.TimeoutSec, "sync.timeout_sec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Broadcast.FanoutWidth <= 0 {
		c.Broadcast.FanoutWidth = constants.DefaultFanoutWidth
	}
	if c.Broadcast.Workers <= 0 {
		c.Broadcast.Workers = constants.DefaultBroadcastWorkers
	}
	if c.Broadcast.FailureThreshold <= 0 {
		c.Broadcast.FailureThreshold = constants.DefaultFailureThreshold
	}
	if c.Broadcast.FailureThreshold >= 1 {
		return models.ConfigError{Message: "broadcast failure threshold must be below 1"}
	}
	if c.Broadcast.DeadlineMin <= 0 {
		c.Broadcast.DeadlineMin = constants.DefaultBroadcastDeadlineMin
	}
	if len(c.Broadcast.Channels) == 0 {
		c.Broadcast.Channels = []models.Channel{models.ChannelPush, models.ChannelInApp}
	}
	seen := make(map[models.Channel]bool)
	for _, ch := range c.Broadcast.Channels {
		if err := ch.Validate(); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
		if seen[ch] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate broadcast channel: %s", ch)}
		}
		seen[ch] = true
	}

	if c.Push.Exchange == "" {
		c.Push.Exchange = constants.DefaultPushExchange
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.StaleDeliveryAfterMin <= 0 {
		c.Server.StaleDeliveryAfterMin = constants.DefaultStaleDeliveryAfterMin
	}
	if c.Server.DeliveryMonitorIntervalMin <= 0 {
		c.Server.DeliveryMonitorIntervalMin = constants.DefaultDeliveryMonitorIntervalMin
	}
	if c.Server.RetentionCheckIntervalMin <= 0 {
		c.Server.RetentionCheckIntervalMin = constants.DefaultRetentionCheckIntervalMin
	}

	if c.Session.InactiveAfterHours <= 0 {
		c.Session.InactiveAfterHours = constants.DefaultSessionInactiveAfterHours
	}
	if c.Session.ReapIntervalMin <= 0 {
		c.Session.ReapIntervalMin = constants.DefaultSessionReapIntervalMin
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "lifeline"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}

	if c.ConflictRetentionDays <= 0 {
		c.ConflictRetentionDays = constants.DefaultConflictRetentionDays
	}
	if err := validation.ValidateRetentionDays(c.ConflictRetentionDays); err != nil {
		return models.ConfigError{Message: "conflicts: " + err.Error()}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("LIFELINE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if path := os.Getenv("LIFELINE_KEYSTORE_PATH"); path != "" {
		c.Keystore.Path = path
	}
	// SECURITY: the keystore secret should only ever be supplied via the environment
	if secret := os.Getenv("LIFELINE_KEYSTORE_SECRET"); secret != "" {
		c.Keystore.Secret = secret
	}
	if dsn := os.Getenv("LIFELINE_REMOTE_DSN"); dsn != "" {
		c.Remote.DSN = dsn
		if c.Remote.Driver == "" {
			c.Remote.Driver = "postgres"
		}
	}
	if url := os.Getenv("LIFELINE_AMQP_URL"); url != "" {
		c.Push.AMQPURL = url
	}
	if token := os.Getenv("LIFELINE_API_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = endpoint
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("LIFELINE_ENV") == "production"

	for _, p := range []string{c.Database.Path, c.Keystore.Path} {
		if err := security.ValidateFilePath(p); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}

	if isProduction {
		if len(c.Keystore.Secret) < 32 {
			return models.ConfigError{Message: "keystore secret must be at least 32 characters in production (set LIFELINE_KEYSTORE_SECRET)"}
		}
		if c.Server.AuthToken == "" {
			return models.ConfigError{Message: "API auth token is required in production (set LIFELINE_API_TOKEN)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		return nil
	}

	if c.Keystore.Secret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: keystore secret not set. Set LIFELINE_KEYSTORE_SECRET; private keys are sealed with a development default.\n")
	}
	return nil
}
