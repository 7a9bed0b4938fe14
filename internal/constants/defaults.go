package constants

// Default queue configuration values
const (
	DefaultQueueMaxAttempts          = 8
	DefaultQueueInitialBackoffMs     = 500
	DefaultQueueMaxBackoffSec        = 300
	DefaultQueueBackoffMultiplier    = 2.0
	DefaultQueuePollIntervalSec      = 5
	DefaultCompressThresholdBytes    = 1024
	DefaultQueueRetentionDays        = 7
	DefaultConflictRetentionDays     = 30
	DefaultRetentionCheckIntervalMin = 60
)

// Default sync configuration values
const (
	DefaultSyncIntervalSec = 60
	DefaultSyncPageSize    = 200
	DefaultSyncTimeoutSec  = 120
)

// Default cipher configuration values
const (
	DefaultKeyRetireAfterHours = 24 * 14
	DefaultAnonymousTimeBucket = 3600
)

// Default broadcast configuration values
const (
	DefaultFanoutWidth          = 32
	DefaultBroadcastWorkers     = 2
	DefaultFailureThreshold     = 0.5
	DefaultBroadcastDeadlineMin = 30
	DefaultBroadcastQueueSize   = 64
)

// Default session and monitoring values
const (
	DefaultSessionInactiveAfterHours   = 24 * 30
	DefaultSessionReapIntervalMin      = 60
	DefaultStaleDeliveryAfterMin       = 30
	DefaultDeliveryMonitorIntervalMin  = 5
	DefaultEventBufferSize             = 64
	DefaultCircuitBreakerMaxFailures   = 5
	DefaultCircuitBreakerTimeoutSec    = 30
	DefaultCircuitBreakerHalfOpenCalls = 1
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultServerPort            = 8086
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
)

// HTTP API
const (
	ServerErrorChannelSize = 1
	DefaultAPIListLimit    = 100
	MaxAPIListLimit        = 1000
	EventWriteTimeoutSec   = 5
	EventPingIntervalSec   = 30
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Push channel routing
const (
	DefaultPushExchange = "lifeline.push"
)

// Input limits
const (
	MaxIDLength            = 128
	MaxMessageBodyBytes    = 1 << 20
	MaxBroadcastBodyBytes  = 4096
	MaxGroupMembers        = 1024
	MaxRequestBodyBytes    = 2 << 20
	MaxReadReceiptsPerCall = 1000
)
