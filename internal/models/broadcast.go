package models

import (
	"fmt"
	"time"
)

// BroadcastStatus is the job lifecycle.
type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Terminal reports whether no further deliveries can change the job.
func (s BroadcastStatus) Terminal() bool {
	switch s {
	case BroadcastCompleted, BroadcastFailed, BroadcastCancelled:
		return true
	default:
		return false
	}
}

// Channel is a broadcast delivery route.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Validate rejects any value outside the closed set.
func (c Channel) Validate() error {
	switch c {
	case ChannelPush, ChannelSMS, ChannelInApp:
		return nil
	default:
		return fmt.Errorf("unknown channel %q", string(c))
	}
}

// ScopeLevel is the geographic granularity of a broadcast.
type ScopeLevel string

const (
	ScopeNational ScopeLevel = "national"
	ScopeRegional ScopeLevel = "regional"
	ScopeLocal    ScopeLevel = "local"
)

// BroadcastScope selects recipients by geography and role.
type BroadcastScope struct {
	Level  ScopeLevel `json:"level"`
	Region string     `json:"region,omitempty"`
	Roles  []string   `json:"roles,omitempty"`
}

// Validate checks the scope is resolvable.
func (s BroadcastScope) Validate() error {
	switch s.Level {
	case ScopeNational:
		return nil
	case ScopeRegional, ScopeLocal:
		if s.Region == "" {
			return fmt.Errorf("%s scope requires a region", s.Level)
		}
		return nil
	default:
		return fmt.Errorf("unknown scope level %q", string(s.Level))
	}
}

// BroadcastJob aggregates per-recipient deliveries. Delivered+Failed+Pending
// always equals TargetCount.
type BroadcastJob struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"sender_id"`
	Body             []byte          `json:"-"`
	Scope            BroadcastScope  `json:"scope"`
	Priority         Priority        `json:"priority"`
	Channels         []Channel       `json:"channels"`
	TargetCount      int             `json:"target_count"`
	Delivered        int             `json:"delivered"`
	Failed           int             `json:"failed"`
	Pending          int             `json:"pending"`
	Status           BroadcastStatus `json:"status"`
	FailureThreshold float64         `json:"failure_threshold"`
	Deadline         time.Time       `json:"deadline"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
}

// Accounted reports whether the counters cover every target exactly once.
func (j *BroadcastJob) Accounted() bool {
	return j.Delivered+j.Failed+j.Pending == j.TargetCount
}

// BroadcastDelivery is one recipient on one channel.
type BroadcastDelivery struct {
	JobID       string        `json:"job_id"`
	RecipientID string        `json:"recipient_id"`
	Channel     Channel       `json:"channel"`
	State       DeliveryState `json:"state"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
