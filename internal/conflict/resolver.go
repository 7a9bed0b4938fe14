// Package conflict reconciles divergent copies of a conversation snapshot held
// by different devices of one account. Each conflict type has a strategy, and
// every decision is kept as an audit record.
package conflict

import (
	"fmt"
	"sync"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
)

// order is the sequence in which conflict types are settled.
var order = []models.ConflictType{models.ConflictReadState, models.ConflictScroll, models.ConflictField}

// UnresolvedConflict exposes both candidate values of a conflict that no
// strategy could settle.
type UnresolvedConflict struct {
	Type   models.ConflictType `json:"type"`
	Field  string              `json:"field,omitempty"`
	Local  string              `json:"local"`
	Remote string              `json:"remote"`
}

// Resolution is the canonical snapshot and what it took to produce it.
type Resolution struct {
	Snapshot   models.ConversationStateSnapshot
	Conflicted bool
	Records    []models.ConflictRecord
	Unresolved []UnresolvedConflict
}

// Resolver holds the strategy registered for each conflict type.
type Resolver struct {
	mu         sync.RWMutex
	strategies map[models.ConflictType]Strategy
	now        func() time.Time
}

// NewResolver registers the default strategies: merge for read state,
// local-wins for scroll position and automatic for general fields.
func NewResolver() *Resolver {
	return &Resolver{
		strategies: map[models.ConflictType]Strategy{
			models.ConflictReadState: Merge{},
			models.ConflictScroll:    LocalWins{},
			models.ConflictField:     Automatic{},
		},
		now: time.Now,
	}
}

// Register replaces the strategy for t.
func (r *Resolver) Register(t models.ConflictType, s Strategy) error {
	if err := t.Validate(); err != nil {
		return errors.NewValidationError("conflict_type", string(t), err.Error())
	}
	if !s.Supports(t) {
		return errors.NewValidationError("strategy", string(s.Name()),
			fmt.Sprintf("strategy cannot settle %s conflicts", t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
	return nil
}

// StrategyFor returns the strategy registered for t.
func (r *Resolver) StrategyFor(t models.ConflictType) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[t]
}

// Diverges reports whether remote carries state for t that local does not
// already reflect. Remote state older than what local has settled is stale,
// not divergent, so replaying an applied snapshot finds nothing to do.
func Diverges(t models.ConflictType, local, remote models.ConversationStateSnapshot) bool {
	switch t {
	case models.ConflictReadState:
		if remote.TotalMessages > local.TotalMessages {
			return true
		}
		for _, id := range remote.ReadMessageIDs {
			if !local.HasRead(id) {
				return true
			}
		}
		return false
	case models.ConflictScroll:
		return remote.ScrollCheckpoint != "" &&
			remote.ScrollCheckpoint != local.ScrollCheckpoint &&
			remote.Version >= local.Version
	case models.ConflictField:
		return len(divergentFields(local, remote)) > 0
	default:
		return false
	}
}

// Detect reports whether any conflict type diverges.
func Detect(local, remote models.ConversationStateSnapshot) bool {
	for _, t := range order {
		if Diverges(t, local, remote) {
			return true
		}
	}
	return false
}

// Resolve reconciles remote into local. The result keeps local's identity
// (device and account) and, when anything diverged, gets the version
// max(local, remote)+1.
func (r *Resolver) Resolve(local, remote models.ConversationStateSnapshot) (Resolution, error) {
	if local.ConversationID != remote.ConversationID {
		return Resolution{}, errors.NewValidationError("conversation_id", remote.ConversationID,
			"snapshots belong to different conversations")
	}
	local.ReadMessageIDs = sortedCopy(local.ReadMessageIDs)
	remote.ReadMessageIDs = sortedCopy(remote.ReadMessageIDs)

	out := local.Clone()
	now := r.now()
	res := Resolution{}

	for _, t := range order {
		if !Diverges(t, local, remote) {
			continue
		}
		strategy := r.StrategyFor(t)
		for _, o := range strategy.Resolve(t, local, remote, &out) {
			res.Records = append(res.Records, models.ConflictRecord{
				ConversationID: local.ConversationID,
				DeviceID:       local.DeviceID,
				Type:           o.Type,
				Field:          o.Field,
				Strategy:       o.Strategy,
				LocalValue:     o.Local,
				RemoteValue:    o.Remote,
				ResultValue:    o.Result,
				Resolved:       o.Resolved,
				CreatedAt:      now,
			})
			if !o.Resolved {
				res.Unresolved = append(res.Unresolved, UnresolvedConflict{
					Type: o.Type, Field: o.Field, Local: o.Local, Remote: o.Remote,
				})
			}
			metrics.IncrementCounter("conflicts_total", map[string]string{"strategy": string(o.Strategy)}, "Conflict resolutions by strategy")
		}
	}

	if len(res.Records) == 0 {
		res.Snapshot = local
		return res, nil
	}

	out.RecomputeUnread()
	out.Version = max(local.Version, remote.Version) + 1
	out.UpdatedAt = now
	res.Snapshot = out
	res.Conflicted = true
	return res, nil
}

func sortedCopy(ids []string) []string {
	s := models.ConversationStateSnapshot{}
	s.AddRead(ids...)
	return s.ReadMessageIDs
}
