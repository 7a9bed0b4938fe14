package conflict

import (
	"encoding/json"
	"sort"
	"strconv"

	"lifeline/internal/models"
)

// Outcome is what a strategy decided for one conflicting value.
type Outcome struct {
	Type     models.ConflictType
	Field    string
	Strategy models.StrategyName
	Local    string
	Remote   string
	Result   string
	Resolved bool
}

// Strategy settles one conflict type by writing its decision into out, which
// starts as a copy of the local snapshot.
type Strategy interface {
	Name() models.StrategyName
	Supports(t models.ConflictType) bool
	Resolve(t models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome
}

// Merge unions the read sets and recomputes the unread count from the union.
type Merge struct{}

func (Merge) Name() models.StrategyName { return models.StrategyMerge }

func (Merge) Supports(t models.ConflictType) bool { return t == models.ConflictReadState }

func (Merge) Resolve(_ models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome {
	out.AddRead(remote.ReadMessageIDs...)
	out.TotalMessages = max(local.TotalMessages, remote.TotalMessages)
	out.RecomputeUnread()
	return []Outcome{{
		Type:     models.ConflictReadState,
		Strategy: models.StrategyMerge,
		Local:    readStateValue(local),
		Remote:   readStateValue(remote),
		Result:   readStateValue(*out),
		Resolved: true,
	}}
}

// LocalWins keeps this device's value.
type LocalWins struct{}

func (LocalWins) Name() models.StrategyName { return models.StrategyLocalWins }

func (LocalWins) Supports(models.ConflictType) bool { return true }

func (LocalWins) Resolve(t models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome {
	return keep(t, models.StrategyLocalWins, local, remote, local, out, true)
}

// RemoteWins adopts the other device's value.
type RemoteWins struct{}

func (RemoteWins) Name() models.StrategyName { return "remote_wins" }

func (RemoteWins) Supports(models.ConflictType) bool { return true }

func (RemoteWins) Resolve(t models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome {
	return keep(t, "remote_wins", local, remote, remote, out, true)
}

// Manual keeps the local value and reports the conflict as unresolved.
type Manual struct{}

func (Manual) Name() models.StrategyName { return models.StrategyManual }

func (Manual) Supports(models.ConflictType) bool { return true }

func (Manual) Resolve(t models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome {
	return keep(t, models.StrategyManual, local, remote, local, out, false)
}

// Automatic lets the higher logical version win. Equal versions with
// different values are escalated as manual and the local value is kept.
type Automatic struct{}

func (Automatic) Name() models.StrategyName { return models.StrategyAutomatic }

func (Automatic) Supports(t models.ConflictType) bool {
	return t == models.ConflictField || t == models.ConflictScroll
}

func (Automatic) Resolve(t models.ConflictType, local, remote models.ConversationStateSnapshot, out *models.ConversationStateSnapshot) []Outcome {
	if t == models.ConflictScroll {
		switch {
		case remote.Version > local.Version:
			return keep(t, models.StrategyAutomatic, local, remote, remote, out, true)
		case remote.Version < local.Version:
			return keep(t, models.StrategyAutomatic, local, remote, local, out, true)
		default:
			return keep(t, models.StrategyManual, local, remote, local, out, false)
		}
	}

	var outcomes []Outcome
	for _, name := range divergentFields(local, remote) {
		l, hasLocal := local.Fields[name]
		r := remote.Fields[name]
		o := Outcome{
			Type:   models.ConflictField,
			Field:  name,
			Local:  fieldValue(l, hasLocal),
			Remote: fieldValue(r, true),
		}
		switch {
		case !hasLocal || r.Version > l.Version:
			setField(out, name, r)
			o.Strategy, o.Result, o.Resolved = models.StrategyAutomatic, o.Remote, true
		case r.Version < l.Version:
			o.Strategy, o.Result, o.Resolved = models.StrategyAutomatic, o.Local, true
		default:
			o.Strategy, o.Resolved = models.StrategyManual, false
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func keep(t models.ConflictType, strategy models.StrategyName, local, remote, winner models.ConversationStateSnapshot, out *models.ConversationStateSnapshot, resolved bool) []Outcome {
	switch t {
	case models.ConflictReadState:
		out.ReadMessageIDs = append([]string(nil), winner.ReadMessageIDs...)
		out.TotalMessages = winner.TotalMessages
		out.RecomputeUnread()
		o := Outcome{Type: t, Strategy: strategy, Local: readStateValue(local), Remote: readStateValue(remote), Resolved: resolved}
		if resolved {
			o.Result = readStateValue(*out)
		}
		return []Outcome{o}
	case models.ConflictScroll:
		out.ScrollCheckpoint = winner.ScrollCheckpoint
		o := Outcome{Type: t, Strategy: strategy, Local: local.ScrollCheckpoint, Remote: remote.ScrollCheckpoint, Resolved: resolved}
		if resolved {
			o.Result = out.ScrollCheckpoint
		}
		return []Outcome{o}
	default:
		var outcomes []Outcome
		for _, name := range divergentFields(local, remote) {
			l, hasLocal := local.Fields[name]
			w, hasWinner := winner.Fields[name]
			if hasWinner {
				setField(out, name, w)
			}
			o := Outcome{
				Type:     t,
				Field:    name,
				Strategy: strategy,
				Local:    fieldValue(l, hasLocal),
				Remote:   fieldValue(remote.Fields[name], true),
				Resolved: resolved,
			}
			if resolved {
				o.Result = fieldValue(out.Fields[name], hasWinner || hasLocal)
			}
			outcomes = append(outcomes, o)
		}
		return outcomes
	}
}

func setField(s *models.ConversationStateSnapshot, name string, v models.FieldValue) {
	if s.Fields == nil {
		s.Fields = make(map[string]models.FieldValue)
	}
	s.Fields[name] = v
}

// divergentFields lists, in name order, the remote fields whose value differs
// from the local one and whose version is not older than the local version.
func divergentFields(local, remote models.ConversationStateSnapshot) []string {
	var names []string
	for name, r := range remote.Fields {
		l, ok := local.Fields[name]
		if !ok || (l.Value != r.Value && r.Version >= l.Version) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type readState struct {
	Read   []string `json:"read"`
	Total  int      `json:"total"`
	Unread int      `json:"unread"`
}

func readStateValue(s models.ConversationStateSnapshot) string {
	read := s.ReadMessageIDs
	if read == nil {
		read = []string{}
	}
	data, _ := json.Marshal(readState{Read: read, Total: s.TotalMessages, Unread: s.UnreadCount})
	return string(data)
}

func fieldValue(v models.FieldValue, present bool) string {
	if !present {
		return ""
	}
	return v.Value + "@" + strconv.FormatInt(v.Version, 10)
}
