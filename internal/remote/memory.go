package remote

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"lifeline/internal/errors"
	"lifeline/internal/models"
)

type memChange struct {
	change   models.Change
	origin   string
	audience []string
}

type statusKey struct{ messageID, recipientID string }

type snapshotKey struct{ conversationID, deviceID string }

// Memory is an in-process Store. It backs single-node mode and tests, and can
// be switched offline to simulate lost connectivity.
type Memory struct {
	mu        sync.RWMutex
	version   int64
	floor     int64
	log       []memChange
	messages  map[string]memMessage
	statuses  map[statusKey]models.DeliveryStatus
	snapshots map[snapshotKey]models.ConversationStateSnapshot
	keys      map[string]models.PublicKey
	offline   bool
}

type memMessage struct {
	msg      models.Message
	version  int64
	audience []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]memMessage),
		statuses:  make(map[statusKey]models.DeliveryStatus),
		snapshots: make(map[snapshotKey]models.ConversationStateSnapshot),
		keys:      make(map[string]models.PublicKey),
	}
}

// SetOffline makes every call fail as unavailable until it is switched back.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline {
		return errors.NewUnavailableError("remote store", nil)
	}
	return nil
}

func (m *Memory) append(c models.Change, origin string, audience []string) int64 {
	m.version++
	c.Version = m.version
	m.log = append(m.log, memChange{change: c, origin: origin, audience: audience})
	return m.version
}

func (m *Memory) PutMessage(ctx context.Context, from Origin, msg models.Message) (int64, bool, error) {
	if err := validateMessage(msg); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, false, err
	}
	if existing, ok := m.messages[msg.ID]; ok {
		return existing.version, false, nil
	}
	aud := audience(from, msg)
	stored := msg
	v := m.append(models.Change{Kind: models.ChangeMessage, Message: &stored}, from.DeviceID, aud)
	m.messages[msg.ID] = memMessage{msg: msg, version: v, audience: aud}
	return v, true, nil
}

func (m *Memory) PutDeliveryStatus(ctx context.Context, from Origin, st models.DeliveryStatus) (int64, error) {
	if err := validateStatus(st); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	key := statusKey{st.MessageID, st.RecipientID}
	if prev, ok := m.statuses[key]; ok && prev.State == st.State && prev.Attempts == st.Attempts {
		return m.version, nil
	}
	m.statuses[key] = st

	aud := []string{from.AccountID, st.RecipientID}
	if msg, ok := m.messages[st.MessageID]; ok {
		aud = append(slices.Clone(msg.audience), aud...)
	}
	stored := st
	return m.append(models.Change{Kind: models.ChangeDeliveryStatus, Status: &stored}, from.DeviceID, dedupe(aud)), nil
}

func (m *Memory) PutSnapshot(ctx context.Context, snap models.ConversationStateSnapshot) (int64, error) {
	if err := validateSnapshot(snap); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	key := snapshotKey{snap.ConversationID, snap.DeviceID}
	if prev, ok := m.snapshots[key]; ok && prev.Version >= snap.Version {
		return m.version, nil
	}
	stored := snap.Clone()
	m.snapshots[key] = stored
	return m.append(models.Change{Kind: models.ChangeSnapshot, Snapshot: &stored}, snap.DeviceID, []string{snap.AccountID}), nil
}

func (m *Memory) Changes(ctx context.Context, accountID, deviceID string, cursor int64, limit int) (models.ChangePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return models.ChangePage{}, err
	}
	if cursor < m.floor {
		return models.ChangePage{}, ErrCursorOutOfRange
	}
	if limit <= 0 {
		limit = 100
	}

	page := models.ChangePage{NextCursor: cursor}
	for _, c := range m.log {
		if c.change.Version <= cursor {
			continue
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}
		page.NextCursor = c.change.Version
		if c.origin == deviceID || !slices.Contains(c.audience, accountID) {
			continue
		}
		page.Changes = append(page.Changes, c.change)
	}
	return page, nil
}

func (m *Memory) Snapshot(ctx context.Context, accountID, deviceID string) (models.FullState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return models.FullState{}, err
	}

	state := models.FullState{Cursor: m.version}
	visible := make(map[string]bool)
	for _, mm := range m.messages {
		if slices.Contains(mm.audience, accountID) {
			state.Messages = append(state.Messages, mm.msg)
			visible[mm.msg.ID] = true
		}
	}
	for _, st := range m.statuses {
		if visible[st.MessageID] {
			state.Statuses = append(state.Statuses, st)
		}
	}
	for _, snap := range m.snapshots {
		if snap.AccountID == accountID && snap.DeviceID != deviceID {
			state.Snapshots = append(state.Snapshots, snap.Clone())
		}
	}
	sortState(&state)
	return state, nil
}

func (m *Memory) PublicKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]models.PublicKey, len(accountIDs))
	for _, id := range accountIDs {
		if k, ok := m.keys[id]; ok {
			out[id] = k
		}
	}
	return out, nil
}

func (m *Memory) PublishKey(ctx context.Context, key models.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.keys[key.AccountID] = key
	return nil
}

// Prune drops changes at or below version. Cursors older than version can no
// longer be served incrementally.
func (m *Memory) Prune(version int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.floor {
		return 0
	}
	kept := m.log[:0]
	dropped := 0
	for _, c := range m.log {
		if c.change.Version <= version {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	m.log = kept
	m.floor = version
	return dropped
}

func (m *Memory) Close() error { return nil }

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortState(state *models.FullState) {
	slices.SortFunc(state.Messages, func(a, b models.Message) int {
		if a.ConversationID != b.ConversationID {
			return cmp.Compare(a.ConversationID, b.ConversationID)
		}
		if a.Seq != b.Seq {
			return cmp.Compare(a.Seq, b.Seq)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	slices.SortFunc(state.Statuses, func(a, b models.DeliveryStatus) int {
		if a.MessageID != b.MessageID {
			return cmp.Compare(a.MessageID, b.MessageID)
		}
		return cmp.Compare(a.RecipientID, b.RecipientID)
	})
	slices.SortFunc(state.Snapshots, func(a, b models.ConversationStateSnapshot) int {
		if a.ConversationID != b.ConversationID {
			return cmp.Compare(a.ConversationID, b.ConversationID)
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
}
