package conflict

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/models"
	"lifeline/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Store persists snapshots and their audit records.
type Store interface {
	GetSnapshot(ctx context.Context, conversationID, deviceID string) (*models.ConversationStateSnapshot, error)
	SaveSnapshot(ctx context.Context, snap *models.ConversationStateSnapshot, records []models.ConflictRecord) error
	ListConflicts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ConflictRecord, error)
	GetConflict(ctx context.Context, id int64) (*models.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id int64, result string) error
}

// Reconciler is the only writer of this device's snapshots. Local edits and
// remote copies both pass through it, and writes are serialized.
type Reconciler struct {
	resolver  *Resolver
	store     Store
	publisher events.Publisher
	accountID string
	deviceID  string
	logger    *errors.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewReconciler creates a reconciler for one device.
func NewReconciler(resolver *Resolver, store Store, publisher events.Publisher, accountID, deviceID string, logger *logrus.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{
		resolver:  resolver,
		store:     store,
		publisher: publisher,
		accountID: accountID,
		deviceID:  deviceID,
		logger:    errors.WrapLogger(logger),
		now:       time.Now,
	}
}

// DeviceID returns the device whose snapshots this reconciler writes.
func (r *Reconciler) DeviceID() string {
	return r.deviceID
}

// Snapshot returns this device's snapshot of a conversation, or nil.
func (r *Reconciler) Snapshot(ctx context.Context, conversationID string) (*models.ConversationStateSnapshot, error) {
	snap, err := r.store.GetSnapshot(ctx, conversationID, r.deviceID)
	if err != nil {
		return nil, errors.NewDatabaseError("load snapshot", err)
	}
	return snap, nil
}

// UpdateLocal applies a local edit to the snapshot of conversationID, bumps
// its version and persists it.
func (r *Reconciler) UpdateLocal(ctx context.Context, conversationID string, edit func(*models.ConversationStateSnapshot)) (models.ConversationStateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.loadOrNew(ctx, conversationID)
	if err != nil {
		return models.ConversationStateSnapshot{}, err
	}
	edit(&snap)
	snap.RecomputeUnread()
	snap.Version++
	snap.UpdatedAt = r.now()

	if err := r.store.SaveSnapshot(ctx, &snap, nil); err != nil {
		return models.ConversationStateSnapshot{}, errors.NewDatabaseError("save snapshot", err)
	}
	return snap, nil
}

// ApplyRemote reconciles a snapshot reported by another device of the account.
// Applying the same remote snapshot twice leaves the local state unchanged the
// second time.
func (r *Reconciler) ApplyRemote(ctx context.Context, remote models.ConversationStateSnapshot) (Resolution, error) {
	if remote.DeviceID == r.deviceID {
		return Resolution{}, errors.NewValidationError("device_id", remote.DeviceID, "cannot reconcile a device with itself")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.store.GetSnapshot(ctx, remote.ConversationID, r.deviceID)
	if err != nil {
		return Resolution{}, errors.NewDatabaseError("load snapshot", err)
	}
	if local == nil {
		adopted := remote.Clone()
		adopted.DeviceID = r.deviceID
		adopted.AccountID = r.accountID
		// Scroll position belongs to the device that reported it.
		adopted.ScrollCheckpoint = ""
		adopted.ReadMessageIDs = sortedCopy(adopted.ReadMessageIDs)
		adopted.RecomputeUnread()
		if err := r.store.SaveSnapshot(ctx, &adopted, nil); err != nil {
			return Resolution{}, errors.NewDatabaseError("save snapshot", err)
		}
		return Resolution{Snapshot: adopted}, nil
	}

	res, err := r.resolver.Resolve(*local, remote)
	if err != nil || !res.Conflicted {
		return res, err
	}

	if err := r.dropKnownManual(ctx, &res); err != nil {
		return Resolution{}, err
	}
	if len(res.Records) == 0 {
		// Only conflicts the user already knows about; manual keeps local as is.
		return Resolution{Snapshot: *local, Unresolved: res.Unresolved}, nil
	}
	if err := r.store.SaveSnapshot(ctx, &res.Snapshot, res.Records); err != nil {
		return Resolution{}, errors.NewDatabaseError("save snapshot", err)
	}

	for _, rec := range res.Records {
		evType := events.TypeConflict
		if !rec.Resolved {
			evType = events.TypeConflictManual
		}
		r.publisher.Publish(events.Event{Type: evType, AccountID: r.accountID, At: rec.CreatedAt, Data: rec})
	}
	r.logger.WithFields(logrus.Fields{
		"conversation_id": privacy.MaskID(remote.ConversationID),
		"remote_device":   privacy.MaskDeviceID(remote.DeviceID),
		"records":         len(res.Records),
		"unresolved":      len(res.Unresolved),
		"version":         res.Snapshot.Version,
	}).Info("Reconciled conversation snapshot")
	return res, nil
}

// dropKnownManual removes manual records that duplicate a conflict already
// waiting for the user.
func (r *Reconciler) dropKnownManual(ctx context.Context, res *Resolution) error {
	if len(res.Unresolved) == 0 {
		return nil
	}
	open, err := r.store.ListConflicts(ctx, true, 1000)
	if err != nil {
		return errors.NewDatabaseError("list conflicts", err)
	}
	known := make(map[string]bool, len(open))
	for _, rec := range open {
		known[manualKey(rec)] = true
	}

	records := res.Records[:0]
	for _, rec := range res.Records {
		if !rec.Resolved && known[manualKey(rec)] {
			continue
		}
		records = append(records, rec)
	}
	res.Records = records
	return nil
}

func manualKey(rec models.ConflictRecord) string {
	return strings.Join([]string{rec.ConversationID, rec.DeviceID, string(rec.Type), rec.Field, rec.LocalValue, rec.RemoteValue}, "\x00")
}

// Conflicts lists audit records, newest first.
func (r *Reconciler) Conflicts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ConflictRecord, error) {
	recs, err := r.store.ListConflicts(ctx, unresolvedOnly, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list conflicts", err)
	}
	return recs, nil
}

// Settle closes a manual field conflict with the value the user chose. The
// value is written as a new version so every device converges on it.
func (r *Reconciler) Settle(ctx context.Context, id int64, value string) (models.ConversationStateSnapshot, error) {
	rec, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return models.ConversationStateSnapshot{}, errors.NewDatabaseError("load conflict", err)
	}
	if rec == nil {
		return models.ConversationStateSnapshot{}, errors.NewNotFoundError("conflict", fmt.Sprint(id))
	}
	if rec.Resolved {
		return models.ConversationStateSnapshot{}, errors.New(errors.ErrCodeInvalidInput, "conflict already resolved").
			WithContext("conflict_id", id)
	}

	snap, err := r.UpdateLocal(ctx, rec.ConversationID, func(s *models.ConversationStateSnapshot) {
		switch rec.Type {
		case models.ConflictField:
			version := s.Version + 1
			if cur, ok := s.Fields[rec.Field]; ok && cur.Version >= version {
				version = cur.Version + 1
			}
			setField(s, rec.Field, models.FieldValue{Value: value, Version: version})
		case models.ConflictScroll:
			s.ScrollCheckpoint = value
		}
	})
	if err != nil {
		return models.ConversationStateSnapshot{}, err
	}
	if err := r.store.MarkConflictResolved(ctx, id, value); err != nil {
		return models.ConversationStateSnapshot{}, errors.NewDatabaseError("resolve conflict", err)
	}
	rec.Resolved, rec.ResultValue = true, value
	r.publisher.Publish(events.Event{Type: events.TypeConflict, AccountID: r.accountID, Data: *rec})
	return snap, nil
}

func (r *Reconciler) loadOrNew(ctx context.Context, conversationID string) (models.ConversationStateSnapshot, error) {
	snap, err := r.store.GetSnapshot(ctx, conversationID, r.deviceID)
	if err != nil {
		return models.ConversationStateSnapshot{}, errors.NewDatabaseError("load snapshot", err)
	}
	if snap == nil {
		return models.ConversationStateSnapshot{
			ConversationID: conversationID,
			AccountID:      r.accountID,
			DeviceID:       r.deviceID,
		}, nil
	}
	return *snap, nil
}
