package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"lifeline/internal/broadcast"
	"lifeline/internal/cipher"
	"lifeline/internal/compress"
	"lifeline/internal/conflict"
	"lifeline/internal/constants"
	"lifeline/internal/database"
	"lifeline/internal/delivery"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/keystore"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/internal/queue"
	"lifeline/internal/remote"
	syncer "lifeline/internal/sync"
	"lifeline/internal/tracing"
	"lifeline/internal/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// SendRequest describes an outgoing message. Exactly one of RecipientID,
// Members or Anonymous selects the audience.
type SendRequest struct {
	MessageID      string
	ConversationID string
	RecipientID    string
	GroupID        string
	Members        []string
	Anonymous      bool
	Type           models.MessageType
	ContentType    string
	Body           []byte
	Level          models.EncryptionLevel
}

// KeyInfo is the displayable identity of the local account.
type KeyInfo struct {
	AccountID   string    `json:"account_id"`
	KeyID       string    `json:"key_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Engine is the caller-facing façade over the local store, queue, sync
// coordinator and broadcast engine of one device.
type Engine struct {
	cfg         *models.Config
	db          *database.Database
	keys        *keystore.Store
	cipher      *cipher.Manager
	remote      remote.Store
	hub         *events.Hub
	queue       *queue.Queue
	worker      *queue.Worker
	tracker     *delivery.Tracker
	reconciler  *conflict.Reconciler
	coordinator *syncer.Coordinator
	broadcasts  *broadcast.Engine
	sessions    *SessionManager
	scheduler   *Scheduler
	monitor     *DeliveryMonitor
	conn        *Connectivity
	closers     []func() error
	logger      *logrus.Logger
	now         func() time.Time
}

// SendMessage encrypts and stores a message, then queues its upload. It
// succeeds offline; the message is transmitted once the remote is reachable.
// Resubmitting a message id returns the stored message unchanged.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.send_message")
	defer span.End()

	if err := e.normalize(&req); err != nil {
		return nil, err
	}
	accountID, _, err := e.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := e.db.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, errors.NewDatabaseError("load message", err)
	}
	if existing != nil {
		if existing.ConversationID != req.ConversationID {
			return nil, errors.NewValidationError("message_id", req.MessageID, "message id already used in another conversation")
		}
		return existing, nil
	}

	packed, err := compress.Auto(req.Body, req.ContentType, e.cfg.Queue.CompressThresholdBytes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to compress message body")
	}

	now := e.now().UTC()
	frame := models.Frame{
		SenderID:    accountID,
		Type:        req.Type,
		ContentType: req.ContentType,
		Body:        packed.Data,
		SentAt:      now,
	}
	var target cipher.Target
	priority := models.PriorityDirect
	switch {
	case req.Anonymous:
		target = cipher.AnonymousTarget{}
	case len(req.Members) > 0:
		target = cipher.GroupTarget{GroupID: req.GroupID, Members: req.Members}
		priority = models.PriorityGroup
	default:
		target = cipher.DirectTarget{RecipientID: req.RecipientID}
	}

	envelopes, content, err := e.cipher.Encrypt(ctx, req.MessageID, frame, target, req.Level)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	seq, err := e.db.NextSequence(ctx, req.ConversationID)
	if err != nil {
		return nil, errors.NewDatabaseError("assign sequence", err)
	}
	msg := &models.Message{
		ID:             req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       accountID,
		Seq:            seq,
		Type:           req.Type,
		Content:        content,
		Envelopes:      envelopes,
		Compression:    string(packed.Algorithm),
		OriginalSize:   packed.OriginalSize,
		CompressedSize: len(packed.Data),
		CreatedAt:      now,
	}
	if req.Anonymous {
		msg.SenderID = ""
	}

	// The message, its statuses and its send operation land together, so a
	// stored message always has work queued to carry it.
	recipients := slices.DeleteFunc(msg.Recipients(), func(id string) bool { return id == accountID })
	statuses := e.tracker.Initial(msg, recipients)
	sendOp, err := queue.Encode(models.OpSendMessage, models.SendPayload{MessageID: msg.ID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode send operation")
	}
	record, err := e.queue.Prepare(sendOp, priority)
	if err != nil {
		return nil, err
	}
	inserted, err := e.db.SaveMessageBatch(ctx, database.MessageBatch{
		Message:    msg,
		Statuses:   statuses,
		Operations: []*models.QueuedOperation{record},
	})
	if err != nil {
		return nil, errors.NewDatabaseError("save message", err)
	}
	if !inserted {
		// Lost a race with a concurrent submission of the same id.
		existing, err := e.db.GetMessage(ctx, msg.ID)
		if err != nil {
			return nil, errors.NewDatabaseError("load message", err)
		}
		if existing == nil || existing.ConversationID != msg.ConversationID {
			return nil, errors.NewValidationError("message_id", msg.ID, "message id already used in another conversation")
		}
		return existing, nil
	}
	e.tracker.Announce(statuses...)
	e.queue.Committed(record)
	if err := e.markOwnRead(ctx, msg); err != nil {
		e.logger.WithError(err).Warn("Failed to update conversation state for sent message")
	}

	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int("message.recipients", len(recipients)),
		attribute.String("message.compression", msg.Compression),
	)
	metrics.IncrementCounter("messages_sent_total", map[string]string{"priority": priority.String()}, "Messages composed on this device")
	e.logger.WithFields(logrus.Fields{
		"message_id":      privacy.MaskID(msg.ID),
		"conversation_id": privacy.MaskID(msg.ConversationID),
		"recipients":      len(recipients),
		"seq":             msg.Seq,
		"compression":     msg.Compression,
	}).Info("Message queued for delivery")

	e.coordinator.Trigger()
	return msg, nil
}

func (e *Engine) normalize(req *SendRequest) error {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if err := validation.ValidateMessageID(req.MessageID); err != nil {
		return err
	}

	targets := 0
	if req.RecipientID != "" {
		targets++
	}
	if len(req.Members) > 0 {
		targets++
	}
	if req.Anonymous {
		targets++
	}
	if targets != 1 {
		return errors.NewValidationError("recipient", "", "exactly one of recipient_id, members or anonymous is required")
	}

	switch {
	case req.RecipientID != "":
		if err := validation.ValidateID(req.RecipientID, "recipient_id"); err != nil {
			return err
		}
		if req.ConversationID == "" {
			req.ConversationID = directConversation(e.cfg.Account.AccountID, req.RecipientID)
		}
	case len(req.Members) > 0:
		if err := validation.ValidateID(req.GroupID, "group_id"); err != nil {
			return err
		}
		if err := validation.ValidateMembers(req.Members); err != nil {
			return err
		}
		if req.ConversationID == "" {
			req.ConversationID = req.GroupID
		}
	}
	if err := validation.ValidateID(req.ConversationID, "conversation_id"); err != nil {
		return err
	}

	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if err := req.Type.Validate(); err != nil {
		return errors.NewValidationError("type", string(req.Type), err.Error())
	}
	if req.Level == "" {
		req.Level = models.LevelStandard
	}
	return validation.ValidateBody(req.Body, constants.MaxMessageBodyBytes)
}

// directConversation names the one-to-one conversation of two accounts the
// same way on both sides.
func directConversation(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "direct:" + strings.Join(ids, ":")
}

func (e *Engine) markOwnRead(ctx context.Context, msg *models.Message) error {
	total, err := e.db.CountMessages(ctx, msg.ConversationID)
	if err != nil {
		return errors.NewDatabaseError("count messages", err)
	}
	if _, err := e.reconciler.UpdateLocal(ctx, msg.ConversationID, func(s *models.ConversationStateSnapshot) {
		s.TotalMessages = total
		s.AddRead(msg.ID)
	}); err != nil {
		return err
	}
	return e.enqueue(ctx, models.OpSnapshotUpdate, models.SnapshotPayload{ConversationID: msg.ConversationID}, models.PriorityBackground)
}

func (e *Engine) enqueue(ctx context.Context, kind models.OperationKind, payload any, priority models.Priority) error {
	op, err := queue.Encode(kind, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, fmt.Sprintf("failed to encode %s operation", kind))
	}
	_, err = e.queue.Enqueue(ctx, op, priority)
	return err
}

// OpenMessage decrypts a stored message for the local account.
func (e *Engine) OpenMessage(ctx context.Context, messageID string) (*models.Frame, error) {
	msg, err := e.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errors.NewDatabaseError("load message", err)
	}
	if msg == nil {
		return nil, errors.NewNotFoundError("message", messageID)
	}
	frame, err := e.cipher.DecryptMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if msg.Compressed() {
		algo, err := compress.Parse(msg.Compression)
		if err != nil {
			return nil, errors.NewIntegrityError(msg.ID, err)
		}
		body, err := compress.Decompress(frame.Body, algo, msg.OriginalSize)
		if err != nil {
			return nil, errors.NewIntegrityError(msg.ID, err)
		}
		frame.Body = body
	}
	return frame, nil
}

// Messages lists a conversation in sequence order after afterSeq.
func (e *Engine) Messages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	if err := validation.ValidateID(conversationID, "conversation_id"); err != nil {
		return nil, err
	}
	msgs, err := e.db.ListMessages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list messages", err)
	}
	return msgs, nil
}

// MarkRead records messages as read on this device, sends read receipts for
// messages addressed to the local account, and queues the snapshot upload.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (models.ConversationStateSnapshot, error) {
	if err := validation.ValidateID(conversationID, "conversation_id"); err != nil {
		return models.ConversationStateSnapshot{}, err
	}
	if len(messageIDs) == 0 {
		return models.ConversationStateSnapshot{}, errors.NewValidationError("message_ids", "", "at least one message id is required")
	}
	if len(messageIDs) > constants.MaxReadReceiptsPerCall {
		return models.ConversationStateSnapshot{}, errors.NewValidationError("message_ids", fmt.Sprint(len(messageIDs)),
			fmt.Sprintf("too many message ids (max %d)", constants.MaxReadReceiptsPerCall))
	}
	for _, id := range messageIDs {
		if err := validation.ValidateID(id, "message_id"); err != nil {
			return models.ConversationStateSnapshot{}, err
		}
	}
	accountID, _, err := e.sessions.Current(ctx)
	if err != nil {
		return models.ConversationStateSnapshot{}, err
	}

	snap, err := e.reconciler.UpdateLocal(ctx, conversationID, func(s *models.ConversationStateSnapshot) {
		s.AddRead(messageIDs...)
	})
	if err != nil {
		return models.ConversationStateSnapshot{}, err
	}
	if err := e.enqueue(ctx, models.OpSnapshotUpdate, models.SnapshotPayload{ConversationID: conversationID}, models.PriorityBackground); err != nil {
		return models.ConversationStateSnapshot{}, err
	}

	now := e.now().UTC()
	receipts := 0
	for _, id := range messageIDs {
		msg, err := e.db.GetMessage(ctx, id)
		if err != nil {
			return snap, errors.NewDatabaseError("load message", err)
		}
		if msg == nil || msg.ConversationID != conversationID || msg.SenderID == accountID {
			continue
		}
		if _, addressed := msg.EnvelopeFor(accountID); !addressed {
			continue
		}
		if _, err := e.tracker.Advance(ctx, id, conversationID, accountID, models.StateRead, now); err != nil {
			if errors.HasCode(err, errors.ErrCodeInvalidTransition) {
				continue
			}
			return snap, err
		}
		if err := e.enqueue(ctx, models.OpStatusUpdate, models.AckPayload{
			MessageID:      id,
			ConversationID: conversationID,
			RecipientID:    accountID,
			State:          models.StateRead,
			At:             now,
		}, models.PriorityBackground); err != nil {
			return snap, err
		}
		receipts++
	}

	e.logger.WithFields(logrus.Fields{
		"conversation_id": privacy.MaskID(conversationID),
		"read":            len(messageIDs),
		"receipts":        receipts,
		"unread":          snap.UnreadCount,
	}).Debug("Marked messages read")
	e.coordinator.Trigger()
	return snap, nil
}

// Snapshot returns this device's state of a conversation, or nil.
func (e *Engine) Snapshot(ctx context.Context, conversationID string) (*models.ConversationStateSnapshot, error) {
	return e.reconciler.Snapshot(ctx, conversationID)
}

// SyncNow transmits pending operations and pulls remote changes.
func (e *Engine) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return e.coordinator.SyncNow(ctx)
}

// SyncFull discards the cursor and rebuilds local state from the remote.
func (e *Engine) SyncFull(ctx context.Context) (models.SyncResult, error) {
	return e.coordinator.SyncFull(ctx)
}

// SetOnline reports connectivity. While offline the queue holds work
// instead of spending attempts, and reconnecting starts a sync pass.
func (e *Engine) SetOnline(online bool) {
	e.worker.SetPaused(!online)
	e.conn.Set(online)
	e.logger.WithField("online", online).Info("Connectivity changed")
}

// Online reports the last connectivity state given to SetOnline.
func (e *Engine) Online() bool {
	return e.conn.Online()
}

// Subscribe streams engine events of the given types, or every type when
// none are given.
func (e *Engine) Subscribe(types ...events.Type) *events.Subscription {
	return e.hub.Subscribe(types...)
}

// DeliveryStatus returns one recipient's status of a message.
func (e *Engine) DeliveryStatus(ctx context.Context, messageID, recipientID string) (*models.DeliveryStatus, error) {
	st, err := e.tracker.Get(ctx, messageID, recipientID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.NewNotFoundError("delivery status", messageID+"/"+recipientID)
	}
	return st, nil
}

// GroupStatus aggregates the statuses of a group message. activeMembers
// defaults to every recipient with a status.
func (e *Engine) GroupStatus(ctx context.Context, messageID string, activeMembers []string) (models.GroupStatus, error) {
	return e.tracker.GroupStatus(ctx, messageID, activeMembers)
}

// SubmitBroadcast validates and schedules an emergency broadcast.
func (e *Engine) SubmitBroadcast(ctx context.Context, req broadcast.Request) (*models.BroadcastJob, error) {
	accountID, _, err := e.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	req.SenderID = accountID
	id, err := e.broadcasts.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.broadcasts.Get(ctx, id)
}

func (e *Engine) Broadcast(ctx context.Context, jobID string) (*models.BroadcastJob, error) {
	return e.broadcasts.Get(ctx, jobID)
}

func (e *Engine) Broadcasts(ctx context.Context, statuses ...models.BroadcastStatus) ([]models.BroadcastJob, error) {
	return e.broadcasts.List(ctx, statuses...)
}

func (e *Engine) CancelBroadcast(ctx context.Context, jobID string) (*models.BroadcastJob, error) {
	return e.broadcasts.Cancel(ctx, jobID)
}

// ConfirmDelivery records a channel's delivery receipt for a broadcast.
func (e *Engine) ConfirmDelivery(ctx context.Context, jobID, recipientID string, channel models.Channel, state models.DeliveryState, reason string) (*models.BroadcastJob, error) {
	return e.broadcasts.Confirm(ctx, jobID, recipientID, channel, state, reason)
}

// FailedOperations lists queue rows that exhausted their attempts.
func (e *Engine) FailedOperations(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	return e.queue.ListFailed(ctx, limit)
}

// PendingOperations lists queue rows still waiting for transmission.
func (e *Engine) PendingOperations(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	return e.queue.ListPending(ctx, limit)
}

func (e *Engine) QueueDepth(ctx context.Context) (map[models.OperationState]int, error) {
	return e.queue.Depth(ctx)
}

// RetryOperation gives a terminally failed operation a fresh set of
// attempts. Recipients of a failed send go back to sending.
func (e *Engine) RetryOperation(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}
	op, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return errors.NewNotFoundError("operation", id)
	}

	if op.Kind == models.OpSendMessage {
		var p models.SendPayload
		if err := queue.Decode(op, &p); err != nil {
			return errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable send payload")
		}
		statuses, err := e.db.ListDeliveryStatuses(ctx, p.MessageID)
		if err != nil {
			return errors.NewDatabaseError("list delivery statuses", err)
		}
		for _, st := range statuses {
			if st.State != models.StateFailed {
				continue
			}
			if _, err := e.tracker.Resend(ctx, p.MessageID, st.RecipientID); err != nil {
				if errors.HasCode(err, errors.ErrCodeQueueExhausted) {
					e.logger.WithField("recipient", privacy.MaskAccountID(st.RecipientID)).
						Warn("Recipient reached the delivery attempt ceiling, leaving it failed")
					continue
				}
				return err
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"operation_id": privacy.MaskID(id),
		"kind":         op.Kind,
	}).Info("Operation queued for manual retry")
	e.coordinator.Trigger()
	return nil
}

// Conflicts lists conflict audit records, newest first.
func (e *Engine) Conflicts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ConflictRecord, error) {
	return e.reconciler.Conflicts(ctx, unresolvedOnly, limit)
}

// SettleConflict resolves a manual conflict and uploads the result.
func (e *Engine) SettleConflict(ctx context.Context, id int64, value string) (models.ConversationStateSnapshot, error) {
	snap, err := e.reconciler.Settle(ctx, id, value)
	if err != nil {
		return models.ConversationStateSnapshot{}, err
	}
	if err := e.enqueue(ctx, models.OpSnapshotUpdate, models.SnapshotPayload{ConversationID: snap.ConversationID}, models.PriorityBackground); err != nil {
		return snap, err
	}
	e.coordinator.Trigger()
	return snap, nil
}

// KeyFingerprint describes the current key of the local account.
func (e *Engine) KeyFingerprint(ctx context.Context) (KeyInfo, error) {
	pub, err := e.cipher.PublicKey(ctx, e.cfg.Account.AccountID)
	if err != nil {
		return KeyInfo{}, err
	}
	return keyInfo(pub), nil
}

// RotateKeys makes a new keypair current and publishes it.
func (e *Engine) RotateKeys(ctx context.Context) (KeyInfo, error) {
	pub, err := e.cipher.RotateKeys(ctx, e.cfg.Account.AccountID)
	if err != nil {
		return KeyInfo{}, err
	}
	return keyInfo(pub), nil
}

// EnsureKeys creates the local keypair on first use and publishes it.
func (e *Engine) EnsureKeys(ctx context.Context) (KeyInfo, error) {
	pub, err := e.cipher.EnsureKeys(ctx, e.cfg.Account.AccountID)
	if err != nil {
		return KeyInfo{}, err
	}
	return keyInfo(pub), nil
}

// ContactKeys fetches and caches the keys of accountIDs so messages to them
// can be sealed later without the directory. The fingerprints let users
// compare keys out of band.
func (e *Engine) ContactKeys(ctx context.Context, accountIDs []string) ([]KeyInfo, error) {
	if err := validation.ValidateMembers(accountIDs); err != nil {
		return nil, err
	}
	keys, err := e.cipher.ContactKeys(ctx, accountIDs)
	if err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, len(keys))
	for _, id := range accountIDs {
		if pub, ok := keys[id]; ok {
			out = append(out, keyInfo(&pub))
		}
	}
	return out, nil
}

func keyInfo(pub *models.PublicKey) KeyInfo {
	return KeyInfo{
		AccountID:   pub.AccountID,
		KeyID:       pub.KeyID,
		Fingerprint: keystore.Fingerprint(pub.Key),
		CreatedAt:   pub.CreatedAt,
	}
}

// Sessions lists every known device of the local account.
func (e *Engine) Sessions(ctx context.Context) ([]models.DeviceSession, error) {
	return e.sessions.Sessions(ctx)
}

// Session exposes the device session for revocation and renewal.
func (e *Engine) Session() *SessionManager {
	return e.sessions
}

// Health checks the local store.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.db.Ping(ctx); err != nil {
		return errors.NewDatabaseError("ping", err)
	}
	return nil
}

// Start runs the background loops until ctx is cancelled: queue worker,
// sync loop, broadcast pool, retention scheduler and delivery monitor.
func (e *Engine) Start(ctx context.Context) error {
	if n, err := e.queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.WithField("operations", n).Info("Recovered interrupted operations")
	}
	if _, err := e.EnsureKeys(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to publish public key, will use the local key until the directory is reachable")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.coordinator.Run(gctx, time.Duration(e.cfg.Sync.IntervalSec)*time.Second, e.conn.Watch())
		return nil
	})
	g.Go(func() error {
		return e.broadcasts.Run(gctx)
	})
	g.Go(func() error {
		e.scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		e.monitor.Start(gctx)
		return nil
	})

	e.logger.WithFields(logrus.Fields{
		"account_id": privacy.MaskAccountID(e.cfg.Account.AccountID),
		"device_id":  privacy.MaskDeviceID(e.cfg.Account.DeviceID),
		"remote":     e.cfg.Remote.Driver,
	}).Info("Engine started")

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ApplyRetention switches the housekeeping windows to those of cfg.
func (e *Engine) ApplyRetention(cfg *models.Config) {
	r := RetentionFromConfig(cfg)
	e.scheduler.SetRetention(r)
	e.logger.WithFields(logrus.Fields{
		"failed_operations": r.FailedOperations,
		"conflicts":         r.Conflicts,
		"session_idle":      r.SessionIdle,
	}).Info("Retention updated")
}

// Close releases the stores in reverse order of opening.
func (e *Engine) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
