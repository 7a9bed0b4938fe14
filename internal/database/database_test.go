package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lifeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "lifeline.db"), "test-secret-for-at-rest-encryption")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMessage(id, conversationID string, seq int64) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		Seq:            seq,
		Type:           models.MessageTypeText,
		Content:        models.Ciphertext{Data: []byte("sealed"), Algorithm: "xchacha20poly1305", SuiteVersion: 1},
		Envelopes: []models.EncryptedEnvelope{
			{RecipientID: "bob", KeyID: "k1", WrappedKey: []byte("wrap"), IV: []byte("iv"), Level: models.LevelStandard, SuiteVersion: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNew_AppliesPragmasAndVersion(t *testing.T) {
	db := setupTestDB(t)

	var mode string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, db.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestNew_RestrictsFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifeline.db")
	db, err := New(path, "")
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNew_RejectsTraversal(t *testing.T) {
	_, err := New("../../etc/lifeline.db", "")
	assert.Error(t, err)
}

func TestSaveMessage_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	msg := testMessage("m1", "c1", 1)

	inserted, err := db.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = db.SaveMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := db.CountMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.Envelopes, got.Envelopes)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, "none", got.Compression)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

	missing, err := db.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveMessageBatch_AllOrNothing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, db.InsertOperation(ctx, newOp("taken", models.PriorityDirect, now)))

	msg := testMessage("m1", "c1", 1)
	status := &models.DeliveryStatus{MessageID: "m1", ConversationID: "c1", RecipientID: "bob", State: models.StateSending, Attempts: 1, UpdatedAt: now}

	// The second operation collides after the message row is written.
	_, err := db.SaveMessageBatch(ctx, MessageBatch{
		Message:    msg,
		Statuses:   []*models.DeliveryStatus{status},
		Operations: []*models.QueuedOperation{newOp("send-m1", models.PriorityDirect, now), newOp("taken", models.PriorityDirect, now)},
	})
	require.Error(t, err)

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got, "message rolled back with its operations")
	statuses, err := db.ListDeliveryStatuses(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, statuses)
	op, err := db.GetOperation(ctx, "send-m1")
	require.NoError(t, err)
	assert.Nil(t, op)

	batch := MessageBatch{
		Message:    msg,
		Statuses:   []*models.DeliveryStatus{status},
		Operations: []*models.QueuedOperation{newOp("send-m1", models.PriorityDirect, now)},
	}
	inserted, err := db.SaveMessageBatch(ctx, batch)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = db.SaveMessageBatch(ctx, MessageBatch{
		Message:    msg,
		Operations: []*models.QueuedOperation{newOp("send-m1-again", models.PriorityDirect, now)},
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	op, err = db.GetOperation(ctx, "send-m1-again")
	require.NoError(t, err)
	assert.Nil(t, op, "a replay writes nothing")

	statuses, err = db.ListDeliveryStatuses(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, statuses, 1)
}

func TestNextSequence_MonotonicAndAboveStored(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.NextSequence(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	_, err = db.SaveMessage(ctx, testMessage("remote", "c1", 10))
	require.NoError(t, err)

	next, err := db.NextSequence(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)

	other, err := db.NextSequence(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestListMessages_OrderedBySeq(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	for _, seq := range []int64{3, 1, 2} {
		_, err := db.SaveMessage(ctx, testMessage(fmt.Sprintf("m%d", seq), "c1", seq))
		require.NoError(t, err)
	}

	msgs, err := db.ListMessages(ctx, "c1", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestDeliveryStatus_Upsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Now().UTC()

	st := &models.DeliveryStatus{MessageID: "m1", RecipientID: "bob", ConversationID: "c1", State: models.StateSent, SentAt: sentAt, UpdatedAt: sentAt}
	require.NoError(t, db.SaveDeliveryStatus(ctx, st))

	st.State = models.StateDelivered
	st.DeliveredAt = sentAt.Add(time.Second)
	require.NoError(t, db.SaveDeliveryStatus(ctx, st))

	got, err := db.GetDeliveryStatus(ctx, "m1", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.True(t, got.SentAt.Equal(sentAt))
	assert.True(t, got.ReadAt.IsZero())

	all, err := db.ListDeliveryStatuses(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListStatusesInState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	require.NoError(t, db.SaveDeliveryStatus(ctx, &models.DeliveryStatus{MessageID: "m1", RecipientID: "a", State: models.StateSent, UpdatedAt: old}))
	require.NoError(t, db.SaveDeliveryStatus(ctx, &models.DeliveryStatus{MessageID: "m2", RecipientID: "a", State: models.StateSent, UpdatedAt: time.Now()}))

	stale, err := db.ListStatusesInState(ctx, models.StateSent, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "m1", stale[0].MessageID)
}

func newOp(id string, priority models.Priority, due time.Time) *models.QueuedOperation {
	now := time.Now()
	return &models.QueuedOperation{
		ID: id, Kind: models.OpSendMessage, Priority: priority, Payload: []byte(id),
		MaxAttempts: 3, NextAttemptAt: due, State: models.OpPending, CreatedAt: now, UpdatedAt: now,
	}
}

func TestClaimNextOperation_PriorityThenFIFO(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.InsertOperation(ctx, newOp("group-1", models.PriorityGroup, now)))
	require.NoError(t, db.InsertOperation(ctx, newOp("direct-1", models.PriorityDirect, now)))
	require.NoError(t, db.InsertOperation(ctx, newOp("direct-2", models.PriorityDirect, now)))
	require.NoError(t, db.InsertOperation(ctx, newOp("emergency-later", models.PriorityEmergency, now.Add(time.Hour))))

	var order []string
	for {
		op, err := db.ClaimNextOperation(ctx, now)
		require.NoError(t, err)
		if op == nil {
			break
		}
		assert.Equal(t, models.OpInFlight, op.State)
		order = append(order, op.ID)
	}

	assert.Equal(t, []string{"direct-1", "direct-2", "group-1"}, order)

	next, ok, err := db.NextDueAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, now.Add(time.Hour), next, time.Millisecond)
}

func TestResetInFlight(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.InsertOperation(ctx, newOp("op", models.PriorityDirect, now)))
	_, err := db.ClaimNextOperation(ctx, now)
	require.NoError(t, err)

	n, err := db.ResetInFlight(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := db.CountOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.OpPending])
	assert.Zero(t, counts[models.OpInFlight])
}

func TestUpdateOperation_Missing(t *testing.T) {
	db := setupTestDB(t)
	err := db.UpdateOperation(context.Background(), &models.QueuedOperation{ID: "ghost", State: models.OpFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneOperations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	old := newOp("old", models.PriorityDirect, time.Now())
	old.State = models.OpFailed
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, db.InsertOperation(ctx, old))
	require.NoError(t, db.InsertOperation(ctx, newOp("fresh", models.PriorityDirect, time.Now())))

	n, err := db.PruneOperations(ctx, models.OpFailed, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetOperation(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSnapshot_SaveWithConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	snap := &models.ConversationStateSnapshot{
		ConversationID: "c1", DeviceID: "phone", AccountID: "alice",
		ReadMessageIDs: []string{"m1", "m2"}, TotalMessages: 5, UnreadCount: 3,
		ScrollCheckpoint: "m2", Fields: map[string]models.FieldValue{"muted": {Value: "true", Version: 2}},
		Version: 4, UpdatedAt: time.Now().UTC(),
	}
	records := []models.ConflictRecord{{
		ConversationID: "c1", DeviceID: "phone", Type: models.ConflictField, Field: "muted",
		Strategy: models.StrategyManual, LocalValue: `"true"`, RemoteValue: `"false"`, Resolved: false,
		CreatedAt: time.Now(),
	}}
	require.NoError(t, db.SaveSnapshot(ctx, snap, records))
	assert.NotZero(t, records[0].ID)

	got, err := db.GetSnapshot(ctx, "c1", "phone")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.ReadMessageIDs, got.ReadMessageIDs)
	assert.Equal(t, snap.Fields, got.Fields)
	assert.Equal(t, int64(4), got.Version)

	open, err := db.ListConflicts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.StrategyManual, open[0].Strategy)

	require.NoError(t, db.MarkConflictResolved(ctx, open[0].ID, `"false"`))
	open, err = db.ListConflicts(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSessions_NeverDeleted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Now().Add(-2 * time.Hour)

	s, err := db.TouchSession(ctx, "alice", "phone", "android", start)
	require.NoError(t, err)
	assert.True(t, s.Active)

	n, err := db.DeactivateIdleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sessions, err := db.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Active)

	s, err = db.TouchSession(ctx, "alice", "phone", "", time.Now())
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.Equal(t, "android", s.Platform)
	assert.True(t, s.CreatedAt.Equal(start))
}

func TestCursor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetCursor(ctx, "alice", "phone")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveCursor(ctx, "alice", "phone", 42))
	cursor, ok, err := db.GetCursor(ctx, "alice", "phone")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), cursor)

	require.NoError(t, db.ClearCursor(ctx, "alice", "phone"))
	_, ok, err = db.GetCursor(ctx, "alice", "phone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func seedBroadcast(t *testing.T, db *Database, recipients []string, channels []models.Channel) *models.BroadcastJob {
	t.Helper()
	now := time.Now()
	job := &models.BroadcastJob{
		ID: "job-1", SenderID: "coordinator", Body: []byte("evacuate zone 4"),
		Scope:    models.BroadcastScope{Level: models.ScopeRegional, Region: "north", Roles: []string{"volunteer"}},
		Priority: models.PriorityEmergency, Channels: channels,
		TargetCount: len(recipients) * len(channels), Pending: len(recipients) * len(channels),
		Status: models.BroadcastProcessing, FailureThreshold: 0.5,
		Deadline: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	var deliveries []models.BroadcastDelivery
	for _, r := range recipients {
		for _, ch := range channels {
			deliveries = append(deliveries, models.BroadcastDelivery{JobID: job.ID, RecipientID: r, Channel: ch, State: models.StateSending, UpdatedAt: now})
		}
	}
	require.NoError(t, db.CreateBroadcast(context.Background(), job, deliveries))
	return job
}

func TestBroadcast_BodySealedAtRest(t *testing.T) {
	db := setupTestDB(t)
	seedBroadcast(t, db, []string{"u1"}, []models.Channel{models.ChannelPush})

	var raw string
	require.NoError(t, db.db.QueryRow(`SELECT body FROM broadcast_jobs WHERE id = ?`, "job-1").Scan(&raw))
	assert.NotContains(t, raw, "evacuate")

	job, err := db.GetBroadcast(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "evacuate zone 4", string(job.Body))
	assert.Equal(t, []string{"volunteer"}, job.Scope.Roles)
}

func TestResolveBroadcastDelivery_CountsOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedBroadcast(t, db, []string{"u1", "u2"}, []models.Channel{models.ChannelPush, models.ChannelSMS})

	job, counted, err := db.ResolveBroadcastDelivery(ctx, "job-1", "u1", models.ChannelPush, models.StateDelivered, "", time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, 1, job.Delivered)
	assert.Equal(t, 3, job.Pending)
	assert.True(t, job.Accounted())

	job, counted, err = db.ResolveBroadcastDelivery(ctx, "job-1", "u1", models.ChannelPush, models.StateFailed, "late failure", time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, 1, job.Delivered)
	assert.Zero(t, job.Failed)

	settled := 0
	for _, key := range []struct {
		r  string
		ch models.Channel
	}{{"u1", models.ChannelSMS}, {"u2", models.ChannelPush}, {"u2", models.ChannelSMS}} {
		job, _, err = db.ResolveBroadcastDelivery(ctx, "job-1", key.r, key.ch, models.StateFailed, "unreachable", time.Now(),
			func(j *models.BroadcastJob) {
				if j.Pending == 0 {
					settled++
					j.Status = models.BroadcastFailed
					j.CompletedAt = time.Now()
				}
			})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, settled)
	assert.Equal(t, models.BroadcastFailed, job.Status)
	assert.Equal(t, 1, job.Delivered)
	assert.Equal(t, 3, job.Failed)
	assert.Zero(t, job.Pending)
	assert.False(t, job.CompletedAt.IsZero())

	stored, err := db.GetBroadcast(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastFailed, stored.Status)
}

func TestResolveBroadcastDelivery_UnknownDelivery(t *testing.T) {
	db := setupTestDB(t)
	seedBroadcast(t, db, []string{"u1"}, []models.Channel{models.ChannelPush})

	_, _, err := db.ResolveBroadcastDelivery(context.Background(), "job-1", "ghost", models.ChannelPush, models.StateDelivered, "", time.Now(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOverdueBroadcasts(t *testing.T) {
	db := setupTestDB(t)
	seedBroadcast(t, db, []string{"u1"}, []models.Channel{models.ChannelPush})

	overdue, err := db.ListOverdueBroadcasts(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, overdue, 1)

	overdue, err = db.ListOverdueBroadcasts(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestEncryptor(t *testing.T) {
	enc, err := NewEncryptor("a-sufficiently-long-secret-value-123")
	require.NoError(t, err)
	assert.True(t, enc.Enabled())

	sealed, err := enc.Encrypt("private")
	require.NoError(t, err)
	assert.NotEqual(t, "private", sealed)

	again, err := enc.Encrypt("private")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "private", plain)

	other, err := NewEncryptor("a-different-secret-value-entirely-456")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.Enabled())

	out, err := enc.Seal([]byte("clear"))
	require.NoError(t, err)
	assert.Equal(t, []byte("clear"), out)
}

func TestIsRetryableDBError(t *testing.T) {
	assert.True(t, isRetryableDBError(fmt.Errorf("database is locked")))
	assert.False(t, isRetryableDBError(fmt.Errorf("UNIQUE constraint failed")))
	assert.False(t, isRetryableDBError(context.Canceled))
	assert.False(t, isRetryableDBError(nil))
	assert.False(t, isRetryableDBError(sql.ErrNoRows))
}
