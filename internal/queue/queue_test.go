package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lifeline/internal/database"
	"lifeline/internal/errors"
	"lifeline/internal/models"
	"lifeline/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupQueue(t *testing.T, maxAttempts int) (*Queue, *database.Database, *testClock) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	q := New(db, Config{
		MaxAttempts: maxAttempts,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			MaxAttempts:  maxAttempts,
		},
		CompressThreshold: 512,
	}, logger)
	clock := &testClock{now: time.Now()}
	q.now = clock.Now
	return q, db, clock
}

func sendOp(t *testing.T, messageID string) Operation {
	t.Helper()
	op, err := Encode(models.OpSendMessage, models.SendPayload{MessageID: messageID})
	require.NoError(t, err)
	return op
}

func TestDequeueNext_PriorityThenFIFO(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	enqueue := func(id string, p models.Priority) {
		_, err := q.Enqueue(ctx, sendOp(t, id), p)
		require.NoError(t, err)
	}
	enqueue("ack-1", models.PriorityBackground)
	enqueue("group-1", models.PriorityGroup)
	enqueue("direct-1", models.PriorityDirect)
	enqueue("group-2", models.PriorityGroup)
	enqueue("sos", models.PriorityEmergency)
	enqueue("direct-2", models.PriorityDirect)

	var order []string
	for {
		op, err := q.DequeueNext(ctx)
		require.NoError(t, err)
		if op == nil {
			break
		}
		var payload models.SendPayload
		require.NoError(t, Decode(op, &payload))
		order = append(order, payload.MessageID)
	}

	assert.Equal(t, []string{"sos", "direct-1", "direct-2", "group-1", "group-2", "ack-1"}, order)
}

func TestEnqueue_RejectsUnknownKindAndPriority(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Operation{Kind: "teleport"}, models.PriorityDirect)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))

	_, err = q.Enqueue(ctx, sendOp(t, "m"), models.Priority(9))
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
}

func TestMarkFailed_RetryCeiling(t *testing.T) {
	q, _, clock := setupQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)

	cause := errors.NewUnavailableError("remote", nil)
	for attempt := 1; attempt <= 3; attempt++ {
		op, err := q.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, op, "attempt %d should be due", attempt)
		assert.Equal(t, id, op.ID)

		terminal, err := q.MarkFailed(ctx, id, true, cause)
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, terminal)

		if !terminal {
			none, err := q.DequeueNext(ctx)
			require.NoError(t, err)
			assert.Nil(t, none, "backoff delays the next attempt")
		}
		clock.Advance(time.Minute)
	}

	clock.Advance(24 * time.Hour)
	op, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, op, "terminal failures are never re-enqueued")

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "remote unavailable")
}

func TestMarkFailed_BackoffBoundedByCeiling(t *testing.T) {
	q, db, clock := setupQueue(t, 20)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := q.MarkFailed(ctx, id, true, errors.NewUnavailableError("remote", nil))
		require.NoError(t, err)
	}
	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.LessOrEqual(t, op.NextAttemptAt.Sub(clock.Now()), 10*time.Second)
}

func TestMarkFailed_NonRetryableIsTerminal(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)

	terminal, err := q.MarkFailed(ctx, id, false, errors.NewRecipientBlockedError("bob"))
	require.NoError(t, err)
	assert.True(t, terminal)

	op, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, op.State)
	assert.Equal(t, 1, op.Attempts)
}

func TestRetryAndDiscard(t *testing.T) {
	q, _, _ := setupQueue(t, 1)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)

	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(q.Retry(ctx, id)), "pending operations cannot be re-armed")

	_, err = q.MarkFailed(ctx, id, true, nil)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, id))

	op, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Zero(t, op.Attempts)

	_, err = q.MarkFailed(ctx, id, false, nil)
	require.NoError(t, err)
	require.NoError(t, q.Discard(ctx, id))

	gone, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(q.Retry(ctx, "missing")))
}

func TestMarkSucceeded_DeletesOperation(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)
	_, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkSucceeded(ctx, id))

	op, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestEnqueue_ContentAwareCompression(t *testing.T) {
	q, db, _ := setupQueue(t, 3)
	ctx := context.Background()

	text := []byte(strings.Repeat("evacuation route via north bridge. ", 100))
	id, err := q.Enqueue(ctx, Operation{Kind: models.OpSnapshotUpdate, Payload: text, ContentType: "text/plain"}, models.PriorityBackground)
	require.NoError(t, err)

	stored, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "zstd", stored.Compression)
	assert.Less(t, stored.StoredSize, stored.OriginalSize)
	assert.Equal(t, len(text), stored.OriginalSize)

	op, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, text, op.Payload)

	jpeg := make([]byte, 2048)
	id, err = q.Enqueue(ctx, Operation{Kind: models.OpSendMessage, Payload: jpeg, ContentType: "image/jpeg"}, models.PriorityDirect)
	require.NoError(t, err)
	stored, err = db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "none", stored.Compression, "already-compressed media is stored as is")

	small := []byte(strings.Repeat("a", 100))
	id, err = q.Enqueue(ctx, Operation{Kind: models.OpAck, Payload: small, ContentType: "text/plain"}, models.PriorityBackground)
	require.NoError(t, err)
	stored, err = db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "none", stored.Compression, "below threshold")
}

func TestRecover_InterruptedOperationsRetryable(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)
	_, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	none, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "in-flight operation is not handed out twice")

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, id, op.ID)
}

func TestNotify_SignalledOnEnqueue(t *testing.T) {
	q, _, _ := setupQueue(t, 3)

	_, err := q.Enqueue(context.Background(), sendOp(t, "m1"), models.PriorityDirect)
	require.NoError(t, err)

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a notification")
	}
}

func TestDepth(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, sendOp(t, "m"), models.PriorityDirect)
		require.NoError(t, err)
	}
	_, err := q.DequeueNext(ctx)
	require.NoError(t, err)

	counts, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.OpPending])
	assert.Equal(t, 1, counts[models.OpInFlight])
}
