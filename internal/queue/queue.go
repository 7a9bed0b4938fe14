// Package queue is the local durable queue of outbound work. Operations are
// persisted before any network attempt and are claimed one at a time in
// priority then FIFO order.
package queue

import (
	"context"
	"fmt"
	"time"

	"lifeline/internal/codec"
	"lifeline/internal/compress"
	"lifeline/internal/constants"
	"lifeline/internal/errors"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PayloadContentType tags payloads produced by Encode.
const PayloadContentType = "application/cbor"

// Store is the persistence the queue needs.
type Store interface {
	InsertOperation(ctx context.Context, op *models.QueuedOperation) error
	ClaimNextOperation(ctx context.Context, now time.Time) (*models.QueuedOperation, error)
	UpdateOperation(ctx context.Context, op *models.QueuedOperation) error
	DeleteOperation(ctx context.Context, id string) error
	GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error)
	ListOperations(ctx context.Context, state models.OperationState, limit int) ([]models.QueuedOperation, error)
	ResetInFlight(ctx context.Context, now time.Time) (int, error)
	CountOperations(ctx context.Context) (map[models.OperationState]int, error)
	NextDueAt(ctx context.Context) (time.Time, bool, error)
}

// Config controls retry scheduling and compression.
type Config struct {
	MaxAttempts       int
	Backoff           retry.BackoffConfig
	CompressThreshold int
}

// ConfigFromModel builds a Config from the queue section of the process config.
func ConfigFromModel(c models.QueueConfig) Config {
	return Config{
		MaxAttempts: c.MaxAttempts,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(c.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(c.MaxBackoffSec) * time.Second,
			Multiplier:   c.BackoffMultiplier,
			MaxAttempts:  c.MaxAttempts,
			Jitter:       true,
		},
		CompressThreshold: c.CompressThresholdBytes,
	}
}

// Operation is work to enqueue.
type Operation struct {
	Kind        models.OperationKind
	Payload     []byte
	ContentType string
	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

// Encode builds an Operation whose payload is v in CBOR.
func Encode(kind models.OperationKind, v any) (Operation, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Operation{Kind: kind, Payload: data, ContentType: PayloadContentType}, nil
}

// Decode unmarshals the payload of a dequeued operation into v.
func Decode(op *models.QueuedOperation, v any) error {
	return codec.Unmarshal(op.Payload, v)
}

// Queue is the single-consumer durable queue of one device.
type Queue struct {
	store   Store
	cfg     Config
	backoff *retry.Backoff
	logger  *errors.Logger
	notify  chan struct{}
	now     func() time.Time
}

// New creates a queue over store.
func New(store Store, cfg Config, logger *logrus.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultQueueMaxAttempts
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.BackoffConfig{
			InitialDelay: time.Duration(constants.DefaultQueueInitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultQueueMaxBackoffSec) * time.Second,
			Multiplier:   constants.DefaultQueueBackoffMultiplier,
			MaxAttempts:  cfg.MaxAttempts,
			Jitter:       true,
		}
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = constants.DefaultCompressThresholdBytes
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		store:   store,
		cfg:     cfg,
		backoff: retry.NewBackoff(cfg.Backoff),
		logger:  errors.WrapLogger(logger),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Notify is signalled whenever new work becomes due immediately.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue persists op and returns its id. Payloads at or above the compression
// threshold are stored compressed when that saves space.
func (q *Queue) Enqueue(ctx context.Context, op Operation, priority models.Priority) (string, error) {
	record, err := q.Prepare(op, priority)
	if err != nil {
		return "", err
	}
	if err := q.store.InsertOperation(ctx, record); err != nil {
		return "", errors.NewDatabaseError("enqueue", err)
	}
	q.Committed(record)
	return record.ID, nil
}

// Prepare builds the pending row for op without storing it, for callers that
// insert it in the same transaction as related data. Call Committed once the
// row is durable.
func (q *Queue) Prepare(op Operation, priority models.Priority) (*models.QueuedOperation, error) {
	if err := op.Kind.Validate(); err != nil {
		return nil, errors.NewValidationError("kind", string(op.Kind), err.Error())
	}
	if err := priority.Validate(); err != nil {
		return nil, errors.NewValidationError("priority", priority.String(), err.Error())
	}

	packed, err := compress.Auto(op.Payload, op.ContentType, q.cfg.CompressThreshold)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to compress payload")
	}
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	now := q.now()
	return &models.QueuedOperation{
		ID:            uuid.NewString(),
		Kind:          op.Kind,
		Priority:      priority,
		Payload:       packed.Data,
		ContentType:   op.ContentType,
		Compression:   string(packed.Algorithm),
		OriginalSize:  packed.OriginalSize,
		StoredSize:    len(packed.Data),
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		State:         models.OpPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Committed announces stored rows and wakes the worker.
func (q *Queue) Committed(records ...*models.QueuedOperation) {
	for _, record := range records {
		metrics.IncrementCounter("queue_enqueued_total", map[string]string{
			"kind":     string(record.Kind),
			"priority": record.Priority.String(),
		}, "Operations added to the durable queue")
		q.logger.WithFields(logrus.Fields{
			"operation_id": record.ID,
			"kind":         record.Kind,
			"priority":     record.Priority.String(),
			"compression":  record.Compression,
			"stored_size":  record.StoredSize,
		}).Debug("Enqueued operation")
	}
	if len(records) > 0 {
		q.signal()
	}
}

// DequeueNext claims the highest priority due operation and returns it with
// its payload decompressed. It returns nil when nothing is due.
func (q *Queue) DequeueNext(ctx context.Context) (*models.QueuedOperation, error) {
	op, err := q.store.ClaimNextOperation(ctx, q.now())
	if err != nil {
		return nil, errors.NewDatabaseError("dequeue", err)
	}
	if op == nil {
		return nil, nil
	}
	if err := unpack(op); err != nil {
		// A payload that cannot be restored will never succeed.
		if _, markErr := q.MarkFailed(ctx, op.ID, false, err); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}
	return op, nil
}

func unpack(op *models.QueuedOperation) error {
	algo, err := compress.Parse(op.Compression)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "unknown payload compression").
			WithContext("operation_id", op.ID)
	}
	data, err := compress.Decompress(op.Payload, algo, op.OriginalSize)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "corrupt queued payload").
			WithContext("operation_id", op.ID)
	}
	op.Payload = data
	return nil
}

// MarkSucceeded removes a completed operation.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return errors.NewDatabaseError("mark succeeded", err)
	}
	metrics.IncrementCounter("queue_completed_total", map[string]string{"outcome": "succeeded"}, "Operations leaving the queue")
	return nil
}

// MarkFailed records a failed attempt. Retryable failures below the attempt
// ceiling are rescheduled with backoff; anything else becomes a terminal
// failure that is never retried automatically. terminal reports which.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryable bool, cause error) (terminal bool, err error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return false, errors.NewDatabaseError("load operation", err)
	}
	if op == nil {
		return false, errors.NewNotFoundError("operation", id)
	}

	now := q.now()
	op.Attempts++
	op.UpdatedAt = now
	if cause != nil {
		op.LastError = cause.Error()
	}

	if !retryable || op.Attempts >= op.MaxAttempts {
		op.State = models.OpFailed
		terminal = true
	} else {
		op.State = models.OpPending
		op.NextAttemptAt = now.Add(q.backoff.GetNextDelay(op.Attempts))
	}

	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return false, errors.NewDatabaseError("mark failed", err)
	}

	fields := logrus.Fields{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"attempts":     op.Attempts,
		"max_attempts": op.MaxAttempts,
	}
	if terminal {
		metrics.IncrementCounter("queue_completed_total", map[string]string{"outcome": "failed"}, "Operations leaving the queue")
		q.logger.LogError(cause, "Queued operation failed permanently", fields)
	} else {
		metrics.IncrementCounter("queue_retries_total", map[string]string{"kind": string(op.Kind)}, "Rescheduled queue attempts")
		fields["next_attempt_at"] = op.NextAttemptAt
		q.logger.LogWarn(cause, "Queued operation will be retried", fields)
	}
	return terminal, nil
}

// Retry re-arms a terminal failure on explicit request from the user.
func (q *Queue) Retry(ctx context.Context, id string) error {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return errors.NewDatabaseError("load operation", err)
	}
	if op == nil {
		return errors.NewNotFoundError("operation", id)
	}
	if op.State != models.OpFailed {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("operation is %s, only failed operations can be retried", op.State)).
			WithContext("operation_id", id)
	}

	now := q.now()
	op.State = models.OpPending
	op.Attempts = 0
	op.NextAttemptAt = now
	op.UpdatedAt = now
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return errors.NewDatabaseError("retry operation", err)
	}
	q.signal()
	return nil
}

// Discard drops a terminal failure after the user gives up on it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return errors.NewDatabaseError("load operation", err)
	}
	if op == nil {
		return errors.NewNotFoundError("operation", id)
	}
	if op.State != models.OpFailed {
		return errors.New(errors.ErrCodeInvalidInput, "only failed operations can be discarded").
			WithContext("operation_id", id)
	}
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return errors.NewDatabaseError("discard operation", err)
	}
	return nil
}

// Release hands a claimed operation back to pending without counting an
// attempt, for handlers that were interrupted before finishing.
func (q *Queue) Release(ctx context.Context, id string) error {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return errors.NewDatabaseError("load operation", err)
	}
	if op == nil {
		return errors.NewNotFoundError("operation", id)
	}
	if op.State != models.OpInFlight {
		return nil
	}
	now := q.now()
	op.State = models.OpPending
	op.NextAttemptAt = now
	op.UpdatedAt = now
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return errors.NewDatabaseError("release operation", err)
	}
	q.logger.WithField("operation_id", id).Debug("Released interrupted operation")
	q.signal()
	return nil
}

// Recover returns operations interrupted mid-flight to pending. Call once at
// startup before the worker runs.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.ResetInFlight(ctx, q.now())
	if err != nil {
		return 0, errors.NewDatabaseError("recover queue", err)
	}
	if n > 0 {
		q.logger.WithField("operations", n).Info("Recovered interrupted operations")
		q.signal()
	}
	return n, nil
}

// Get returns the stored operation with its payload decompressed, or nil.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("load operation", err)
	}
	if op == nil {
		return nil, nil
	}
	if err := unpack(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ListFailed returns terminal failures, oldest first.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	ops, err := q.store.ListOperations(ctx, models.OpFailed, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list failed operations", err)
	}
	return ops, nil
}

// ListPending returns operations waiting for an attempt, in claim order.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	ops, err := q.store.ListOperations(ctx, models.OpPending, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list pending operations", err)
	}
	return ops, nil
}

// Depth reports operation counts per state and publishes them as gauges.
func (q *Queue) Depth(ctx context.Context) (map[models.OperationState]int, error) {
	counts, err := q.store.CountOperations(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("count operations", err)
	}
	for _, state := range []models.OperationState{models.OpPending, models.OpInFlight, models.OpFailed} {
		metrics.SetGauge("queue_depth", float64(counts[state]), map[string]string{"state": string(state)}, "Operations in the durable queue")
	}
	return counts, nil
}

// NextWake returns how long until the next pending operation is due. ok is
// false when the queue holds nothing pending.
func (q *Queue) NextWake(ctx context.Context) (wait time.Duration, ok bool, err error) {
	next, ok, err := q.store.NextDueAt(ctx)
	if err != nil || !ok {
		return 0, ok, err
	}
	wait = next.Sub(q.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true, nil
}
