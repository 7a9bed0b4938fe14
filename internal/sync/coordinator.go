// Package sync moves queued local work to the remote store and brings remote
// changes back, resuming from a persisted cursor.
package sync

import (
	"context"
	"time"

	"lifeline/internal/conflict"
	"lifeline/internal/constants"
	"lifeline/internal/database"
	"lifeline/internal/delivery"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/internal/queue"
	"lifeline/internal/remote"
	"lifeline/internal/tracing"
	"lifeline/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// LocalStore is the part of the device database the coordinator writes.
type LocalStore interface {
	GetCursor(ctx context.Context, accountID, deviceID string) (int64, bool, error)
	SaveCursor(ctx context.Context, accountID, deviceID string, cursor int64) error
	ClearCursor(ctx context.Context, accountID, deviceID string) error
	SaveMessageBatch(ctx context.Context, b database.MessageBatch) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Session yields the authenticated identity of this device. An expired
// session returns a SESSION_EXPIRED error.
type Session interface {
	Current(ctx context.Context) (accountID, deviceID string, err error)
}

// Options tunes a Coordinator.
type Options struct {
	PageSize int
	Timeout  time.Duration
}

// OptionsFromModel converts the sync section of the configuration.
func OptionsFromModel(c models.SyncConfig) Options {
	return Options{
		PageSize: c.PageSize,
		Timeout:  time.Duration(c.TimeoutSec) * time.Second,
	}
}

// Coordinator runs sync passes for one device. Only one pass runs at a time.
type Coordinator struct {
	local      LocalStore
	remote     remote.Store
	queue      *queue.Queue
	worker     *queue.Worker
	tracker    *delivery.Tracker
	reconciler *conflict.Reconciler
	breaker    *circuitbreaker.CircuitBreaker
	session    Session
	publisher  events.Publisher
	opts       Options
	logger     *errors.Logger
	now        func() time.Time

	running chan struct{}
	trigger chan struct{}
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Local      LocalStore
	Remote     remote.Store
	Queue      *queue.Queue
	Worker     *queue.Worker
	Tracker    *delivery.Tracker
	Reconciler *conflict.Reconciler
	Breaker    *circuitbreaker.CircuitBreaker
	Session    Session
	Publisher  events.Publisher
	Logger     *logrus.Logger
}

// NewCoordinator creates a coordinator and registers its upload handlers on
// deps.Worker.
func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultSyncPageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(constants.DefaultSyncTimeoutSec) * time.Second
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuitbreaker.New("remote", circuitbreaker.Config{Counts: errors.IsRetryable}, deps.Logger)
	}
	c := &Coordinator{
		local:      deps.Local,
		remote:     deps.Remote,
		queue:      deps.Queue,
		worker:     deps.Worker,
		tracker:    deps.Tracker,
		reconciler: deps.Reconciler,
		breaker:    deps.Breaker,
		session:    deps.Session,
		publisher:  deps.Publisher,
		opts:       opts,
		logger:     errors.WrapLogger(deps.Logger),
		now:        time.Now,
		running:    make(chan struct{}, 1),
		trigger:    make(chan struct{}, 1),
	}
	c.RegisterHandlers(deps.Worker)
	return c
}

// lock admits one pass at a time. Waiting callers give up when ctx ends.
func (c *Coordinator) lock(ctx context.Context) error {
	select {
	case c.running <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unlock() { <-c.running }

// SyncNow uploads due queued work and then downloads remote changes. A device
// without a cursor, or whose cursor the remote no longer serves, performs a
// full sync instead of an incremental one.
func (c *Coordinator) SyncNow(ctx context.Context) (models.SyncResult, error) {
	if err := c.lock(ctx); err != nil {
		return models.SyncResult{}, err
	}
	defer c.unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	accountID, deviceID, err := c.session.Current(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	ctx = errors.WithAccount(ctx, accountID, deviceID)

	ctx, span := tracing.StartSpan(ctx, "sync.pass",
		attribute.String("account.id", privacy.MaskAccountID(accountID)))
	defer span.End()
	start := c.now()

	drained, err := c.worker.Drain(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return models.SyncResult{}, err
	}

	cursor, ok, err := c.local.GetCursor(ctx, accountID, deviceID)
	if err != nil {
		return models.SyncResult{}, errors.NewDatabaseError("load cursor", err)
	}

	var result models.SyncResult
	if ok {
		result, err = c.incremental(ctx, accountID, deviceID, cursor)
		if errors.HasCode(err, errors.ErrCodeCursorInvalid) {
			c.logger.WithField("cursor", cursor).Warn("Cursor no longer served by remote, falling back to full sync")
			if err := c.local.ClearCursor(ctx, accountID, deviceID); err != nil {
				return models.SyncResult{}, errors.NewDatabaseError("clear cursor", err)
			}
			result, err = c.full(ctx, accountID, deviceID)
		}
	} else {
		result, err = c.full(ctx, accountID, deviceID)
	}
	result.UploadedOperations = drained.Succeeded
	result.Duration = c.now().Sub(start)
	c.finish(ctx, accountID, result, err)
	return result, err
}

// SyncIncremental downloads changes after sinceCursor. It does not upload.
func (c *Coordinator) SyncIncremental(ctx context.Context, sinceCursor int64) (models.SyncResult, error) {
	if err := c.lock(ctx); err != nil {
		return models.SyncResult{}, err
	}
	defer c.unlock()

	accountID, deviceID, err := c.session.Current(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	start := c.now()
	result, err := c.incremental(ctx, accountID, deviceID, sinceCursor)
	result.Duration = c.now().Sub(start)
	c.finish(ctx, accountID, result, err)
	return result, err
}

// SyncFull rebuilds local messages, statuses and snapshots from the remote
// and moves the cursor to the remote head.
func (c *Coordinator) SyncFull(ctx context.Context) (models.SyncResult, error) {
	if err := c.lock(ctx); err != nil {
		return models.SyncResult{}, err
	}
	defer c.unlock()

	accountID, deviceID, err := c.session.Current(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	start := c.now()
	result, err := c.full(ctx, accountID, deviceID)
	result.Duration = c.now().Sub(start)
	c.finish(ctx, accountID, result, err)
	return result, err
}

func (c *Coordinator) finish(ctx context.Context, accountID string, result models.SyncResult, err error) {
	labels := map[string]string{"mode": string(result.Mode)}
	metrics.RecordTimer("sync_duration", result.Duration, labels, "Sync pass duration")
	fields := logrus.Fields{
		"mode":          result.Mode,
		"downloaded":    result.DownloadedMessages,
		"conversations": result.UpdatedConversations,
		"uploaded":      result.UploadedOperations,
		"conflicts":     result.Conflicts,
		"cursor":        result.Cursor,
		"item_errors":   len(result.Errors),
		"duration_ms":   result.Duration.Milliseconds(),
		"account_id":    privacy.MaskAccountID(accountID),
	}
	if err != nil {
		metrics.IncrementCounter("sync_failures_total", labels, "Sync passes that failed")
		tracing.RecordError(ctx, err)
		c.logger.LogRetryableError(err, "Sync pass failed", fields)
		return
	}
	metrics.IncrementCounter("sync_passes_total", labels, "Completed sync passes")
	c.logger.WithFields(fields).Info("Sync pass completed")
	c.publisher.Publish(events.Event{Type: events.TypeSyncCompleted, AccountID: accountID, Data: result})
}

func (c *Coordinator) incremental(ctx context.Context, accountID, deviceID string, cursor int64) (models.SyncResult, error) {
	result := models.SyncResult{Mode: models.SyncIncremental, Cursor: cursor}
	touched := make(map[string]bool)

	for {
		var page models.ChangePage
		err := c.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = c.remote.Changes(ctx, accountID, deviceID, cursor, c.opts.PageSize)
			return err
		})
		if err != nil {
			return result, err
		}

		for _, change := range page.Changes {
			if err := c.apply(ctx, accountID, change, &result, touched); err != nil {
				if abortsPage(ctx, err) {
					// The page is retried from the last saved cursor.
					return result, err
				}
				result.Errors = append(result.Errors, itemError("download", change.ItemKey(), err))
			}
		}

		if page.NextCursor > cursor {
			if err := c.local.SaveCursor(ctx, accountID, deviceID, page.NextCursor); err != nil {
				return result, errors.NewDatabaseError("save cursor", err)
			}
			cursor = page.NextCursor
			result.Cursor = cursor
		}
		if !page.HasMore {
			break
		}
	}
	result.UpdatedConversations = len(touched)
	return result, nil
}

func (c *Coordinator) full(ctx context.Context, accountID, deviceID string) (models.SyncResult, error) {
	result := models.SyncResult{Mode: models.SyncFull}
	touched := make(map[string]bool)

	var state models.FullState
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		state, err = c.remote.Snapshot(ctx, accountID, deviceID)
		return err
	})
	if err != nil {
		return result, err
	}

	changes := make([]models.Change, 0, len(state.Messages)+len(state.Statuses)+len(state.Snapshots))
	for i := range state.Messages {
		changes = append(changes, models.Change{Kind: models.ChangeMessage, Message: &state.Messages[i]})
	}
	for i := range state.Statuses {
		changes = append(changes, models.Change{Kind: models.ChangeDeliveryStatus, Status: &state.Statuses[i]})
	}
	for i := range state.Snapshots {
		changes = append(changes, models.Change{Kind: models.ChangeSnapshot, Snapshot: &state.Snapshots[i]})
	}
	for _, change := range changes {
		if err := c.apply(ctx, accountID, change, &result, touched); err != nil {
			if abortsPage(ctx, err) {
				return result, err
			}
			result.Errors = append(result.Errors, itemError("rebuild", change.ItemKey(), err))
		}
	}

	if err := c.local.SaveCursor(ctx, accountID, deviceID, state.Cursor); err != nil {
		return result, errors.NewDatabaseError("save cursor", err)
	}
	result.Cursor = state.Cursor
	result.UpdatedConversations = len(touched)
	return result, nil
}

// abortsPage reports whether a failed change must stop the pass before the
// cursor moves. Local storage failures are not the item's fault and would
// otherwise be skipped for good.
func abortsPage(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.IsRetryable(err) || errors.HasCode(err, errors.ErrCodeDatabaseQuery)
}

func itemError(phase, item string, err error) models.ItemError {
	return models.ItemError{
		Phase: phase,
		Item:  item,
		Code:  string(errors.GetCode(err)),
		Error: err.Error(),
	}
}
