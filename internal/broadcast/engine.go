// Package broadcast expands emergency broadcasts into per-recipient,
// per-channel deliveries and keeps the job counters exact while deliveries
// resolve.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lifeline/internal/constants"
	"lifeline/internal/delivery"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/privacy"
	"lifeline/internal/push"
	"lifeline/internal/queue"
	"lifeline/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Store persists jobs and their deliveries.
type Store interface {
	CreateBroadcast(ctx context.Context, job *models.BroadcastJob, deliveries []models.BroadcastDelivery) error
	GetBroadcast(ctx context.Context, id string) (*models.BroadcastJob, error)
	ListBroadcasts(ctx context.Context, statuses ...models.BroadcastStatus) ([]models.BroadcastJob, error)
	ListOverdueBroadcasts(ctx context.Context, now time.Time) ([]models.BroadcastJob, error)
	UpdateBroadcastStatus(ctx context.Context, id string, status models.BroadcastStatus, now time.Time) error
	ListBroadcastDeliveries(ctx context.Context, jobID string, state models.DeliveryState) ([]models.BroadcastDelivery, error)
	GetBroadcastDelivery(ctx context.Context, jobID, recipientID string, channel models.Channel) (*models.BroadcastDelivery, error)
	RecordBroadcastAttempt(ctx context.Context, jobID, recipientID string, channel models.Channel, lastError string, now time.Time) error
	MarkBroadcastDeliverySent(ctx context.Context, jobID, recipientID string, channel models.Channel, now time.Time) error
	ResolveBroadcastDelivery(ctx context.Context, jobID, recipientID string, channel models.Channel,
		outcome models.DeliveryState, reason string, now time.Time, settle func(job *models.BroadcastJob)) (*models.BroadcastJob, bool, error)
}

// Sealer encrypts an alert body for one recipient. Only in-app alerts are
// sealed; push and SMS gateways need the readable text.
type Sealer interface {
	Seal(ctx context.Context, jobID, recipientID string, body []byte) ([]byte, error)
}

// Request describes a broadcast to submit.
type Request struct {
	SenderID string
	Scope    models.BroadcastScope
	Body     []byte
	Priority models.Priority
	// Channels defaults to the configured channels when empty.
	Channels []models.Channel
}

// Options tunes the engine.
type Options struct {
	FanoutWidth      int
	Workers          int
	FailureThreshold float64
	Deadline         time.Duration
	Channels         []models.Channel
	QueueSize        int
	SweepInterval    time.Duration
}

// OptionsFromModel converts the broadcast section of the configuration.
func OptionsFromModel(c models.BroadcastConfig) Options {
	return Options{
		FanoutWidth:      c.FanoutWidth,
		Workers:          c.Workers,
		FailureThreshold: c.FailureThreshold,
		Deadline:         time.Duration(c.DeadlineMin) * time.Minute,
		Channels:         c.Channels,
	}
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store      Store
	Directory  Directory
	Transports *push.Set
	Queue      *queue.Queue
	Worker     *queue.Worker
	Machine    *delivery.Machine
	Sealer     Sealer
	Publisher  events.Publisher
	Logger     *logrus.Logger
}

// Engine runs broadcast jobs on a bounded worker pool.
type Engine struct {
	store      Store
	directory  Directory
	transports *push.Set
	queue      *queue.Queue
	machine    *delivery.Machine
	sealer     Sealer
	publisher  events.Publisher
	opts       Options
	logger     *errors.Logger
	now        func() time.Time

	jobs chan string

	mu     sync.Mutex
	active map[string]bool
}

// NewEngine creates an engine and registers the broadcast retry handler on
// deps.Worker.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.FanoutWidth <= 0 {
		opts.FanoutWidth = constants.DefaultFanoutWidth
	}
	if opts.Workers <= 0 {
		opts.Workers = constants.DefaultBroadcastWorkers
	}
	if opts.FailureThreshold <= 0 || opts.FailureThreshold >= 1 {
		opts.FailureThreshold = constants.DefaultFailureThreshold
	}
	if opts.Deadline <= 0 {
		opts.Deadline = time.Duration(constants.DefaultBroadcastDeadlineMin) * time.Minute
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []models.Channel{models.ChannelPush, models.ChannelInApp}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.DefaultBroadcastQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if deps.Machine == nil {
		deps.Machine = delivery.NewMachine(constants.DefaultQueueMaxAttempts)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	e := &Engine{
		store:      deps.Store,
		directory:  deps.Directory,
		transports: deps.Transports,
		queue:      deps.Queue,
		machine:    deps.Machine,
		sealer:     deps.Sealer,
		publisher:  deps.Publisher,
		opts:       opts,
		logger:     errors.WrapLogger(deps.Logger),
		now:        time.Now,
		jobs:       make(chan string, opts.QueueSize),
		active:     make(map[string]bool),
	}
	if deps.Worker != nil {
		deps.Worker.Handle(models.OpBroadcastDelivery, e.retryDelivery)
		deps.Worker.OnExhausted(e.onExhausted)
	}
	return e
}

// Submit expands req into deliveries, stores the job and hands it to the
// worker pool. It returns once the job is durable.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Priority.Validate(); err != nil {
		return "", errors.NewValidationError("priority", req.Priority.String(), err.Error())
	}
	if len(req.Body) == 0 {
		return "", errors.NewValidationError("body", "", "broadcast body is required")
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = e.opts.Channels
	}
	for _, ch := range channels {
		if _, err := e.transports.Get(ch); err != nil {
			return "", err
		}
	}

	recipients, err := e.directory.ResolveScope(ctx, req.Scope)
	if err != nil {
		return "", err
	}
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return "", errors.NewValidationError("scope", string(req.Scope.Level), "scope matched no recipients")
	}

	now := e.now()
	job := &models.BroadcastJob{
		ID:               uuid.NewString(),
		SenderID:         req.SenderID,
		Body:             req.Body,
		Scope:            req.Scope,
		Priority:         req.Priority,
		Channels:         channels,
		TargetCount:      len(recipients) * len(channels),
		Status:           models.BroadcastPending,
		FailureThreshold: e.opts.FailureThreshold,
		Deadline:         now.Add(e.opts.Deadline),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job.Pending = job.TargetCount

	deliveries := make([]models.BroadcastDelivery, 0, job.TargetCount)
	for _, r := range recipients {
		for _, ch := range channels {
			deliveries = append(deliveries, models.BroadcastDelivery{
				JobID:       job.ID,
				RecipientID: r,
				Channel:     ch,
				State:       models.StateSending,
				UpdatedAt:   now,
			})
		}
	}
	if err := e.store.CreateBroadcast(ctx, job, deliveries); err != nil {
		return "", errors.NewDatabaseError("create broadcast", err)
	}

	metrics.IncrementCounter("broadcast_jobs_total", map[string]string{"priority": req.Priority.String()}, "Broadcast jobs submitted")
	e.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"scope":      req.Scope.Level,
		"recipients": len(recipients),
		"channels":   len(channels),
		"target":     job.TargetCount,
	}).Info("Broadcast submitted")
	e.publish(job)
	e.schedule(job.ID)
	return job.ID, nil
}

// schedule hands a job to the pool. A full hand-off buffer leaves the job
// pending for the next sweep.
func (e *Engine) schedule(jobID string) {
	select {
	case e.jobs <- jobID:
	default:
		e.logger.WithField("job_id", jobID).Warn("Broadcast pool busy, job deferred to next sweep")
	}
}

// Get returns a job or a NOT_FOUND error.
func (e *Engine) Get(ctx context.Context, jobID string) (*models.BroadcastJob, error) {
	job, err := e.store.GetBroadcast(ctx, jobID)
	if err != nil {
		return nil, errors.NewDatabaseError("load broadcast", err)
	}
	if job == nil {
		return nil, errors.NewNotFoundError("broadcast", jobID)
	}
	return job, nil
}

// List returns jobs in any of statuses, or every job when none are given.
func (e *Engine) List(ctx context.Context, statuses ...models.BroadcastStatus) ([]models.BroadcastJob, error) {
	jobs, err := e.store.ListBroadcasts(ctx, statuses...)
	if err != nil {
		return nil, errors.NewDatabaseError("list broadcasts", err)
	}
	return jobs, nil
}

// Run starts the worker pool and the periodic sweep, and blocks until ctx
// ends. Jobs left unfinished by a previous run are resumed.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-e.jobs:
					if err := e.Process(ctx, id); err != nil && ctx.Err() == nil {
						e.logger.LogError(err, "Broadcast processing failed", logrus.Fields{"job_id": id})
					}
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(e.opts.SweepInterval)
		defer ticker.Stop()
		e.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	})

	e.logger.WithFields(logrus.Fields{
		"workers":      e.opts.Workers,
		"fanout_width": e.opts.FanoutWidth,
	}).Info("Broadcast engine started")
	err := g.Wait()
	e.logger.Info("Broadcast engine stopped")
	return err
}

// sweep settles overdue jobs and reschedules unfinished ones. A processing
// job may have been cut off mid fan-out; Process only picks up the
// deliveries that were never attempted.
func (e *Engine) sweep(ctx context.Context) {
	if _, err := e.ExpireOverdue(ctx); err != nil && ctx.Err() == nil {
		e.logger.LogError(err, "Failed to expire overdue broadcasts")
	}
	unfinished, err := e.store.ListBroadcasts(ctx, models.BroadcastPending, models.BroadcastProcessing)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.LogError(err, "Failed to list unfinished broadcasts")
		}
		return
	}
	for _, job := range unfinished {
		e.schedule(job.ID)
	}
}

// Process fans a job out over its unattempted deliveries, at most
// FanoutWidth at a time. Failing deliveries never stop the others.
func (e *Engine) Process(ctx context.Context, jobID string) error {
	if !e.claim(jobID) {
		return nil
	}
	defer e.release(jobID)

	job, err := e.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "broadcast.process",
		attribute.String("broadcast.id", jobID),
		attribute.Int("broadcast.target", job.TargetCount))
	defer span.End()
	start := e.now()

	if job.Status == models.BroadcastPending {
		if err := e.store.UpdateBroadcastStatus(ctx, jobID, models.BroadcastProcessing, e.now()); err != nil {
			return errors.NewDatabaseError("start broadcast", err)
		}
		job.Status = models.BroadcastProcessing
		e.publish(job)
	}

	todo, err := e.store.ListBroadcastDeliveries(ctx, jobID, models.StateSending)
	if err != nil {
		return errors.NewDatabaseError("list broadcast deliveries", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FanoutWidth)
	for _, del := range todo {
		if del.Attempts > 0 {
			// Attempts are recorded only once the retry is queued.
			continue
		}
		del := del
		g.Go(func() error {
			e.attempt(gctx, job, del)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.RecordTimer("broadcast_fanout_duration", e.now().Sub(start), nil, "Time to fan out one broadcast")
	return nil
}

func (e *Engine) claim(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[jobID] {
		return false
	}
	e.active[jobID] = true
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

// attempt performs the first delivery attempt of one recipient on one
// channel. Transient failures are handed to the durable queue before the
// attempt is recorded, so a delivery is never left attempted with nothing
// owning its retry. An interrupted attempt records nothing and is repeated
// when the job resumes.
func (e *Engine) attempt(ctx context.Context, job *models.BroadcastJob, del models.BroadcastDelivery) {
	state, err := e.deliver(ctx, job, del)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		e.recordAttempt(ctx, job.ID, del, nil)
		e.accept(ctx, job.ID, del, state)
	case errors.IsRetryable(err):
		op, encErr := queue.Encode(models.OpBroadcastDelivery, models.BroadcastDeliveryPayload{
			JobID:       job.ID,
			RecipientID: del.RecipientID,
			Channel:     del.Channel,
		})
		if encErr == nil {
			_, encErr = e.queue.Enqueue(ctx, op, models.PriorityEmergency)
		}
		e.recordAttempt(ctx, job.ID, del, err)
		if encErr != nil {
			e.logger.LogError(encErr, "Failed to queue broadcast retry", e.fields(job.ID, del))
			e.resolve(ctx, job.ID, del, models.StateFailed, err.Error())
		}
	default:
		e.recordAttempt(ctx, job.ID, del, err)
		e.resolve(ctx, job.ID, del, models.StateFailed, string(errors.GetCode(err)))
	}
}

// deliver sends one notification. Callers record the attempt.
func (e *Engine) deliver(ctx context.Context, job *models.BroadcastJob, del models.BroadcastDelivery) (models.DeliveryState, error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.deliver",
		attribute.String("broadcast.id", job.ID),
		attribute.String("broadcast.channel", string(del.Channel)))
	defer span.End()

	body := job.Body
	var err error
	if del.Channel == models.ChannelInApp && e.sealer != nil {
		body, err = e.sealer.Seal(ctx, job.ID, del.RecipientID, job.Body)
	}
	var state models.DeliveryState
	if err == nil {
		state, err = e.transports.Deliver(ctx, push.Notification{
			JobID:       job.ID,
			RecipientID: del.RecipientID,
			Channel:     del.Channel,
			Priority:    job.Priority,
			Body:        body,
			CreatedAt:   job.CreatedAt,
		})
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return state, err
}

func (e *Engine) recordAttempt(ctx context.Context, jobID string, del models.BroadcastDelivery, cause error) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	if err := e.store.RecordBroadcastAttempt(ctx, jobID, del.RecipientID, del.Channel, lastErr, e.now()); err != nil {
		e.logger.LogWarn(err, "Failed to record broadcast attempt", e.fields(jobID, del))
	}
}

// accept applies the state a transport reported for a successful attempt.
func (e *Engine) accept(ctx context.Context, jobID string, del models.BroadcastDelivery, state models.DeliveryState) {
	if state == models.StateSent {
		if err := e.store.MarkBroadcastDeliverySent(ctx, jobID, del.RecipientID, del.Channel, e.now()); err != nil {
			e.logger.LogWarn(err, "Failed to mark broadcast delivery sent", e.fields(jobID, del))
		}
		return
	}
	e.resolve(ctx, jobID, del, state, "")
}

// Confirm applies an asynchronous confirmation from a channel gateway. A read
// confirmation counts as delivered.
func (e *Engine) Confirm(ctx context.Context, jobID, recipientID string, channel models.Channel, state models.DeliveryState, reason string) (*models.BroadcastJob, error) {
	del, err := e.store.GetBroadcastDelivery(ctx, jobID, recipientID, channel)
	if err != nil {
		return nil, errors.NewDatabaseError("load broadcast delivery", err)
	}
	if del == nil {
		return nil, errors.NewNotFoundError("broadcast delivery", jobID+"/"+recipientID+"/"+string(channel))
	}

	current := &models.DeliveryStatus{MessageID: jobID, RecipientID: recipientID, State: del.State, Attempts: del.Attempts}
	if err := e.machine.CanTransition(current, state); err != nil {
		return nil, err
	}
	outcome := state
	switch state {
	case models.StateDelivered, models.StateRead:
		outcome = models.StateDelivered
	case models.StateFailed:
	default:
		return nil, errors.NewValidationError("state", string(state), "confirmations report delivered, read or failed")
	}
	return e.resolve(ctx, jobID, *del, outcome, reason), nil
}

// resolve moves one delivery to its final state and settles the job. It
// returns the job after the update, or nil when the store failed.
func (e *Engine) resolve(ctx context.Context, jobID string, del models.BroadcastDelivery, outcome models.DeliveryState, reason string) *models.BroadcastJob {
	job, counted, err := e.store.ResolveBroadcastDelivery(ctx, jobID, del.RecipientID, del.Channel, outcome, reason, e.now(), e.settle)
	if err != nil {
		e.logger.LogError(err, "Failed to resolve broadcast delivery", e.fields(jobID, del))
		return nil
	}
	if counted {
		metrics.IncrementCounter("broadcast_deliveries_total", map[string]string{
			"channel": string(del.Channel),
			"outcome": string(outcome),
		}, "Resolved broadcast deliveries")
		e.publish(job)
		if job.Status.Terminal() && job.Pending == 0 {
			e.logger.WithFields(logrus.Fields{
				"job_id":    job.ID,
				"status":    job.Status,
				"delivered": job.Delivered,
				"failed":    job.Failed,
				"target":    job.TargetCount,
			}).Info("Broadcast finished")
		}
	}
	return job
}

// settle derives the job status from its counters. Runs inside the store
// transaction that moved them.
func (e *Engine) settle(job *models.BroadcastJob) {
	if job.Status.Terminal() || job.Pending > 0 {
		return
	}
	if Failing(job) {
		job.Status = models.BroadcastFailed
	} else {
		job.Status = models.BroadcastCompleted
	}
	job.CompletedAt = e.now()
}

// Failing reports whether the failed share of a job exceeds its threshold.
func Failing(job *models.BroadcastJob) bool {
	if job.TargetCount == 0 {
		return false
	}
	return float64(job.Failed)/float64(job.TargetCount) > job.FailureThreshold
}

// ExpireOverdue fails the unresolved deliveries of jobs past their deadline.
// The job status then follows from the counters like any other resolution.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	jobs, err := e.store.ListOverdueBroadcasts(ctx, e.now())
	if err != nil {
		return 0, errors.NewDatabaseError("list overdue broadcasts", err)
	}
	expired := 0
	for _, job := range jobs {
		deliveries, err := e.store.ListBroadcastDeliveries(ctx, job.ID, "")
		if err != nil {
			return expired, errors.NewDatabaseError("list broadcast deliveries", err)
		}
		for _, del := range deliveries {
			if del.State != models.StateSending && del.State != models.StateSent {
				continue
			}
			e.resolve(ctx, job.ID, del, models.StateFailed, "deadline exceeded")
			expired++
		}
	}
	if expired > 0 {
		e.logger.WithFields(logrus.Fields{
			"jobs":       len(jobs),
			"deliveries": expired,
		}).Warn("Expired overdue broadcast deliveries")
	}
	return expired, nil
}

// Cancel stops a job that has not finished. Unresolved deliveries stay
// pending and are no longer attempted.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*models.BroadcastJob, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("broadcast is already %s", job.Status)).
			WithContext("job_id", jobID)
	}
	if err := e.store.UpdateBroadcastStatus(ctx, jobID, models.BroadcastCancelled, e.now()); err != nil {
		return nil, errors.NewDatabaseError("cancel broadcast", err)
	}
	job.Status = models.BroadcastCancelled
	e.publish(job)
	e.logger.WithField("job_id", jobID).Info("Broadcast cancelled")
	return job, nil
}

// retryDelivery is the queue handler for broadcast retries. Errors go back
// to the queue, which reschedules or exhausts the operation.
func (e *Engine) retryDelivery(ctx context.Context, op *models.QueuedOperation) error {
	var p models.BroadcastDeliveryPayload
	if err := queue.Decode(op, &p); err != nil {
		return errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable broadcast payload")
	}
	job, err := e.Get(ctx, p.JobID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	del, err := e.store.GetBroadcastDelivery(ctx, p.JobID, p.RecipientID, p.Channel)
	if err != nil {
		return errors.NewDatabaseError("load broadcast delivery", err)
	}
	if del == nil || del.State != models.StateSending {
		return nil
	}

	state, err := e.deliver(ctx, job, *del)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.recordAttempt(ctx, job.ID, *del, err)
	if err != nil {
		return err
	}
	e.accept(ctx, job.ID, *del, state)
	return nil
}

func (e *Engine) onExhausted(ctx context.Context, op *models.QueuedOperation, cause error) {
	if op.Kind != models.OpBroadcastDelivery {
		return
	}
	var p models.BroadcastDeliveryPayload
	if err := queue.Decode(op, &p); err != nil {
		return
	}
	del := models.BroadcastDelivery{JobID: p.JobID, RecipientID: p.RecipientID, Channel: p.Channel}
	reason := string(errors.GetCode(cause))
	e.resolve(ctx, p.JobID, del, models.StateFailed, reason)
}

func (e *Engine) publish(job *models.BroadcastJob) {
	e.publisher.Publish(events.Event{Type: events.TypeBroadcast, AccountID: job.SenderID, At: e.now(), Data: *job})
}

func (e *Engine) fields(jobID string, del models.BroadcastDelivery) logrus.Fields {
	return logrus.Fields{
		"job_id":    jobID,
		"recipient": privacy.MaskAccountID(del.RecipientID),
		"channel":   del.Channel,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
