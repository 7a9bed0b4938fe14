package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/metrics"
	"lifeline/internal/models"
	"lifeline/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Handler performs one queued operation. Returned errors are classified with
// errors.IsRetryable.
type Handler func(ctx context.Context, op *models.QueuedOperation) error

// ExhaustedFunc is called after an operation becomes a terminal failure.
type ExhaustedFunc func(ctx context.Context, op *models.QueuedOperation, cause error)

// DrainResult counts the outcome of one drain pass.
type DrainResult struct {
	Succeeded int
	Retried   int
	Failed    int
}

// Worker is the single consumer of a Queue.
type Worker struct {
	queue        *Queue
	pollInterval time.Duration
	logger       *errors.Logger

	mu          sync.RWMutex
	handlers    map[models.OperationKind]Handler
	onExhausted []ExhaustedFunc

	drainMu sync.Mutex
	paused  atomic.Bool
}

// NewWorker creates a worker that polls at least every pollInterval.
func NewWorker(queue *Queue, pollInterval time.Duration, logger *logrus.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{
		queue:        queue,
		pollInterval: pollInterval,
		logger:       errors.WrapLogger(logger),
		handlers:     make(map[models.OperationKind]Handler),
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (w *Worker) Handle(kind models.OperationKind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// OnExhausted registers a callback for terminal failures.
func (w *Worker) OnExhausted(fn ExhaustedFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExhausted = append(w.onExhausted, fn)
}

// Drain processes due operations until none remain or ctx is done. Only one
// drain runs at a time; concurrent callers wait their turn.
func (w *Worker) Drain(ctx context.Context) (DrainResult, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	var result DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		op, err := w.queue.DequeueNext(ctx)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeIntegrity) {
				result.Failed++
				continue
			}
			return result, err
		}
		if op == nil {
			return result, nil
		}

		res, err := w.process(ctx, op)
		if err != nil {
			return result, err
		}
		switch res {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeRetried:
			result.Retried++
		case outcomeFailed:
			result.Failed++
		}
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
)

func (w *Worker) process(ctx context.Context, op *models.QueuedOperation) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.process",
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind)),
		attribute.Int("operation.attempt", op.Attempts+1),
	)
	defer span.End()
	start := time.Now()

	w.mu.RLock()
	handler, ok := w.handlers[op.Kind]
	w.mu.RUnlock()

	var handleErr error
	if !ok {
		handleErr = errors.New(errors.ErrCodeInternalError, fmt.Sprintf("no handler for %s operations", op.Kind))
	} else {
		handleErr = safeHandle(ctx, handler, op)
	}

	metrics.RecordTimer("queue_process_duration", time.Since(start), map[string]string{"kind": string(op.Kind)}, "Queued operation handling time")

	// The outcome is recorded even when the caller has gone away, otherwise
	// the claim would outlive the attempt.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if handleErr == nil {
		if err := w.queue.MarkSucceeded(bookCtx, op.ID); err != nil {
			return 0, err
		}
		return outcomeSucceeded, nil
	}

	if ctx.Err() != nil && (stderrors.Is(handleErr, context.Canceled) || stderrors.Is(handleErr, context.DeadlineExceeded)) {
		if err := w.queue.Release(bookCtx, op.ID); err != nil {
			w.logger.LogWarn(err, "Failed to release interrupted operation", logrus.Fields{"operation_id": op.ID})
		}
		return 0, ctx.Err()
	}

	tracing.RecordError(ctx, handleErr)
	retryable := ok && errors.IsRetryable(handleErr)
	terminal, err := w.queue.MarkFailed(bookCtx, op.ID, retryable, handleErr)
	if err != nil {
		return 0, err
	}
	if !terminal {
		return outcomeRetried, nil
	}

	op.State = models.OpFailed
	op.LastError = handleErr.Error()
	w.mu.RLock()
	callbacks := append([]ExhaustedFunc(nil), w.onExhausted...)
	w.mu.RUnlock()
	for _, fn := range callbacks {
		fn(bookCtx, op, handleErr)
	}
	return outcomeFailed, nil
}

func safeHandle(ctx context.Context, h Handler, op *models.QueuedOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrCodeInternalError, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h(ctx, op)
}

const (
	minWake        = 50 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// SetPaused stops Run from draining while paused, e.g. while the device is
// offline. Explicit Drain calls are not affected. Unpausing wakes Run.
func (w *Worker) SetPaused(paused bool) {
	w.paused.Store(paused)
	if !paused {
		w.queue.signal()
	}
}

// Run drains the queue whenever work is signalled or becomes due, until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.WithField("poll_interval", w.pollInterval).Info("Queue worker started")
	defer w.logger.Info("Queue worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.queue.Notify():
		}

		if !w.paused.Load() {
			if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				w.logger.LogRetryableError(err, "Queue drain failed")
			}
		}
		if _, err := w.queue.Depth(ctx); err != nil && ctx.Err() == nil {
			w.logger.LogWarn(err, "Failed to read queue depth")
		}

		wait := w.pollInterval
		if next, ok, err := w.queue.NextWake(ctx); err == nil && ok && next < wait {
			wait = max(next, minWake)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}
