package broadcast

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lifeline/internal/database"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/models"
	"lifeline/internal/push"
	"lifeline/internal/queue"
	"lifeline/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	channel models.Channel
	state   models.DeliveryState

	mu     sync.Mutex
	errs   map[string]error
	calls  map[string]int
	bodies map[string][]byte
}

func newFakeTransport(ch models.Channel, state models.DeliveryState) *fakeTransport {
	return &fakeTransport{
		channel: ch,
		state:   state,
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		bodies:  make(map[string][]byte),
	}
}

func (f *fakeTransport) Channel() models.Channel { return f.channel }

func (f *fakeTransport) Deliver(_ context.Context, n push.Notification) (models.DeliveryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[n.RecipientID]++
	f.bodies[n.RecipientID] = n.Body
	if err := f.errs[n.RecipientID]; err != nil {
		return "", err
	}
	return f.state, nil
}

func (f *fakeTransport) fail(recipientID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[recipientID] = err
}

func (f *fakeTransport) callCount(recipientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[recipientID]
}

type prefixSealer struct{}

func (prefixSealer) Seal(_ context.Context, _, recipientID string, body []byte) ([]byte, error) {
	return append([]byte("sealed:"+recipientID+":"), body...), nil
}

type harness struct {
	db     *database.Database
	queue  *queue.Queue
	worker *queue.Worker
	engine *Engine
	push   *fakeTransport
	inApp  *fakeTransport
	events *events.Subscription
}

var members = []Member{
	{AccountID: "alice", Region: "north/harbor", Roles: []string{"medic"}},
	{AccountID: "bob", Region: "north/harbor"},
	{AccountID: "carol", Region: "north/hills", Roles: []string{"warden"}},
	{AccountID: "dave", Region: "south"},
}

func newHarness(t *testing.T, opts Options, sealer Sealer) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "broadcast.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(256, logger)
	sub := hub.Subscribe(events.TypeBroadcast)
	t.Cleanup(sub.Close)

	q := queue.New(db, queue.Config{
		MaxAttempts: 2,
		Backoff: retry.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   1,
			MaxAttempts:  2,
		},
	}, logger)
	worker := queue.NewWorker(q, time.Second, logger)

	pushT := newFakeTransport(models.ChannelPush, models.StateSent)
	inApp := newFakeTransport(models.ChannelInApp, models.StateDelivered)

	if opts.Channels == nil {
		opts.Channels = []models.Channel{models.ChannelInApp}
	}
	e := NewEngine(Deps{
		Store:      db,
		Directory:  NewMemberDirectory(members),
		Transports: push.NewSet(pushT, inApp),
		Queue:      q,
		Worker:     worker,
		Sealer:     sealer,
		Publisher:  hub,
		Logger:     logger,
	}, opts)

	return &harness{db: db, queue: q, worker: worker, engine: e, push: pushT, inApp: inApp, events: sub}
}

func (h *harness) submit(t *testing.T, scope models.BroadcastScope, channels ...models.Channel) *models.BroadcastJob {
	t.Helper()
	ctx := context.Background()
	id, err := h.engine.Submit(ctx, Request{
		SenderID: "coordinator",
		Scope:    scope,
		Body:     []byte("Evacuate to high ground"),
		Priority: models.PriorityEmergency,
		Channels: channels,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Process(ctx, id))

	job, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	return job
}

func national() models.BroadcastScope {
	return models.BroadcastScope{Level: models.ScopeNational}
}

func TestSubmit_DeliversEveryRecipientOnEveryChannel(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	job := h.submit(t, national(), models.ChannelInApp, models.ChannelPush)

	assert.Equal(t, 8, job.TargetCount)
	assert.Equal(t, 4, job.Delivered, "in-app confirms immediately")
	assert.Equal(t, 4, job.Pending, "push waits for the gateway")
	assert.True(t, job.Accounted())
	assert.Equal(t, models.BroadcastProcessing, job.Status)

	sent, err := h.db.ListBroadcastDeliveries(context.Background(), job.ID, models.StateSent)
	require.NoError(t, err)
	assert.Len(t, sent, 4)
	for _, m := range members {
		assert.Equal(t, 1, h.push.callCount(m.AccountID))
		assert.Equal(t, 1, h.inApp.callCount(m.AccountID))
	}
}

func TestSubmit_CompletesWhenAllDelivered(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	job := h.submit(t, national())

	assert.Equal(t, models.BroadcastCompleted, job.Status)
	assert.Equal(t, 4, job.Delivered)
	assert.Zero(t, job.Pending)
	assert.False(t, job.CompletedAt.IsZero())
}

func TestSubmit_ScopeSelectsRecipients(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	job := h.submit(t, models.BroadcastScope{Level: models.ScopeRegional, Region: "north"})
	assert.Equal(t, 3, job.TargetCount)

	job = h.submit(t, models.BroadcastScope{Level: models.ScopeLocal, Region: "north/harbor", Roles: []string{"medic"}})
	assert.Equal(t, 1, job.TargetCount)
	assert.Equal(t, 2, h.inApp.callCount("alice"))
	assert.Equal(t, 1, h.inApp.callCount("carol"), "carol holds no medic role")
	assert.Zero(t, h.inApp.callCount("dave"), "dave is outside the north region")
}

func TestSubmit_RejectsEmptyScope(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	_, err := h.engine.Submit(context.Background(), Request{
		SenderID: "coordinator",
		Scope:    models.BroadcastScope{Level: models.ScopeLocal, Region: "west"},
		Body:     []byte("hello"),
		Priority: models.PriorityEmergency,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))

	_, err = h.engine.Submit(context.Background(), Request{
		SenderID: "coordinator",
		Scope:    national(),
		Priority: models.PriorityEmergency,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed), "body is required")
}

func TestSubmit_RejectsUnconfiguredChannel(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	_, err := h.engine.Submit(context.Background(), Request{
		SenderID: "coordinator",
		Scope:    national(),
		Body:     []byte("hello"),
		Priority: models.PriorityEmergency,
		Channels: []models.Channel{models.ChannelSMS},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestProcess_FailureThreshold(t *testing.T) {
	rejected := errors.New(errors.ErrCodeContentRejected, "gateway refused")

	t.Run("minority failures complete", func(t *testing.T) {
		h := newHarness(t, Options{FailureThreshold: 0.5}, nil)
		h.inApp.fail("dave", rejected)
		job := h.submit(t, national())

		assert.Equal(t, models.BroadcastCompleted, job.Status)
		assert.Equal(t, 3, job.Delivered)
		assert.Equal(t, 1, job.Failed)
		assert.True(t, job.Accounted())
	})

	t.Run("exactly the threshold completes", func(t *testing.T) {
		h := newHarness(t, Options{FailureThreshold: 0.5}, nil)
		h.inApp.fail("carol", rejected)
		h.inApp.fail("dave", rejected)
		job := h.submit(t, national())

		assert.Equal(t, models.BroadcastCompleted, job.Status)
		assert.Equal(t, 2, job.Failed)
	})

	t.Run("majority failures fail the job", func(t *testing.T) {
		h := newHarness(t, Options{FailureThreshold: 0.5}, nil)
		h.inApp.fail("bob", rejected)
		h.inApp.fail("carol", rejected)
		h.inApp.fail("dave", rejected)
		job := h.submit(t, national())

		assert.Equal(t, models.BroadcastFailed, job.Status)
		assert.Equal(t, 1, job.Delivered)
		assert.Equal(t, 3, job.Failed)
		assert.True(t, job.Accounted())
	})
}

func TestProcess_TransientFailureIsRetriedThroughQueue(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	h.inApp.fail("bob", errors.NewUnavailableError("push broker", stderrors.New("connection reset")))

	job := h.submit(t, national())
	assert.Equal(t, 3, job.Delivered)
	assert.Equal(t, 1, job.Pending)

	pending, err := h.queue.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpBroadcastDelivery, pending[0].Kind)
	assert.Equal(t, models.PriorityEmergency, pending[0].Priority)

	h.inApp.fail("bob", nil)
	time.Sleep(30 * time.Millisecond)
	res, err := h.worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	job, err = h.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastCompleted, job.Status)
	assert.Equal(t, 4, job.Delivered)
	assert.Equal(t, 2, h.inApp.callCount("bob"))

	del, err := h.db.GetBroadcastDelivery(ctx, job.ID, "bob", models.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, 2, del.Attempts)
}

func TestProcess_ExhaustedRetriesFailTheDelivery(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	h.inApp.fail("bob", errors.NewUnavailableError("push broker", nil))

	job := h.submit(t, national())
	for i := 0; i < 2; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := h.worker.Drain(ctx)
		require.NoError(t, err)
	}

	job, err := h.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastCompleted, job.Status)
	assert.Equal(t, 1, job.Failed)
	assert.Zero(t, job.Pending)
	assert.True(t, job.Accounted())

	del, err := h.db.GetBroadcastDelivery(ctx, job.ID, "bob", models.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, del.State)
	assert.Equal(t, string(errors.ErrCodeBackendUnavailable), del.LastError)
}

func TestConfirm_ResolvesSentDeliveries(t *testing.T) {
	h := newHarness(t, Options{Channels: []models.Channel{models.ChannelPush}}, nil)
	ctx := context.Background()
	job := h.submit(t, national())
	require.Equal(t, 4, job.Pending)

	for _, m := range []string{"alice", "bob", "carol"} {
		_, err := h.engine.Confirm(ctx, job.ID, m, models.ChannelPush, models.StateDelivered, "")
		require.NoError(t, err)
	}
	got, err := h.engine.Confirm(ctx, job.ID, "dave", models.ChannelPush, models.StateRead, "")
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastCompleted, got.Status)
	assert.Equal(t, 4, got.Delivered)

	again, err := h.engine.Confirm(ctx, job.ID, "dave", models.ChannelPush, models.StateDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, 4, again.Delivered, "duplicate confirmations are not counted")

	_, err = h.engine.Confirm(ctx, job.ID, "erin", models.ChannelPush, models.StateDelivered, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestConfirm_FailedCannotBecomeDelivered(t *testing.T) {
	h := newHarness(t, Options{Channels: []models.Channel{models.ChannelPush}}, nil)
	ctx := context.Background()
	job := h.submit(t, national())

	_, err := h.engine.Confirm(ctx, job.ID, "alice", models.ChannelPush, models.StateFailed, "unreachable handset")
	require.NoError(t, err)
	_, err = h.engine.Confirm(ctx, job.ID, "alice", models.ChannelPush, models.StateDelivered, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
}

func TestExpireOverdue_FailsUnconfirmedDeliveries(t *testing.T) {
	h := newHarness(t, Options{Channels: []models.Channel{models.ChannelPush}, Deadline: time.Minute}, nil)
	ctx := context.Background()
	job := h.submit(t, national())

	_, err := h.engine.Confirm(ctx, job.ID, "alice", models.ChannelPush, models.StateDelivered, "")
	require.NoError(t, err)

	n, err := h.engine.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached")

	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = h.engine.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	job, err = h.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastFailed, job.Status)
	assert.Equal(t, 1, job.Delivered)
	assert.Equal(t, 3, job.Failed)
	assert.True(t, job.Accounted())

	del, err := h.db.GetBroadcastDelivery(ctx, job.ID, "bob", models.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, "deadline exceeded", del.LastError)
}

func TestCancel_StopsPendingJob(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, Request{SenderID: "coordinator", Scope: national(), Body: []byte("drill"), Priority: models.PriorityEmergency})
	require.NoError(t, err)

	job, err := h.engine.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastCancelled, job.Status)

	require.NoError(t, h.engine.Process(ctx, id))
	assert.Zero(t, h.inApp.callCount("alice"), "cancelled jobs are not fanned out")

	_, err = h.engine.Cancel(ctx, id)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.engine.Cancel(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestProcess_SealsInAppBodies(t *testing.T) {
	h := newHarness(t, Options{}, prefixSealer{})
	h.submit(t, national(), models.ChannelInApp, models.ChannelPush)

	h.inApp.mu.Lock()
	assert.Equal(t, []byte("sealed:bob:Evacuate to high ground"), h.inApp.bodies["bob"])
	h.inApp.mu.Unlock()

	h.push.mu.Lock()
	assert.Equal(t, []byte("Evacuate to high ground"), h.push.bodies["bob"], "gateways get readable text")
	h.push.mu.Unlock()
}

func TestRun_ProcessesSubmittedJobs(t *testing.T) {
	h := newHarness(t, Options{Workers: 2, SweepInterval: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	id, err := h.engine.Submit(ctx, Request{SenderID: "coordinator", Scope: national(), Body: []byte("shelter open"), Priority: models.PriorityEmergency})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := h.engine.Get(context.Background(), id)
		return err == nil && job.Status == models.BroadcastCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSubmit_PublishesProgress(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	job := h.submit(t, models.BroadcastScope{Level: models.ScopeLocal, Region: "south"})

	var last models.BroadcastJob
	for {
		select {
		case ev := <-h.events.C:
			last = ev.Data.(models.BroadcastJob)
			continue
		default:
		}
		break
	}
	assert.Equal(t, job.ID, last.ID)
	assert.Equal(t, models.BroadcastCompleted, last.Status)
}

func TestRun_ResumesInterruptedJob(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	id, err := h.engine.Submit(ctx, Request{SenderID: "coordinator", Scope: national(), Body: []byte("bridge closed"), Priority: models.PriorityEmergency})
	require.NoError(t, err)
	require.NoError(t, h.db.UpdateBroadcastStatus(ctx, id, models.BroadcastProcessing, time.Now()))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	restarted := NewEngine(Deps{
		Store:      h.db,
		Directory:  NewMemberDirectory(members),
		Transports: push.NewSet(h.push, h.inApp),
		Queue:      h.queue,
		Logger:     logger,
	}, Options{Channels: []models.Channel{models.ChannelInApp}, SweepInterval: 20 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- restarted.Run(runCtx) }()

	require.Eventually(t, func() bool {
		job, err := restarted.Get(ctx, id)
		return err == nil && job.Status == models.BroadcastCompleted
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	job, err := restarted.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, job.Delivered)
	assert.Equal(t, 1, h.inApp.callCount("alice"))
}
