package service

import (
	"context"
	"testing"
	"time"

	"lifeline/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRetentionStore struct {
	mock.Mock
}

func (m *mockRetentionStore) PruneOperations(ctx context.Context, state models.OperationState, cutoff time.Time) (int, error) {
	args := m.Called(ctx, state, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *mockRetentionStore) PruneConflicts(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

type mockKeyPurger struct {
	mock.Mock
}

func (m *mockKeyPurger) PurgeRetired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockSessionReaper struct {
	mock.Mock
}

func (m *mockSessionReaper) ReapIdle(ctx context.Context, inactiveAfter time.Duration) (int, error) {
	args := m.Called(ctx, inactiveAfter)
	return args.Int(0), args.Error(1)
}

var testRetention = Retention{
	FailedOperations: 30 * 24 * time.Hour,
	Conflicts:        7 * 24 * time.Hour,
	SessionIdle:      48 * time.Hour,
}

func newTestScheduler(store RetentionStore, keys KeyPurger, sessions SessionReaper) *Scheduler {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s := NewScheduler(store, keys, sessions, testRetention, time.Hour, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s
}

func TestScheduler_RunCleanup(t *testing.T) {
	store := &mockRetentionStore{}
	keys := &mockKeyPurger{}
	sessions := &mockSessionReaper{}
	scheduler := newTestScheduler(store, keys, sessions)

	ctx := context.Background()
	now := scheduler.now()

	store.On("PruneOperations", ctx, models.OpFailed, now.Add(-testRetention.FailedOperations)).Return(3, nil).Once()
	store.On("PruneConflicts", ctx, now.Add(-testRetention.Conflicts)).Return(1, nil).Once()
	keys.On("PurgeRetired", ctx).Return(2, nil).Once()
	sessions.On("ReapIdle", ctx, testRetention.SessionIdle).Return(0, nil).Once()

	scheduler.runCleanup(ctx)

	store.AssertExpectations(t)
	keys.AssertExpectations(t)
	sessions.AssertExpectations(t)
}

func TestScheduler_RunCleanupContinuesAfterError(t *testing.T) {
	store := &mockRetentionStore{}
	keys := &mockKeyPurger{}
	scheduler := newTestScheduler(store, keys, nil)

	ctx := context.Background()

	store.On("PruneOperations", ctx, models.OpFailed, mock.Anything).Return(0, assert.AnError).Once()
	store.On("PruneConflicts", ctx, mock.Anything).Return(0, assert.AnError).Once()
	keys.On("PurgeRetired", ctx).Return(0, nil).Once()

	scheduler.runCleanup(ctx)

	store.AssertExpectations(t)
	keys.AssertExpectations(t)
}

func TestRetentionFromConfig(t *testing.T) {
	cfg := &models.Config{
		Queue:                 models.QueueConfig{RetentionDays: 14},
		Session:               models.SessionConfig{InactiveAfterHours: 72},
		ConflictRetentionDays: 90,
	}
	r := RetentionFromConfig(cfg)
	assert.Equal(t, 14*24*time.Hour, r.FailedOperations)
	assert.Equal(t, 90*24*time.Hour, r.Conflicts)
	assert.Equal(t, 72*time.Hour, r.SessionIdle)
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&mockRetentionStore{}, nil, nil, Retention{}, 0, nil)
	assert.Positive(t, s.interval)
	assert.Positive(t, s.retention.FailedOperations)
	assert.Positive(t, s.retention.Conflicts)
	assert.Positive(t, s.retention.SessionIdle)
}

func TestScheduler_SetRetentionAppliesToNextCleanup(t *testing.T) {
	store := &mockRetentionStore{}
	sessions := &mockSessionReaper{}
	scheduler := newTestScheduler(store, nil, sessions)

	ctx := context.Background()
	now := scheduler.now()

	scheduler.SetRetention(Retention{FailedOperations: 24 * time.Hour, SessionIdle: 6 * time.Hour})
	r := scheduler.Retention()
	assert.Equal(t, 24*time.Hour, r.FailedOperations)
	assert.Positive(t, r.Conflicts, "unset windows fall back to defaults")

	store.On("PruneOperations", ctx, models.OpFailed, now.Add(-24*time.Hour)).Return(0, nil).Once()
	store.On("PruneConflicts", ctx, now.Add(-r.Conflicts)).Return(0, nil).Once()
	sessions.On("ReapIdle", ctx, 6*time.Hour).Return(0, nil).Once()

	scheduler.runCleanup(ctx)

	store.AssertExpectations(t)
	sessions.AssertExpectations(t)
}

func TestScheduler_StartStop(t *testing.T) {
	store := &mockRetentionStore{}
	scheduler := newTestScheduler(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	store.On("PruneOperations", mock.Anything, models.OpFailed, mock.Anything).Return(0, nil).Maybe()
	store.On("PruneConflicts", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
}

func TestScheduler_StopSignal(t *testing.T) {
	store := &mockRetentionStore{}
	scheduler := newTestScheduler(store, nil, nil)

	ctx := context.Background()

	store.On("PruneOperations", mock.Anything, models.OpFailed, mock.Anything).Return(0, nil).Maybe()
	store.On("PruneConflicts", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)

	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
}
