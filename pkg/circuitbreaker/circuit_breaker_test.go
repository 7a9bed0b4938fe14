package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cb := New("remote", cfg, logger)
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	cb.now = clock.Now
	return cb, clock
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New("remote", Config{}, nil)
	assert.Equal(t, "remote", cb.Name())
	assert.Equal(t, uint32(5), cb.cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.cfg.Timeout)
	assert.Equal(t, uint32(1), cb.cfg.HalfOpenCalls)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_TripsAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2, Timeout: time.Minute})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsCircuitBreakerError(err))

	var cbErr *CircuitBreakerError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, time.Minute, cbErr.RetryAfter)

	stats := cb.GetStats()
	assert.Equal(t, uint32(2), stats.Requests)
	assert.Equal(t, uint32(1), stats.Rejected)
	assert.Equal(t, StateOpen, stats.State)
}

func TestExecute_SuccessResetsFailureRun(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_UncountedErrorsPassThrough(t *testing.T) {
	errInvalid := errors.New("invalid payload")
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		Counts:      func(err error) bool { return !errors.Is(err, errInvalid) },
	})

	err := cb.Execute(context.Background(), func(context.Context) error { return errInvalid })
	assert.ErrorIs(t, err, errInvalid)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_CancelledCallsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRecovery(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(Config{
		MaxFailures:   1,
		Timeout:       time.Second,
		HalfOpenCalls: 2,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []string{
		"remote:CLOSED->OPEN",
		"remote:OPEN->HALF_OPEN",
		"remote:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestHalfOpen_FailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestHalfOpen_LimitsTrialCalls(t *testing.T) {
	cb, clock := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Second, HalfOpenCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	err := cb.Execute(ctx, succeed)
	assert.True(t, IsCircuitBreakerError(err), "only one trial call at a time")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestIsCircuitBreakerError(t *testing.T) {
	err := &CircuitBreakerError{Name: "remote", State: StateOpen}
	assert.Equal(t, "circuit breaker 'remote' is OPEN", err.Error())
	assert.True(t, IsCircuitBreakerError(fmt.Errorf("upload: %w", err)))
	assert.False(t, IsCircuitBreakerError(errors.New("regular error")))
	assert.False(t, IsCircuitBreakerError(nil))
}

func TestConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func(context.Context) error {
				if id%10 == 0 {
					return errBackend
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	stats := cb.GetStats()
	assert.Equal(t, uint32(100), stats.Requests)
	assert.Equal(t, StateClosed, stats.State)
}
