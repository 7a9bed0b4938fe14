package service

import (
	"context"
	"sync"
	"time"

	"lifeline/internal/constants"
	"lifeline/internal/models"

	"github.com/sirupsen/logrus"
)

// RetentionStore prunes local audit rows.
type RetentionStore interface {
	PruneOperations(ctx context.Context, state models.OperationState, cutoff time.Time) (int, error)
	PruneConflicts(ctx context.Context, cutoff time.Time) (int, error)
}

// KeyPurger destroys retired private keys past their grace period.
type KeyPurger interface {
	PurgeRetired(ctx context.Context) (int, error)
}

// SessionReaper marks idle device sessions inactive.
type SessionReaper interface {
	ReapIdle(ctx context.Context, inactiveAfter time.Duration) (int, error)
}

// Retention says how long each kind of record is kept.
type Retention struct {
	FailedOperations time.Duration
	Conflicts        time.Duration
	SessionIdle      time.Duration
}

// RetentionFromConfig converts the retention settings of cfg.
func RetentionFromConfig(cfg *models.Config) Retention {
	return Retention{
		FailedOperations: time.Duration(cfg.Queue.RetentionDays) * 24 * time.Hour,
		Conflicts:        time.Duration(cfg.ConflictRetentionDays) * 24 * time.Hour,
		SessionIdle:      time.Duration(cfg.Session.InactiveAfterHours) * time.Hour,
	}
}

// Scheduler runs periodic housekeeping: terminal queue rows and resolved
// conflict records past retention, retired keys, idle sessions.
type Scheduler struct {
	store    RetentionStore
	keys     KeyPurger
	sessions SessionReaper
	interval time.Duration
	logger   *logrus.Logger
	now      func() time.Time
	stopCh   chan struct{}

	mu        sync.RWMutex
	retention Retention
}

func (r Retention) withDefaults() Retention {
	if r.FailedOperations <= 0 {
		r.FailedOperations = time.Duration(constants.DefaultQueueRetentionDays) * 24 * time.Hour
	}
	if r.Conflicts <= 0 {
		r.Conflicts = time.Duration(constants.DefaultConflictRetentionDays) * 24 * time.Hour
	}
	if r.SessionIdle <= 0 {
		r.SessionIdle = time.Duration(constants.DefaultSessionInactiveAfterHours) * time.Hour
	}
	return r
}

func NewScheduler(store RetentionStore, keys KeyPurger, sessions SessionReaper, retention Retention, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultRetentionCheckIntervalMin) * time.Minute
	}
	retention = retention.withDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		store:     store,
		keys:      keys,
		sessions:  sessions,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting retention scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// SetRetention replaces the retention windows used from the next cleanup on.
func (s *Scheduler) SetRetention(r Retention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = r.withDefaults()
}

// Retention returns the windows currently in force.
func (s *Scheduler) Retention() Retention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retention
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	now := s.now()
	retention := s.Retention()
	fields := logrus.Fields{}

	if n, err := s.store.PruneOperations(ctx, models.OpFailed, now.Add(-retention.FailedOperations)); err != nil {
		s.logger.WithError(err).Error("Failed to prune failed operations")
	} else {
		fields["operations"] = n
	}
	if n, err := s.store.PruneConflicts(ctx, now.Add(-retention.Conflicts)); err != nil {
		s.logger.WithError(err).Error("Failed to prune conflict records")
	} else {
		fields["conflicts"] = n
	}
	if s.keys != nil {
		if n, err := s.keys.PurgeRetired(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to purge retired keys")
		} else {
			fields["retired_keys"] = n
		}
	}
	if s.sessions != nil {
		if n, err := s.sessions.ReapIdle(ctx, retention.SessionIdle); err != nil {
			s.logger.WithError(err).Error("Failed to deactivate idle sessions")
		} else {
			fields["idle_sessions"] = n
		}
	}

	s.logger.WithFields(fields).Info("Completed scheduled cleanup")
}
