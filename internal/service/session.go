package service

import (
	"context"
	"sync"
	"time"

	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/models"
	"lifeline/internal/privacy"

	"github.com/sirupsen/logrus"
)

// touchEvery throttles last-activity writes.
const touchEvery = time.Minute

// SessionStore persists device sessions.
type SessionStore interface {
	TouchSession(ctx context.Context, accountID, deviceID, platform string, now time.Time) (*models.DeviceSession, error)
	GetSession(ctx context.Context, accountID, deviceID string) (*models.DeviceSession, error)
	ListSessions(ctx context.Context, accountID string) ([]models.DeviceSession, error)
	DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionManager is the authenticated identity of this device. The session
// row is created on first use and touched on activity; it is never deleted.
type SessionManager struct {
	store     SessionStore
	account   models.AccountConfig
	publisher events.Publisher
	logger    *errors.Logger
	now       func() time.Time

	mu        sync.Mutex
	revoked   string
	lastTouch time.Time
}

// NewSessionManager creates the session of account.
func NewSessionManager(store SessionStore, account models.AccountConfig, publisher events.Publisher, logger *logrus.Logger) *SessionManager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionManager{
		store:     store,
		account:   account,
		publisher: publisher,
		logger:    errors.WrapLogger(logger),
		now:       time.Now,
	}
}

// Current returns the account and device ids, or SESSION_EXPIRED once the
// session was revoked or passed its expiry.
func (s *SessionManager) Current(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.revoked != "" {
		return "", "", errors.NewSessionExpiredError(s.revoked)
	}
	if !s.account.SessionExpiresAt.IsZero() && now.After(s.account.SessionExpiresAt) {
		s.expire("session expired")
		return "", "", errors.NewSessionExpiredError(s.revoked)
	}

	if now.Sub(s.lastTouch) >= touchEvery {
		if _, err := s.store.TouchSession(ctx, s.account.AccountID, s.account.DeviceID, s.account.Platform, now); err != nil {
			return "", "", errors.NewDatabaseError("touch session", err)
		}
		s.lastTouch = now
	}
	return s.account.AccountID, s.account.DeviceID, nil
}

// Revoke ends the session. Operations that need the session fail with
// SESSION_EXPIRED until Renew is called.
func (s *SessionManager) Revoke(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "session revoked"
	}
	s.expire(reason)
}

func (s *SessionManager) expire(reason string) {
	if s.revoked != "" {
		return
	}
	s.revoked = reason
	s.publisher.Publish(events.Event{Type: events.TypeSessionExpired, AccountID: s.account.AccountID, At: s.now(), Data: reason})
	s.logger.WithFields(logrus.Fields{
		"account_id": privacy.MaskAccountID(s.account.AccountID),
		"device_id":  privacy.MaskDeviceID(s.account.DeviceID),
		"reason":     reason,
	}).Warn("Device session expired")
}

// Renew re-authenticates the device until expiresAt. A zero time never expires.
func (s *SessionManager) Renew(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = ""
	s.lastTouch = time.Time{}
	s.account.SessionExpiresAt = expiresAt
}

// Sessions lists every known device of the local account.
func (s *SessionManager) Sessions(ctx context.Context) ([]models.DeviceSession, error) {
	sessions, err := s.store.ListSessions(ctx, s.account.AccountID)
	if err != nil {
		return nil, errors.NewDatabaseError("list sessions", err)
	}
	return sessions, nil
}

// ReapIdle marks sessions without activity for inactiveAfter as inactive.
func (s *SessionManager) ReapIdle(ctx context.Context, inactiveAfter time.Duration) (int, error) {
	n, err := s.store.DeactivateIdleSessions(ctx, s.now().Add(-inactiveAfter))
	if err != nil {
		return 0, errors.NewDatabaseError("deactivate idle sessions", err)
	}
	return n, nil
}
