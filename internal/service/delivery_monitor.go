package service

import (
	"context"
	"time"

	"lifeline/internal/constants"
	"lifeline/internal/metrics"
	"lifeline/internal/models"

	"github.com/sirupsen/logrus"
)

// StaleStatusLister finds delivery statuses that stopped moving.
type StaleStatusLister interface {
	ListStatusesInState(ctx context.Context, state models.DeliveryState, cutoff time.Time) ([]models.DeliveryStatus, error)
}

// BroadcastExpirer fails broadcast deliveries past their job deadline.
type BroadcastExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// DeliveryMonitor reports messages stuck in sent without a delivery
// acknowledgement and expires overdue broadcast deliveries.
type DeliveryMonitor struct {
	db             StaleStatusLister
	broadcasts     BroadcastExpirer
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	now            func() time.Time
	stopCh         chan struct{}
}

func NewDeliveryMonitor(db StaleStatusLister, broadcasts BroadcastExpirer, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if checkInterval <= 0 {
		checkInterval = time.Duration(constants.DefaultDeliveryMonitorIntervalMin) * time.Minute
	}
	if staleThreshold <= 0 {
		staleThreshold = time.Duration(constants.DefaultStaleDeliveryAfterMin) * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DeliveryMonitor{
		db:             db,
		broadcasts:     broadcasts,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) check(ctx context.Context) {
	m.checkStaleMessages(ctx)
	if m.broadcasts != nil {
		if _, err := m.broadcasts.ExpireOverdue(ctx); err != nil {
			m.logger.WithError(err).Error("Failed to expire overdue broadcasts")
		}
	}
}

// checkStaleMessages returns the number of stale statuses it found.
func (m *DeliveryMonitor) checkStaleMessages(ctx context.Context) int {
	stale, err := m.db.ListStatusesInState(ctx, models.StateSent, m.now().Add(-m.staleThreshold))
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale messages")
		return 0
	}

	messages := make(map[string]bool, len(stale))
	for _, st := range stale {
		messages[st.MessageID] = true
	}
	metrics.SetGauge("delivery_stale_messages", float64(len(messages)), nil, "Messages stuck in sent status")
	metrics.SetGauge("delivery_stale_recipients", float64(len(stale)), nil, "Recipients without a delivery acknowledgement")
	if len(stale) > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_messages":   len(messages),
			"stale_recipients": len(stale),
			"threshold":        m.staleThreshold,
		}).Warn("Messages stuck in 'sent' status without delivery confirmation")
	}
	return len(messages)
}
