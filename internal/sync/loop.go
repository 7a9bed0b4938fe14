package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Trigger asks a running loop for a pass as soon as possible. Requests made
// while one is already pending collapse into it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass every interval while the device is online, and right
// away when online reports a reconnect or Trigger is called. A nil online
// channel means the device is always considered online. Run returns when ctx
// ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, online <-chan bool) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	connected := true
	c.logger.WithField("interval", interval).Info("Starting sync loop")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync loop stopped")
			return
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			changed := up != connected
			connected = up
			c.logger.WithField("online", up).Debug("Connectivity changed")
			if up && changed {
				c.pass(ctx)
			}
		case <-c.trigger:
			if connected {
				c.pass(ctx)
			}
		case <-ticker.C:
			if connected {
				c.pass(ctx)
			}
		}
	}
}

func (c *Coordinator) pass(ctx context.Context) {
	result, err := c.SyncNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.LogRetryableError(err, "Scheduled sync pass did not complete", logrus.Fields{
			"mode": result.Mode,
		})
	}
}
