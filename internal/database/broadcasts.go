package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifeline/internal/models"
)

const broadcastColumns = `id, sender_id, body, scope_level, scope_region, scope_roles, priority, channels,
	target_count, delivered, failed, pending, status, failure_threshold, deadline, created_at,
	updated_at, completed_at`

// CreateBroadcast stores a job and its per-recipient, per-channel deliveries atomically.
func (d *Database) CreateBroadcast(ctx context.Context, job *models.BroadcastJob, deliveries []models.BroadcastDelivery) error {
	body, err := d.encryptor.Encrypt(string(job.Body))
	if err != nil {
		return fmt.Errorf("seal broadcast body: %w", err)
	}

	return retryable(ctx, "create broadcast", func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO broadcast_jobs (`+broadcastColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				job.ID, job.SenderID, body, string(job.Scope.Level), job.Scope.Region,
				strings.Join(job.Scope.Roles, ","), int(job.Priority), joinChannels(job.Channels),
				job.TargetCount, job.Delivered, job.Failed, job.Pending, string(job.Status),
				job.FailureThreshold, toNanos(job.Deadline), toNanos(job.CreatedAt),
				toNanos(job.UpdatedAt), toNanos(job.CompletedAt),
			); err != nil {
				return err
			}

			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO broadcast_deliveries (job_id, recipient_id, channel, state, attempts, last_error, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, del := range deliveries {
				if _, err := stmt.ExecContext(ctx, del.JobID, del.RecipientID, string(del.Channel),
					string(del.State), del.Attempts, del.LastError, toNanos(del.UpdatedAt)); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetBroadcast returns the job or nil.
func (d *Database) GetBroadcast(ctx context.Context, id string) (*models.BroadcastJob, error) {
	job, err := d.scanBroadcast(d.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcast_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListBroadcasts returns jobs in any of statuses, oldest first.
func (d *Database) ListBroadcasts(ctx context.Context, statuses ...models.BroadcastStatus) ([]models.BroadcastJob, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcast_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at`
	return d.queryBroadcasts(ctx, query, args...)
}

// ListOverdueBroadcasts returns unfinished jobs whose deadline has passed.
func (d *Database) ListOverdueBroadcasts(ctx context.Context, now time.Time) ([]models.BroadcastJob, error) {
	return d.queryBroadcasts(ctx, `SELECT `+broadcastColumns+` FROM broadcast_jobs
		WHERE status IN (?, ?) AND deadline > 0 AND deadline < ? ORDER BY deadline`,
		string(models.BroadcastPending), string(models.BroadcastProcessing), now.UnixNano())
}

// UpdateBroadcastStatus sets the job status without touching counters.
func (d *Database) UpdateBroadcastStatus(ctx context.Context, id string, status models.BroadcastStatus, now time.Time) error {
	return retryable(ctx, "update broadcast status", func() error {
		completedAt := int64(0)
		if status.Terminal() {
			completedAt = now.UnixNano()
		}
		res, err := d.db.ExecContext(ctx, `
			UPDATE broadcast_jobs SET status = ?, updated_at = ?,
				completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
			WHERE id = ?`, string(status), now.UnixNano(), completedAt, completedAt, id)
		if err != nil {
			return err
		}
		return expectOneRow(res, "broadcast", id)
	})
}

// ListBroadcastDeliveries returns the deliveries of a job, optionally filtered by state.
func (d *Database) ListBroadcastDeliveries(ctx context.Context, jobID string, state models.DeliveryState) ([]models.BroadcastDelivery, error) {
	query := `SELECT job_id, recipient_id, channel, state, attempts, last_error, updated_at
		FROM broadcast_deliveries WHERE job_id = ?`
	args := []any{jobID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY recipient_id, channel`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastDelivery
	for rows.Next() {
		var (
			del         models.BroadcastDelivery
			channel, st string
			updated     int64
		)
		if err := rows.Scan(&del.JobID, &del.RecipientID, &channel, &st, &del.Attempts, &del.LastError, &updated); err != nil {
			return nil, err
		}
		del.Channel = models.Channel(channel)
		del.State = models.DeliveryState(st)
		del.UpdatedAt = fromNanos(updated)
		out = append(out, del)
	}
	return out, rows.Err()
}

// RecordBroadcastAttempt counts one send attempt for a delivery.
func (d *Database) RecordBroadcastAttempt(ctx context.Context, jobID, recipientID string, channel models.Channel, lastError string, now time.Time) error {
	return retryable(ctx, "record broadcast attempt", func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE broadcast_deliveries SET attempts = attempts + 1, last_error = ?, updated_at = ?
			WHERE job_id = ? AND recipient_id = ? AND channel = ?`,
			lastError, now.UnixNano(), jobID, recipientID, string(channel))
		if err != nil {
			return err
		}
		return expectOneRow(res, "broadcast delivery", jobID+"/"+recipientID+"/"+string(channel))
	})
}

// MarkBroadcastDeliverySent records that a channel accepted a delivery whose
// confirmation arrives later. Resolved deliveries are left alone.
func (d *Database) MarkBroadcastDeliverySent(ctx context.Context, jobID, recipientID string, channel models.Channel, now time.Time) error {
	return retryable(ctx, "mark broadcast delivery sent", func() error {
		_, err := d.db.ExecContext(ctx, `
			UPDATE broadcast_deliveries SET state = ?, last_error = '', updated_at = ?
			WHERE job_id = ? AND recipient_id = ? AND channel = ? AND state = ?`,
			string(models.StateSent), now.UnixNano(), jobID, recipientID, string(channel), string(models.StateSending))
		return err
	})
}

// GetBroadcastDelivery returns one delivery or nil.
func (d *Database) GetBroadcastDelivery(ctx context.Context, jobID, recipientID string, channel models.Channel) (*models.BroadcastDelivery, error) {
	var (
		del     models.BroadcastDelivery
		ch, st  string
		updated int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT job_id, recipient_id, channel, state, attempts, last_error, updated_at
		FROM broadcast_deliveries WHERE job_id = ? AND recipient_id = ? AND channel = ?`,
		jobID, recipientID, string(channel)).Scan(&del.JobID, &del.RecipientID, &ch, &st, &del.Attempts, &del.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast delivery: %w", err)
	}
	del.Channel = models.Channel(ch)
	del.State = models.DeliveryState(st)
	del.UpdatedAt = fromNanos(updated)
	return &del, nil
}

// ResolveBroadcastDelivery moves one pending delivery to delivered or failed
// and adjusts the job counters in the same transaction. Deliveries already
// resolved are left alone and counted reports false. settle, when non-nil,
// may change the job status after the counters move; the result is persisted.
func (d *Database) ResolveBroadcastDelivery(
	ctx context.Context,
	jobID, recipientID string,
	channel models.Channel,
	outcome models.DeliveryState,
	reason string,
	now time.Time,
	settle func(job *models.BroadcastJob),
) (job *models.BroadcastJob, counted bool, err error) {
	if outcome != models.StateDelivered && outcome != models.StateFailed {
		return nil, false, fmt.Errorf("broadcast delivery cannot resolve to %s", outcome)
	}

	err = retryable(ctx, "resolve broadcast delivery", func() error {
		counted = false
		return d.withTx(ctx, func(tx *sql.Tx) error {
			var state string
			err := tx.QueryRowContext(ctx, `
				SELECT state FROM broadcast_deliveries WHERE job_id = ? AND recipient_id = ? AND channel = ?`,
				jobID, recipientID, string(channel)).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("broadcast delivery %s/%s/%s: %w", jobID, recipientID, channel, ErrNotFound)
			}
			if err != nil {
				return err
			}

			if st := models.DeliveryState(state); st != models.StateDelivered && st != models.StateFailed {
				if _, err := tx.ExecContext(ctx, `
					UPDATE broadcast_deliveries SET state = ?, last_error = ?, updated_at = ?
					WHERE job_id = ? AND recipient_id = ? AND channel = ?`,
					string(outcome), reason, now.UnixNano(), jobID, recipientID, string(channel)); err != nil {
					return err
				}

				deliveredInc, failedInc := 0, 0
				if outcome == models.StateDelivered {
					deliveredInc = 1
				} else {
					failedInc = 1
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE broadcast_jobs
					SET delivered = delivered + ?, failed = failed + ?, pending = pending - 1, updated_at = ?
					WHERE id = ? AND pending > 0`,
					deliveredInc, failedInc, now.UnixNano(), jobID); err != nil {
					return err
				}
				counted = true
			}

			job, err = d.scanBroadcast(tx.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcast_jobs WHERE id = ?`, jobID))
			if err != nil {
				return err
			}

			if settle != nil {
				before := job.Status
				settle(job)
				if job.Status != before {
					if _, err := tx.ExecContext(ctx, `
						UPDATE broadcast_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
						string(job.Status), toNanos(job.CompletedAt), now.UnixNano(), jobID); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	return job, counted, err
}

func (d *Database) queryBroadcasts(ctx context.Context, query string, args ...any) ([]models.BroadcastJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcasts: %w", err)
	}
	defer rows.Close()

	var out []models.BroadcastJob
	for rows.Next() {
		job, err := d.scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (d *Database) scanBroadcast(row rowScanner) (*models.BroadcastJob, error) {
	var (
		job                                   models.BroadcastJob
		body, level, roles, channels, status  string
		priority                              int
		deadline, created, updated, completed int64
	)
	err := row.Scan(&job.ID, &job.SenderID, &body, &level, &job.Scope.Region, &roles, &priority, &channels,
		&job.TargetCount, &job.Delivered, &job.Failed, &job.Pending, &status, &job.FailureThreshold,
		&deadline, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}

	plain, err := d.encryptor.Decrypt(body)
	if err != nil {
		return nil, fmt.Errorf("open broadcast body: %w", err)
	}
	job.Body = []byte(plain)
	job.Scope.Level = models.ScopeLevel(level)
	if roles != "" {
		job.Scope.Roles = strings.Split(roles, ",")
	}
	for _, ch := range strings.Split(channels, ",") {
		if ch != "" {
			job.Channels = append(job.Channels, models.Channel(ch))
		}
	}
	job.Priority = models.Priority(priority)
	job.Status = models.BroadcastStatus(status)
	job.Deadline = fromNanos(deadline)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.CompletedAt = fromNanos(completed)
	return &job, nil
}

func joinChannels(channels []models.Channel) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = string(ch)
	}
	return strings.Join(parts, ",")
}
