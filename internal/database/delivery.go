package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/models"
)

const statusColumns = `message_id, recipient_id, conversation_id, state, sent_at, delivered_at,
	read_at, failed_at, attempts, failure_reason, updated_at`

// SaveDeliveryStatus upserts the status for (message, recipient).
func (d *Database) SaveDeliveryStatus(ctx context.Context, st *models.DeliveryStatus) error {
	return retryable(ctx, "save delivery status", func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO delivery_statuses (`+statusColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id, recipient_id) DO UPDATE SET
				state = excluded.state,
				sent_at = excluded.sent_at,
				delivered_at = excluded.delivered_at,
				read_at = excluded.read_at,
				failed_at = excluded.failed_at,
				attempts = excluded.attempts,
				failure_reason = excluded.failure_reason,
				updated_at = excluded.updated_at`,
			st.MessageID, st.RecipientID, st.ConversationID, string(st.State),
			toNanos(st.SentAt), toNanos(st.DeliveredAt), toNanos(st.ReadAt), toNanos(st.FailedAt),
			st.Attempts, st.FailureReason, toNanos(st.UpdatedAt),
		)
		return err
	})
}

func insertDeliveryStatus(ctx context.Context, ex execer, st *models.DeliveryStatus) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO delivery_statuses (`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, recipient_id) DO NOTHING`,
		st.MessageID, st.RecipientID, st.ConversationID, string(st.State),
		toNanos(st.SentAt), toNanos(st.DeliveredAt), toNanos(st.ReadAt), toNanos(st.FailedAt),
		st.Attempts, st.FailureReason, toNanos(st.UpdatedAt),
	)
	return err
}

// GetDeliveryStatus returns the status or nil when none is recorded.
func (d *Database) GetDeliveryStatus(ctx context.Context, messageID, recipientID string) (*models.DeliveryStatus, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM delivery_statuses
		WHERE message_id = ? AND recipient_id = ?`, messageID, recipientID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// ListDeliveryStatuses returns every recipient status of a message.
func (d *Database) ListDeliveryStatuses(ctx context.Context, messageID string) ([]models.DeliveryStatus, error) {
	return d.queryStatuses(ctx, `SELECT `+statusColumns+` FROM delivery_statuses
		WHERE message_id = ? ORDER BY recipient_id`, messageID)
}

// ListStatusesInState returns statuses stuck in state since before cutoff.
func (d *Database) ListStatusesInState(ctx context.Context, state models.DeliveryState, cutoff time.Time) ([]models.DeliveryStatus, error) {
	return d.queryStatuses(ctx, `SELECT `+statusColumns+` FROM delivery_statuses
		WHERE state = ? AND updated_at < ? ORDER BY updated_at`, string(state), toNanos(cutoff))
}

func (d *Database) queryStatuses(ctx context.Context, query string, args ...any) ([]models.DeliveryStatus, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery statuses: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanStatus(row rowScanner) (*models.DeliveryStatus, error) {
	var (
		st                                           models.DeliveryStatus
		state                                        string
		sentAt, deliveredAt, readAt, failedAt, updAt int64
	)
	err := row.Scan(&st.MessageID, &st.RecipientID, &st.ConversationID, &state,
		&sentAt, &deliveredAt, &readAt, &failedAt, &st.Attempts, &st.FailureReason, &updAt)
	if err != nil {
		return nil, err
	}
	st.State = models.DeliveryState(state)
	st.SentAt = fromNanos(sentAt)
	st.DeliveredAt = fromNanos(deliveredAt)
	st.ReadAt = fromNanos(readAt)
	st.FailedAt = fromNanos(failedAt)
	st.UpdatedAt = fromNanos(updAt)
	return &st, nil
}
