package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/codec"
	"lifeline/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, seq, message_type, content, algorithm,
	suite_version, envelopes, compression, original_size, compressed_size, created_at`

// SaveMessage inserts msg keyed on its client-generated id. Replaying the same
// message is a no-op; inserted reports whether a new row was written.
func (d *Database) SaveMessage(ctx context.Context, msg *models.Message) (inserted bool, err error) {
	err = retryable(ctx, "save message", func() error {
		inserted, err = insertMessage(ctx, d.db, msg)
		return err
	})
	return inserted, err
}

// MessageBatch is a message together with the rows that must exist exactly
// when the message does: its first delivery statuses and the queued work
// that carries it further.
type MessageBatch struct {
	Message    *models.Message
	Statuses   []*models.DeliveryStatus
	Operations []*models.QueuedOperation
}

// SaveMessageBatch writes b in one transaction. When the message already
// exists nothing is written and inserted is false. Statuses that are already
// recorded are left as they are.
func (d *Database) SaveMessageBatch(ctx context.Context, b MessageBatch) (inserted bool, err error) {
	err = retryable(ctx, "save message batch", func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			ok, err := insertMessage(ctx, tx, b.Message)
			if err != nil || !ok {
				inserted = false
				return err
			}
			for _, st := range b.Statuses {
				if err := insertDeliveryStatus(ctx, tx, st); err != nil {
					return err
				}
			}
			for _, op := range b.Operations {
				if err := insertOperation(ctx, tx, op); err != nil {
					return err
				}
			}
			inserted = true
			return nil
		})
	})
	return inserted, err
}

func insertMessage(ctx context.Context, ex execer, msg *models.Message) (bool, error) {
	envelopes, err := codec.Marshal(msg.Envelopes)
	if err != nil {
		return false, fmt.Errorf("encode envelopes: %w", err)
	}
	compression := msg.Compression
	if compression == "" {
		compression = "none"
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Seq, string(msg.Type),
		msg.Content.Data, msg.Content.Algorithm, int(msg.Content.SuiteVersion), envelopes,
		compression, msg.OriginalSize, msg.CompressedSize, toNanos(msg.CreatedAt), time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMessage returns the message or nil when it is not stored locally.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// ListMessages returns messages of a conversation ordered by sequence.
func (d *Database) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq, id LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// CountMessages returns the number of stored messages in a conversation.
func (d *Database) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// NextSequence reserves the next per-conversation sequence number. It never
// returns a value at or below any sequence already stored for the conversation.
func (d *Database) NextSequence(ctx context.Context, conversationID string) (int64, error) {
	var next int64
	err := retryable(ctx, "next sequence", func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			var last, maxSeq int64
			err := tx.QueryRowContext(ctx,
				`SELECT last_seq FROM conversation_sequences WHERE conversation_id = ?`, conversationID).Scan(&last)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
				return err
			}
			if maxSeq > last {
				last = maxSeq
			}
			next = last + 1
			_, err = tx.ExecContext(ctx, `
				INSERT INTO conversation_sequences (conversation_id, last_seq) VALUES (?, ?)
				ON CONFLICT(conversation_id) DO UPDATE SET last_seq = excluded.last_seq`,
				conversationID, next)
			return err
		})
	})
	return next, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg          models.Message
		msgType      string
		suiteVersion int
		envelopes    []byte
		createdAt    int64
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq, &msgType,
		&msg.Content.Data, &msg.Content.Algorithm, &suiteVersion, &envelopes,
		&msg.Compression, &msg.OriginalSize, &msg.CompressedSize, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.Type = models.MessageType(msgType)
	msg.Content.SuiteVersion = uint8(suiteVersion)
	msg.CreatedAt = fromNanos(createdAt)
	if err := codec.Unmarshal(envelopes, &msg.Envelopes); err != nil {
		return nil, fmt.Errorf("decode envelopes for %s: %w", msg.ID, err)
	}
	return &msg, nil
}
