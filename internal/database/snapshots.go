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

const snapshotColumns = `conversation_id, device_id, account_id, read_message_ids, total_messages,
	unread_count, scroll_checkpoint, fields, version, updated_at`

// GetSnapshot returns this device's snapshot of a conversation, or nil.
func (d *Database) GetSnapshot(ctx context.Context, conversationID, deviceID string) (*models.ConversationStateSnapshot, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM conversation_snapshots
		WHERE conversation_id = ? AND device_id = ?`, conversationID, deviceID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// ListSnapshots returns every snapshot held by deviceID.
func (d *Database) ListSnapshots(ctx context.Context, deviceID string) ([]models.ConversationStateSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM conversation_snapshots
		WHERE device_id = ? ORDER BY conversation_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationStateSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// SaveSnapshot writes snap together with its audit records in one transaction.
// Audit record ids are filled in.
func (d *Database) SaveSnapshot(ctx context.Context, snap *models.ConversationStateSnapshot, records []models.ConflictRecord) error {
	readIDs, err := codec.Marshal(snap.ReadMessageIDs)
	if err != nil {
		return fmt.Errorf("encode read set: %w", err)
	}
	var fields []byte
	if len(snap.Fields) > 0 {
		if fields, err = codec.Marshal(snap.Fields); err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
	}

	return retryable(ctx, "save snapshot", func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_snapshots (`+snapshotColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(conversation_id, device_id) DO UPDATE SET
					account_id = excluded.account_id,
					read_message_ids = excluded.read_message_ids,
					total_messages = excluded.total_messages,
					unread_count = excluded.unread_count,
					scroll_checkpoint = excluded.scroll_checkpoint,
					fields = excluded.fields,
					version = excluded.version,
					updated_at = excluded.updated_at`,
				snap.ConversationID, snap.DeviceID, snap.AccountID, readIDs, snap.TotalMessages,
				snap.UnreadCount, snap.ScrollCheckpoint, fields, snap.Version, toNanos(snap.UpdatedAt),
			); err != nil {
				return err
			}

			for i := range records {
				rec := &records[i]
				res, err := tx.ExecContext(ctx, `
					INSERT INTO conflict_records (conversation_id, device_id, conflict_type, field, strategy,
						local_value, remote_value, result_value, resolved, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					rec.ConversationID, rec.DeviceID, string(rec.Type), rec.Field, string(rec.Strategy),
					rec.LocalValue, rec.RemoteValue, rec.ResultValue, boolToInt(rec.Resolved), toNanos(rec.CreatedAt))
				if err != nil {
					return err
				}
				if rec.ID, err = res.LastInsertId(); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

const conflictColumns = `id, conversation_id, device_id, conflict_type, field, strategy,
	local_value, remote_value, result_value, resolved, created_at`

// ListConflicts returns audit records, newest first.
func (d *Database) ListConflicts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + conflictColumns + ` FROM conflict_records`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetConflict returns one audit record or nil.
func (d *Database) GetConflict(ctx context.Context, id int64) (*models.ConflictRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var (
		rec             models.ConflictRecord
		ctype, strategy string
		resolved        int
		created         int64
	)
	if err := row.Scan(&rec.ID, &rec.ConversationID, &rec.DeviceID, &ctype, &rec.Field, &strategy,
		&rec.LocalValue, &rec.RemoteValue, &rec.ResultValue, &resolved, &created); err != nil {
		return nil, err
	}
	rec.Type = models.ConflictType(ctype)
	rec.Strategy = models.StrategyName(strategy)
	rec.Resolved = resolved != 0
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

// MarkConflictResolved closes a manual conflict with the chosen value.
func (d *Database) MarkConflictResolved(ctx context.Context, id int64, result string) error {
	return retryable(ctx, "resolve conflict", func() error {
		res, err := d.db.ExecContext(ctx,
			`UPDATE conflict_records SET resolved = 1, result_value = ? WHERE id = ?`, result, id)
		if err != nil {
			return err
		}
		return expectOneRow(res, "conflict", fmt.Sprint(id))
	})
}

// PruneConflicts deletes resolved audit records older than cutoff.
func (d *Database) PruneConflicts(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := retryable(ctx, "prune conflicts", func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM conflict_records WHERE resolved = 1 AND created_at < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func scanSnapshot(row rowScanner) (*models.ConversationStateSnapshot, error) {
	var (
		snap            models.ConversationStateSnapshot
		readIDs, fields []byte
		updated         int64
	)
	err := row.Scan(&snap.ConversationID, &snap.DeviceID, &snap.AccountID, &readIDs, &snap.TotalMessages,
		&snap.UnreadCount, &snap.ScrollCheckpoint, &fields, &snap.Version, &updated)
	if err != nil {
		return nil, err
	}
	if len(readIDs) > 0 {
		if err := codec.Unmarshal(readIDs, &snap.ReadMessageIDs); err != nil {
			return nil, fmt.Errorf("decode read set: %w", err)
		}
	}
	if len(fields) > 0 {
		if err := codec.Unmarshal(fields, &snap.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	snap.UpdatedAt = fromNanos(updated)
	return &snap, nil
}
