package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/models"
)

const operationColumns = `seq, id, kind, priority, payload, content_type, compression, original_size,
	stored_size, attempts, max_attempts, next_attempt_at, state, last_error, created_at, updated_at`

// InsertOperation persists a new pending operation and fills op.Seq.
func (d *Database) InsertOperation(ctx context.Context, op *models.QueuedOperation) error {
	return retryable(ctx, "insert operation", func() error {
		return insertOperation(ctx, d.db, op)
	})
}

func insertOperation(ctx context.Context, ex execer, op *models.QueuedOperation) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO queue_operations (id, kind, priority, payload, content_type, compression,
			original_size, stored_size, attempts, max_attempts, next_attempt_at, state,
			last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), int(op.Priority), op.Payload, op.ContentType, op.Compression,
		op.OriginalSize, op.StoredSize, op.Attempts, op.MaxAttempts, toNanos(op.NextAttemptAt),
		string(op.State), op.LastError, toNanos(op.CreatedAt), toNanos(op.UpdatedAt),
	)
	if err != nil {
		return err
	}
	op.Seq, err = res.LastInsertId()
	return err
}

// ClaimNextOperation atomically picks the highest-priority, oldest pending
// operation due at now and marks it in_flight. It returns nil when nothing is due.
func (d *Database) ClaimNextOperation(ctx context.Context, now time.Time) (*models.QueuedOperation, error) {
	var claimed *models.QueuedOperation
	err := retryable(ctx, "claim operation", func() error {
		claimed = nil
		return d.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT `+operationColumns+` FROM queue_operations
				WHERE state = ? AND next_attempt_at <= ?
				ORDER BY priority ASC, seq ASC
				LIMIT 1`, string(models.OpPending), now.UnixNano())
			op, err := scanOperation(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			op.State = models.OpInFlight
			op.UpdatedAt = now
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_operations SET state = ?, updated_at = ? WHERE seq = ?`,
				string(op.State), now.UnixNano(), op.Seq); err != nil {
				return err
			}
			claimed = op
			return nil
		})
	})
	return claimed, err
}

// UpdateOperation writes back the mutable scheduling fields of op.
func (d *Database) UpdateOperation(ctx context.Context, op *models.QueuedOperation) error {
	return retryable(ctx, "update operation", func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE queue_operations
			SET attempts = ?, max_attempts = ?, next_attempt_at = ?, state = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			op.Attempts, op.MaxAttempts, toNanos(op.NextAttemptAt), string(op.State),
			op.LastError, toNanos(op.UpdatedAt), op.ID)
		if err != nil {
			return err
		}
		return expectOneRow(res, "operation", op.ID)
	})
}

// DeleteOperation removes an operation row.
func (d *Database) DeleteOperation(ctx context.Context, id string) error {
	return retryable(ctx, "delete operation", func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM queue_operations WHERE id = ?`, id)
		return err
	})
}

// GetOperation returns the operation or nil when absent.
func (d *Database) GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM queue_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// ListOperations returns operations in state, in dequeue order.
func (d *Database) ListOperations(ctx context.Context, state models.OperationState, limit int) ([]models.QueuedOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM queue_operations
		WHERE state = ? ORDER BY priority ASC, seq ASC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// ResetInFlight returns interrupted in_flight operations to pending.
func (d *Database) ResetInFlight(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := retryable(ctx, "reset in-flight operations", func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE queue_operations SET state = ?, next_attempt_at = ?, updated_at = ?
			WHERE state = ?`,
			string(models.OpPending), now.UnixNano(), now.UnixNano(), string(models.OpInFlight))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// CountOperations returns row counts per state.
func (d *Database) CountOperations(ctx context.Context) (map[models.OperationState]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_operations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OperationState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[models.OperationState(state)] = n
	}
	return counts, rows.Err()
}

// NextDueAt returns the earliest next_attempt_at among pending operations.
func (d *Database) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM queue_operations WHERE state = ?`, string(models.OpPending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query next due operation: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// PruneOperations deletes operations in state last updated before cutoff.
func (d *Database) PruneOperations(ctx context.Context, state models.OperationState, cutoff time.Time) (int, error) {
	var n int64
	err := retryable(ctx, "prune operations", func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM queue_operations WHERE state = ? AND updated_at < ?`, string(state), cutoff.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op                       models.QueuedOperation
		kind, state              string
		priority                 int
		nextAt, created, updated int64
	)
	err := row.Scan(&op.Seq, &op.ID, &kind, &priority, &op.Payload, &op.ContentType, &op.Compression,
		&op.OriginalSize, &op.StoredSize, &op.Attempts, &op.MaxAttempts, &nextAt, &state,
		&op.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.Priority = models.Priority(priority)
	op.State = models.OperationState(state)
	op.NextAttemptAt = fromNanos(nextAt)
	op.CreatedAt = fromNanos(created)
	op.UpdatedAt = fromNanos(updated)
	return &op, nil
}

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("record not found")

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
