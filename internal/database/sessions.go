package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lifeline/internal/models"
)

// TouchSession creates the session on first use and refreshes it afterwards.
// A touched session is always active again.
func (d *Database) TouchSession(ctx context.Context, accountID, deviceID, platform string, now time.Time) (*models.DeviceSession, error) {
	err := retryable(ctx, "touch session", func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO device_sessions (account_id, device_id, platform, created_at, last_active_at, active)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(account_id, device_id) DO UPDATE SET
				last_active_at = excluded.last_active_at,
				platform = CASE WHEN excluded.platform <> '' THEN excluded.platform ELSE device_sessions.platform END,
				active = 1`,
			accountID, deviceID, platform, now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return nil, err
	}
	return d.GetSession(ctx, accountID, deviceID)
}

// GetSession returns the session or nil.
func (d *Database) GetSession(ctx context.Context, accountID, deviceID string) (*models.DeviceSession, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT account_id, device_id, platform, created_at, last_active_at, active
		FROM device_sessions WHERE account_id = ? AND device_id = ?`, accountID, deviceID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSessions returns every session of an account, active or not.
func (d *Database) ListSessions(ctx context.Context, accountID string) ([]models.DeviceSession, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT account_id, device_id, platform, created_at, last_active_at, active
		FROM device_sessions WHERE account_id = ? ORDER BY device_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeactivateIdleSessions flags sessions idle since before cutoff as inactive.
// Rows are kept for audit.
func (d *Database) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := retryable(ctx, "deactivate sessions", func() error {
		res, err := d.db.ExecContext(ctx,
			`UPDATE device_sessions SET active = 0 WHERE active = 1 AND last_active_at < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func scanSession(row rowScanner) (*models.DeviceSession, error) {
	var (
		s                 models.DeviceSession
		created, lastSeen int64
		active            int
	)
	if err := row.Scan(&s.AccountID, &s.DeviceID, &s.Platform, &created, &lastSeen, &active); err != nil {
		return nil, err
	}
	s.CreatedAt = fromNanos(created)
	s.LastActiveAt = fromNanos(lastSeen)
	s.Active = active != 0
	return &s, nil
}

// GetCursor returns the last applied remote change version for a device.
func (d *Database) GetCursor(ctx context.Context, accountID, deviceID string) (int64, bool, error) {
	var cursor int64
	err := d.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_cursors WHERE account_id = ? AND device_id = ?`, accountID, deviceID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return cursor, true, nil
}

// SaveCursor records the last applied remote change version.
func (d *Database) SaveCursor(ctx context.Context, accountID, deviceID string, cursor int64) error {
	return retryable(ctx, "save cursor", func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO sync_cursors (account_id, device_id, cursor, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(account_id, device_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
			accountID, deviceID, cursor, time.Now().UnixNano())
		return err
	})
}

// ClearCursor forgets the cursor so the next pass is a full sync.
func (d *Database) ClearCursor(ctx context.Context, accountID, deviceID string) error {
	return retryable(ctx, "clear cursor", func() error {
		_, err := d.db.ExecContext(ctx,
			`DELETE FROM sync_cursors WHERE account_id = ? AND device_id = ?`, accountID, deviceID)
		return err
	})
}
