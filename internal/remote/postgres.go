package remote

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"

	"lifeline/internal/codec"
	"lifeline/internal/errors"
	"lifeline/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed postgres_schema.sql
var postgresSchema string

// changeLogLock serializes appends so versions become visible in order.
const changeLogLock = 0x6c69666531

// Postgres is the Store shared by every device of a deployment.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.NewUnavailableError("remote store", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseQuery, "failed to apply remote schema")
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection. The schema must already exist.
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.NewUnavailableError("remote store", err).WithContext("operation", op)
}

func (p *Postgres) appendChange(ctx context.Context, tx *sqlx.Tx, c models.Change, origin string, aud []string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, changeLogLock); err != nil {
		return 0, err
	}
	payload, err := codec.Marshal(c)
	if err != nil {
		return 0, err
	}
	var version int64
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO remote_changes (kind, item_key, origin_device, audience, payload)
		 VALUES ($1, $2, $3, $4, $5) RETURNING version`,
		string(c.Kind), c.ItemKey(), origin, pq.Array(aud), payload).Scan(&version)
	return version, err
}

func (p *Postgres) PutMessage(ctx context.Context, from Origin, msg models.Message) (int64, bool, error) {
	if err := validateMessage(msg); err != nil {
		return 0, false, err
	}
	payload, err := codec.Marshal(msg)
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode message")
	}
	aud := audience(from, msg)

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO remote_messages (id, conversation_id, seq, version, audience, payload)
		 VALUES ($1, $2, $3, 0, $4, $5) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Seq, pq.Array(aud), payload)
	if err != nil {
		return 0, false, p.fail(ctx, "put message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var version int64
		if err := tx.GetContext(ctx, &version, `SELECT version FROM remote_messages WHERE id = $1`, msg.ID); err != nil {
			return 0, false, p.fail(ctx, "load message", err)
		}
		return version, false, nil
	}

	version, err := p.appendChange(ctx, tx, models.Change{Kind: models.ChangeMessage, Message: &msg}, from.DeviceID, aud)
	if err != nil {
		return 0, false, p.fail(ctx, "append change", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE remote_messages SET version = $1 WHERE id = $2`, version, msg.ID); err != nil {
		return 0, false, p.fail(ctx, "put message", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, p.fail(ctx, "commit", err)
	}
	return version, true, nil
}

func (p *Postgres) PutDeliveryStatus(ctx context.Context, from Origin, st models.DeliveryStatus) (int64, error) {
	if err := validateStatus(st); err != nil {
		return 0, err
	}
	payload, err := codec.Marshal(st)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode delivery status")
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO remote_delivery_statuses (message_id, recipient_id, state, attempts, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, recipient_id) DO UPDATE
		 SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, payload = EXCLUDED.payload
		 WHERE remote_delivery_statuses.state <> EXCLUDED.state
		    OR remote_delivery_statuses.attempts <> EXCLUDED.attempts`,
		st.MessageID, st.RecipientID, string(st.State), st.Attempts, payload)
	if err != nil {
		return 0, p.fail(ctx, "put delivery status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.head(ctx, tx)
	}

	var msgAudience []string
	err = tx.QueryRowxContext(ctx, `SELECT audience FROM remote_messages WHERE id = $1`, st.MessageID).
		Scan(pq.Array(&msgAudience))
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return 0, p.fail(ctx, "load message audience", err)
	}
	aud := dedupe(append(msgAudience, from.AccountID, st.RecipientID))

	version, err := p.appendChange(ctx, tx, models.Change{Kind: models.ChangeDeliveryStatus, Status: &st}, from.DeviceID, aud)
	if err != nil {
		return 0, p.fail(ctx, "append change", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, p.fail(ctx, "commit", err)
	}
	return version, nil
}

func (p *Postgres) PutSnapshot(ctx context.Context, snap models.ConversationStateSnapshot) (int64, error) {
	if err := validateSnapshot(snap); err != nil {
		return 0, err
	}
	payload, err := codec.Marshal(snap)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode snapshot")
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO remote_snapshots (conversation_id, device_id, account_id, version, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id, device_id) DO UPDATE
		 SET version = EXCLUDED.version, payload = EXCLUDED.payload
		 WHERE remote_snapshots.version < EXCLUDED.version`,
		snap.ConversationID, snap.DeviceID, snap.AccountID, snap.Version, payload)
	if err != nil {
		return 0, p.fail(ctx, "put snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.head(ctx, tx)
	}

	version, err := p.appendChange(ctx, tx, models.Change{Kind: models.ChangeSnapshot, Snapshot: &snap}, snap.DeviceID, []string{snap.AccountID})
	if err != nil {
		return 0, p.fail(ctx, "append change", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, p.fail(ctx, "commit", err)
	}
	return version, nil
}

func (p *Postgres) head(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var version int64
	if err := sqlx.GetContext(ctx, q, &version, `SELECT GREATEST(COALESCE(MAX(version), 0), (SELECT floor FROM remote_retention)) FROM remote_changes`); err != nil {
		return 0, p.fail(ctx, "load head", err)
	}
	return version, nil
}

type changeRow struct {
	Version int64  `db:"version"`
	Payload []byte `db:"payload"`
}

func (p *Postgres) Changes(ctx context.Context, accountID, deviceID string, cursor int64, limit int) (models.ChangePage, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.ChangePage{}, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var floor int64
	if err := tx.GetContext(ctx, &floor, `SELECT floor FROM remote_retention`); err != nil {
		return models.ChangePage{}, p.fail(ctx, "load retention", err)
	}
	if cursor < floor {
		return models.ChangePage{}, ErrCursorOutOfRange
	}

	var rows []changeRow
	err = tx.SelectContext(ctx, &rows,
		`SELECT version, payload FROM remote_changes
		 WHERE version > $1 AND $2 = ANY(audience) AND origin_device <> $3
		 ORDER BY version LIMIT $4`,
		cursor, accountID, deviceID, limit+1)
	if err != nil {
		return models.ChangePage{}, p.fail(ctx, "list changes", err)
	}

	page := models.ChangePage{NextCursor: cursor}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
	}
	for _, row := range rows {
		var c models.Change
		if err := codec.Unmarshal(row.Payload, &c); err != nil {
			return models.ChangePage{}, errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable change").
				WithContext("version", row.Version)
		}
		c.Version = row.Version
		page.Changes = append(page.Changes, c)
		page.NextCursor = row.Version
	}
	if !page.HasMore {
		head, err := p.head(ctx, tx)
		if err != nil {
			return models.ChangePage{}, err
		}
		page.NextCursor = max(page.NextCursor, head)
	}
	return page, nil
}

func (p *Postgres) Snapshot(ctx context.Context, accountID, deviceID string) (models.FullState, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.FullState{}, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state models.FullState
	if state.Cursor, err = p.head(ctx, tx); err != nil {
		return models.FullState{}, err
	}

	var payloads [][]byte
	if err := tx.SelectContext(ctx, &payloads,
		`SELECT payload FROM remote_messages WHERE $1 = ANY(audience) ORDER BY conversation_id, seq, id`, accountID); err != nil {
		return models.FullState{}, p.fail(ctx, "list messages", err)
	}
	for _, b := range payloads {
		var msg models.Message
		if err := codec.Unmarshal(b, &msg); err != nil {
			return models.FullState{}, errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable message")
		}
		state.Messages = append(state.Messages, msg)
	}

	payloads = nil
	if err := tx.SelectContext(ctx, &payloads,
		`SELECT s.payload FROM remote_delivery_statuses s
		 JOIN remote_messages m ON m.id = s.message_id
		 WHERE $1 = ANY(m.audience) ORDER BY s.message_id, s.recipient_id`, accountID); err != nil {
		return models.FullState{}, p.fail(ctx, "list delivery statuses", err)
	}
	for _, b := range payloads {
		var st models.DeliveryStatus
		if err := codec.Unmarshal(b, &st); err != nil {
			return models.FullState{}, errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable delivery status")
		}
		state.Statuses = append(state.Statuses, st)
	}

	payloads = nil
	if err := tx.SelectContext(ctx, &payloads,
		`SELECT payload FROM remote_snapshots WHERE account_id = $1 AND device_id <> $2
		 ORDER BY conversation_id, device_id`, accountID, deviceID); err != nil {
		return models.FullState{}, p.fail(ctx, "list snapshots", err)
	}
	for _, b := range payloads {
		var snap models.ConversationStateSnapshot
		if err := codec.Unmarshal(b, &snap); err != nil {
			return models.FullState{}, errors.Wrap(err, errors.ErrCodeIntegrity, "undecodable snapshot")
		}
		state.Snapshots = append(state.Snapshots, snap)
	}
	return state, nil
}

func (p *Postgres) PublicKeys(ctx context.Context, accountIDs []string) (map[string]models.PublicKey, error) {
	out := make(map[string]models.PublicKey, len(accountIDs))
	if len(accountIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT account_id, key_id, public_key, created_at FROM remote_keys WHERE account_id IN (?)`, accountIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to build key query")
	}
	var keys []models.PublicKey
	if err := p.db.SelectContext(ctx, &keys, p.db.Rebind(query), args...); err != nil {
		return nil, p.fail(ctx, "list public keys", err)
	}
	for _, k := range keys {
		out[k.AccountID] = k
	}
	return out, nil
}

func (p *Postgres) PublishKey(ctx context.Context, key models.PublicKey) error {
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO remote_keys (account_id, key_id, public_key, created_at)
		 VALUES (:account_id, :key_id, :public_key, :created_at)
		 ON CONFLICT (account_id) DO UPDATE
		 SET key_id = EXCLUDED.key_id, public_key = EXCLUDED.public_key, created_at = EXCLUDED.created_at`,
		key)
	if err != nil {
		return p.fail(ctx, "publish key", err)
	}
	return nil
}

// Prune drops changes at or below version and raises the retention floor.
func (p *Postgres) Prune(ctx context.Context, version int64) (int64, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, p.fail(ctx, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM remote_changes WHERE version <= $1`, version)
	if err != nil {
		return 0, p.fail(ctx, "prune changes", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE remote_retention SET floor = GREATEST(floor, $1)`, version); err != nil {
		return 0, p.fail(ctx, "raise retention floor", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, p.fail(ctx, "commit", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

