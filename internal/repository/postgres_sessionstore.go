package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/pkg/models"
)

// Schema creates the tables used by PostgresSessionStore.
const Schema = `
CREATE TABLE IF NOT EXISTS session_heads (
	session_key TEXT PRIMARY KEY,
	seq         BIGINT NOT NULL,
	last_ts     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_turns (
	session_key TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	context_key TEXT NOT NULL,
	idx         BIGINT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_key, idx)
);
CREATE INDEX IF NOT EXISTS conversation_turns_order ON conversation_turns (session_key, ts DESC, idx DESC);
`

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSessionStore is a PostgreSQL implementation of SessionStore.
type PostgresSessionStore struct {
	db       DB
	maxBytes int
	now      func() time.Time
}

// NewPostgresSessionStore creates a new PostgresSessionStore.
func NewPostgresSessionStore(db DB, maxRecordBytes int) *PostgresSessionStore {
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &PostgresSessionStore{db: db, maxBytes: maxRecordBytes, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresSessionStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return storeErr(ctx, err, "migrate schema")
	}
	return nil
}

// Append stores one turn. The head row update and the turn insert share a
// transaction, so a failed insert leaves no trace.
func (s *PostgresSessionStore) Append(ctx context.Context, session models.SessionHandle, turn models.ConversationTurn) (models.ConversationTurn, error) {
	if err := checkAppend(turn, s.maxBytes); err != nil {
		return models.ConversationTurn{}, err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	// PostgreSQL keeps microseconds; truncate so cursors round-trip exactly.
	turn.Timestamp = turn.Timestamp.UTC().Truncate(time.Microsecond)

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO session_heads (session_key, seq, last_ts) VALUES ($1, 1, $2)
			ON CONFLICT (session_key) DO UPDATE
			SET seq = session_heads.seq + 1, last_ts = GREATEST(session_heads.last_ts, EXCLUDED.last_ts)
			RETURNING seq, last_ts`,
			session.Key(), turn.Timestamp,
		).Scan(&turn.OriginalIndex, &turn.Timestamp)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_turns (session_key, workflow_id, user_id, context_key, idx, role, content, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			session.Key(), session.WorkflowID, session.UserID, session.ContextKey,
			turn.OriginalIndex, string(turn.Role), turn.Content, turn.Timestamp,
		)
		return err
	})
	if err != nil {
		return models.ConversationTurn{}, storeErr(ctx, err, "append turn")
	}
	turn.Timestamp = turn.Timestamp.UTC()
	return turn, nil
}

// ReadPage returns turns older than cursor, newest-first.
func (s *PostgresSessionStore) ReadPage(ctx context.Context, session models.SessionHandle, cursor string, pageSize int) (models.HistoryPage, error) {
	if err := checkPageSize(pageSize); err != nil {
		return models.HistoryPage{}, err
	}
	pos, bounded, err := decodeCursor(cursor)
	if err != nil {
		return models.HistoryPage{}, err
	}

	var rows pgx.Rows
	if bounded {
		rows, err = s.db.Query(ctx, `
			SELECT idx, role, content, ts FROM conversation_turns
			WHERE session_key = $1 AND (ts, idx) < ($2, $3)
			ORDER BY ts DESC, idx DESC LIMIT $4`,
			session.Key(), pos.ts, pos.idx, pageSize+1)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT idx, role, content, ts FROM conversation_turns
			WHERE session_key = $1
			ORDER BY ts DESC, idx DESC LIMIT $2`,
			session.Key(), pageSize+1)
	}
	if err != nil {
		return models.HistoryPage{}, storeErr(ctx, err, "read page")
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		if err := rows.Scan(&t.OriginalIndex, &role, &t.Content, &t.Timestamp); err != nil {
			return models.HistoryPage{}, storeErr(ctx, err, "scan turn")
		}
		t.Role = models.Role(role)
		t.Timestamp = t.Timestamp.UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return models.HistoryPage{}, storeErr(ctx, err, "read page")
	}
	return finishPage(turns, pageSize), nil
}

// Clear deletes every turn of the session. The head row is kept so indexes
// stay monotonic across clears.
func (s *PostgresSessionStore) Clear(ctx context.Context, session models.SessionHandle) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversation_turns WHERE session_key = $1`, session.Key()); err != nil {
		return storeErr(ctx, err, "clear session")
	}
	return nil
}

// storeErr classifies a backend failure. Caller cancellation is passed through
// unchanged so it is not mistaken for an outage.
func storeErr(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return apperr.Wrap(apperr.KindStoreUnavailable, err, "store: %s", op)
}
