// Package postgres implements the durable session archive on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hagglehq/haggle/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS negotiation_session (
	session_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_negotiation_session_updated ON negotiation_session (updated_ts);
`

// Archive is a PostgreSQL-backed store.Archive.
type Archive struct {
	db *sql.DB
}

// NewArchive connects and ensures the schema exists.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres archive")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to migrate postgres archive")
	}
	return &Archive{db: db}, nil
}

// Load returns the stored snapshot, or (nil, nil) when absent.
func (a *Archive) Load(ctx context.Context, sessionID string) (*store.Snapshot, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM negotiation_session WHERE session_id = $1`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session snapshot")
	}

	var snapshot store.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, errors.Wrap(err, "failed to decode session snapshot")
	}
	return &snapshot, nil
}

// Save upserts the snapshot.
func (a *Archive) Save(ctx context.Context, sessionID string, snapshot *store.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to encode session snapshot")
	}

	now := time.Now().Unix()
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO negotiation_session (session_id, state, payload, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id)
		DO UPDATE SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_ts = EXCLUDED.updated_ts`,
		sessionID, string(snapshot.Session.State), payload, now, now)
	return errors.Wrap(err, "failed to save session snapshot")
}

// Delete removes a session.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM negotiation_session WHERE session_id = $1`, sessionID)
	return errors.Wrap(err, "failed to delete session snapshot")
}

// CleanupExpired removes sessions untouched for longer than retention.
func (a *Archive) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM negotiation_session WHERE updated_ts < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup expired sessions")
	}
	return result.RowsAffected()
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

var _ store.Archive = (*Archive)(nil)
