// Package sqlite implements the durable session archive on SQLite. It is the
// default driver; sessions are stored as JSON snapshots keyed by session ID.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/hagglehq/haggle/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS negotiation_session (
	session_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_negotiation_session_updated ON negotiation_session (updated_ts);
`

// Archive is a SQLite-backed store.Archive.
type Archive struct {
	db *sql.DB
}

// NewArchive opens the database and ensures the schema exists.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite archive")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to migrate sqlite archive")
	}
	return &Archive{db: db}, nil
}

// Load returns the stored snapshot, or (nil, nil) when absent.
func (a *Archive) Load(ctx context.Context, sessionID string) (*store.Snapshot, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM negotiation_session WHERE session_id = ?`, sessionID).Scan(&payload)
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id)
		DO UPDATE SET state = excluded.state, payload = excluded.payload, updated_ts = excluded.updated_ts`,
		sessionID, string(snapshot.Session.State), payload, now, now)
	return errors.Wrap(err, "failed to save session snapshot")
}

// Delete removes a session.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM negotiation_session WHERE session_id = ?`, sessionID)
	return errors.Wrap(err, "failed to delete session snapshot")
}

// CleanupExpired removes sessions untouched for longer than retention.
func (a *Archive) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := a.db.ExecContext(ctx,
		`DELETE FROM negotiation_session WHERE updated_ts < ?`, cutoff)
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
