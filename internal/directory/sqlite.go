package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mossy-p/session-relay/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	nickname     TEXT NOT NULL DEFAULT '',
	session_type TEXT NOT NULL,
	status       TEXT NOT NULL,
	creator_id   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
`

type SQLiteDirectory struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	d := &SQLiteDirectory{db: db}
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Migrate creates the sessions table if it does not exist.
func (d *SQLiteDirectory) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return nil
}

func (d *SQLiteDirectory) Create(ctx context.Context, rec models.SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	query := `INSERT INTO sessions (id, nickname, session_type, status, creator_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query,
		rec.ID, rec.Nickname, string(rec.SessionType), string(rec.Status), rec.CreatorID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert session '%s': %w", rec.ID, err)
	}
	return nil
}

func (d *SQLiteDirectory) Get(ctx context.Context, sessionID string) (models.SessionRecord, error) {
	query := `SELECT id, nickname, session_type, status, creator_id, created_at, updated_at
		FROM sessions WHERE id = ?`
	var (
		rec         models.SessionRecord
		sessionType string
		status      string
	)
	err := d.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.ID, &rec.Nickname, &sessionType, &status, &rec.CreatorID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SessionRecord{}, ErrNotFound
		}
		return models.SessionRecord{}, fmt.Errorf("error querying session %s: %w", sessionID, err)
	}
	rec.SessionType = models.SessionType(sessionType)
	rec.Status = models.Status(status)
	return rec, nil
}

func (d *SQLiteDirectory) UpdateStatus(ctx context.Context, sessionID string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status != ?`
	res, err := d.db.ExecContext(ctx, query, string(status), time.Now().UTC(), sessionID, string(models.StatusExpired))
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", sessionID, err)
	}
	return d.existsIfUnchanged(ctx, res, sessionID)
}

func (d *SQLiteDirectory) SetCreator(ctx context.Context, sessionID, creatorID string) error {
	query := `UPDATE sessions SET creator_id = ?, updated_at = ? WHERE id = ? AND creator_id = ''`
	res, err := d.db.ExecContext(ctx, query, creatorID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set creator of %s: %w", sessionID, err)
	}
	return d.existsIfUnchanged(ctx, res, sessionID)
}

// existsIfUnchanged tells a guarded no-op apart from a missing row.
func (d *SQLiteDirectory) existsIfUnchanged(ctx context.Context, res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = d.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error querying session %s: %w", sessionID, err)
	}
	return nil
}

func (d *SQLiteDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
