package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// upsertSQL merges on conflict the same way Session.Merge does.
const upsertSQL = `
INSERT INTO sessions (session_id, role, device_id, last_seen, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	role = CASE WHEN sessions.role = 'unknown' THEN excluded.role ELSE sessions.role END,
	device_id = CASE
		WHEN excluded.device_id <> '' AND sessions.role IN ('unknown', excluded.role) THEN excluded.device_id
		ELSE sessions.device_id
	END,
	last_seen = MAX(sessions.last_seen, excluded.last_seen),
	expires_at = MAX(sessions.expires_at, excluded.expires_at)`

// SQLiteStore persists sessions in the sessions table.
// The schema is created by the migrations package.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore wraps an open, migrated database handle.
// Close does not close db; the owner of the handle does.
func NewSQLiteStore(db *sql.DB, ttl time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, ttl: ttlOrDefault(ttl), now: time.Now}
}

func (s *SQLiteStore) Put(ctx context.Context, sess Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	sess = stamp(sess, s.ttl)

	_, err := s.db.ExecContext(ctx, upsertSQL,
		sess.ID, string(sess.Role), sess.DeviceID,
		sess.LastSeen.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStoreUnavailable, sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, role, device_id, last_seen, expires_at
		 FROM sessions WHERE session_id = ? AND expires_at > ?`,
		id, s.now().UnixMilli(),
	)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreUnavailable, id, err)
	}
	return nil
}

// ScanRecent returns sessions seen within window, freshest first.
func (s *SQLiteStore) ScanRecent(ctx context.Context, window time.Duration) ([]Session, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, device_id, last_seen, expires_at
		 FROM sessions WHERE last_seen >= ? AND expires_at > ?
		 ORDER BY last_seen DESC`,
		now.Add(-window).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrStoreUnavailable, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// DeleteExpired removes records whose advisory expiry has passed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: reap: %w", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports rows affected
	return int(n), nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess               Session
		role               string
		lastSeen, expireAt int64
	)
	if err := row.Scan(&sess.ID, &role, &sess.DeviceID, &lastSeen, &expireAt); err != nil {
		return Session{}, err
	}
	r, err := ParseRole(role)
	if err != nil {
		return Session{}, err
	}
	sess.Role = r
	sess.LastSeen = time.UnixMilli(lastSeen)
	sess.ExpiresAt = time.UnixMilli(expireAt)
	return sess, nil
}
