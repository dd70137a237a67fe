// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore reads track metadata from the server's sqlite library
// database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the library database at path in read-write mode and
// ensures the schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open library db: %w", err)
	}
	// The library is read-mostly; a single connection avoids sqlite
	// writer contention with the scanner process.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS media_file (
	id          TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS player_settings (
	user_id          TEXT PRIMARY KEY,
	playback_quality TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate library db: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindTrack(ctx context.Context, trackID string) (Track, error) {
	var (
		t       Track
		updated int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, updated_at FROM media_file WHERE id = ?`, trackID)
	if err := row.Scan(&t.ID, &t.Path, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Track{}, ErrNotFound
		}
		return Track{}, fmt.Errorf("find track %s: %w", trackID, err)
	}
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return t, nil
}

func (s *SQLiteStore) FindUserPlaybackQuality(ctx context.Context, userID string) (string, error) {
	var quality sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT playback_quality FROM player_settings WHERE user_id = ?`, userID)
	if err := row.Scan(&quality); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find playback quality for %s: %w", userID, err)
	}
	if !quality.Valid {
		return "", nil
	}
	return quality.String, nil
}

// UpsertTrack inserts or updates a track row. Exists for tests and
// bootstrap tooling; the delivery core never calls it.
func (s *SQLiteStore) UpsertTrack(ctx context.Context, t Track) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_file (id, path, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at`,
		t.ID, t.Path, t.UpdatedAt.Unix())
	return err
}

// SetUserPlaybackQuality stores a user preference. Test/bootstrap only.
func (s *SQLiteStore) SetUserPlaybackQuality(ctx context.Context, userID, quality string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO player_settings (user_id, playback_quality) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET playback_quality = excluded.playback_quality`,
		userID, quality)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
