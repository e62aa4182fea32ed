// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/jeranaias/imagehive/internal/model"
)

// TranscriptsFile is the default transcript database name.
const TranscriptsFile = "transcripts.db"

// ErrTranscriptNotFound is returned when a session id is unknown.
var ErrTranscriptNotFound = errors.New("transcript not found")

// schema creates the session and message tables.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	backend    TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	images     TEXT NOT NULL DEFAULT '[]',
	has_meta   INTEGER NOT NULL DEFAULT 0,
	from_gpu   INTEGER NOT NULL DEFAULT 0,
	offline    INTEGER NOT NULL DEFAULT 0,
	timestamp  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// SessionSummary is the listing view of one stored transcript.
type SessionSummary struct {
	ID        string
	Title     string
	Backend   string
	StartTime time.Time
	UpdatedAt time.Time
	Messages  int
}

// TranscriptStore persists chat transcripts in SQLite.
type TranscriptStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenTranscripts opens (or creates) the transcript database at path.
func OpenTranscripts(path string) (*TranscriptStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize transcript schema: %w", err)
	}

	return &TranscriptStore{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}

// Save writes the full transcript, replacing any earlier copy of the session.
func (s *TranscriptStore) Save(ctx context.Context, t *model.Transcript, backend string) error {
	messages := t.Snapshot()
	now := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, backend, start_time, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			backend = excluded.backend,
			updated_at = excluded.updated_at`,
		t.ID, t.Title, backend, t.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, role, content, images, has_meta, from_gpu, offline, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		images, err := json.Marshal(orEmpty(msg.Images))
		if err != nil {
			return fmt.Errorf("failed to encode images: %w", err)
		}
		var meta model.Meta
		if msg.Meta != nil {
			meta = *msg.Meta
		}
		if _, err := stmt.ExecContext(ctx, t.ID, string(msg.Role), msg.Content, string(images),
			msg.Meta != nil, meta.FromGPU, meta.Offline, now); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	return nil
}

// Load returns the stored transcript for id.
func (s *TranscriptStore) Load(ctx context.Context, id string) (*model.Transcript, error) {
	var title, start string
	err := s.db.QueryRowContext(ctx,
		`SELECT title, start_time FROM sessions WHERE id = ?`, id).Scan(&title, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, images, has_meta, from_gpu, offline
		FROM messages WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var (
			msg                       model.Message
			role, images              string
			hasMeta, fromGPU, offline bool
		)
		if err := rows.Scan(&role, &msg.Content, &images, &hasMeta, &fromGPU, &offline); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images: %w", err)
		}
		if len(msg.Images) == 0 {
			msg.Images = nil
		}
		if hasMeta {
			msg.Meta = &model.Meta{FromGPU: fromGPU, Offline: offline}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return &model.Transcript{
		ID:        id,
		Title:     title,
		Messages:  messages,
		CreatedAt: parseTime(start),
	}, nil
}

// List returns stored sessions, most recently updated first.
func (s *TranscriptStore) List(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.backend, s.start_time, s.updated_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum          SessionSummary
			start, since string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Backend, &start, &since, &sum.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.StartTime = parseTime(start)
		sum.UpdatedAt = parseTime(since)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and its messages.
func (s *TranscriptStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func orEmpty(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}
