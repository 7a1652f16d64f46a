package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnchat/pkg/turnstream"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			thread_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			message_id INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL,
			PRIMARY KEY (thread_id, ordinal),
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS threads_by_updated ON threads(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) SaveMessages(ctx context.Context, threadID string, msgs []turnstream.ChatMessage) (retErr error) {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("sqlite transcript store: threadID is empty")
	}

	payloads := make([]string, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Wrapf(err, "sqlite transcript store: marshal message %d", i)
		}
		payloads[i] = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, title, message_count, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			title = excluded.title,
			message_count = excluded.message_count,
			updated_at_ms = excluded.updated_at_ms
	`, threadID, titleFor(msgs), len(msgs), now); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert thread")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return errors.Wrap(err, "sqlite transcript store: clear messages")
	}
	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, ordinal, message_id, type, payload_json)
			VALUES (?, ?, ?, ?, ?)
		`, threadID, i, m.ID, m.Type, payloads[i]); err != nil {
			return errors.Wrap(err, "sqlite transcript store: insert message")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite transcript store: commit")
	}
	return nil
}

func (s *SQLiteTranscriptStore) LoadMessages(ctx context.Context, threadID string) ([]turnstream.ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("sqlite transcript store: threadID is empty")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json FROM messages
		WHERE thread_id = ?
		ORDER BY ordinal ASC
	`, threadID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := []turnstream.ChatMessage{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan message")
		}
		var m turnstream.ChatMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: decode message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteTranscriptStore) ListThreads(ctx context.Context, limit int) ([]ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q := `SELECT thread_id, title, message_count, updated_at_ms FROM threads ORDER BY updated_at_ms DESC, thread_id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query threads")
	}
	defer func() { _ = rows.Close() }()

	out := []ThreadRecord{}
	for rows.Next() {
		var r ThreadRecord
		if err := rows.Scan(&r.ThreadID, &r.Title, &r.MessageCount, &r.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan thread")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
