package chats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists chats in a local SQLite file. Messages are stored as one
// JSON column per chat; a chat is always read and replaced whole.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, c Chat) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	msgs, err := encodeMessages(c.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chats(chat_id, user_id, title, messages_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, c.ID, c.UserID, c.Title, msgs, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) get(ctx context.Context, chatID string) (Chat, error) {
	if s == nil || s.db == nil {
		return Chat{}, errors.New("store not initialized")
	}
	var (
		c         Chat
		msgs      string
		createdMs int64
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT chat_id, user_id, title, messages_json, created_at_unix_ms, updated_at_unix_ms
FROM chats WHERE chat_id = ?
`, chatID).Scan(&c.ID, &c.UserID, &c.Title, &msgs, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	c.Messages, err = decodeMessages(msgs)
	if err != nil {
		return Chat{}, fmt.Errorf("decode chat %s messages: %w", chatID, err)
	}
	return c, nil
}

// listByUser returns the user's chats, most recently updated first, without messages.
func (s *Store) listByUser(ctx context.Context, userID string) ([]Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT chat_id, user_id, title, created_at_unix_ms, updated_at_unix_ms
FROM chats WHERE user_id = ?
ORDER BY updated_at_unix_ms DESC, chat_id ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		var createdMs, updatedMs int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(createdMs)
		c.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) replaceMessages(ctx context.Context, chatID string, messages []Message, updatedAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	msgs, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE chats SET messages_json = ?, updated_at_unix_ms = ? WHERE chat_id = ?
`, msgs, updatedAt.UnixMilli(), chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) delete(ctx context.Context, chatID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeMessages(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMessages(raw string) ([]Message, error) {
	out := []Message{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chats (
  chat_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  messages_json TEXT NOT NULL DEFAULT '[]',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at_unix_ms DESC);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
