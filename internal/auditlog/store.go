// Package auditlog keeps an append-only JSONL trail of user-initiated runtime
// operations (runs, stops, confirmations, uploads, chat changes) with
// size-based rotation.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName = "events.jsonl"
)

const (
	ActionRunStarted      = "run_started"
	ActionRunStopped      = "run_stopped"
	ActionConfirmResolved = "confirmation_resolved"
	ActionImageUploaded   = "image_uploaded"
	ActionChatCreated     = "chat_created"
	ActionChatUpdated     = "chat_updated"
	ActionChatDeleted     = "chat_deleted"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	Action string `json:"action"`
	// Status is StatusSuccess or StatusFailure.
	Status string `json:"status"`
	// Error is a short, non-secret summary.
	Error string `json:"error,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	ImageID  string `json:"image_id,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds events.jsonl and its rotated siblings.
	Dir string

	// MaxBytes is the rotation threshold. <= 0 uses 4 MiB.
	MaxBytes int64
	// MaxBackups keeps the newest N rotated files. <= 0 uses 3.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	now func() time.Time

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		now:        time.Now,
	}, nil
}

// Append writes one entry. Failures are logged, never returned: the audit
// trail must not break the request that produced it.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = StatusSuccess
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("audit append failed", "action", e.Action, "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	encErr := enc.Encode(&e)
	_ = f.Close()
	if encErr != nil {
		s.log.Warn("audit encode failed", "action", e.Action, "error", encErr)
		return
	}

	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, across the active and
// rotated files. limit is clamped to [1, 1000] with 200 as the default.
func (s *Store) List(limit int) ([]Entry, error) {
	return s.list(limit, nil)
}

// ListByUser is List restricted to entries stamped with userID.
func (s *Store) ListByUser(userID string, limit int) ([]Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing userID")
	}
	return s.list(limit, func(e Entry) bool { return e.UserID == userID })
}

func (s *Store) list(limit int, keep func(Entry) bool) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range s.filesNewestFirstLocked() {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out), keep)
		if err != nil {
			s.log.Warn("audit read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

func isRotated(name string) bool {
	return strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl")
}

// rotatedLocked returns rotated file names oldest first. Names embed a
// zero-padded UnixMilli so lexical order is chronological.
func (s *Store) rotatedLocked() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() || !isRotated(ent.Name()) {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names
}

func (s *Store) filesNewestFirstLocked() []string {
	paths := []string{s.activePath}
	rotated := s.rotatedLocked()
	for i := len(rotated) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(s.dir, rotated[i]))
	}
	return paths
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("events-%015d.jsonl", s.now().UnixMilli()))
	if _, err := os.Stat(dst); err == nil {
		// Two rotations in the same millisecond: keep appending until the next one.
		return
	}
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("audit rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedLocked()
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, name := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func readNewestFirst(path string, limit int, keep func(Entry) bool) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
