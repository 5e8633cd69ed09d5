package threadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/sera-runtime/internal/state"
	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed state.Store.
//
// Notes:
// - Times are persisted as unix milliseconds, so every value read back is millisecond precise.
// - The pool holds a single connection; each operation runs in its own transaction.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ state.Store = (*Store)(nil)

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

	return &Store{db: db, log: slog.Default(), now: time.Now}, nil
}

// WithLogger replaces the logger used for rejected transitions.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if s != nil && logger != nil {
		s.log = logger
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) CreateThread(ctx context.Context, threadID string) (state.Thread, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		threadID = state.NewID()
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Thread{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteThreadRowsTx(ctx, tx, threadID); err != nil {
		return state.Thread{}, err
	}
	now := s.nowMs()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(thread_id, metadata_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, '{}', ?, ?)
`, threadID, now, now); err != nil {
		return state.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.Thread{}, err
	}
	s.log.Debug("thread created", "thread_id", threadID)
	return state.Thread{
		ThreadID:  threadID,
		Messages:  []state.Message{},
		ToolCalls: []state.ToolCall{},
		Metadata:  map[string]any{},
		CreatedAt: time.UnixMilli(now),
		UpdatedAt: time.UnixMilli(now),
	}, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (state.Thread, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Thread{}, err
	}
	defer func() { _ = tx.Rollback() }()

	th, err := loadThreadTx(ctx, tx, strings.TrimSpace(threadID))
	if err != nil {
		return state.Thread{}, err
	}
	return th, tx.Commit()
}

func (s *Store) GetOrCreateThread(ctx context.Context, threadID string) (state.Thread, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return s.CreateThread(ctx, "")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Thread{}, err
	}
	defer func() { _ = tx.Rollback() }()

	created, err := s.ensureThreadTx(ctx, tx, threadID)
	if err != nil {
		return state.Thread{}, err
	}
	th, err := loadThreadTx(ctx, tx, threadID)
	if err != nil {
		return state.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.Thread{}, err
	}
	if created {
		s.log.Debug("thread created", "thread_id", threadID)
	}
	return th, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return false, nil
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM threads WHERE thread_id = ?`, threadID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	if err := deleteThreadRowsTx(ctx, tx, threadID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// AddMessage inserts a message and bumps the thread's updated_at in the same transaction.
func (s *Store) AddMessage(ctx context.Context, threadID string, msg state.Message) (state.Message, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return state.Message{}, errors.New("missing thread_id")
	}
	if !msg.Role.Valid() {
		return state.Message{}, errors.New("invalid role")
	}
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		msg.ID = state.NewID()
	}
	ts := s.nowMs()
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UnixMilli()
	}
	msg.Timestamp = time.UnixMilli(ts)
	metaJSON, err := marshalJSON(msg.Metadata)
	if err != nil {
		return state.Message{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return state.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return state.Message{}, err
	}
	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE thread_id = ? AND message_id = ?`, threadID, msg.ID).Scan(&dup); err != nil {
		return state.Message{}, err
	}
	if dup > 0 {
		return state.Message{}, state.ErrDuplicateID
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(thread_id, message_id, role, content, metadata_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, threadID, msg.ID, string(msg.Role), msg.Content, metaJSON, ts); err != nil {
		return state.Message{}, err
	}
	if err := s.touchTx(ctx, tx, threadID); err != nil {
		return state.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.Message{}, err
	}
	msg.Metadata = state.CloneMap(msg.Metadata)
	return msg, nil
}

func (s *Store) AddToolCall(ctx context.Context, threadID string, call state.ToolCall) (state.ToolCall, error) {
	threadID = strings.TrimSpace(threadID)
	call.Name = strings.TrimSpace(call.Name)
	if threadID == "" || call.Name == "" {
		return state.ToolCall{}, errors.New("invalid tool call")
	}
	call.ID = strings.TrimSpace(call.ID)
	if call.ID == "" {
		call.ID = state.NewID()
	}
	call.Status = state.ToolCallPending
	call.Result = nil
	ts := s.nowMs()
	if !call.Timestamp.IsZero() {
		ts = call.Timestamp.UnixMilli()
	}
	call.Timestamp = time.UnixMilli(ts)
	call.Args = state.CloneMap(call.Args)
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	argsJSON, err := marshalJSON(call.Args)
	if err != nil {
		return state.ToolCall{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return state.ToolCall{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return state.ToolCall{}, err
	}
	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tool_calls WHERE thread_id = ? AND tool_call_id = ?`, threadID, call.ID).Scan(&dup); err != nil {
		return state.ToolCall{}, err
	}
	if dup > 0 {
		return state.ToolCall{}, state.ErrDuplicateID
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tool_calls(thread_id, tool_call_id, name, args_json, result_json, status, created_at_unix_ms)
VALUES(?, ?, ?, ?, '', ?, ?)
`, threadID, call.ID, call.Name, argsJSON, string(call.Status), ts); err != nil {
		return state.ToolCall{}, err
	}
	if err := s.touchTx(ctx, tx, threadID); err != nil {
		return state.ToolCall{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.ToolCall{}, err
	}
	return call, nil
}

func (s *Store) UpdateToolCallStatus(ctx context.Context, threadID string, toolCallID string, status state.ToolCallStatus, result any) (state.ToolCall, error) {
	if !status.Valid() {
		return state.ToolCall{}, errors.New("invalid tool call status")
	}
	threadID = strings.TrimSpace(threadID)
	toolCallID = strings.TrimSpace(toolCallID)

	tx, err := s.begin(ctx)
	if err != nil {
		return state.ToolCall{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if result != nil {
		resultJSON, err := marshalJSON(result)
		if err != nil {
			return state.ToolCall{}, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE tool_calls SET status = ?, result_json = ? WHERE thread_id = ? AND tool_call_id = ?`,
			string(status), resultJSON, threadID, toolCallID)
		if err != nil {
			return state.ToolCall{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return state.ToolCall{}, state.ErrNotFound
		}
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE tool_calls SET status = ? WHERE thread_id = ? AND tool_call_id = ?`,
			string(status), threadID, toolCallID)
		if err != nil {
			return state.ToolCall{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return state.ToolCall{}, state.ErrNotFound
		}
	}
	if err := s.touchTx(ctx, tx, threadID); err != nil {
		return state.ToolCall{}, err
	}

	row := tx.QueryRowContext(ctx, `
SELECT tool_call_id, name, args_json, result_json, status, created_at_unix_ms
FROM tool_calls
WHERE thread_id = ? AND tool_call_id = ?
`, threadID, toolCallID)
	call, err := scanToolCall(row)
	if err != nil {
		return state.ToolCall{}, err
	}
	return call, tx.Commit()
}

func (s *Store) CreateRun(ctx context.Context, runID string, threadID string) (state.Run, error) {
	runID = strings.TrimSpace(runID)
	threadID = strings.TrimSpace(threadID)
	if runID == "" || threadID == "" {
		return state.Run{}, errors.New("invalid run")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE run_id = ?`, runID).Scan(&dup); err != nil {
		return state.Run{}, err
	}
	if dup > 0 {
		return state.Run{}, state.ErrDuplicateID
	}
	now := s.nowMs()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs(run_id, thread_id, status, started_at_unix_ms, completed_at_unix_ms, error)
VALUES(?, ?, ?, ?, 0, '')
`, runID, threadID, string(state.RunPending), now); err != nil {
		return state.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.Run{}, err
	}
	return state.Run{RunID: runID, ThreadID: threadID, Status: state.RunPending, StartedAt: time.UnixMilli(now)}, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (state.Run, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := loadRunTx(ctx, tx, strings.TrimSpace(runID))
	if err != nil {
		return state.Run{}, err
	}
	return r, tx.Commit()
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status state.RunStatus, errMsg string) (state.Run, error) {
	runID = strings.TrimSpace(runID)
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := loadRunTx(ctx, tx, runID)
	if err != nil {
		return state.Run{}, err
	}
	if err := state.CheckTransition(r.Status, status); err != nil {
		s.log.Warn("run status transition rejected", "run_id", runID, "from", r.Status, "to", status)
		return r, err
	}

	r.Status = status
	if status.Terminal() {
		now := s.nowMs()
		completed := time.UnixMilli(now)
		r.CompletedAt = &completed
		r.Error = strings.TrimSpace(errMsg)
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at_unix_ms = ?, error = ? WHERE run_id = ?`,
			string(status), now, r.Error, runID); err != nil {
			return state.Run{}, err
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE run_id = ?`, string(status), runID); err != nil {
		return state.Run{}, err
	}
	return r, tx.Commit()
}

func (s *Store) GetAgentState(ctx context.Context, threadID string) (state.AgentState, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return state.AgentState{}, errors.New("missing thread_id")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return state.AgentState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return state.AgentState{}, err
	}
	a, err := loadAgentTx(ctx, tx, threadID)
	if err != nil {
		return state.AgentState{}, err
	}
	return a, tx.Commit()
}

func (s *Store) MergeCustomState(ctx context.Context, threadID string, values map[string]any) (state.AgentState, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return state.AgentState{}, errors.New("missing thread_id")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return state.AgentState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return state.AgentState{}, err
	}
	a, err := loadAgentTx(ctx, tx, threadID)
	if err != nil {
		return state.AgentState{}, err
	}
	for k, v := range values {
		a.Custom[k] = v
	}
	customJSON, err := marshalJSON(a.Custom)
	if err != nil {
		return state.AgentState{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_states(thread_id, custom_json, current_step) VALUES(?, ?, '')
ON CONFLICT(thread_id) DO UPDATE SET custom_json = excluded.custom_json
`, threadID, customJSON); err != nil {
		return state.AgentState{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.AgentState{}, err
	}
	a.Custom = state.CloneMap(a.Custom)
	return a, nil
}

func (s *Store) SetCurrentStep(ctx context.Context, threadID string, step string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_states(thread_id, custom_json, current_step) VALUES(?, '{}', ?)
ON CONFLICT(thread_id) DO UPDATE SET current_step = excluded.current_step
`, threadID, strings.TrimSpace(step)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddPendingConfirmation(ctx context.Context, threadID string, actionName string, args map[string]any, message string) (state.PendingConfirmation, error) {
	threadID = strings.TrimSpace(threadID)
	actionName = strings.TrimSpace(actionName)
	if threadID == "" || actionName == "" {
		return state.PendingConfirmation{}, errors.New("invalid confirmation")
	}
	now := s.nowMs()
	p := state.PendingConfirmation{
		ID:         state.NewID(),
		ActionName: actionName,
		Args:       state.CloneMap(args),
		Message:    strings.TrimSpace(message),
		CreatedAt:  time.UnixMilli(now),
	}
	if p.Args == nil {
		p.Args = map[string]any{}
	}
	argsJSON, err := marshalJSON(p.Args)
	if err != nil {
		return state.PendingConfirmation{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return state.PendingConfirmation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ensureThreadTx(ctx, tx, threadID); err != nil {
		return state.PendingConfirmation{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO confirmations(confirmation_id, thread_id, action_name, args_json, message, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, p.ID, threadID, p.ActionName, argsJSON, p.Message, now); err != nil {
		return state.PendingConfirmation{}, err
	}
	return p, tx.Commit()
}

func (s *Store) ResolvePendingConfirmation(ctx context.Context, threadID string, confirmationID string) (state.PendingConfirmation, bool, error) {
	threadID = strings.TrimSpace(threadID)
	confirmationID = strings.TrimSpace(confirmationID)
	tx, err := s.begin(ctx)
	if err != nil {
		return state.PendingConfirmation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT confirmation_id, action_name, args_json, message, created_at_unix_ms
FROM confirmations
WHERE thread_id = ? AND confirmation_id = ?
`, threadID, confirmationID)
	p, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.PendingConfirmation{}, false, nil
	}
	if err != nil {
		return state.PendingConfirmation{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM confirmations WHERE thread_id = ? AND confirmation_id = ?`, threadID, confirmationID); err != nil {
		return state.PendingConfirmation{}, false, err
	}
	return p, true, tx.Commit()
}

func (s *Store) GetSnapshot(ctx context.Context, threadID string, runID string) (state.Snapshot, error) {
	threadID = strings.TrimSpace(threadID)
	tx, err := s.begin(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	th, err := loadThreadTx(ctx, tx, threadID)
	if err != nil {
		return state.Snapshot{}, err
	}
	a, err := loadAgentTx(ctx, tx, threadID)
	if err != nil {
		return state.Snapshot{}, err
	}
	snap := state.Snapshot{Thread: th, Agent: a}
	if runID = strings.TrimSpace(runID); runID != "" {
		if r, err := loadRunTx(ctx, tx, runID); err == nil {
			snap.Run = &r
		} else if !errors.Is(err, state.ErrNotFound) {
			return state.Snapshot{}, err
		}
	}
	return snap, tx.Commit()
}

func (s *Store) ensureThreadTx(ctx context.Context, tx *sql.Tx, threadID string) (bool, error) {
	now := s.nowMs()
	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO threads(thread_id, metadata_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, '{}', ?, ?)
`, threadID, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// touchTx moves updated_at forward; it never goes backwards.
func (s *Store) touchTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at_unix_ms = MAX(updated_at_unix_ms, ?) WHERE thread_id = ?`, s.nowMs(), threadID)
	return err
}

func deleteThreadRowsTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE thread_id = ?`,
		`DELETE FROM tool_calls WHERE thread_id = ?`,
		`DELETE FROM confirmations WHERE thread_id = ?`,
		`DELETE FROM agent_states WHERE thread_id = ?`,
		`DELETE FROM threads WHERE thread_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, threadID); err != nil {
			return err
		}
	}
	return nil
}

func loadThreadTx(ctx context.Context, tx *sql.Tx, threadID string) (state.Thread, error) {
	var (
		th        state.Thread
		metaJSON  string
		createdMs int64
		updatedMs int64
	)
	err := tx.QueryRowContext(ctx, `
SELECT thread_id, metadata_json, created_at_unix_ms, updated_at_unix_ms
FROM threads
WHERE thread_id = ?
`, threadID).Scan(&th.ThreadID, &metaJSON, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Thread{}, state.ErrNotFound
	}
	if err != nil {
		return state.Thread{}, err
	}
	th.CreatedAt = time.UnixMilli(createdMs)
	th.UpdatedAt = time.UnixMilli(updatedMs)
	th.Metadata = unmarshalMap(metaJSON)
	if th.Metadata == nil {
		th.Metadata = map[string]any{}
	}

	th.Messages, err = loadMessagesTx(ctx, tx, threadID)
	if err != nil {
		return state.Thread{}, err
	}
	th.ToolCalls, err = loadToolCallsTx(ctx, tx, threadID)
	if err != nil {
		return state.Thread{}, err
	}
	return th, nil
}

func loadMessagesTx(ctx context.Context, tx *sql.Tx, threadID string) ([]state.Message, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT message_id, role, content, metadata_json, created_at_unix_ms
FROM messages
WHERE thread_id = ?
ORDER BY id ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []state.Message{}
	for rows.Next() {
		var (
			m        state.Message
			role     string
			metaJSON string
			ms       int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &metaJSON, &ms); err != nil {
			return nil, err
		}
		m.Role = state.Role(role)
		m.Metadata = unmarshalMap(metaJSON)
		m.Timestamp = time.UnixMilli(ms)
		out = append(out, m)
	}
	return out, rows.Err()
}

func loadToolCallsTx(ctx context.Context, tx *sql.Tx, threadID string) ([]state.ToolCall, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT tool_call_id, name, args_json, result_json, status, created_at_unix_ms
FROM tool_calls
WHERE thread_id = ?
ORDER BY id ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []state.ToolCall{}
	for rows.Next() {
		c, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(r rowScanner) (state.ToolCall, error) {
	var (
		c          state.ToolCall
		argsJSON   string
		resultJSON string
		status     string
		ms         int64
	)
	if err := r.Scan(&c.ID, &c.Name, &argsJSON, &resultJSON, &status, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ToolCall{}, state.ErrNotFound
		}
		return state.ToolCall{}, err
	}
	c.Args = unmarshalMap(argsJSON)
	if c.Args == nil {
		c.Args = map[string]any{}
	}
	if strings.TrimSpace(resultJSON) != "" {
		var v any
		if err := json.Unmarshal([]byte(resultJSON), &v); err == nil {
			c.Result = v
		}
	}
	c.Status = state.ToolCallStatus(status)
	c.Timestamp = time.UnixMilli(ms)
	return c, nil
}

func loadRunTx(ctx context.Context, tx *sql.Tx, runID string) (state.Run, error) {
	var (
		r           state.Run
		status      string
		startedMs   int64
		completedMs int64
	)
	err := tx.QueryRowContext(ctx, `
SELECT run_id, thread_id, status, started_at_unix_ms, completed_at_unix_ms, error
FROM runs
WHERE run_id = ?
`, runID).Scan(&r.RunID, &r.ThreadID, &status, &startedMs, &completedMs, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Run{}, state.ErrNotFound
	}
	if err != nil {
		return state.Run{}, err
	}
	r.Status = state.RunStatus(status)
	r.StartedAt = time.UnixMilli(startedMs)
	if completedMs > 0 {
		t := time.UnixMilli(completedMs)
		r.CompletedAt = &t
	}
	return r, nil
}

func loadAgentTx(ctx context.Context, tx *sql.Tx, threadID string) (state.AgentState, error) {
	a := state.AgentState{Custom: map[string]any{}, PendingConfirmations: []state.PendingConfirmation{}}

	var customJSON string
	err := tx.QueryRowContext(ctx, `SELECT custom_json, current_step FROM agent_states WHERE thread_id = ?`, threadID).Scan(&customJSON, &a.CurrentStep)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state.AgentState{}, err
	default:
		if m := unmarshalMap(customJSON); m != nil {
			a.Custom = m
		}
	}

	rows, err := tx.QueryContext(ctx, `
SELECT confirmation_id, action_name, args_json, message, created_at_unix_ms
FROM confirmations
WHERE thread_id = ?
ORDER BY id ASC
`, threadID)
	if err != nil {
		return state.AgentState{}, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanConfirmation(rows)
		if err != nil {
			return state.AgentState{}, err
		}
		a.PendingConfirmations = append(a.PendingConfirmations, p)
	}
	return a, rows.Err()
}

func scanConfirmation(r rowScanner) (state.PendingConfirmation, error) {
	var (
		p        state.PendingConfirmation
		argsJSON string
		ms       int64
	)
	if err := r.Scan(&p.ID, &p.ActionName, &argsJSON, &p.Message, &ms); err != nil {
		return state.PendingConfirmation{}, err
	}
	p.Args = unmarshalMap(argsJSON)
	if p.Args == nil {
		p.Args = map[string]any{}
	}
	p.CreatedAt = time.UnixMilli(ms)
	return p, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
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
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
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
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id ASC);
CREATE TABLE IF NOT EXISTS tool_calls (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  tool_call_id TEXT NOT NULL,
  name TEXT NOT NULL,
  args_json TEXT NOT NULL DEFAULT '{}',
  result_json TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, tool_call_id)
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_thread ON tool_calls(thread_id, id ASC);
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at_unix_ms INTEGER NOT NULL,
  completed_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id);
CREATE TABLE IF NOT EXISTS agent_states (
  thread_id TEXT PRIMARY KEY,
  custom_json TEXT NOT NULL DEFAULT '{}',
  current_step TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS confirmations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  confirmation_id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL,
  action_name TEXT NOT NULL,
  args_json TEXT NOT NULL DEFAULT '{}',
  message TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_confirmations_thread ON confirmations(thread_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
