package state

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type MemoryOptions struct {
	Logger *slog.Logger
	// Now overrides the wall clock (tests).
	Now func() time.Time
}

type threadEntry struct {
	mu     sync.Mutex
	thread *Thread
	agent  *AgentState
}

// MemoryStore keeps all state in process memory.
//
// Locking is per key: the index maps are guarded by short critical sections,
// and every thread (with its agent state) has its own mutex.
type MemoryStore struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	threads map[string]*threadEntry

	runsMu sync.Mutex
	runs   map[string]*Run
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		log:     logger,
		now:     now,
		threads: make(map[string]*threadEntry),
		runs:    make(map[string]*Run),
	}
}

func (s *MemoryStore) entry(threadID string) *threadEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[threadID]
}

// ensureEntry returns the entry for threadID, creating it when absent. The
// boolean reports whether the thread was created.
func (s *MemoryStore) ensureEntry(threadID string) (*threadEntry, bool) {
	if e := s.entry(threadID); e != nil {
		return e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.threads[threadID]; e != nil {
		return e, false
	}
	e := &threadEntry{thread: s.newThread(threadID)}
	s.threads[threadID] = e
	return e, true
}

func (s *MemoryStore) newThread(threadID string) *Thread {
	now := s.now()
	return &Thread{
		ThreadID:  threadID,
		Messages:  []Message{},
		ToolCalls: []ToolCall{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *MemoryStore) touch(t *Thread) {
	now := s.now()
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, threadID string) (Thread, error) {
	if s == nil {
		return Thread{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		threadID = NewID()
	}
	e := &threadEntry{thread: s.newThread(threadID)}

	s.mu.Lock()
	s.threads[threadID] = e
	s.mu.Unlock()

	s.log.Debug("thread created", "thread_id", threadID)
	return cloneThread(*e.thread), nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if s == nil {
		return Thread{}, errors.New("store not initialized")
	}
	e := s.entry(normalizeID(threadID))
	if e == nil {
		return Thread{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneThread(*e.thread), nil
}

func (s *MemoryStore) GetOrCreateThread(ctx context.Context, threadID string) (Thread, error) {
	if s == nil {
		return Thread{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		return s.CreateThread(ctx, "")
	}
	e, created := s.ensureEntry(threadID)
	if created {
		s.log.Debug("thread created", "thread_id", threadID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneThread(*e.thread), nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	if s == nil {
		return false, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return false, nil
	}
	delete(s.threads, threadID)
	return true, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, threadID string, msg Message) (Message, error) {
	if s == nil {
		return Message{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		return Message{}, errors.New("missing thread_id")
	}
	if !msg.Role.Valid() {
		return Message{}, errors.New("invalid role")
	}
	msg.ID = normalizeID(msg.ID)
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Metadata = CloneMap(msg.Metadata)

	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.thread.Messages {
		if existing.ID == msg.ID {
			return Message{}, ErrDuplicateID
		}
	}
	e.thread.Messages = append(e.thread.Messages, msg)
	s.touch(e.thread)

	out := msg
	out.Metadata = CloneMap(msg.Metadata)
	return out, nil
}

func (s *MemoryStore) AddToolCall(ctx context.Context, threadID string, call ToolCall) (ToolCall, error) {
	if s == nil {
		return ToolCall{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	call.Name = strings.TrimSpace(call.Name)
	if threadID == "" || call.Name == "" {
		return ToolCall{}, errors.New("invalid tool call")
	}
	call.ID = normalizeID(call.ID)
	if call.ID == "" {
		call.ID = NewID()
	}
	call.Status = ToolCallPending
	call.Result = nil
	if call.Timestamp.IsZero() {
		call.Timestamp = s.now()
	}
	call.Args = CloneMap(call.Args)
	if call.Args == nil {
		call.Args = map[string]any{}
	}

	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.thread.ToolCalls {
		if existing.ID == call.ID {
			return ToolCall{}, ErrDuplicateID
		}
	}
	e.thread.ToolCalls = append(e.thread.ToolCalls, call)
	s.touch(e.thread)
	return cloneToolCall(call), nil
}

func (s *MemoryStore) UpdateToolCallStatus(ctx context.Context, threadID string, toolCallID string, status ToolCallStatus, result any) (ToolCall, error) {
	if s == nil {
		return ToolCall{}, errors.New("store not initialized")
	}
	if !status.Valid() {
		return ToolCall{}, errors.New("invalid tool call status")
	}
	e := s.entry(normalizeID(threadID))
	if e == nil {
		return ToolCall{}, ErrNotFound
	}
	toolCallID = normalizeID(toolCallID)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.thread.ToolCalls {
		c := &e.thread.ToolCalls[i]
		if c.ID != toolCallID {
			continue
		}
		c.Status = status
		if result != nil {
			c.Result = cloneValue(result)
		}
		s.touch(e.thread)
		return cloneToolCall(*c), nil
	}
	return ToolCall{}, ErrNotFound
}

func (s *MemoryStore) CreateRun(ctx context.Context, runID string, threadID string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("store not initialized")
	}
	runID = normalizeID(runID)
	threadID = normalizeID(threadID)
	if runID == "" || threadID == "" {
		return Run{}, errors.New("invalid run")
	}
	r := &Run{RunID: runID, ThreadID: threadID, Status: RunPending, StartedAt: s.now()}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return Run{}, ErrDuplicateID
	}
	s.runs[runID] = r
	return cloneRun(*r), nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("store not initialized")
	}
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	r, ok := s.runs[normalizeID(runID)]
	if !ok {
		return Run{}, ErrNotFound
	}
	return cloneRun(*r), nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("store not initialized")
	}
	runID = normalizeID(runID)

	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if err := CheckTransition(r.Status, status); err != nil {
		s.log.Warn("run status transition rejected", "run_id", runID, "from", r.Status, "to", status)
		return cloneRun(*r), err
	}
	r.Status = status
	if status.Terminal() {
		t := s.now()
		r.CompletedAt = &t
		r.Error = strings.TrimSpace(errMsg)
	}
	return cloneRun(*r), nil
}

func (e *threadEntry) agentLocked() *AgentState {
	if e.agent == nil {
		e.agent = &AgentState{Custom: map[string]any{}, PendingConfirmations: []PendingConfirmation{}}
	}
	return e.agent
}

func (s *MemoryStore) GetAgentState(ctx context.Context, threadID string) (AgentState, error) {
	if s == nil {
		return AgentState{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		return AgentState{}, errors.New("missing thread_id")
	}
	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAgent(*e.agentLocked()), nil
}

func (s *MemoryStore) MergeCustomState(ctx context.Context, threadID string, values map[string]any) (AgentState, error) {
	if s == nil {
		return AgentState{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		return AgentState{}, errors.New("missing thread_id")
	}
	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.agentLocked()
	for k, v := range values {
		a.Custom[k] = cloneValue(v)
	}
	return cloneAgent(*a), nil
}

func (s *MemoryStore) SetCurrentStep(ctx context.Context, threadID string, step string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentLocked().CurrentStep = strings.TrimSpace(step)
	return nil
}

func (s *MemoryStore) AddPendingConfirmation(ctx context.Context, threadID string, actionName string, args map[string]any, message string) (PendingConfirmation, error) {
	if s == nil {
		return PendingConfirmation{}, errors.New("store not initialized")
	}
	threadID = normalizeID(threadID)
	actionName = strings.TrimSpace(actionName)
	if threadID == "" || actionName == "" {
		return PendingConfirmation{}, errors.New("invalid confirmation")
	}
	p := PendingConfirmation{
		ID:         NewID(),
		ActionName: actionName,
		Args:       CloneMap(args),
		Message:    strings.TrimSpace(message),
		CreatedAt:  s.now(),
	}
	if p.Args == nil {
		p.Args = map[string]any{}
	}

	e, _ := s.ensureEntry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.agentLocked()
	a.PendingConfirmations = append(a.PendingConfirmations, p)

	out := p
	out.Args = CloneMap(p.Args)
	return out, nil
}

func (s *MemoryStore) ResolvePendingConfirmation(ctx context.Context, threadID string, confirmationID string) (PendingConfirmation, bool, error) {
	if s == nil {
		return PendingConfirmation{}, false, errors.New("store not initialized")
	}
	e := s.entry(normalizeID(threadID))
	if e == nil {
		return PendingConfirmation{}, false, nil
	}
	confirmationID = normalizeID(confirmationID)

	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.agentLocked()
	for i, p := range a.PendingConfirmations {
		if p.ID != confirmationID {
			continue
		}
		a.PendingConfirmations = append(a.PendingConfirmations[:i:i], a.PendingConfirmations[i+1:]...)
		return p, true, nil
	}
	return PendingConfirmation{}, false, nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, threadID string, runID string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errors.New("store not initialized")
	}
	e := s.entry(normalizeID(threadID))
	if e == nil {
		return Snapshot{}, ErrNotFound
	}

	e.mu.Lock()
	snap := Snapshot{
		Thread: cloneThread(*e.thread),
		Agent:  cloneAgent(*e.agentLocked()),
	}
	e.mu.Unlock()

	if runID = normalizeID(runID); runID != "" {
		if r, err := s.GetRun(ctx, runID); err == nil {
			snap.Run = &r
		}
	}
	return snap, nil
}
