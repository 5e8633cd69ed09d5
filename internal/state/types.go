package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown threads, runs, tool calls and confirmations.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a run status change leaves a terminal status.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrDuplicateID is returned when a message or tool-call id already exists in the thread.
	ErrDuplicateID = errors.New("duplicate id")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

func (s ToolCallStatus) Valid() bool {
	switch s {
	case ToolCallPending, ToolCallExecuting, ToolCallCompleted, ToolCallFailed:
		return true
	default:
		return false
	}
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Result    any            `json:"result,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

type Thread struct {
	ThreadID  string         `json:"threadId"`
	Messages  []Message      `json:"messages"`
	ToolCalls []ToolCall     `json:"toolCalls"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

type Run struct {
	RunID       string     `json:"runId"`
	ThreadID    string     `json:"threadId"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type PendingConfirmation struct {
	ID         string         `json:"id"`
	ActionName string         `json:"actionName"`
	Args       map[string]any `json:"args"`
	Message    string         `json:"message"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AgentState is the per-thread workflow state. It is created lazily.
type AgentState struct {
	Custom               map[string]any        `json:"custom"`
	CurrentStep          string                `json:"currentStep,omitempty"`
	PendingConfirmations []PendingConfirmation `json:"pendingConfirmations"`
}

type Snapshot struct {
	Thread Thread     `json:"thread"`
	Run    *Run       `json:"run,omitempty"`
	Agent  AgentState `json:"agent"`
}

// Store is the single source of truth for threads, runs and agent state.
//
// Every method is one atomic operation with respect to its key. Returned
// values are copies; mutating them does not affect the store.
type Store interface {
	// CreateThread creates (or resets) a thread. An empty id is replaced by a fresh one.
	CreateThread(ctx context.Context, threadID string) (Thread, error)
	GetThread(ctx context.Context, threadID string) (Thread, error)
	GetOrCreateThread(ctx context.Context, threadID string) (Thread, error)
	DeleteThread(ctx context.Context, threadID string) (bool, error)

	// AddMessage appends msg, defaulting its id and timestamp. The thread is created on demand.
	AddMessage(ctx context.Context, threadID string, msg Message) (Message, error)
	// AddToolCall appends call with status pending, defaulting its id and timestamp.
	AddToolCall(ctx context.Context, threadID string, call ToolCall) (ToolCall, error)
	UpdateToolCallStatus(ctx context.Context, threadID string, toolCallID string, status ToolCallStatus, result any) (ToolCall, error)

	CreateRun(ctx context.Context, runID string, threadID string) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	// UpdateRunStatus returns the unchanged run together with ErrInvalidTransition when the run is already terminal.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) (Run, error)

	GetAgentState(ctx context.Context, threadID string) (AgentState, error)
	MergeCustomState(ctx context.Context, threadID string, values map[string]any) (AgentState, error)
	SetCurrentStep(ctx context.Context, threadID string, step string) error
	AddPendingConfirmation(ctx context.Context, threadID string, actionName string, args map[string]any, message string) (PendingConfirmation, error)
	// ResolvePendingConfirmation removes the confirmation and reports whether it existed.
	ResolvePendingConfirmation(ctx context.Context, threadID string, confirmationID string) (PendingConfirmation, bool, error)

	// GetSnapshot returns ErrNotFound for an unknown thread. An empty runID omits the run.
	GetSnapshot(ctx context.Context, threadID string, runID string) (Snapshot, error)
}
