package state

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// CheckTransition reports whether a run may move from one status to another.
// Leaving a terminal status is the only forbidden move.
func CheckTransition(from RunStatus, to RunStatus) error {
	if !to.Valid() {
		return ErrInvalidTransition
	}
	if from.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}

// CloneMap deep-copies JSON-like maps and slices. Other values are copied by assignment.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func cloneThread(t Thread) Thread {
	out := t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		m.Metadata = CloneMap(m.Metadata)
		out.Messages[i] = m
	}
	out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
	for i, c := range t.ToolCalls {
		out.ToolCalls[i] = cloneToolCall(c)
	}
	out.Metadata = CloneMap(t.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}

func cloneToolCall(c ToolCall) ToolCall {
	c.Args = CloneMap(c.Args)
	c.Result = cloneValue(c.Result)
	return c
}

func cloneAgent(a AgentState) AgentState {
	out := AgentState{
		Custom:               CloneMap(a.Custom),
		CurrentStep:          a.CurrentStep,
		PendingConfirmations: make([]PendingConfirmation, len(a.PendingConfirmations)),
	}
	if out.Custom == nil {
		out.Custom = map[string]any{}
	}
	for i, p := range a.PendingConfirmations {
		p.Args = CloneMap(p.Args)
		out.PendingConfirmations[i] = p
	}
	return out
}

func cloneRun(r Run) Run {
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
