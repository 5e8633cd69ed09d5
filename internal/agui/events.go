package agui

import (
	"encoding/json"
	"strings"
)

// EventType is the AG-UI discriminant carried in every event's "type" field.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventStateDelta         EventType = "STATE_DELTA"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Event is the closed set of protocol events. Only types in this package implement it.
type Event interface {
	EventType() EventType
	isEvent()
}

type RunStarted struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId"`
	RunID    string    `json:"runId"`
}

type RunFinished struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"threadId"`
	RunID    string    `json:"runId"`
}

type RunError struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type TextMessageStart struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
}

type TextMessageContent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
	Delta     string    `json:"delta"`
}

type TextMessageEnd struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
}

type ToolCallStart struct {
	Type         EventType `json:"type"`
	ToolCallID   string    `json:"toolCallId"`
	ToolCallName string    `json:"toolCallName"`
}

type ToolCallArgs struct {
	Type       EventType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Delta      string    `json:"delta"`
}

// ToolCallEnd carries the serialized dispatch result. Result is empty for
// calls routed to the client.
type ToolCallEnd struct {
	Type       EventType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Result     string    `json:"result,omitempty"`
}

type StateSnapshot struct {
	Type     EventType `json:"type"`
	Snapshot any       `json:"snapshot"`
}

// PatchOp is one JSON-Patch style operation of a STATE_DELTA.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

const (
	PatchAdd     = "add"
	PatchRemove  = "remove"
	PatchReplace = "replace"
)

type StateDelta struct {
	Type EventType `json:"type"`
	Ops  []PatchOp `json:"delta"`
}

type SnapshotMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessagesSnapshot struct {
	Type     EventType         `json:"type"`
	Messages []SnapshotMessage `json:"messages"`
}

type Custom struct {
	Type  EventType `json:"type"`
	Name  string    `json:"name"`
	Value any       `json:"value"`
}

func (RunStarted) EventType() EventType         { return EventRunStarted }
func (RunFinished) EventType() EventType        { return EventRunFinished }
func (RunError) EventType() EventType           { return EventRunError }
func (TextMessageStart) EventType() EventType   { return EventTextMessageStart }
func (TextMessageContent) EventType() EventType { return EventTextMessageContent }
func (TextMessageEnd) EventType() EventType     { return EventTextMessageEnd }
func (ToolCallStart) EventType() EventType      { return EventToolCallStart }
func (ToolCallArgs) EventType() EventType       { return EventToolCallArgs }
func (ToolCallEnd) EventType() EventType        { return EventToolCallEnd }
func (StateSnapshot) EventType() EventType      { return EventStateSnapshot }
func (StateDelta) EventType() EventType         { return EventStateDelta }
func (MessagesSnapshot) EventType() EventType   { return EventMessagesSnapshot }
func (Custom) EventType() EventType             { return EventCustom }

func (RunStarted) isEvent()         {}
func (RunFinished) isEvent()        {}
func (RunError) isEvent()           {}
func (TextMessageStart) isEvent()   {}
func (TextMessageContent) isEvent() {}
func (TextMessageEnd) isEvent()     {}
func (ToolCallStart) isEvent()      {}
func (ToolCallArgs) isEvent()       {}
func (ToolCallEnd) isEvent()        {}
func (StateSnapshot) isEvent()      {}
func (StateDelta) isEvent()         {}
func (MessagesSnapshot) isEvent()   {}
func (Custom) isEvent()             {}

func NewRunStarted(threadID, runID string) RunStarted {
	return RunStarted{Type: EventRunStarted, ThreadID: threadID, RunID: runID}
}

func NewRunFinished(threadID, runID string) RunFinished {
	return RunFinished{Type: EventRunFinished, ThreadID: threadID, RunID: runID}
}

func NewRunError(message string) RunError {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Unknown error"
	}
	return RunError{Type: EventRunError, Message: message}
}

func NewTextMessageStart(messageID string) TextMessageStart {
	return TextMessageStart{Type: EventTextMessageStart, MessageID: messageID, Role: "assistant"}
}

func NewTextMessageContent(messageID, delta string) TextMessageContent {
	return TextMessageContent{Type: EventTextMessageContent, MessageID: messageID, Delta: delta}
}

func NewTextMessageEnd(messageID string) TextMessageEnd {
	return TextMessageEnd{Type: EventTextMessageEnd, MessageID: messageID}
}

func NewToolCallStart(toolCallID, name string) ToolCallStart {
	return ToolCallStart{Type: EventToolCallStart, ToolCallID: toolCallID, ToolCallName: name}
}

func NewToolCallArgs(toolCallID, delta string) ToolCallArgs {
	return ToolCallArgs{Type: EventToolCallArgs, ToolCallID: toolCallID, Delta: delta}
}

// NewToolCallEnd serializes result as JSON. A nil result produces an event without a result field.
func NewToolCallEnd(toolCallID string, result any) ToolCallEnd {
	ev := ToolCallEnd{Type: EventToolCallEnd, ToolCallID: toolCallID}
	if result == nil {
		return ev
	}
	if s, ok := result.(string); ok {
		ev.Result = s
		return ev
	}
	b, err := json.Marshal(result)
	if err != nil {
		ev.Result = `{"success":false,"error":"unserializable result"}`
		return ev
	}
	ev.Result = string(b)
	return ev
}

func NewStateSnapshot(snapshot any) StateSnapshot {
	return StateSnapshot{Type: EventStateSnapshot, Snapshot: snapshot}
}

func NewStateDelta(ops ...PatchOp) StateDelta {
	return StateDelta{Type: EventStateDelta, Ops: append([]PatchOp(nil), ops...)}
}

func NewMessagesSnapshot(messages []SnapshotMessage) MessagesSnapshot {
	if messages == nil {
		messages = []SnapshotMessage{}
	}
	return MessagesSnapshot{Type: EventMessagesSnapshot, Messages: messages}
}

func NewCustom(name string, value any) Custom {
	return Custom{Type: EventCustom, Name: strings.TrimSpace(name), Value: value}
}

// IsTerminal reports whether ev ends a run's event stream.
func IsTerminal(ev Event) bool {
	if ev == nil {
		return false
	}
	switch ev.EventType() {
	case EventRunFinished, EventRunError:
		return true
	default:
		return false
	}
}
