package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/sera-runtime/internal/capability"
)

// StreamEventType is the normalized stream event kind produced by provider adapters.
type StreamEventType string

const (
	StreamEventTextDelta     StreamEventType = "text_delta"
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventToolCallStart StreamEventType = "tool_call_start"
	StreamEventToolCallDelta StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd   StreamEventType = "tool_call_end"
	StreamEventUsage         StreamEventType = "usage"
	StreamEventFinishReason  StreamEventType = "finish_reason"
)

// PartialToolCall describes a tool call while its arguments stream in.
// ArgsDelta is the fragment received since the previous delta event.
type PartialToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	ArgsDelta string         `json:"args_delta,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type PartialUsage struct {
	InputTokens     int64 `json:"input_tokens,omitempty"`
	OutputTokens    int64 `json:"output_tokens,omitempty"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

type StreamEvent struct {
	Type       StreamEventType  `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *PartialToolCall `json:"tool_call,omitempty"`
	Usage      *PartialUsage    `json:"usage,omitempty"`
	FinishHint string           `json:"finish_hint,omitempty"`
}

const (
	PartText       = "text"
	PartImage      = "image"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"

	// Reasoning parts are replayed verbatim ahead of the tool calls of the
	// turn that produced them. Redacted parts carry their opaque payload in Text.
	PartThinking         = "thinking"
	PartRedactedThinking = "redacted_thinking"
)

// ContentPart is one block of a provider message. Image parts carry the raw
// bytes resolved from the blob store.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Data       []byte `json:"-"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// Message is a provider-facing conversational turn. Role is "user" or "assistant".
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type TurnRequest struct {
	Model     string                    `json:"model"`
	System    string                    `json:"system,omitempty"`
	Messages  []Message                 `json:"messages"`
	Tools     []capability.ProviderTool `json:"tools,omitempty"`
	MaxTokens int64                     `json:"max_tokens,omitempty"`

	// ThinkingBudget enables extended thinking when the provider supports it.
	ThinkingBudget int64 `json:"thinking_budget,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type TurnUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

type TurnResult struct {
	FinishReason string     `json:"finish_reason"`
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        TurnUsage  `json:"usage"`
	// Reasoning holds the signed thinking blocks of the turn, in order.
	Reasoning []ContentPart `json:"reasoning,omitempty"`
}

// Provider streams one model turn. onEvent is called synchronously, in
// stream order, from the goroutine that called StreamTurn.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}

const (
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
)

const defaultMaxOutputTokens = 4096

// NewProvider builds the streaming adapter for providerType.
func NewProvider(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimSpace(baseURL)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case ProviderAnthropic:
		return newAnthropicProvider(baseURL, apiKey), nil
	case ProviderOpenAI, ProviderOpenAICompatible:
		return newOpenAIProvider(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func emitProviderEvent(onEvent func(StreamEvent), event StreamEvent) {
	if onEvent != nil {
		onEvent(event)
	}
}

// partialCall accumulates one streamed tool call inside an adapter.
type partialCall struct {
	order int64
	id    string
	name  string

	started bool
	ended   bool
	argsRaw strings.Builder
	args    map[string]any
}

func (pc *partialCall) start(onEvent func(StreamEvent)) {
	if pc == nil || pc.started {
		return
	}
	pc.started = true
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: pc.id, Name: pc.name}})
}

func (pc *partialCall) appendArgs(onEvent func(StreamEvent), fragment string) {
	if pc == nil || fragment == "" {
		return
	}
	pc.start(onEvent)
	pc.argsRaw.WriteString(fragment)
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: pc.id, Name: pc.name, ArgsDelta: fragment}})
}

func (pc *partialCall) end(onEvent func(StreamEvent)) {
	if pc == nil || pc.ended {
		return
	}
	pc.ended = true
	pc.args = decodeArgs(pc.argsRaw.String())
	pc.start(onEvent)
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: pc.id, Name: pc.name, Arguments: cloneArgs(pc.args)}})
}

// emitWholeCall reports a call recovered from the final message that never streamed.
func emitWholeCall(onEvent func(StreamEvent), call ToolCall, raw string) {
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallStart, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name}})
	if raw != "" {
		emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallDelta, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, ArgsDelta: raw}})
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventToolCallEnd, ToolCall: &PartialToolCall{ID: call.ID, Name: call.Name, Arguments: cloneArgs(call.Args)}})
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeProviderToolName maps a capability name onto the [A-Za-z0-9_-] alphabet providers accept.
func sanitizeProviderToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// toolAliases returns the sanitized name used on the wire for every tool and the reverse mapping.
func toolAliases(tools []capability.ProviderTool) (map[string]string, map[string]string) {
	realToAlias := make(map[string]string, len(tools))
	aliasToReal := make(map[string]string, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		alias := sanitizeProviderToolName(name)
		realToAlias[name] = alias
		aliasToReal[alias] = name
	}
	return realToAlias, aliasToReal
}

func resolveAlias(aliasToReal map[string]string, name string) string {
	name = strings.TrimSpace(name)
	if real, ok := aliasToReal[name]; ok {
		return real
	}
	return name
}

func aliasFor(realToAlias map[string]string, name string) string {
	name = strings.TrimSpace(name)
	if alias, ok := realToAlias[name]; ok {
		return alias
	}
	return sanitizeProviderToolName(name)
}
