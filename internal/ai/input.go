package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/knowledge"
)

// InputPart is one element of an array-form message content.
type InputPart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	ImageID string `json:"imageId,omitempty"`
}

// MessageContent accepts either a plain string or an array of parts.
type MessageContent struct {
	Parts []InputPart
}

func TextContent(text string) MessageContent {
	return MessageContent{Parts: []InputPart{{Type: PartText, Text: text}}}
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	c.Parts = nil
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Parts = []InputPart{{Type: PartText, Text: s}}
		return nil
	}
	var parts []InputPart
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts: %w", err)
	}
	c.Parts = parts
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) == 1 && c.Parts[0].Type == PartText {
		return json.Marshal(c.Parts[0].Text)
	}
	if c.Parts == nil {
		return []byte(`""`), nil
	}
	return json.Marshal(c.Parts)
}

// Text joins the text parts.
func (c MessageContent) Text() string {
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == PartText && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ImageIDs lists the referenced blob ids in order.
func (c MessageContent) ImageIDs() []string {
	var ids []string
	for _, p := range c.Parts {
		if p.Type == PartImage && strings.TrimSpace(p.ImageID) != "" {
			ids = append(ids, strings.TrimSpace(p.ImageID))
		}
	}
	return ids
}

type InputFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// InputToolCall is a tool call the assistant made in an earlier run.
type InputToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type,omitempty"`
	Function InputFunction `json:"function"`
}

// InputMessage is one client-supplied history entry. Role "tool" carries the
// result of a client-executed action in Content.
type InputMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    MessageContent  `json:"content"`
	ToolCalls  []InputToolCall `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// RunInput is the body of a run request.
type RunInput struct {
	ThreadID string         `json:"threadId,omitempty"`
	RunID    string         `json:"runId,omitempty"`
	Messages []InputMessage `json:"messages"`
	State    map[string]any `json:"state,omitempty"`
	// Tools replaces the remote capability namespace when non-nil.
	Tools []capability.Definition `json:"tools,omitempty"`
	// Context replaces the synced readables when non-nil.
	Context        []knowledge.Readable `json:"context,omitempty"`
	ForwardedProps map[string]any       `json:"forwardedProps,omitempty"`
}

const roleTool = "tool"

func (in *RunInput) normalize() error {
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	in.RunID = strings.TrimSpace(in.RunID)
	if len(in.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	for i := range in.Messages {
		m := &in.Messages[i]
		m.ID = strings.TrimSpace(m.ID)
		m.Role = strings.ToLower(strings.TrimSpace(m.Role))
		m.ToolCallID = strings.TrimSpace(m.ToolCallID)
		switch m.Role {
		case "user", "assistant", "system":
		case roleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("%w: messages[%d]: tool message without toolCallId", ErrInvalidRequest, i)
			}
		default:
			return fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	for i := range in.Tools {
		in.Tools[i].Frontend = true
	}
	return nil
}

// lastUserText is the knowledge query of a run.
func (in RunInput) lastUserText() string {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			if txt := strings.TrimSpace(in.Messages[i].Content.Text()); txt != "" {
				return txt
			}
		}
	}
	return ""
}

func (in RunInput) knowledgeEnabled() bool {
	v, ok := in.ForwardedProps["knowledge"]
	if !ok {
		return true
	}
	b, isBool := v.(bool)
	return !isBool || b
}

func (in RunInput) forwardedString(key string) string {
	s, _ := in.ForwardedProps[key].(string)
	return strings.TrimSpace(s)
}

func (in RunInput) forwardedInt(key string) (int, bool) {
	switch n := in.ForwardedProps[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func (in RunInput) forwardedStrings(key string) []string {
	switch v := in.ForwardedProps[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

func (in RunInput) buildOptions() knowledge.BuildOptions {
	opts := knowledge.DefaultBuildOptions()
	if n, ok := in.forwardedInt("maxKnowledgeResults"); ok && n >= 0 {
		opts.MaxKnowledgeResults = n
	}
	opts.Categories = in.forwardedStrings("categories")
	return opts
}

// ConfirmInput resolves a pending confirmation.
type ConfirmInput struct {
	ThreadID       string `json:"threadId"`
	ConfirmationID string `json:"confirmationId"`
	Confirmed      bool   `json:"confirmed"`
}

func (in *ConfirmInput) normalize() error {
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	in.ConfirmationID = strings.TrimSpace(in.ConfirmationID)
	if in.ThreadID == "" || in.ConfirmationID == "" {
		return fmt.Errorf("%w: threadId and confirmationId are required", ErrInvalidRequest)
	}
	return nil
}
