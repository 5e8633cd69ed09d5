package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/floegence/sera-runtime/internal/capability"
)

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(baseURL string, apiKey string) *anthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}
	realToAlias, aliasToReal := toolAliases(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages, realToAlias),
		Tools:     buildAnthropicTools(req.Tools, realToAlias),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = req.MaxTokens
	}
	if req.ThinkingBudget >= 1024 && req.ThinkingBudget < params.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(req.ThinkingBudget)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	var textBuf strings.Builder
	partials := map[int64]*partialCall{} // content_block index -> partial

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return TurnResult{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(partials)+1)
			}
			pc := &partialCall{order: variant.Index, id: callID, name: resolveAlias(aliasToReal, variant.ContentBlock.Name)}
			partials[variant.Index] = pc
			pc.start(onEvent)
			if variant.ContentBlock.Input != nil {
				if b, err := json.Marshal(variant.ContentBlock.Input); err == nil {
					if raw := strings.TrimSpace(string(b)); raw != "" && raw != "{}" && raw != "null" {
						pc.appendArgs(onEvent, raw)
					}
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta.Text})
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					emitProviderEvent(onEvent, StreamEvent{Type: StreamEventThinkingDelta, Text: delta.Thinking})
				}
			case anthropic.InputJSONDelta:
				pc := partials[variant.Index]
				if pc == nil || pc.ended {
					continue
				}
				pc.appendArgs(onEvent, delta.PartialJSON)
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil || pc.ended {
				continue
			}
			if strings.TrimSpace(pc.argsRaw.String()) == "" {
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						pc.argsRaw.WriteString(strings.TrimSpace(string(tu.Input)))
					}
				}
			}
			pc.end(onEvent)
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}

	result := TurnResult{
		FinishReason: mapAnthropicStopReason(msg.StopReason),
		Text:         textBuf.String(),
		Reasoning:    anthropicReasoning(msg.Content),
		Usage: TurnUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	seen := map[string]struct{}{}
	indices := make([]int64, 0, len(partials))
	for idx, pc := range partials {
		if pc != nil && pc.ended {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		pc := partials[idx]
		seen[pc.id] = struct{}{}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Args: cloneArgs(pc.args)})
	}

	// Recover tool calls the stream never reported.
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		callID := strings.TrimSpace(tu.ID)
		if callID == "" {
			callID = fmt.Sprintf("anthropic_call_%d", len(result.ToolCalls)+1)
		}
		if _, ok := seen[callID]; ok {
			continue
		}
		raw := strings.TrimSpace(string(tu.Input))
		call := ToolCall{ID: callID, Name: resolveAlias(aliasToReal, tu.Name), Args: decodeArgs(raw)}
		result.ToolCalls = append(result.ToolCalls, call)
		emitWholeCall(onEvent, call, raw)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &PartialUsage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}})
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

// anthropicReasoning keeps the thinking blocks a tool loop must send back.
func anthropicReasoning(blocks []anthropic.ContentBlockUnion) []ContentPart {
	var out []ContentPart
	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if b.Signature == "" {
				continue
			}
			out = append(out, ContentPart{Type: PartThinking, Text: b.Thinking, Signature: b.Signature})
		case "redacted_thinking":
			if b.Data != "" {
				out = append(out, ContentPart{Type: PartRedactedThinking, Text: b.Data})
			}
		}
	}
	return out
}

func buildAnthropicTools(tools []capability.ProviderTool, realToAlias map[string]string) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		param := anthropic.ToolParam{
			Name:        aliasFor(realToAlias, name),
			Description: anthropic.String(strings.TrimSpace(t.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: t.InputSchema.Properties,
				Required:   t.InputSchema.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func buildAnthropicMessages(messages []Message, realToAlias map[string]string) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == "system" {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, part := range msg.Content {
			switch part.Type {
			case PartThinking:
				if role == "assistant" && part.Signature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(part.Signature, part.Text))
				}
			case PartRedactedThinking:
				if role == "assistant" && part.Text != "" {
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(part.Text))
				}
			case PartText:
				if txt := strings.TrimSpace(part.Text); txt != "" {
					blocks = append(blocks, anthropic.NewTextBlock(txt))
				}
			case PartImage:
				if len(part.Data) == 0 {
					continue
				}
				mediaType := strings.TrimSpace(part.MimeType)
				if mediaType == "" {
					mediaType = "image/png"
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(part.Data)))
			case PartToolUse:
				id := strings.TrimSpace(part.ToolCallID)
				if id == "" {
					continue
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(part.ArgsJSON), aliasFor(realToAlias, part.ToolName)))
			case PartToolResult:
				id := strings.TrimSpace(part.ToolCallID)
				if id == "" {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(id, part.Text, part.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}
