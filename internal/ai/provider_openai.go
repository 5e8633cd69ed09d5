package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/sera-runtime/internal/capability"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// openAIProvider drives the Responses streaming API. It serves both the
// official endpoint and OpenAI-compatible gateways.
type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(baseURL string, apiKey string) *openAIProvider {
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("missing model")
	}
	realToAlias, aliasToReal := toolAliases(req.Tools)

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxTokens)
	}
	inputItems := buildOpenAIInput(req.Messages, realToAlias)
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	if tools := buildOpenAITools(req.Tools, realToAlias); len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var textBuf strings.Builder
	var completed oresponses.Response
	gotCompleted := false
	partials := map[string]*partialCall{} // item_id -> partial

	getPartial := func(itemID string) *partialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &partialCall{id: itemID, order: -1}
		partials[itemID] = pc
		return pc
	}
	adopt := func(pc *partialCall, item oresponses.ResponseOutputItemUnion) {
		if cid := strings.TrimSpace(item.CallID); cid != "" && !pc.started {
			pc.id = cid
		}
		if name := resolveAlias(aliasToReal, item.Name); name != "" {
			pc.name = name
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emitProviderEvent(onEvent, StreamEvent{Type: StreamEventTextDelta, Text: delta})

		case "response.reasoning_summary_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				emitProviderEvent(onEvent, StreamEvent{Type: StreamEventThinkingDelta, Text: delta})
			}

		case "response.output_item.added":
			if strings.TrimSpace(event.Item.Type) != "function_call" {
				continue
			}
			pc := getPartial(event.Item.ID)
			if pc == nil {
				continue
			}
			if pc.order < 0 {
				pc.order = event.OutputIndex
			}
			adopt(pc, event.Item)
			pc.start(onEvent)
			if raw := strings.TrimSpace(event.Item.Arguments); raw != "" {
				pc.appendArgs(onEvent, raw)
			}

		case "response.function_call_arguments.delta":
			pc := getPartial(event.ItemID)
			if pc == nil || pc.ended {
				continue
			}
			pc.appendArgs(onEvent, event.Delta.OfString)

		case "response.function_call_arguments.done":
			pc := getPartial(event.ItemID)
			if pc == nil || pc.ended {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments); raw != "" && strings.TrimSpace(pc.argsRaw.String()) == "" {
				pc.appendArgs(onEvent, raw)
			}
			pc.end(onEvent)

		case "response.output_item.done":
			if strings.TrimSpace(event.Item.Type) != "function_call" {
				continue
			}
			pc := getPartial(event.Item.ID)
			if pc == nil || pc.ended {
				continue
			}
			adopt(pc, event.Item)
			if raw := strings.TrimSpace(event.Item.Arguments); raw != "" && strings.TrimSpace(pc.argsRaw.String()) == "" {
				pc.appendArgs(onEvent, raw)
			}
			pc.end(onEvent)

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return TurnResult{}, err
	}
	if !gotCompleted {
		// Some compatible gateways end the stream without response.completed.
		completed.Status = "completed"
	}

	result := TurnResult{
		FinishReason: mapOpenAIStatus(completed.Status),
		Text:         textBuf.String(),
		Usage: TurnUsage{
			InputTokens:     completed.Usage.InputTokens,
			OutputTokens:    completed.Usage.OutputTokens,
			ReasoningTokens: completed.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}

	ended := make([]*partialCall, 0, len(partials))
	for _, pc := range partials {
		if pc != nil && pc.ended && strings.TrimSpace(pc.id) != "" {
			ended = append(ended, pc)
		}
	}
	sort.SliceStable(ended, func(i, j int) bool {
		if ended[i].order == ended[j].order {
			return ended[i].id < ended[j].id
		}
		return ended[i].order < ended[j].order
	})
	seen := map[string]struct{}{}
	for _, pc := range ended {
		seen[pc.id] = struct{}{}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Args: cloneArgs(pc.args)})
	}

	// Recover tool calls the stream never reported.
	for _, item := range completed.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = fmt.Sprintf("openai_call_%d", len(result.ToolCalls)+1)
		}
		if _, ok := seen[callID]; ok {
			continue
		}
		if _, ok := partials[strings.TrimSpace(item.ID)]; ok {
			continue
		}
		raw := strings.TrimSpace(item.Arguments)
		call := ToolCall{ID: callID, Name: resolveAlias(aliasToReal, item.Name), Args: decodeArgs(raw)}
		result.ToolCalls = append(result.ToolCalls, call)
		emitWholeCall(onEvent, call, raw)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if result.Text == "" {
		result.Text = extractOpenAIResponseText(completed)
	}
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventUsage, Usage: &PartialUsage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens, ReasoningTokens: result.Usage.ReasoningTokens}})
	emitProviderEvent(onEvent, StreamEvent{Type: StreamEventFinishReason, FinishHint: result.FinishReason})
	return result, nil
}

func buildOpenAITools(tools []capability.ProviderTool, realToAlias map[string]string) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if b, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(b, &schema)
		}
		// Optional parameters are not expressible in strict mode.
		tool := oresponses.ToolParamOfFunction(aliasFor(realToAlias, t.Name), schema, false)
		if fn := tool.OfFunction; fn != nil && strings.TrimSpace(t.Description) != "" {
			fn.Description = openai.String(strings.TrimSpace(t.Description))
		}
		out = append(out, tool)
	}
	return out
}

func buildOpenAIInput(messages []Message, realToAlias map[string]string) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	assistantMsgSeq := 0
	for _, msg := range messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			continue
		case "assistant":
			outputContent := make([]oresponses.ResponseOutputMessageContentUnionParam, 0, len(msg.Content))
			flushOutputMessage := func() {
				if len(outputContent) == 0 {
					return
				}
				assistantMsgSeq++
				// Output message ids must start with "msg_".
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					outputContent,
					fmt.Sprintf("msg_hist%d", assistantMsgSeq),
					oresponses.ResponseOutputMessageStatusCompleted,
				))
				outputContent = outputContent[:0]
			}
			for _, part := range msg.Content {
				switch part.Type {
				case PartText:
					text := strings.TrimSpace(part.Text)
					if text == "" {
						continue
					}
					outputContent = append(outputContent, oresponses.ResponseOutputMessageContentUnionParam{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        text,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					})
				case PartToolUse:
					flushOutputMessage()
					callID := strings.TrimSpace(part.ToolCallID)
					name := aliasFor(realToAlias, part.ToolName)
					if callID == "" || name == "" {
						continue
					}
					argsRaw := strings.TrimSpace(part.ArgsJSON)
					if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
						argsRaw = "{}"
					}
					items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				}
			}
			flushOutputMessage()
		default:
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Type {
				case PartText:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
						})
					}
				case PartImage:
					if len(part.Data) == 0 {
						continue
					}
					mime := strings.TrimSpace(part.MimeType)
					if mime == "" {
						mime = "image/png"
					}
					content = append(content, oresponses.ResponseInputContentUnionParam{
						OfInputImage: &oresponses.ResponseInputImageParam{
							Detail:   oresponses.ResponseInputImageDetailAuto,
							ImageURL: openai.String("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(part.Data)),
						},
					})
				case PartToolResult:
					if callID := strings.TrimSpace(part.ToolCallID); callID != "" {
						items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, part.Text))
					}
				}
			}
			if len(content) > 0 {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
