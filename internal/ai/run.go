package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/sera-runtime/internal/agui"
	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/knowledge"
	"github.com/floegence/sera-runtime/internal/state"
)

// thinkingBoundary separates streamed thinking from the answer inside one message.
const thinkingBoundary = "\n\n---\n\n"

// run is the per-request state of one orchestrated run. It is confined to
// the goroutine executing the run.
type run struct {
	s    *Service
	sink agui.Sink
	tok  *cancelToken
	log  *slog.Logger

	threadID  string
	runID     string
	messageID string
	userID    string

	// owned is set once this execution created the run record. Until then
	// the record may belong to a concurrent execution and is never written.
	owned      bool
	runStarted bool
	terminated bool
	sinkFailed bool

	msgStarted bool
	msgEnded   bool
	thinking   bool
	thinkingID string
	reply      strings.Builder

	toolsStarted map[string]bool
	usage        TurnUsage
}

// Execute drives a prepared run to a terminal status, writing its events to
// sink. sink is closed exactly once, after the terminal event.
func (s *Service) Execute(ctx context.Context, p PreparedRun, sink agui.Sink) error {
	if s == nil {
		return errors.New("ai service not initialized")
	}
	if sink == nil {
		return errors.New("missing event sink")
	}
	defer func() { _ = sink.Close() }()
	tok, ok := s.cancels.register(p.ThreadID, p.RunID)
	if !ok {
		// Another request is executing the same run id. Report it on this
		// stream only; the live run and its record stay untouched.
		s.log.Warn("run rejected", "thread_id", p.ThreadID, "run_id", p.RunID, "error", ErrRunActive)
		rejected := &run{s: s, sink: sink, tok: tok, log: s.log, threadID: p.ThreadID, runID: p.RunID}
		rejected.startRun()
		rejected.write(agui.NewRunError(ErrRunActive.Error()))
		return fmt.Errorf("run %s: %w", p.RunID, ErrRunActive)
	}
	defer s.cancels.unregister(tok)

	r := &run{
		s:            s,
		sink:         sink,
		tok:          tok,
		log:          s.log.With("thread_id", p.ThreadID, "run_id", p.RunID),
		threadID:     p.ThreadID,
		runID:        p.RunID,
		messageID:    p.MessageID,
		userID:       p.UserID,
		toolsStarted: make(map[string]bool),
	}

	startedAt := s.now()
	if s.observer != nil {
		s.observer.ObserveRunStart()
	}
	status := r.execute(ctx, p.input)
	elapsed := s.now().Sub(startedAt)
	if s.observer != nil {
		s.observer.ObserveRunEnd(string(status), elapsed.Seconds())
	}
	r.log.Info("run ended",
		"status", string(status),
		"duration_ms", elapsed.Milliseconds(),
		"input_tokens", r.usage.InputTokens,
		"output_tokens", r.usage.OutputTokens,
	)
	return nil
}

func (r *run) execute(ctx context.Context, in RunInput) (status state.RunStatus) {
	// Store writes outlive a disconnected client.
	storeCtx := context.WithoutCancel(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("run panicked", "panic", rec)
			status = r.fail(storeCtx, fmt.Errorf("internal error: %v", rec))
		}
	}()
	s := r.s

	if _, err := s.store.GetOrCreateThread(storeCtx, r.threadID); err != nil {
		return r.fail(storeCtx, err)
	}
	if _, err := s.store.CreateRun(storeCtx, r.runID, r.threadID); err != nil {
		return r.fail(storeCtx, err)
	}
	r.owned = true
	r.startRun()
	if _, err := s.store.UpdateRunStatus(storeCtx, r.runID, state.RunRunning, ""); err != nil {
		if !errors.Is(err, state.ErrInvalidTransition) {
			return r.fail(storeCtx, err)
		}
		// Stopped while pending.
		r.tok.cancel()
	}

	if in.Tools != nil {
		s.caps.SyncRemote(in.Tools)
	}
	if in.Context != nil && s.knowledge != nil {
		s.knowledge.SyncReadables(in.Context)
	}
	if in.State != nil {
		agent, err := s.store.MergeCustomState(storeCtx, r.threadID, in.State)
		if err != nil {
			return r.fail(storeCtx, err)
		}
		r.emit(agui.NewStateSnapshot(agent))
	}
	r.recordInput(storeCtx, in)

	system, messages := r.translate(storeCtx, in.Messages)
	if system == "" {
		system = s.systemPrompt
	}
	if grounding := r.assembleKnowledge(ctx, in); grounding != "" {
		system = grounding + "\n\n" + system
	}

	req := TurnRequest{
		Model:          s.model,
		System:         system,
		Messages:       messages,
		Tools:          s.caps.ProviderTools(),
		MaxTokens:      s.maxTokens,
		ThinkingBudget: s.thinkingBudget,
	}
	for step := 0; ; step++ {
		if r.stopped(ctx) {
			break
		}
		res, err := s.provider.StreamTurn(ctx, req, r.onEvent)
		if err != nil {
			if r.stopped(ctx) {
				break
			}
			return r.fail(storeCtx, err)
		}
		r.usage.InputTokens += res.Usage.InputTokens
		r.usage.OutputTokens += res.Usage.OutputTokens
		if len(res.ToolCalls) == 0 || r.stopped(ctx) {
			break
		}
		results, resume := r.dispatchCalls(ctx, storeCtx, res.ToolCalls)
		if !resume || r.stopped(ctx) {
			break
		}
		if step+1 >= s.maxToolSteps {
			r.log.Warn("tool step limit reached", "max_tool_steps", s.maxToolSteps)
			break
		}
		req.Messages = append(req.Messages, assistantTurn(res), Message{Role: "user", Content: results})
	}

	if r.stopped(ctx) {
		return r.finishCancelled(storeCtx)
	}
	return r.finishCompleted(storeCtx)
}

// stopped reports a stop request or a gone client.
func (r *run) stopped(ctx context.Context) bool {
	return r.tok.Cancelled() || ctx.Err() != nil
}

// emit writes a non-terminal event. Nothing is emitted once the run is stopped.
func (r *run) emit(ev agui.Event) bool {
	if r.tok.Cancelled() {
		return false
	}
	return r.write(ev)
}

// write reports whether ev reached the sink.
func (r *run) write(ev agui.Event) bool {
	if r.sinkFailed || r.terminated {
		return false
	}
	if err := r.sink.Emit(ev); err != nil {
		r.sinkFailed = true
		r.log.Warn("event stream write failed", "event", string(ev.EventType()), "error", err)
		return false
	}
	if agui.IsTerminal(ev) {
		r.terminated = true
	}
	return true
}

func (r *run) startRun() {
	if r.runStarted {
		return
	}
	r.runStarted = true
	r.write(agui.NewRunStarted(r.threadID, r.runID))
}

func (r *run) ensureMessage() {
	if r.msgStarted {
		return
	}
	r.msgStarted = r.emit(agui.NewTextMessageStart(r.messageID))
}

func (r *run) endThinking() {
	if !r.thinking {
		return
	}
	r.thinking = false
	r.emit(agui.NewThinkingEnd(r.thinkingID))
}

// closeMessage ends the reply message if it was started. It runs on every
// terminal path, including after a stop.
func (r *run) closeMessage() {
	r.endThinking()
	if !r.msgStarted || r.msgEnded {
		return
	}
	r.msgEnded = true
	r.write(agui.NewTextMessageEnd(r.messageID))
}

func (r *run) onEvent(ev StreamEvent) {
	switch ev.Type {
	case StreamEventThinkingDelta:
		if r.tok.Cancelled() || ev.Text == "" {
			return
		}
		r.ensureMessage()
		if !r.thinking {
			r.thinking = true
			r.thinkingID = state.NewID()
			r.emit(agui.NewThinkingStart(r.thinkingID))
		}
		r.emit(agui.NewTextMessageContent(r.messageID, ev.Text))
		r.emit(agui.NewThinkingContent(r.thinkingID, ev.Text))

	case StreamEventTextDelta:
		if r.tok.Cancelled() || ev.Text == "" {
			return
		}
		r.ensureMessage()
		if r.thinking {
			r.endThinking()
			r.emit(agui.NewTextMessageContent(r.messageID, thinkingBoundary))
		}
		r.reply.WriteString(ev.Text)
		r.emit(agui.NewTextMessageContent(r.messageID, ev.Text))

	case StreamEventToolCallStart:
		if r.tok.Cancelled() || ev.ToolCall == nil || ev.ToolCall.ID == "" {
			return
		}
		r.endThinking()
		if r.toolsStarted[ev.ToolCall.ID] {
			return
		}
		r.toolsStarted[ev.ToolCall.ID] = r.emit(agui.NewToolCallStart(ev.ToolCall.ID, ev.ToolCall.Name))

	case StreamEventToolCallDelta:
		if r.tok.Cancelled() || ev.ToolCall == nil || !r.toolsStarted[ev.ToolCall.ID] {
			return
		}
		if ev.ToolCall.ArgsDelta != "" {
			r.emit(agui.NewToolCallArgs(ev.ToolCall.ID, ev.ToolCall.ArgsDelta))
		}
	}
}

func (r *run) finishCompleted(storeCtx context.Context) state.RunStatus {
	r.closeMessage()
	r.persistReply(storeCtx)
	r.setStatus(storeCtx, state.RunCompleted, "")
	if th, err := r.s.store.GetThread(storeCtx, r.threadID); err == nil {
		r.emit(agui.NewMessagesSnapshot(snapshotMessages(th.Messages)))
	} else {
		r.log.Warn("load thread for messages snapshot failed", "error", err)
	}
	r.clearStep(storeCtx)
	r.write(agui.NewRunFinished(r.threadID, r.runID))
	return state.RunCompleted
}

func (r *run) finishCancelled(storeCtx context.Context) state.RunStatus {
	r.closeMessage()
	r.persistReply(storeCtx)
	r.setStatus(storeCtx, state.RunCancelled, "")
	r.clearStep(storeCtx)
	r.write(agui.NewRunFinished(r.threadID, r.runID))
	return state.RunCancelled
}

func (r *run) fail(storeCtx context.Context, err error) state.RunStatus {
	msg := strings.TrimSpace(err.Error())
	r.log.Error("run failed", "error", err)
	r.startRun()
	r.closeMessage()
	if r.owned {
		r.persistReply(storeCtx)
		r.setStatus(storeCtx, state.RunFailed, msg)
		r.clearStep(storeCtx)
	}
	r.write(agui.NewRunError(msg))
	return state.RunFailed
}

func (r *run) setStatus(storeCtx context.Context, status state.RunStatus, errMsg string) {
	_, err := r.s.store.UpdateRunStatus(storeCtx, r.runID, status, errMsg)
	switch {
	case err == nil, errors.Is(err, state.ErrInvalidTransition):
	case errors.Is(err, state.ErrNotFound):
		r.log.Debug("run status not recorded", "status", string(status))
	default:
		r.log.Warn("update run status failed", "status", string(status), "error", err)
	}
}

func (r *run) clearStep(storeCtx context.Context) {
	if err := r.s.store.SetCurrentStep(storeCtx, r.threadID, ""); err != nil {
		r.log.Debug("clear current step failed", "error", err)
	}
}

// persistReply stores the assistant reply, partial replies included.
func (r *run) persistReply(storeCtx context.Context) {
	text := r.reply.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	_, err := r.s.store.AddMessage(storeCtx, r.threadID, state.Message{
		ID:       r.messageID,
		Role:     state.RoleAssistant,
		Content:  text,
		Metadata: map[string]any{"runId": r.runID},
	})
	if err != nil && !errors.Is(err, state.ErrDuplicateID) {
		r.log.Warn("persist assistant reply failed", "error", err)
	}
}

// recordInput appends incoming user messages and completes tool calls the
// client answered. Clients resend history, so known ids are skipped.
func (r *run) recordInput(storeCtx context.Context, in RunInput) {
	for _, m := range in.Messages {
		switch m.Role {
		case "user":
			msg := state.Message{ID: m.ID, Role: state.RoleUser, Content: m.Content.Text()}
			if ids := m.Content.ImageIDs(); len(ids) > 0 {
				msg.Metadata = map[string]any{"imageIds": ids}
			}
			if _, err := r.s.store.AddMessage(storeCtx, r.threadID, msg); err != nil && !errors.Is(err, state.ErrDuplicateID) {
				r.log.Warn("record user message failed", "error", err)
			}
		case roleTool:
			_, err := r.s.store.UpdateToolCallStatus(storeCtx, r.threadID, m.ToolCallID, state.ToolCallCompleted, m.Content.Text())
			if err != nil && !errors.Is(err, state.ErrNotFound) {
				r.log.Warn("record client tool result failed", "tool_call_id", m.ToolCallID, "error", err)
			}
		}
	}
}

// translate splits off the system message and converts the history into
// provider messages. Image references that cannot be resolved are dropped.
// Every replayed tool call gets a result: the client's when it sent one,
// otherwise the one stored for the thread.
func (r *run) translate(ctx context.Context, msgs []InputMessage) (string, []Message) {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == roleTool {
			answered[m.ToolCallID] = true
		}
	}
	var stored map[string]state.ToolCall

	system := ""
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if system == "" {
				system = strings.TrimSpace(m.Content.Text())
			}
		case "assistant":
			msg := Message{Role: "assistant"}
			if txt := m.Content.Text(); strings.TrimSpace(txt) != "" {
				msg.Content = append(msg.Content, ContentPart{Type: PartText, Text: txt})
			}
			var backfill []ContentPart
			for _, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					continue
				}
				msg.Content = append(msg.Content, ContentPart{
					Type:       PartToolUse,
					ToolCallID: id,
					ToolName:   strings.TrimSpace(tc.Function.Name),
					ArgsJSON:   tc.Function.Arguments,
				})
				if answered[id] {
					continue
				}
				if stored == nil {
					stored = r.storedToolCalls(ctx)
				}
				backfill = append(backfill, storedResultPart(id, stored[id]))
			}
			if len(msg.Content) > 0 {
				out = append(out, msg)
			}
			if len(backfill) > 0 {
				out = append(out, Message{Role: "user", Content: backfill})
			}
		case roleTool:
			part := ContentPart{Type: PartToolResult, ToolCallID: m.ToolCallID, Text: m.Content.Text()}
			// Results answering one assistant turn travel in one user message.
			if n := len(out); n > 0 && isToolResults(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, part)
				continue
			}
			out = append(out, Message{Role: "user", Content: []ContentPart{part}})
		default:
			msg := Message{Role: "user"}
			for _, part := range m.Content.Parts {
				switch part.Type {
				case PartText:
					if strings.TrimSpace(part.Text) != "" {
						msg.Content = append(msg.Content, ContentPart{Type: PartText, Text: part.Text})
					}
				case PartImage:
					if img, ok := r.resolveImage(ctx, part.ImageID); ok {
						msg.Content = append(msg.Content, img)
					}
				}
			}
			if len(msg.Content) > 0 {
				out = append(out, msg)
			}
		}
	}
	return system, out
}

func (r *run) storedToolCalls(ctx context.Context) map[string]state.ToolCall {
	out := make(map[string]state.ToolCall)
	th, err := r.s.store.GetThread(ctx, r.threadID)
	if err != nil {
		r.log.Warn("load stored tool calls failed", "error", err)
		return out
	}
	for _, tc := range th.ToolCalls {
		out[tc.ID] = tc
	}
	return out
}

func isToolResults(m Message) bool {
	if m.Role != "user" || len(m.Content) == 0 {
		return false
	}
	for _, p := range m.Content {
		if p.Type != PartToolResult {
			return false
		}
	}
	return true
}

// storedResultPart renders the recorded outcome of a tool call. A call with
// nothing recorded still gets a failed result so the history stays valid.
func storedResultPart(id string, tc state.ToolCall) ContentPart {
	if tc.Result == nil {
		res := capability.Failure(capability.CodeExecutionFailed, "no result was recorded for this call")
		if tc.Status == state.ToolCallPending {
			res.Error = "the call is still awaiting a result"
		}
		return toolResultPart(ToolCall{ID: id}, res)
	}
	b, err := json.Marshal(tc.Result)
	if err != nil {
		return toolResultPart(ToolCall{ID: id}, capability.Failure(capability.CodeExecutionFailed, "unserializable result"))
	}
	var outcome struct {
		Success *bool `json:"success"`
	}
	_ = json.Unmarshal(b, &outcome)
	isErr := tc.Status == state.ToolCallFailed || (outcome.Success != nil && !*outcome.Success)
	return ContentPart{Type: PartToolResult, ToolCallID: id, Text: string(b), IsError: isErr}
}

func (r *run) resolveImage(ctx context.Context, imageID string) (ContentPart, bool) {
	imageID = strings.TrimSpace(imageID)
	if imageID == "" {
		return ContentPart{}, false
	}
	if r.s.blobs == nil {
		r.log.Warn("image reference dropped", "image_id", imageID, "error", "no blob store configured")
		return ContentPart{}, false
	}
	blob, err := r.s.blobs.Get(ctx, imageID)
	if err != nil {
		r.log.Warn("image reference dropped", "image_id", imageID, "error", err)
		return ContentPart{}, false
	}
	return ContentPart{Type: PartImage, MimeType: blob.MimeType, Data: blob.Data}, true
}

// assembleKnowledge builds the grounding prefix of the system prompt.
func (r *run) assembleKnowledge(ctx context.Context, in RunInput) string {
	kr := r.s.knowledge
	if kr == nil || !in.knowledgeEnabled() {
		return ""
	}
	query := in.lastUserText()
	opts := in.buildOptions()
	if query == "" && len(kr.Readables()) == 0 {
		return ""
	}
	r.emit(agui.NewProgressUpdate("knowledge", 0, "Gathering context"))
	items, err := kr.BuildContext(ctx, query, opts)
	if err != nil {
		r.log.Warn("knowledge assembly failed", "error", err)
		r.emit(agui.NewProgressUpdate("knowledge", 1, "Context unavailable"))
		return ""
	}
	r.emit(agui.NewProgressUpdate("knowledge", 1, fmt.Sprintf("%d context items", len(items))))
	return knowledge.FormatContextForPrompt(items)
}

// dispatchCalls resolves every tool call of one provider turn and returns
// the results to feed back. resume is false when a call was routed to the
// client or parked for confirmation.
func (r *run) dispatchCalls(ctx context.Context, storeCtx context.Context, calls []ToolCall) ([]ContentPart, bool) {
	results := make([]ContentPart, 0, len(calls))
	resume := true
	for _, call := range calls {
		if r.stopped(ctx) {
			return results, false
		}
		part, ok := r.dispatch(ctx, storeCtx, call)
		results = append(results, part)
		if !ok {
			resume = false
		}
	}
	return results, resume
}

func (r *run) dispatch(ctx context.Context, storeCtx context.Context, call ToolCall) (ContentPart, bool) {
	s := r.s
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	log := r.log.With("tool_call_id", call.ID, "tool", call.Name)
	r.ensureToolStarted(call)
	ec := capability.ExecContext{ThreadID: r.threadID, RunID: r.runID, MessageID: r.messageID, UserID: r.userID}

	def, loc, known := s.caps.Lookup(call.Name)
	if !known {
		res := s.caps.ExecuteLocal(ctx, call.Name, args, ec)
		log.Warn("model invoked unknown capability")
		r.emit(agui.NewToolCallEnd(call.ID, res))
		return toolResultPart(call, res), true
	}

	if _, err := s.store.AddToolCall(storeCtx, r.threadID, state.ToolCall{ID: call.ID, Name: call.Name, Args: args}); err != nil && !errors.Is(err, state.ErrDuplicateID) {
		log.Warn("record tool call failed", "error", err)
	}

	switch {
	case def.RequiresConfirmation:
		pc, err := s.store.AddPendingConfirmation(storeCtx, r.threadID, call.Name, args, confirmationMessage(def))
		if err != nil {
			res := capability.Failure(capability.CodeExecutionFailed, err.Error())
			r.updateToolCall(storeCtx, log, call.ID, state.ToolCallFailed, res)
			r.emit(agui.NewToolCallEnd(call.ID, res))
			return toolResultPart(call, res), false
		}
		log.Info("capability awaiting confirmation", "confirmation_id", pc.ID)
		r.emit(agui.NewConfirmationRequest(pc.ID, pc.ActionName, pc.Args, pc.Message))
		r.emit(agui.NewStateDelta(agui.PatchOp{Op: agui.PatchAdd, Path: "/pendingConfirmations/-", Value: pc}))
		res := capability.Result{Success: false, PendingConfirmation: true, ConfirmationID: pc.ID}
		r.emit(agui.NewToolCallEnd(call.ID, res))
		return toolResultPart(call, res), false

	case loc == capability.LocationRemote:
		log.Debug("capability routed to client")
		r.emit(agui.NewToolCallEnd(call.ID, nil))
		return ContentPart{Type: PartToolResult, ToolCallID: call.ID}, false
	}

	r.updateToolCall(storeCtx, log, call.ID, state.ToolCallExecuting, nil)
	if err := s.store.SetCurrentStep(storeCtx, r.threadID, call.Name); err != nil {
		log.Debug("set current step failed", "error", err)
	}
	r.emit(agui.NewProgressUpdate(call.Name, 0, "Running "+call.Name))
	res := s.caps.ExecuteLocal(ctx, call.Name, args, ec)
	status := state.ToolCallCompleted
	if !res.Success {
		status = state.ToolCallFailed
		log.Info("capability failed", "code", string(res.Code), "error", res.Error)
	}
	r.updateToolCall(storeCtx, log, call.ID, status, res)
	r.emit(agui.NewProgressUpdate(call.Name, 1, ""))
	r.emit(agui.NewToolCallEnd(call.ID, res))
	return toolResultPart(call, res), true
}

// ensureToolStarted covers calls whose start the provider never streamed.
func (r *run) ensureToolStarted(call ToolCall) {
	if r.toolsStarted[call.ID] || r.tok.Cancelled() {
		return
	}
	if r.emit(agui.NewToolCallStart(call.ID, call.Name)) {
		r.toolsStarted[call.ID] = true
		r.emit(agui.NewToolCallArgs(call.ID, encodeArgs(call.Args)))
	}
}

func (r *run) updateToolCall(storeCtx context.Context, log *slog.Logger, toolCallID string, status state.ToolCallStatus, result any) {
	if _, err := r.s.store.UpdateToolCallStatus(storeCtx, r.threadID, toolCallID, status, result); err != nil {
		log.Warn("update tool call status failed", "status", string(status), "error", err)
	}
}

func confirmationMessage(def capability.Definition) string {
	if def.Description != "" {
		return fmt.Sprintf("Allow %s? %s", def.Name, def.Description)
	}
	return fmt.Sprintf("Allow %s?", def.Name)
}

func toolResultPart(call ToolCall, res capability.Result) ContentPart {
	b, err := json.Marshal(res)
	if err != nil {
		b = []byte(`{"success":false,"error":"unserializable result"}`)
	}
	return ContentPart{Type: PartToolResult, ToolCallID: call.ID, Text: string(b), IsError: !res.Success}
}

// assistantTurn replays a provider turn that requested tools. Reasoning
// blocks lead, as providers with extended thinking require.
func assistantTurn(res TurnResult) Message {
	msg := Message{Role: "assistant"}
	msg.Content = append(msg.Content, res.Reasoning...)
	if strings.TrimSpace(res.Text) != "" {
		msg.Content = append(msg.Content, ContentPart{Type: PartText, Text: res.Text})
	}
	for _, call := range res.ToolCalls {
		msg.Content = append(msg.Content, ContentPart{
			Type:       PartToolUse,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ArgsJSON:   encodeArgs(call.Args),
		})
	}
	return msg
}
