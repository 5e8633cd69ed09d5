package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/sera-runtime/internal/agui"
	"github.com/floegence/sera-runtime/internal/blobstore"
	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/knowledge"
	"github.com/floegence/sera-runtime/internal/state"
)

var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrConfirmationNotFound = errors.New("confirmation not found")
	// ErrRunActive is returned by Execute when another execution already
	// owns the run id.
	ErrRunActive = errors.New("run already active")
)

const (
	DefaultSystemPrompt = "You are Sera, a helpful AI assistant."
	DefaultMaxToolSteps = 8
)

type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClassName   string `json:"className"`
}

func DefaultAgent() AgentInfo {
	return AgentInfo{Name: "SERA", Description: "AI Assistant powered by Claude", ClassName: "SeraAgent"}
}

type RuntimeInfo struct {
	Version                       string               `json:"version"`
	Agents                        map[string]AgentInfo `json:"agents"`
	AudioFileTranscriptionEnabled bool                 `json:"audioFileTranscriptionEnabled"`
}

// RunObserver receives run lifecycle measurements.
type RunObserver interface {
	ObserveRunStart()
	ObserveRunEnd(status string, seconds float64)
}

type Options struct {
	Logger *slog.Logger

	Store        state.Store
	Capabilities *capability.Registry
	// Knowledge is optional. Without it runs carry no assembled context.
	Knowledge *knowledge.Registry
	// Blobs resolves image references in run input. Optional.
	Blobs    blobstore.Store
	Provider Provider

	Model          string
	// TitleModel names the model for title generation. Empty uses Model.
	TitleModel     string
	SystemPrompt   string
	MaxTokens      int64
	ThinkingBudget int64
	MaxToolSteps   int

	Version string
	Agent   AgentInfo

	Observer RunObserver
	Now      func() time.Time
}

// Service is the run orchestrator. It owns no durable state: threads, runs
// and agent state live in the injected store.
type Service struct {
	log *slog.Logger

	store     state.Store
	caps      *capability.Registry
	knowledge *knowledge.Registry
	blobs     blobstore.Store
	provider  Provider

	model          string
	titleModel     string
	systemPrompt   string
	maxTokens      int64
	thinkingBudget int64
	maxToolSteps   int

	version string
	agent   AgentInfo

	observer RunObserver
	now      func() time.Time

	cancels *cancelRegistry
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Capabilities == nil {
		return nil, errors.New("missing Capabilities")
	}
	if opts.Provider == nil {
		return nil, errors.New("missing Provider")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing Model")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	titleModel := strings.TrimSpace(opts.TitleModel)
	if titleModel == "" {
		titleModel = model
	}
	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	maxSteps := opts.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxToolSteps
	}
	agent := opts.Agent
	if strings.TrimSpace(agent.Name) == "" {
		agent = DefaultAgent()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		log:            logger,
		store:          opts.Store,
		caps:           opts.Capabilities,
		knowledge:      opts.Knowledge,
		blobs:          opts.Blobs,
		provider:       opts.Provider,
		model:          model,
		titleModel:     titleModel,
		systemPrompt:   systemPrompt,
		maxTokens:      maxTokens,
		thinkingBudget: opts.ThinkingBudget,
		maxToolSteps:   maxSteps,
		version:        strings.TrimSpace(opts.Version),
		agent:          agent,
		observer:       opts.Observer,
		now:            now,
		cancels:        newCancelRegistry(),
	}, nil
}

func (s *Service) Info() RuntimeInfo {
	return RuntimeInfo{
		Version:                       s.version,
		Agents:                        map[string]AgentInfo{s.agent.Name: s.agent},
		AudioFileTranscriptionEnabled: false,
	}
}

// CheckAgent returns ErrAgentNotFound unless agentID names the served agent.
func (s *Service) CheckAgent(agentID string) error {
	if s == nil {
		return errors.New("ai service not initialized")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("%w: missing agentId", ErrInvalidRequest)
	}
	if agentID != s.agent.Name {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	return nil
}

// PreparedRun is a validated run request with its identifiers resolved.
type PreparedRun struct {
	ThreadID  string
	RunID     string
	MessageID string
	UserID    string

	input RunInput
}

// PrepareRun validates a run request. Nothing is emitted or stored; every
// error it returns is a rejection before the stream starts.
func (s *Service) PrepareRun(ctx context.Context, agentID string, in RunInput, userID string) (PreparedRun, error) {
	if err := s.CheckAgent(agentID); err != nil {
		return PreparedRun{}, err
	}
	if err := in.normalize(); err != nil {
		return PreparedRun{}, err
	}
	if in.RunID != "" {
		if s.cancels.isLive(in.RunID) {
			return PreparedRun{}, fmt.Errorf("%w: run %q is already active", ErrInvalidRequest, in.RunID)
		}
		if _, err := s.store.GetRun(ctx, in.RunID); err == nil {
			return PreparedRun{}, fmt.Errorf("%w: run %q already exists", ErrInvalidRequest, in.RunID)
		} else if !errors.Is(err, state.ErrNotFound) {
			return PreparedRun{}, err
		}
	}
	p := PreparedRun{
		ThreadID:  in.ThreadID,
		RunID:     in.RunID,
		MessageID: state.NewID(),
		UserID:    strings.TrimSpace(userID),
		input:     in,
	}
	if p.ThreadID == "" {
		p.ThreadID = state.NewID()
	}
	if p.RunID == "" {
		p.RunID = state.NewID()
	}
	if p.UserID == "" {
		p.UserID = in.forwardedString("userId")
	}
	return p, nil
}

// Run prepares and executes a run. Rejections are returned before anything
// is written to sink; once the stream starts, failures travel as RUN_ERROR.
func (s *Service) Run(ctx context.Context, agentID string, in RunInput, userID string, sink agui.Sink) error {
	p, err := s.PrepareRun(ctx, agentID, in, userID)
	if err != nil {
		return err
	}
	return s.Execute(ctx, p, sink)
}

// Stop cancels runID on threadID, or every live run of threadID when runID
// is empty. It reports whether a live run matched.
func (s *Service) Stop(threadID string, runID string) bool {
	if s == nil {
		return false
	}
	ok := s.cancels.stop(threadID, runID)
	s.log.Info("run stop requested", "thread_id", strings.TrimSpace(threadID), "run_id", strings.TrimSpace(runID), "matched", ok)
	return ok
}

// LiveRuns lists the run ids currently executing on threadID.
func (s *Service) LiveRuns(threadID string) []string {
	return s.cancels.liveRuns(threadID)
}

// Connect replays the agent state and message history of a known thread and
// closes sink. An unknown thread closes sink without events.
func (s *Service) Connect(ctx context.Context, threadID string, sink agui.Sink) error {
	if s == nil {
		return errors.New("ai service not initialized")
	}
	if sink == nil {
		return errors.New("missing event sink")
	}
	defer func() { _ = sink.Close() }()

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}
	snap, err := s.store.GetSnapshot(ctx, threadID, "")
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := sink.Emit(agui.NewStateSnapshot(snap.Agent)); err != nil {
		return err
	}
	return sink.Emit(agui.NewMessagesSnapshot(snapshotMessages(snap.Thread.Messages)))
}

// Confirm resolves a pending confirmation. A confirmed local action runs
// with the stored arguments; a remote action is handed back to the client.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput, userID string) (capability.Result, error) {
	if s == nil {
		return capability.Result{}, errors.New("ai service not initialized")
	}
	if err := in.normalize(); err != nil {
		return capability.Result{}, err
	}
	pc, ok, err := s.store.ResolvePendingConfirmation(ctx, in.ThreadID, in.ConfirmationID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return capability.Result{}, err
	}
	if !ok {
		return capability.Result{}, fmt.Errorf("%w: %q", ErrConfirmationNotFound, in.ConfirmationID)
	}
	log := s.log.With("thread_id", in.ThreadID, "confirmation_id", pc.ID, "action", pc.ActionName)
	if !in.Confirmed {
		log.Info("confirmation declined")
		return capability.Result{Success: false, Error: "declined"}, nil
	}
	switch s.caps.Location(pc.ActionName) {
	case capability.LocationRemote:
		log.Info("confirmation forwarded to client")
		return capability.Success(map[string]any{"forwardToClient": true}), nil
	case capability.LocationAbsent:
		log.Warn("confirmed action is no longer registered")
		return capability.Result{}, fmt.Errorf("%w: %q", capability.ErrNotFound, pc.ActionName)
	}
	ec := capability.ExecContext{
		ThreadID:  in.ThreadID,
		RunID:     "confirmation:" + pc.ID,
		MessageID: pc.ID,
		UserID:    strings.TrimSpace(userID),
		Metadata:  map[string]any{"confirmed": true},
	}
	res := s.caps.ExecuteLocal(ctx, pc.ActionName, pc.Args, ec)
	log.Info("confirmed action executed", "success", res.Success)
	return res, nil
}

func snapshotMessages(msgs []state.Message) []agui.SnapshotMessage {
	out := make([]agui.SnapshotMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agui.SnapshotMessage{ID: m.ID, Role: string(m.Role), Content: m.Content})
	}
	return out
}
