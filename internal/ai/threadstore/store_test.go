package threadstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/floegence/sera-runtime/internal/state"
	"github.com/floegence/sera-runtime/internal/state/statetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStore_Contract(t *testing.T) {
	t.Parallel()
	statetest.Run(t, func(t *testing.T) state.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "state.sqlite"))
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.sqlite")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.AddMessage(ctx, "th_1", state.Message{ID: "m1", Role: state.RoleUser, Content: "hello", Metadata: map[string]any{"source": "test"}}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	call, err := s.AddToolCall(ctx, "th_1", state.ToolCall{ID: "tc_1", Name: "lookup", Args: map[string]any{"q": "x"}})
	if err != nil {
		t.Fatalf("AddToolCall: %v", err)
	}
	if _, err := s.UpdateToolCallStatus(ctx, "th_1", call.ID, state.ToolCallCompleted, map[string]any{"hits": 2}); err != nil {
		t.Fatalf("UpdateToolCallStatus: %v", err)
	}
	if _, err := s.CreateRun(ctx, "run_1", "th_1"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.UpdateRunStatus(ctx, "run_1", state.RunFailed, "boom"); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := s.MergeCustomState(ctx, "th_1", map[string]any{"draft": "v1"}); err != nil {
		t.Fatalf("MergeCustomState: %v", err)
	}
	_ = s.Close()

	s2 := openTestStore(t, dbPath)
	snap, err := s2.GetSnapshot(ctx, "th_1", "run_1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(snap.Thread.Messages) != 1 || snap.Thread.Messages[0].Metadata["source"] != "test" {
		t.Fatalf("messages=%+v", snap.Thread.Messages)
	}
	if len(snap.Thread.ToolCalls) != 1 {
		t.Fatalf("tool calls=%+v", snap.Thread.ToolCalls)
	}
	res, _ := snap.Thread.ToolCalls[0].Result.(map[string]any)
	if res["hits"] != float64(2) {
		t.Fatalf("result=%v", snap.Thread.ToolCalls[0].Result)
	}
	if snap.Run == nil || snap.Run.Status != state.RunFailed || snap.Run.Error != "boom" {
		t.Fatalf("run=%+v", snap.Run)
	}
	if snap.Agent.Custom["draft"] != "v1" {
		t.Fatalf("custom=%v", snap.Agent.Custom)
	}
}

func TestStore_CreateThreadResetsExisting(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), "state.sqlite"))
	ctx := context.Background()
	if _, err := s.AddMessage(ctx, "th", state.Message{Role: state.RoleUser, Content: "a"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := s.AddPendingConfirmation(ctx, "th", "delete", nil, "sure?"); err != nil {
		t.Fatalf("AddPendingConfirmation: %v", err)
	}
	th, err := s.CreateThread(ctx, "th")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if len(th.Messages) != 0 {
		t.Fatalf("messages=%d, want 0", len(th.Messages))
	}
	agent, err := s.GetAgentState(ctx, "th")
	if err != nil {
		t.Fatalf("GetAgentState: %v", err)
	}
	if len(agent.PendingConfirmations) != 0 {
		t.Fatalf("pending=%v, want none", agent.PendingConfirmations)
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
