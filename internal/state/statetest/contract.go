// Package statetest checks that a state.Store implementation honors the store contract.
package statetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/floegence/sera-runtime/internal/state"
)

// Run exercises newStore against the behavior every backend must share.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Helper()

	t.Run("GetOrCreateThreadKeepsCreatedAt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.GetOrCreateThread(ctx, "x")
		if err != nil {
			t.Fatalf("GetOrCreateThread: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		if _, err := s.AddMessage(ctx, "x", state.Message{Role: state.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		again, err := s.GetOrCreateThread(ctx, "x")
		if err != nil {
			t.Fatalf("GetOrCreateThread again: %v", err)
		}
		if !again.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("CreatedAt=%v, want %v", again.CreatedAt, first.CreatedAt)
		}
		if again.UpdatedAt.Before(first.UpdatedAt) {
			t.Fatalf("UpdatedAt went backwards: %v < %v", again.UpdatedAt, first.UpdatedAt)
		}
		if again.UpdatedAt.Before(again.CreatedAt) {
			t.Fatalf("UpdatedAt %v before CreatedAt %v", again.UpdatedAt, again.CreatedAt)
		}
		if len(again.Messages) != 1 || again.Messages[0].Content != "hi" {
			t.Fatalf("messages=%v", again.Messages)
		}
	})

	t.Run("CreateThreadDefaultsID", func(t *testing.T) {
		s := newStore(t)
		th, err := s.CreateThread(context.Background(), "")
		if err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
		if th.ThreadID == "" {
			t.Fatalf("empty thread id")
		}
	})

	t.Run("DuplicateMessageID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.AddMessage(ctx, "t", state.Message{ID: "m1", Role: state.RoleUser, Content: "a"}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		if _, err := s.AddMessage(ctx, "t", state.Message{ID: "m1", Role: state.RoleUser, Content: "b"}); !errors.Is(err, state.ErrDuplicateID) {
			t.Fatalf("err=%v, want ErrDuplicateID", err)
		}
	})

	t.Run("ToolCallLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		call, err := s.AddToolCall(ctx, "t", state.ToolCall{Name: "lookup", Args: map[string]any{"q": "x"}})
		if err != nil {
			t.Fatalf("AddToolCall: %v", err)
		}
		if call.Status != state.ToolCallPending || call.ID == "" {
			t.Fatalf("call=%+v", call)
		}
		updated, err := s.UpdateToolCallStatus(ctx, "t", call.ID, state.ToolCallCompleted, map[string]any{"ok": true})
		if err != nil {
			t.Fatalf("UpdateToolCallStatus: %v", err)
		}
		if updated.Status != state.ToolCallCompleted {
			t.Fatalf("status=%q, want completed", updated.Status)
		}
		if _, err := s.UpdateToolCallStatus(ctx, "t", "missing", state.ToolCallFailed, nil); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("missing tool call err=%v, want ErrNotFound", err)
		}
	})

	t.Run("TerminalRunIsImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateRun(ctx, "r1", "t"); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		r, err := s.UpdateRunStatus(ctx, "r1", state.RunRunning, "")
		if err != nil || r.Status != state.RunRunning || r.CompletedAt != nil {
			t.Fatalf("running: run=%+v err=%v", r, err)
		}
		done, err := s.UpdateRunStatus(ctx, "r1", state.RunCancelled, "")
		if err != nil || done.CompletedAt == nil {
			t.Fatalf("cancelled: run=%+v err=%v", done, err)
		}
		again, err := s.UpdateRunStatus(ctx, "r1", state.RunCompleted, "")
		if !errors.Is(err, state.ErrInvalidTransition) {
			t.Fatalf("err=%v, want ErrInvalidTransition", err)
		}
		if again.Status != state.RunCancelled || !again.CompletedAt.Equal(*done.CompletedAt) {
			t.Fatalf("run changed: %+v", again)
		}
		if _, err := s.UpdateRunStatus(ctx, "nope", state.RunFailed, ""); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("unknown run err=%v, want ErrNotFound", err)
		}
	})

	t.Run("PendingConfirmations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p, err := s.AddPendingConfirmation(ctx, "t", "delete_item", map[string]any{"id": "1"}, "Delete?")
		if err != nil {
			t.Fatalf("AddPendingConfirmation: %v", err)
		}
		agent, err := s.GetAgentState(ctx, "t")
		if err != nil {
			t.Fatalf("GetAgentState: %v", err)
		}
		if len(agent.PendingConfirmations) != 1 || agent.PendingConfirmations[0].ID != p.ID {
			t.Fatalf("pending=%v", agent.PendingConfirmations)
		}
		if _, ok, err := s.ResolvePendingConfirmation(ctx, "t", p.ID); err != nil || !ok {
			t.Fatalf("resolve ok=%v err=%v", ok, err)
		}
		if _, ok, _ := s.ResolvePendingConfirmation(ctx, "t", p.ID); ok {
			t.Fatalf("second resolve succeeded")
		}
	})

	t.Run("CustomStateAndSnapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetSnapshot(ctx, "unknown", ""); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("snapshot of unknown thread err=%v", err)
		}
		if _, err := s.GetOrCreateThread(ctx, "t"); err != nil {
			t.Fatalf("GetOrCreateThread: %v", err)
		}
		if _, err := s.MergeCustomState(ctx, "t", map[string]any{"step": "one"}); err != nil {
			t.Fatalf("MergeCustomState: %v", err)
		}
		if err := s.SetCurrentStep(ctx, "t", "review"); err != nil {
			t.Fatalf("SetCurrentStep: %v", err)
		}
		if _, err := s.CreateRun(ctx, "r", "t"); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		snap, err := s.GetSnapshot(ctx, "t", "r")
		if err != nil {
			t.Fatalf("GetSnapshot: %v", err)
		}
		if snap.Run == nil || snap.Run.RunID != "r" {
			t.Fatalf("run=%v", snap.Run)
		}
		if snap.Agent.Custom["step"] != "one" || snap.Agent.CurrentStep != "review" {
			t.Fatalf("agent=%+v", snap.Agent)
		}
	})

	t.Run("DeleteThread", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetOrCreateThread(ctx, "t"); err != nil {
			t.Fatalf("GetOrCreateThread: %v", err)
		}
		if ok, err := s.DeleteThread(ctx, "t"); err != nil || !ok {
			t.Fatalf("delete ok=%v err=%v", ok, err)
		}
		if ok, _ := s.DeleteThread(ctx, "t"); ok {
			t.Fatalf("second delete reported true")
		}
		if _, err := s.GetThread(ctx, "t"); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("GetThread err=%v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.AddMessage(ctx, "busy", state.Message{Role: state.RoleUser, Content: "x"}); err != nil {
					t.Errorf("AddMessage: %v", err)
				}
			}()
		}
		wg.Wait()
		th, err := s.GetThread(ctx, "busy")
		if err != nil {
			t.Fatalf("GetThread: %v", err)
		}
		if len(th.Messages) != n {
			t.Fatalf("messages=%d, want %d", len(th.Messages), n)
		}
	})
}
