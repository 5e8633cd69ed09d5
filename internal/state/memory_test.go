package state_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/floegence/sera-runtime/internal/state"
	"github.com/floegence/sera-runtime/internal/state/statetest"
)

func newMemoryStore(t *testing.T) state.Store {
	return state.NewMemoryStore(state.MemoryOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestMemoryStore_Contract(t *testing.T) {
	t.Parallel()
	statetest.Run(t, newMemoryStore)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx := context.Background()
	if _, err := s.AddMessage(ctx, "t", state.Message{Role: state.RoleUser, Content: "a", Metadata: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	th, err := s.GetThread(ctx, "t")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	th.Messages[0].Content = "mutated"
	th.Messages[0].Metadata["k"] = "mutated"

	again, _ := s.GetThread(ctx, "t")
	if again.Messages[0].Content != "a" || again.Messages[0].Metadata["k"] != "v" {
		t.Fatalf("store leaked internal state: %+v", again.Messages[0])
	}
}

func TestMemoryStore_PendingRunCanBeCancelled(t *testing.T) {
	t.Parallel()

	s := newMemoryStore(t)
	ctx := context.Background()
	if _, err := s.CreateRun(ctx, "r", "t"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	r, err := s.UpdateRunStatus(ctx, "r", state.RunCancelled, "")
	if err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if r.Status != state.RunCancelled || r.CompletedAt == nil {
		t.Fatalf("run=%+v", r)
	}
}

func TestCheckTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to state.RunStatus
		ok       bool
	}{
		{state.RunPending, state.RunRunning, true},
		{state.RunRunning, state.RunCompleted, true},
		{state.RunRunning, state.RunFailed, true},
		{state.RunCompleted, state.RunRunning, false},
		{state.RunFailed, state.RunCancelled, false},
		{state.RunCancelled, state.RunCancelled, false},
		{state.RunRunning, state.RunStatus("bogus"), false},
	}
	for _, tc := range cases {
		err := state.CheckTransition(tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Fatalf("%s->%s err=%v, want ok=%v", tc.from, tc.to, err, tc.ok)
		}
	}
}
