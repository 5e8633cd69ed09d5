package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_AppendListNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Append(Entry{Action: ActionRunStarted, ThreadID: "t1", RunID: "r1"})
	s.Append(Entry{Action: ActionRunStopped, ThreadID: "t1", RunID: "r1", Status: StatusFailure, Error: "no active run"})

	got, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].Action != ActionRunStopped || got[0].Status != StatusFailure {
		t.Fatalf("newest=%+v", got[0])
	}
	if got[1].Status != StatusSuccess || got[1].CreatedAt == "" {
		t.Fatalf("defaults not applied: %+v", got[1])
	}

	st, err := os.Stat(filepath.Join(s.dir, activeName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", st.Mode().Perm())
	}
}

func TestStore_ListByUser(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Append(Entry{Action: ActionChatCreated, UserID: "alice", ChatID: "c1"})
	s.Append(Entry{Action: ActionChatCreated, UserID: "bob", ChatID: "c2"})
	s.Append(Entry{Action: ActionChatDeleted, UserID: "alice", ChatID: "c1"})

	got, err := s.ListByUser("alice", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].Action != ActionChatDeleted || got[1].Action != ActionChatCreated {
		t.Fatalf("alice entries=%+v", got)
	}
	got, _ = s.ListByUser("alice", 1)
	if len(got) != 1 || got[0].Action != ActionChatDeleted {
		t.Fatalf("limited=%+v, want newest only", got)
	}
	if _, err := s.ListByUser(" ", 10); err == nil {
		t.Fatalf("ListByUser accepted an empty user")
	}
}

func TestStore_RotatesAndPrunesBackups(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Dir: t.TempDir(), MaxBytes: 64, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	for i := 0; i < 10; i++ {
		s.Append(Entry{Action: ActionChatCreated, ChatID: strings.Repeat("c", 40)})
	}

	rotated := s.rotatedLocked()
	if len(rotated) != 2 {
		t.Fatalf("rotated=%v, want 2 backups", rotated)
	}
	got, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) == 0 || len(got) >= 10 {
		t.Fatalf("len=%d, want pruned history", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, _ := time.Parse(time.RFC3339Nano, got[i-1].CreatedAt)
		cur, _ := time.Parse(time.RFC3339Nano, got[i].CreatedAt)
		if prev.Before(cur) {
			t.Fatalf("entries not newest first at %d: %s < %s", i, got[i-1].CreatedAt, got[i].CreatedAt)
		}
	}
}

func TestStore_NilIsNoop(t *testing.T) {
	t.Parallel()

	var s *Store
	s.Append(Entry{Action: ActionRunStarted})
	got, err := s.List(10)
	if err != nil || got != nil {
		t.Fatalf("got=%v err=%v", got, err)
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New accepted empty Dir")
	}
}
