package chats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeTitles struct {
	mu    sync.Mutex
	calls []string
	title string
}

func (f *fakeTitles) GenerateTitle(_ context.Context, firstMessage string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, firstMessage)
	return f.title
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T, titles TitleGenerator) *Service {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "chats.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := &stepClock{t: time.UnixMilli(1_700_000_000_000)}
	svc, err := NewService(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  st,
		Titles: titles,
		Now:    clock.now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestService_CreateTitlesFromFirstUserMessage(t *testing.T) {
	t.Parallel()

	titles := &fakeTitles{title: "Planning A Kyoto Trip"}
	svc := newTestService(t, titles)
	ctx := context.Background()

	c, err := svc.Create(ctx, "u1", []Message{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "  help me plan kyoto  "},
		{Role: "assistant", Content: "sure"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Title != "Planning A Kyoto Trip" {
		t.Fatalf("title=%q", c.Title)
	}
	if len(titles.calls) != 1 || titles.calls[0] != "help me plan kyoto" {
		t.Fatalf("title calls=%q", titles.calls)
	}
	for _, m := range c.Messages {
		if m.ID == "" || m.CreatedAt.IsZero() {
			t.Fatalf("message not defaulted: %+v", m)
		}
	}

	got, err := svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Messages) != 3 || got.Messages[1].Content != "  help me plan kyoto  " {
		t.Fatalf("stored messages=%+v", got.Messages)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("createdAt=%v, want %v", got.CreatedAt, c.CreatedAt)
	}
}

func TestService_CreateWithoutUserMessage(t *testing.T) {
	t.Parallel()

	titles := &fakeTitles{title: "unused"}
	svc := newTestService(t, titles)
	c, err := svc.Create(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Title != defaultTitle {
		t.Fatalf("title=%q, want %q", c.Title, defaultTitle)
	}
	if len(titles.calls) != 0 {
		t.Fatalf("title generator called for an empty chat")
	}
	if _, err := svc.Create(context.Background(), " ", nil); err == nil {
		t.Fatalf("missing user id accepted")
	}
}

func TestService_OwnershipAndLifecycle(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	ctx := context.Background()

	older, err := svc.Create(ctx, "u1", []Message{{Role: "user", Content: "first"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	newer, err := svc.Create(ctx, "u1", []Message{{Role: "user", Content: "second"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "u2", []Message{{Role: "user", Content: "other"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := svc.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("list order=%+v, want newest first", list)
	}
	if list[0].Messages != nil {
		t.Fatalf("list must omit messages")
	}

	if _, err := svc.Get(ctx, "u2", older.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign Get err=%v, want ErrForbidden", err)
	}
	if _, err := svc.Get(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing Get err=%v, want ErrNotFound", err)
	}

	updated, err := svc.Update(ctx, "u1", older.ID, []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(updated.Messages) != 2 || !updated.UpdatedAt.After(older.UpdatedAt) {
		t.Fatalf("updated=%+v", updated)
	}
	list, _ = svc.ListByUser(ctx, "u1")
	if list[0].ID != older.ID {
		t.Fatalf("updated chat should sort first: %+v", list)
	}
	if _, err := svc.Update(ctx, "u2", older.ID, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign Update err=%v, want ErrForbidden", err)
	}

	if err := svc.Delete(ctx, "u2", older.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign Delete err=%v, want ErrForbidden", err)
	}
	if err := svc.Delete(ctx, "u1", older.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "u1", older.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err=%v, want ErrNotFound", err)
	}
}

func TestTruncateTitle(t *testing.T) {
	t.Parallel()

	short := "short message"
	if got := truncateTitle(short); got != short {
		t.Fatalf("truncate(%q)=%q", short, got)
	}
	long := "ééééééééééééééééééééééééééééééééééééééééééééééééééééééééééé"
	got := []rune(truncateTitle(long))
	if len(got) != 53 || string(got[50:]) != "..." {
		t.Fatalf("truncate(long)=%q", string(got))
	}
}
