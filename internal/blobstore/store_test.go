package blobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testOptions(c *clock) Options {
	return Options{TTL: time.Hour, Now: c.Now, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T, c *clock) Store) {
	t.Helper()

	t.Run("PutGetIsContentAddressed", func(t *testing.T) {
		c := &clock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, c)
		ctx := context.Background()

		id, err := s.Put(ctx, pngHeader, "")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		again, err := s.Put(ctx, pngHeader, "image/png")
		if err != nil {
			t.Fatalf("Put again: %v", err)
		}
		if id != again || !validID(id) {
			t.Fatalf("ids=%q,%q", id, again)
		}
		b, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if b.MimeType != "image/png" || string(b.Data) != string(pngHeader) {
			t.Fatalf("blob=%+v", b)
		}
	})

	t.Run("ExpiresAfterTTLAndRefreshes", func(t *testing.T) {
		c := &clock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, c)
		ctx := context.Background()

		id, _ := s.Put(ctx, []byte("first"), "text/plain")
		c.Advance(50 * time.Minute)
		if _, err := s.Put(ctx, []byte("first"), "text/plain"); err != nil {
			t.Fatalf("refresh Put: %v", err)
		}
		c.Advance(50 * time.Minute)
		if _, err := s.Get(ctx, id); err != nil {
			t.Fatalf("refreshed blob expired: %v", err)
		}
		c.Advance(20 * time.Minute)
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err=%v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteAndUnknown", func(t *testing.T) {
		c := &clock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, c)
		ctx := context.Background()

		if _, err := s.Get(ctx, "img_missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err=%v, want ErrNotFound", err)
		}
		id, _ := s.Put(ctx, []byte("x"), "text/plain")
		if ok, _ := s.Delete(ctx, id); !ok {
			t.Fatalf("Delete reported false")
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted blob still readable: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T, c *clock) Store {
		return NewMemoryStore(testOptions(c))
	})
}

func TestDiskStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(t *testing.T, c *clock) Store {
		s, err := NewDiskStore(t.TempDir(), testOptions(c))
		if err != nil {
			t.Fatalf("NewDiskStore: %v", err)
		}
		return s
	})
}

func TestMemoryStore_SweepsOnPut(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(testOptions(c))
	ctx := context.Background()
	_, _ = s.Put(ctx, []byte("old"), "text/plain")
	c.Advance(2 * time.Hour)
	_, _ = s.Put(ctx, []byte("new"), "text/plain")
	if s.Len() != 1 {
		t.Fatalf("Len=%d, want 1", s.Len())
	}
}

func TestValidateImage(t *testing.T) {
	t.Parallel()

	if err := ValidateImage("image/png", 1024); err != nil {
		t.Fatalf("png: %v", err)
	}
	if err := ValidateImage("image/jpeg; charset=binary", 10); err != nil {
		t.Fatalf("jpeg with params: %v", err)
	}
	if err := ValidateImage("image/svg+xml", 10); !errors.Is(err, ErrInvalidImageType) {
		t.Fatalf("svg err=%v", err)
	}
	if err := ValidateImage("image/webp", MaxImageBytes+1); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("size err=%v", err)
	}
}
