package blobstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return o
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	opts Options

	mu    sync.Mutex
	blobs map[string]Blob
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), blobs: make(map[string]Blob)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	if s == nil {
		return "", errors.New("blob store not initialized")
	}
	if len(data) == 0 {
		return "", errors.New("empty blob")
	}
	id := contentID(data)
	now := s.opts.Now()
	b := Blob{
		ID:        id,
		MimeType:  DetectMime(data, mimeType),
		Size:      int64(len(data)),
		CreatedAt: now,
		Data:      append([]byte(nil), data...),
	}

	s.mu.Lock()
	s.blobs[id] = b
	swept := s.sweepLocked(now)
	s.mu.Unlock()

	s.opts.Logger.Debug("blob stored", "blob_id", id, "mime_type", b.MimeType, "size", b.Size, "expired", swept)
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Blob, error) {
	if s == nil {
		return Blob{}, errors.New("blob store not initialized")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok || s.expired(b, s.opts.Now()) {
		return Blob{}, ErrNotFound
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if s == nil {
		return false, errors.New("blob store not initialized")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return false, nil
	}
	delete(s.blobs, id)
	return true, nil
}

// Len reports stored blobs, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *MemoryStore) expired(b Blob, now time.Time) bool {
	return now.Sub(b.CreatedAt) > s.opts.TTL
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for id, b := range s.blobs {
		if s.expired(b, now) {
			delete(s.blobs, id)
			n++
		}
	}
	return n
}
