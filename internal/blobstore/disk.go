package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type blobMeta struct {
	ID        string `json:"id"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

// DiskStore keeps each blob as <id>.data next to an <id>.json metadata file.
// Both are written to a temp file and renamed into place.
type DiskStore struct {
	dir  string
	opts Options

	mu sync.Mutex
}

var _ Store = (*DiskStore)(nil)

func NewDiskStore(dir string, opts Options) (*DiskStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("missing blob dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &DiskStore{dir: filepath.Clean(dir), opts: opts.withDefaults()}, nil
}

func (s *DiskStore) paths(id string) (string, string) {
	return filepath.Join(s.dir, id+".data"), filepath.Join(s.dir, id+".json")
}

func (s *DiskStore) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	if s == nil {
		return "", errors.New("blob store not initialized")
	}
	if len(data) == 0 {
		return "", errors.New("empty blob")
	}
	id := contentID(data)
	now := s.opts.Now()
	meta := blobMeta{
		ID:        id,
		Size:      int64(len(data)),
		MimeType:  DetectMime(data, mimeType),
		CreatedAt: now.UnixMilli(),
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	mb = append(mb, '\n')
	dataPath, metaPath := s.paths(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(dataPath, data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(metaPath, mb); err != nil {
		_ = os.Remove(dataPath)
		return "", err
	}
	swept := s.sweepLocked(now)
	s.opts.Logger.Debug("blob stored", "blob_id", id, "mime_type", meta.MimeType, "size", meta.Size, "expired", swept)
	return id, nil
}

func (s *DiskStore) Get(ctx context.Context, id string) (Blob, error) {
	if s == nil {
		return Blob{}, errors.New("blob store not initialized")
	}
	id = strings.TrimSpace(id)
	if !validID(id) {
		return Blob{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return Blob{}, err
	}
	createdAt := time.UnixMilli(meta.CreatedAt)
	if s.opts.Now().Sub(createdAt) > s.opts.TTL {
		return Blob{}, ErrNotFound
	}
	dataPath, _ := s.paths(id)
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return Blob{}, ErrNotFound
	}
	return Blob{ID: meta.ID, MimeType: meta.MimeType, Size: meta.Size, CreatedAt: createdAt, Data: data}, nil
}

func (s *DiskStore) Delete(ctx context.Context, id string) (bool, error) {
	if s == nil {
		return false, errors.New("blob store not initialized")
	}
	id = strings.TrimSpace(id)
	if !validID(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id), nil
}

func (s *DiskStore) readMeta(id string) (blobMeta, error) {
	_, metaPath := s.paths(id)
	mb, err := os.ReadFile(metaPath)
	if err != nil {
		return blobMeta{}, ErrNotFound
	}
	var meta blobMeta
	if err := json.Unmarshal(bytes.TrimSpace(mb), &meta); err != nil {
		return blobMeta{}, errors.New("corrupt blob metadata")
	}
	return meta, nil
}

func (s *DiskStore) removeLocked(id string) bool {
	dataPath, metaPath := s.paths(id)
	errData := os.Remove(dataPath)
	errMeta := os.Remove(metaPath)
	return errData == nil || errMeta == nil
}

func (s *DiskStore) sweepLocked(now time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.opts.Logger.Warn("blob sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !validID(id) {
			continue
		}
		meta, err := s.readMeta(id)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(meta.CreatedAt)) > s.opts.TTL {
			if s.removeLocked(id) {
				n++
			}
		}
	}
	return n
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
