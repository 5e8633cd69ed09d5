// Package blobstore keeps uploaded media as content-addressed blobs that
// expire after a TTL.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("blob not found")
	ErrInvalidImageType = errors.New("invalid image type")
	ErrTooLarge         = errors.New("blob too large")
)

const (
	// MaxImageBytes caps a single image upload.
	MaxImageBytes int64 = 5 << 20
	DefaultTTL          = time.Hour
	idPrefix            = "img_"
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

type Blob struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Data      []byte    `json:"-"`
}

// Store is the blob collaborator used by the run orchestrator and the upload routes.
type Store interface {
	// Put stores data and returns its id. Storing identical bytes again
	// returns the same id and restarts the TTL.
	Put(ctx context.Context, data []byte, mimeType string) (string, error)
	Get(ctx context.Context, id string) (Blob, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// ValidateImage enforces the image upload rules.
func ValidateImage(mimeType string, size int64) error {
	mt := normalizeMime(mimeType)
	if _, ok := allowedImageTypes[mt]; !ok {
		return fmt.Errorf("%w: %s (allowed: jpeg, png, gif, webp)", ErrInvalidImageType, mt)
	}
	if size > MaxImageBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, MaxImageBytes)
	}
	return nil
}

// DetectMime returns declared unless it is empty or generic, in which case the
// type is sniffed from data.
func DetectMime(data []byte, declared string) string {
	mt := normalizeMime(declared)
	if mt == "" || mt == "application/octet-stream" {
		head := data
		if len(head) > 512 {
			head = head[:512]
		}
		if len(head) > 0 {
			mt = normalizeMime(http.DetectContentType(head))
		}
	}
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}

func normalizeMime(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func contentID(data []byte) string {
	sum := sha256.Sum256(data)
	return idPrefix + hex.EncodeToString(sum[:16])
}

// validID rejects anything that is not a generated id, so ids are safe as file names.
func validID(id string) bool {
	if !strings.HasPrefix(id, idPrefix) || len(id) != len(idPrefix)+32 {
		return false
	}
	_, err := hex.DecodeString(id[len(idPrefix):])
	return err == nil
}
