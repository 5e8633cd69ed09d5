package knowledge

import (
	"context"
	"errors"
)

var (
	ErrProviderNotFound = errors.New("knowledge provider not found")
	// ErrUnsupported is returned when a provider cannot manage documents.
	ErrUnsupported = errors.New("operation not supported by provider")
)

type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Source is where the document came from: a file path, a URL or a table name.
	Source string `json:"source,omitempty"`
}

type Chunk struct {
	DocumentID  string         `json:"documentId"`
	ChunkID     string         `json:"chunkId"`
	Content     string         `json:"content"`
	StartOffset int            `json:"startOffset"`
	EndOffset   int            `json:"endOffset"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Query struct {
	Text string `json:"query"`
	// Limit caps the merged result count. Zero means no cap.
	Limit    int            `json:"limit,omitempty"`
	MinScore float64        `json:"minScore,omitempty"`
	Filter   map[string]any `json:"filter,omitempty"`
}

type Result struct {
	Chunk    Chunk     `json:"chunk"`
	Score    float64   `json:"score"`
	Document *Document `json:"document,omitempty"`
}

type ContextType string

const (
	ContextDocument ContextType = "document"
	ContextState    ContextType = "state"
	ContextReadable ContextType = "readable"
	ContextCustom   ContextType = "custom"
)

type ContextItem struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Type     ContextType    `json:"type"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Readable is client-pushed application state exposed to the model.
type Readable struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Value       any      `json:"value"`
	Categories  []string `json:"categories,omitempty"`
}

// Provider is a pluggable search backend. Providers fail independently.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Result, error)
}

// DocumentStore is implemented by providers that accept documents.
type DocumentStore interface {
	AddDocument(ctx context.Context, doc Document) (Document, error)
	RemoveDocument(ctx context.Context, documentID string) (bool, error)
}
