package knowledge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

const (
	defaultMemoryProviderName = "memory"
	defaultChunkSize          = 1000
	defaultChunkOverlap       = 100
)

type MemoryProviderOptions struct {
	Name string
	// ChunkSize and ChunkOverlap are measured in runes.
	ChunkSize    int
	ChunkOverlap int
}

type memoryDoc struct {
	doc    Document
	chunks []Chunk
	// lowered chunk contents, parallel to chunks
	lowered []string
}

// MemoryProvider is an in-process keyword index over chunked documents.
type MemoryProvider struct {
	name    string
	size    int
	overlap int

	mu    sync.RWMutex
	docs  map[string]*memoryDoc
	order []string
}

var (
	_ Provider      = (*MemoryProvider)(nil)
	_ DocumentStore = (*MemoryProvider)(nil)
)

func NewMemoryProvider(opts MemoryProviderOptions) *MemoryProvider {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultMemoryProviderName
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := opts.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if opts.ChunkOverlap == 0 && opts.ChunkSize == 0 {
		overlap = defaultChunkOverlap
	}
	return &MemoryProvider{
		name:    name,
		size:    size,
		overlap: overlap,
		docs:    make(map[string]*memoryDoc),
	}
}

func (p *MemoryProvider) Name() string { return p.name }

// AddDocument indexes doc. An empty id is generated; an existing id is replaced.
func (p *MemoryProvider) AddDocument(ctx context.Context, doc Document) (Document, error) {
	if p == nil {
		return Document{}, errors.New("memory provider not initialized")
	}
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if strings.TrimSpace(doc.Content) == "" {
		return Document{}, fmt.Errorf("document %s: empty content", doc.ID)
	}
	doc.Source = strings.TrimSpace(doc.Source)

	md := &memoryDoc{doc: doc}
	for i, span := range splitChunks(doc.Content, p.size, p.overlap) {
		c := Chunk{
			DocumentID:  doc.ID,
			ChunkID:     fmt.Sprintf("%s#%d", doc.ID, i),
			Content:     span.text,
			StartOffset: span.start,
			EndOffset:   span.end,
			Metadata:    doc.Metadata,
		}
		md.chunks = append(md.chunks, c)
		md.lowered = append(md.lowered, strings.ToLower(span.text))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.docs[doc.ID]; !exists {
		p.order = append(p.order, doc.ID)
	}
	p.docs[doc.ID] = md
	return doc, nil
}

func (p *MemoryProvider) RemoveDocument(ctx context.Context, documentID string) (bool, error) {
	if p == nil {
		return false, errors.New("memory provider not initialized")
	}
	documentID = strings.TrimSpace(documentID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.docs[documentID]; !ok {
		return false, nil
	}
	delete(p.docs, documentID)
	p.order = removeString(p.order, documentID)
	return true, nil
}

// Len reports the number of indexed documents.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.docs)
}

// Search scores each chunk by the fraction of distinct query terms it
// contains, so scores fall in [0, 1].
func (p *MemoryProvider) Search(ctx context.Context, q Query) ([]Result, error) {
	if p == nil {
		return nil, errors.New("memory provider not initialized")
	}
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Result, 0)
	for _, id := range p.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		md := p.docs[id]
		if !matchesFilter(md.doc.Metadata, q.Filter) {
			continue
		}
		for i, lowered := range md.lowered {
			score := scoreChunk(lowered, terms)
			if score <= 0 || score < q.MinScore {
				continue
			}
			doc := md.doc
			out = append(out, Result{Chunk: md.chunks[i], Score: score, Document: &doc})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func scoreChunk(lowered string, terms []string) float64 {
	hits := 0
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func matchesFilter(meta map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// tokenize lowercases input and splits it into distinct word terms.
func tokenize(input string) []string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return !(r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "-_")
		if part == "" {
			continue
		}
		if _, exists := seen[part]; exists {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

type span struct {
	text       string
	start, end int
}

// splitChunks cuts content into windows of size runes that overlap by
// overlap runes. Offsets are rune offsets into content.
func splitChunks(content string, size int, overlap int) []span {
	runes := []rune(content)
	if len(runes) <= size {
		return []span{{text: content, start: 0, end: len(runes)}}
	}
	step := size - overlap
	out := make([]span, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, span{text: string(runes[start:end]), start: start, end: end})
		if end == len(runes) {
			break
		}
	}
	return out
}
