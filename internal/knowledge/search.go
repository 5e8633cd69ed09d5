package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// outcome is the tagged result of one provider's search.
type outcome struct {
	provider string
	results  []Result
	err      error
}

// Search fans q out to every provider concurrently. A failing provider is
// logged and excluded; it never fails the aggregate. Results are sorted by
// descending score and truncated to q.Limit when set.
func (r *Registry) Search(ctx context.Context, q Query) ([]Result, error) {
	if r == nil {
		return nil, errors.New("knowledge registry not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.Text = strings.TrimSpace(q.Text)
	providers := r.Providers()
	if len(providers) == 0 {
		r.log.Debug("no knowledge providers registered")
		return []Result{}, nil
	}

	outcomes := make([]outcome, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			res, err := safeSearch(ctx, p, q)
			outcomes[i] = outcome{provider: p.Name(), results: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	merged := make([]Result, 0)
	for _, o := range outcomes {
		if o.err != nil {
			r.log.Warn("knowledge provider search failed", "provider", o.provider, "error", o.err)
			if r.onFailure != nil {
				r.onFailure(o.provider, o.err)
			}
			continue
		}
		merged = append(merged, o.results...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged, nil
}

// SearchProvider queries one provider. Unlike Search, its failure is returned.
func (r *Registry) SearchProvider(ctx context.Context, name string, q Query) ([]Result, error) {
	p, ok := r.Provider(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, strings.TrimSpace(name))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.Text = strings.TrimSpace(q.Text)
	return safeSearch(ctx, p, q)
}

func (r *Registry) AddDocument(ctx context.Context, providerName string, doc Document) (Document, error) {
	p, ok := r.Provider(providerName)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrProviderNotFound, strings.TrimSpace(providerName))
	}
	ds, ok := p.(DocumentStore)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s cannot add documents", ErrUnsupported, p.Name())
	}
	return ds.AddDocument(ctx, doc)
}

func (r *Registry) RemoveDocument(ctx context.Context, providerName string, documentID string) (bool, error) {
	p, ok := r.Provider(providerName)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrProviderNotFound, strings.TrimSpace(providerName))
	}
	ds, ok := p.(DocumentStore)
	if !ok {
		return false, fmt.Errorf("%w: %s cannot remove documents", ErrUnsupported, p.Name())
	}
	return ds.RemoveDocument(ctx, documentID)
}

func safeSearch(ctx context.Context, p Provider, q Query) (res []Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()
	return p.Search(ctx, q)
}

type BuildOptions struct {
	IncludeReadables    bool
	MaxKnowledgeResults int
	// Categories restricts readables to those tagged with any category.
	Categories []string
}

// DefaultBuildOptions includes readables and up to five knowledge hits.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{IncludeReadables: true, MaxKnowledgeResults: 5}
}

const readablePriority = 100

// BuildContext assembles readables and knowledge hits into context items,
// ordered by descending priority. Ties keep their assembly order.
func (r *Registry) BuildContext(ctx context.Context, query string, opts BuildOptions) ([]ContextItem, error) {
	if r == nil {
		return nil, errors.New("knowledge registry not initialized")
	}
	items := make([]ContextItem, 0)

	if opts.IncludeReadables {
		for _, rd := range r.ReadablesByCategory(opts.Categories) {
			items = append(items, ContextItem{
				ID:       rd.ID,
				Content:  rd.Description + ": " + encodeValue(rd.Value),
				Type:     ContextReadable,
				Priority: readablePriority,
				Metadata: map[string]any{"categories": rd.Categories},
			})
		}
	}

	query = strings.TrimSpace(query)
	if query != "" && opts.MaxKnowledgeResults > 0 {
		results, err := r.Search(ctx, Query{Text: query, Limit: opts.MaxKnowledgeResults})
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			meta := map[string]any{
				"documentId": res.Chunk.DocumentID,
				"score":      res.Score,
			}
			if res.Document != nil && res.Document.Source != "" {
				meta["source"] = res.Document.Source
			}
			items = append(items, ContextItem{
				ID:       res.Chunk.ChunkID,
				Content:  res.Chunk.Content,
				Type:     ContextDocument,
				Priority: int(math.Round(res.Score * 100)),
				Metadata: meta,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority > items[j].Priority })
	return items, nil
}

// FormatContextForPrompt renders items as markdown sections for a system
// prompt. It returns "" when there is nothing to render.
func FormatContextForPrompt(items []ContextItem) string {
	if len(items) == 0 {
		return ""
	}
	var readables, documents []string
	for _, it := range items {
		switch it.Type {
		case ContextReadable:
			readables = append(readables, it.Content)
		case ContextDocument:
			documents = append(documents, it.Content)
		}
	}

	sections := make([]string, 0, 2)
	if len(readables) > 0 {
		sections = append(sections, "## Current Application State\n"+strings.Join(readables, "\n"))
	}
	if len(documents) > 0 {
		sections = append(sections, "## Relevant Knowledge\n"+strings.Join(documents, "\n\n---\n\n"))
	}
	return strings.Join(sections, "\n\n")
}

func encodeValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
