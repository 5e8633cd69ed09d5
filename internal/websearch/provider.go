package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/floegence/sera-runtime/internal/knowledge"
)

type Options struct {
	// Provider selects the backend. Only "brave" is supported.
	Provider string
	APIKey   string
	// Endpoint overrides the backend URL (tests).
	Endpoint   string
	HTTPClient *http.Client
	// Count is the number of web results requested per query.
	Count int
}

const ProviderBrave = "brave"

// Provider exposes web search as a knowledge provider. Hits are scored by
// rank so the top web result stays below an exact local document match.
type Provider struct {
	brave *braveClient
	count int
}

var _ knowledge.Provider = (*Provider)(nil)

func NewProvider(opts Options) (*Provider, error) {
	backend := strings.TrimSpace(strings.ToLower(opts.Provider))
	if backend != "" && backend != ProviderBrave {
		return nil, fmt.Errorf("unsupported web search provider %q", backend)
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("missing web search api key")
	}
	c, err := newBraveClient(opts.Endpoint, apiKey, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &Provider{brave: c, count: opts.Count}, nil
}

func (p *Provider) Name() string { return "web" }

func (p *Provider) Search(ctx context.Context, q knowledge.Query) ([]knowledge.Result, error) {
	if p == nil || p.brave == nil {
		return nil, errors.New("web search provider not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := strings.TrimSpace(q.Text)
	if query == "" {
		return []knowledge.Result{}, nil
	}
	count := p.count
	if q.Limit > 0 && (count <= 0 || q.Limit < count) {
		count = q.Limit
	}

	hits, err := p.brave.search(ctx, query, count)
	if err != nil {
		return nil, err
	}

	n := len(hits)
	out := make([]knowledge.Result, 0, n)
	for _, h := range hits {
		score := float64(n-h.Rank+1) / float64(n+1)
		if score < q.MinScore {
			continue
		}
		out = append(out, hitResult(h, score))
	}
	return out, nil
}

func hitResult(h webHit, score float64) knowledge.Result {
	var b strings.Builder
	b.WriteString(h.Title)
	if h.Snippet != "" {
		b.WriteString("\n")
		b.WriteString(h.Snippet)
	}
	b.WriteString("\n")
	b.WriteString(h.URL)
	content := b.String()

	meta := map[string]any{"url": h.URL, "title": h.Title, "rank": h.Rank}
	if h.Age != "" {
		meta["age"] = h.Age
	}
	return knowledge.Result{
		Chunk: knowledge.Chunk{
			DocumentID: h.URL,
			ChunkID:    fmt.Sprintf("web:%d:%s", h.Rank, h.URL),
			Content:    content,
			EndOffset:  len([]rune(content)),
			Metadata:   meta,
		},
		Score:    score,
		Document: &knowledge.Document{ID: h.URL, Content: content, Source: h.URL, Metadata: meta},
	}
}
