package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/sera-runtime/internal/knowledge"
)

const (
	SearchKnowledgeName = "search_knowledge"
	CurrentTimeName     = "get_current_time"

	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// KnowledgeSearcher is the part of the knowledge registry search_knowledge needs.
type KnowledgeSearcher interface {
	Search(ctx context.Context, q knowledge.Query) ([]knowledge.Result, error)
}

// RegisterBuiltins registers the built-in local capabilities. search_knowledge
// is skipped when searcher is nil.
func RegisterBuiltins(r *Registry, searcher KnowledgeSearcher, now func() time.Time) error {
	if r == nil {
		return errors.New("capability registry not initialized")
	}
	if now == nil {
		now = time.Now
	}
	if searcher != nil {
		if err := r.RegisterLocal(Definition{
			Name:        SearchKnowledgeName,
			Description: "Search the knowledge base for passages relevant to a query.",
			Parameters: []Parameter{
				{Name: "query", Type: ParamString, Description: "What to look for", Required: true},
				{Name: "limit", Type: ParamNumber, Description: "Maximum number of passages (default 5)"},
			},
		}, searchKnowledgeHandler(searcher)); err != nil {
			return err
		}
	}
	return r.RegisterLocal(Definition{
		Name:        CurrentTimeName,
		Description: "Get the current date and time.",
		Parameters: []Parameter{
			{Name: "timezone", Type: ParamString, Description: "IANA time zone such as Europe/Berlin (default UTC)"},
		},
	}, currentTimeHandler(now))
}

type knowledgeHit struct {
	DocumentID string  `json:"documentId"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Source     string  `json:"source,omitempty"`
}

func searchKnowledgeHandler(searcher KnowledgeSearcher) Handler {
	return func(ctx context.Context, args map[string]any, _ ExecContext) (Result, error) {
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return Result{}, fmt.Errorf("%w: query is empty", ErrInvalidArgs)
		}
		limit := defaultSearchLimit
		if v, ok := intArg(args["limit"]); ok && v > 0 {
			limit = v
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		results, err := searcher.Search(ctx, knowledge.Query{Text: query, Limit: limit})
		if err != nil {
			return Result{}, err
		}
		hits := make([]knowledgeHit, 0, len(results))
		for _, res := range results {
			h := knowledgeHit{DocumentID: res.Chunk.DocumentID, Content: res.Chunk.Content, Score: res.Score}
			if res.Document != nil {
				h.Source = res.Document.Source
			}
			hits = append(hits, h)
		}
		return Success(map[string]any{"query": query, "results": hits}), nil
	}
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func currentTimeHandler(now func() time.Time) Handler {
	return func(ctx context.Context, args map[string]any, _ ExecContext) (Result, error) {
		tz, _ := args["timezone"].(string)
		tz = strings.TrimSpace(tz)
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Result{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgs, tz)
		}
		t := now().In(loc)
		return Success(map[string]any{
			"timezone": tz,
			"time":     t.Format(time.RFC3339),
			"unix":     t.Unix(),
		}), nil
	}
}
