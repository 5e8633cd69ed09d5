package knowledge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type staticProvider struct {
	name    string
	results []Result
	err     error
	panics  bool
}

func (p staticProvider) Name() string { return p.name }

func (p staticProvider) Search(ctx context.Context, q Query) ([]Result, error) {
	if p.panics {
		panic("boom")
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.results, nil
}

func hit(id string, score float64) Result {
	return Result{Chunk: Chunk{DocumentID: "doc_" + id, ChunkID: id, Content: "content " + id}, Score: score}
}

func newTestRegistry(onFailure func(string, error)) *Registry {
	return NewRegistry(Options{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnProviderFailure: onFailure,
	})
}

func TestSearch_SwallowsProviderFailure(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var failed []string
	r := newTestRegistry(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, name)
	})
	r.RegisterProvider(staticProvider{name: "broken", err: errors.New("offline")})
	r.RegisterProvider(staticProvider{name: "good", results: []Result{hit("a", 0.2), hit("b", 0.9), hit("c", 0.5)}})

	got, err := r.Search(context.Background(), Query{Text: "anything"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("results=%d, want 3", len(got))
	}
	for i, want := range []string{"b", "c", "a"} {
		if got[i].Chunk.ChunkID != want {
			t.Fatalf("results[%d]=%s, want %s", i, got[i].Chunk.ChunkID, want)
		}
	}
	if len(failed) != 1 || failed[0] != "broken" {
		t.Fatalf("failed=%v, want [broken]", failed)
	}
}

func TestSearch_PanickingProviderIsIsolated(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	r.RegisterProvider(staticProvider{name: "panics", panics: true})
	r.RegisterProvider(staticProvider{name: "good", results: []Result{hit("a", 0.4)}})

	got, err := r.Search(context.Background(), Query{Text: "q"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ChunkID != "a" {
		t.Fatalf("results=%v", got)
	}
}

func TestSearch_MergesAndLimits(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	r.RegisterProvider(staticProvider{name: "one", results: []Result{hit("a", 0.1), hit("b", 0.7)}})
	r.RegisterProvider(staticProvider{name: "two", results: []Result{hit("c", 0.8), hit("d", 0.3)}})

	got, err := r.Search(context.Background(), Query{Text: "q", Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ChunkID != "c" || got[1].Chunk.ChunkID != "b" {
		t.Fatalf("results=%v", got)
	}
}

func TestSearchProvider_UnknownProvider(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	if _, err := r.SearchProvider(context.Background(), "missing", Query{Text: "q"}); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err=%v, want ErrProviderNotFound", err)
	}
	r.RegisterProvider(staticProvider{name: "static"})
	if _, err := r.AddDocument(context.Background(), "static", Document{Content: "x"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("AddDocument err=%v, want ErrUnsupported", err)
	}
	if !r.UnregisterProvider("static") || r.UnregisterProvider("static") {
		t.Fatalf("UnregisterProvider did not report removal exactly once")
	}
}

func TestBuildContext_ReadablesOnly(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	r.RegisterProvider(staticProvider{name: "good", results: []Result{hit("a", 0.99)}})
	r.SyncReadables([]Readable{
		{ID: "cart", Description: "Shopping cart", Value: map[string]any{"items": 2}},
		{ID: "user", Description: "Current user", Value: "ada"},
	})

	items, err := r.BuildContext(context.Background(), "", BuildOptions{IncludeReadables: true, MaxKnowledgeResults: 0})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items=%d, want 2", len(items))
	}
	if items[0].ID != "cart" || items[1].ID != "user" {
		t.Fatalf("order=%s,%s, want cart,user", items[0].ID, items[1].ID)
	}
	for _, it := range items {
		if it.Priority != 100 || it.Type != ContextReadable {
			t.Fatalf("item=%+v", it)
		}
	}
	if items[0].Content != `Shopping cart: {"items":2}` {
		t.Fatalf("content=%q", items[0].Content)
	}
}

func TestBuildContext_SyncReplacesReadables(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	r.SyncReadables([]Readable{{ID: "a", Description: "A", Value: 1}, {ID: "b", Description: "B", Value: 2}})
	r.SyncReadables([]Readable{{ID: "c", Description: "C", Value: 3}})

	got := r.Readables()
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("readables=%v, want only c", got)
	}
}

func TestBuildContext_CategoriesAndKnowledge(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	r.RegisterProvider(staticProvider{name: "good", results: []Result{
		{Chunk: Chunk{DocumentID: "d1", ChunkID: "d1#0", Content: "doc one"}, Score: 0.456, Document: &Document{ID: "d1", Source: "faq.md"}},
		hit("low", 0.2),
	}})
	r.SyncReadables([]Readable{
		{ID: "a", Description: "A", Value: 1, Categories: []string{"cart"}},
		{ID: "b", Description: "B", Value: 2, Categories: []string{"profile"}},
	})

	items, err := r.BuildContext(context.Background(), "refund policy", BuildOptions{
		IncludeReadables:    true,
		MaxKnowledgeResults: 5,
		Categories:          []string{"cart"},
	})
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items=%d, want 3", len(items))
	}
	if items[0].ID != "a" || items[1].ID != "d1#0" || items[2].ID != "low" {
		t.Fatalf("order=%s,%s,%s", items[0].ID, items[1].ID, items[2].ID)
	}
	if items[1].Priority != 46 || items[1].Metadata["source"] != "faq.md" {
		t.Fatalf("doc item=%+v", items[1])
	}
}

func TestFormatContextForPrompt(t *testing.T) {
	t.Parallel()

	if got := FormatContextForPrompt(nil); got != "" {
		t.Fatalf("empty=%q", got)
	}
	got := FormatContextForPrompt([]ContextItem{
		{Type: ContextReadable, Content: "Cart: 2"},
		{Type: ContextReadable, Content: "User: ada"},
		{Type: ContextDocument, Content: "doc one"},
		{Type: ContextDocument, Content: "doc two"},
	})
	want := "## Current Application State\nCart: 2\nUser: ada\n\n## Relevant Knowledge\ndoc one\n\n---\n\ndoc two"
	if got != want {
		t.Fatalf("got=%q\nwant=%q", got, want)
	}
	onlyDocs := FormatContextForPrompt([]ContextItem{{Type: ContextDocument, Content: "d"}})
	if strings.Contains(onlyDocs, "Application State") {
		t.Fatalf("empty section rendered: %q", onlyDocs)
	}
}
