package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/floegence/sera-runtime/internal/knowledge"
)

func TestProvider_SearchScoresByRank(t *testing.T) {
	t.Parallel()

	var gotToken, gotQuery, gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		gotCount = r.URL.Query().Get("count")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"First","url":"https://a.example","description":"alpha"},
			{"title":"","url":"https://b.example","description":""},
			{"title":"No URL","url":"","description":"skipped"}
		]}}`))
	}))
	defer srv.Close()

	p, err := NewProvider(Options{APIKey: "k", Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	got, err := p.Search(context.Background(), knowledge.Query{Text: " go generics ", Limit: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotToken != "k" || gotQuery != "go generics" || gotCount != "3" {
		t.Fatalf("request token=%q q=%q count=%q", gotToken, gotQuery, gotCount)
	}
	if len(got) != 2 {
		t.Fatalf("results=%d, want 2", len(got))
	}
	if got[0].Score <= got[1].Score || got[0].Score >= 1 {
		t.Fatalf("scores=%v,%v", got[0].Score, got[1].Score)
	}
	if got[1].Document.Source != "https://b.example" || got[1].Chunk.Content != "https://b.example\nhttps://b.example" {
		t.Fatalf("second=%+v", got[1])
	}
}

func TestProvider_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := NewProvider(Options{APIKey: "k", Endpoint: srv.URL, HTTPClient: srv.Client()})
	_, err := p.Search(context.Background(), knowledge.Query{Text: "q"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests || se.Body != "quota exceeded" {
		t.Fatalf("err=%v, want StatusError 429", err)
	}
}

func TestNewProvider_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewProvider(Options{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := NewProvider(Options{Provider: "bing", APIKey: "k"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
	if _, err := NewProvider(Options{APIKey: "k", Endpoint: "not a url"}); err == nil {
		t.Fatalf("expected invalid endpoint error")
	}
}
