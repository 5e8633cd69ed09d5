package ai

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageContent_UnmarshalStringAndParts(t *testing.T) {
	t.Parallel()

	var in RunInput
	raw := `{
		"threadId": " t1 ",
		"messages": [
			{"id": "m1", "role": "user", "content": "plain"},
			{"id": "m2", "role": "USER", "content": [
				{"type": "text", "text": "look"},
				{"type": "image", "imageId": "img-1"},
				{"type": "text", "text": "here"}
			]},
			{"role": "tool", "toolCallId": "call_1", "content": "{\"ok\":true}"}
		],
		"tools": [{"name": "open_page", "description": "Open a page", "parameters": []}],
		"forwardedProps": {"maxKnowledgeResults": 2, "categories": ["docs", ""], "knowledge": false}
	}`
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := in.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.ThreadID != "t1" {
		t.Fatalf("threadId=%q, want trimmed", in.ThreadID)
	}
	if got := in.Messages[0].Content.Text(); got != "plain" {
		t.Fatalf("string content=%q", got)
	}
	second := in.Messages[1]
	if second.Role != "user" {
		t.Fatalf("role=%q, want lowercased", second.Role)
	}
	if got := second.Content.Text(); got != "look\nhere" {
		t.Fatalf("parts text=%q", got)
	}
	if ids := second.Content.ImageIDs(); len(ids) != 1 || ids[0] != "img-1" {
		t.Fatalf("image ids=%v", ids)
	}
	if !in.Tools[0].Frontend {
		t.Fatalf("client tools must be marked frontend")
	}
	if got := in.lastUserText(); got != "look\nhere" {
		t.Fatalf("lastUserText=%q", got)
	}
	if in.knowledgeEnabled() {
		t.Fatalf("knowledge=false in forwardedProps was ignored")
	}
	opts := in.buildOptions()
	if opts.MaxKnowledgeResults != 2 {
		t.Fatalf("max results=%d, want 2", opts.MaxKnowledgeResults)
	}
	if len(opts.Categories) != 1 || opts.Categories[0] != "docs" {
		t.Fatalf("categories=%v", opts.Categories)
	}
}

func TestMessageContent_MarshalRoundTripsText(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(TextContent("hi"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"hi"` {
		t.Fatalf("json=%s, want plain string", b)
	}
}

func TestRunInput_NormalizeRejects(t *testing.T) {
	t.Parallel()

	cases := []RunInput{
		{},
		{Messages: []InputMessage{{Role: "robot", Content: TextContent("x")}}},
		{Messages: []InputMessage{{Role: "tool", Content: TextContent("x")}}},
	}
	for i, in := range cases {
		if err := in.normalize(); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: err=%v, want ErrInvalidRequest", i, err)
		}
	}

	var bad MessageContent
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Fatalf("numeric content accepted")
	}
}
