package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerateTitle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, textTurn(`"Trip Planning For Kyoto"`))
	got := env.svc.GenerateTitle(context.Background(), "help me plan a trip to kyoto")
	if got != "Trip Planning For Kyoto" {
		t.Fatalf("title=%q, want quotes stripped", got)
	}

	req := env.provider.requests()[0]
	if req.Model != "test-model" {
		t.Fatalf("model=%q, want the main model when no title model is set", req.Model)
	}
	if req.MaxTokens != titleMaxTokens {
		t.Fatalf("max tokens=%d, want %d", req.MaxTokens, titleMaxTokens)
	}
	if !strings.Contains(req.Messages[0].Content[0].Text, "plan a trip to kyoto") {
		t.Fatalf("prompt does not quote the message: %q", req.Messages[0].Content[0].Text)
	}
}

func TestGenerateTitle_Fallbacks(t *testing.T) {
	t.Parallel()

	failing := newTestEnv(t, func(context.Context, TurnRequest, func(StreamEvent)) (TurnResult, error) {
		return TurnResult{}, errors.New("quota")
	})
	long := strings.Repeat("é", 80)
	got := failing.svc.GenerateTitle(context.Background(), long)
	if got != strings.Repeat("é", titleFallbackRunes)+"..." {
		t.Fatalf("fallback=%q", got)
	}
	if got := failing.svc.GenerateTitle(context.Background(), "short"); got != "short" {
		t.Fatalf("short fallback=%q, want short", got)
	}

	blank := newTestEnv(t, textTurn("  "))
	if got := blank.svc.GenerateTitle(context.Background(), "hello"); got != DefaultChatTitle {
		t.Fatalf("empty answer title=%q, want %q", got, DefaultChatTitle)
	}
	if got := blank.svc.GenerateTitle(context.Background(), "   "); got != DefaultChatTitle {
		t.Fatalf("empty message title=%q, want %q", got, DefaultChatTitle)
	}
}
