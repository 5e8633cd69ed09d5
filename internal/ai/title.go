package ai

import (
	"context"
	"strings"
	"unicode/utf8"
)

const (
	DefaultChatTitle = "New Chat"

	titlePromptRunes   = 500
	titleFallbackRunes = 50
	titleMaxTokens     = 50
)

// GenerateTitle names a chat after its first message with a short model
// call. It never fails: provider errors fall back to a truncation of the message.
func (s *Service) GenerateTitle(ctx context.Context, firstMessage string) string {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return DefaultChatTitle
	}
	if s == nil || s.provider == nil {
		return fallbackTitle(firstMessage)
	}
	prompt := "Generate a brief 5-7 word title for a chat that starts with the following message. Return ONLY the title, nothing else:\n\n\"" +
		truncateRunes(firstMessage, titlePromptRunes) + "\""
	res, err := s.provider.StreamTurn(ctx, TurnRequest{
		Model:     s.titleModel,
		Messages:  []Message{{Role: "user", Content: []ContentPart{{Type: PartText, Text: prompt}}}},
		MaxTokens: titleMaxTokens,
	}, nil)
	if err != nil {
		s.log.Warn("title generation failed", "model", s.titleModel, "error", err)
		return fallbackTitle(firstMessage)
	}
	title := strings.TrimSpace(res.Text)
	title = strings.TrimSpace(strings.Trim(title, "\"'"))
	if title == "" {
		return DefaultChatTitle
	}
	return title
}

func fallbackTitle(message string) string {
	if utf8.RuneCountInString(message) > titleFallbackRunes {
		return truncateRunes(message, titleFallbackRunes) + "..."
	}
	return message
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
