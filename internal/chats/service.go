// Package chats keeps per-user chat history for the client's sidebar. It is
// independent of the run state store: a chat is a saved transcript, not a
// live thread.
package chats

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/sera-runtime/internal/state"
)

var (
	ErrNotFound  = errors.New("chat not found")
	ErrForbidden = errors.New("chat belongs to another user")
)

const defaultTitle = "New Chat"

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TitleGenerator names a chat after its first user message. It must not fail.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstMessage string) string
}

type Options struct {
	Logger *slog.Logger
	Store  *Store
	// Titles is optional; without it chats are titled from a truncation of the first message.
	Titles TitleGenerator
	Now    func() time.Time
}

type Service struct {
	log    *slog.Logger
	store  *Store
	titles TitleGenerator
	now    func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{log: logger, store: opts.Store, titles: opts.Titles, now: now}, nil
}

func (s *Service) Create(ctx context.Context, userID string, messages []Message) (Chat, error) {
	if s == nil {
		return Chat{}, errors.New("chat service not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Chat{}, errors.New("missing user id")
	}
	now := s.now()
	c := Chat{
		ID:        state.NewID(),
		UserID:    userID,
		Messages:  s.normalizeMessages(messages, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.Title = s.title(ctx, c.Messages)
	if err := s.store.insert(ctx, c); err != nil {
		return Chat{}, err
	}
	s.log.Info("chat created", "chat_id", c.ID, "user_id", userID, "messages", len(c.Messages))
	return c, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Chat, error) {
	if s == nil {
		return nil, errors.New("chat service not initialized")
	}
	return s.store.listByUser(ctx, strings.TrimSpace(userID))
}

func (s *Service) Get(ctx context.Context, userID string, chatID string) (Chat, error) {
	if s == nil {
		return Chat{}, errors.New("chat service not initialized")
	}
	return s.owned(ctx, userID, chatID)
}

// Update replaces the chat's messages.
func (s *Service) Update(ctx context.Context, userID string, chatID string, messages []Message) (Chat, error) {
	if s == nil {
		return Chat{}, errors.New("chat service not initialized")
	}
	c, err := s.owned(ctx, userID, chatID)
	if err != nil {
		return Chat{}, err
	}
	now := s.now()
	c.Messages = s.normalizeMessages(messages, now)
	c.UpdatedAt = now
	if err := s.store.replaceMessages(ctx, c.ID, c.Messages, now); err != nil {
		return Chat{}, err
	}
	return c, nil
}

func (s *Service) Delete(ctx context.Context, userID string, chatID string) error {
	if s == nil {
		return errors.New("chat service not initialized")
	}
	c, err := s.owned(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if err := s.store.delete(ctx, c.ID); err != nil {
		return err
	}
	s.log.Info("chat deleted", "chat_id", c.ID, "user_id", c.UserID)
	return nil
}

func (s *Service) owned(ctx context.Context, userID string, chatID string) (Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Chat{}, ErrNotFound
	}
	c, err := s.store.get(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if c.UserID != strings.TrimSpace(userID) {
		return Chat{}, ErrForbidden
	}
	return c, nil
}

func (s *Service) normalizeMessages(in []Message, now time.Time) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			m.ID = state.NewID()
		}
		m.Role = strings.ToLower(strings.TrimSpace(m.Role))
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out = append(out, m)
	}
	return out
}

func (s *Service) title(ctx context.Context, messages []Message) string {
	first := ""
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			first = strings.TrimSpace(m.Content)
			break
		}
	}
	if first == "" {
		return defaultTitle
	}
	if s.titles == nil {
		return truncateTitle(first)
	}
	if t := strings.TrimSpace(s.titles.GenerateTitle(ctx, first)); t != "" {
		return t
	}
	return defaultTitle
}

func truncateTitle(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}
