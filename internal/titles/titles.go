// Package titles names untitled chats. When the world goes idle, the
// subscriber asks the LLM for a short title from the recent transcript and
// commits it with a compare-and-set so a manual rename always wins.
package titles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentworld/internal/bus"
	"github.com/haasonsaas/agentworld/internal/llm"
	"github.com/haasonsaas/agentworld/internal/llmqueue"
	"github.com/haasonsaas/agentworld/internal/observability"
	"github.com/haasonsaas/agentworld/internal/storage"
	"github.com/haasonsaas/agentworld/pkg/models"
)

const (
	// transcriptRows bounds how many recent rows feed the title prompt.
	transcriptRows = 12

	// maxTitleLen truncates oversized model output.
	maxTitleLen = 60

	titlePrompt = "Write a short title (at most six words) for this conversation. Reply with the title only, no quotes, no punctuation at the end."
)

// Config assembles the subscriber's collaborators.
type Config struct {
	WorldID   string
	Store     *storage.Store
	Providers *llm.Registry
	Queue     *llmqueue.Queue

	// CurrentChatID returns the world's selected chat; it is read at the
	// instant idle is received.
	CurrentChatID func() string

	// Provider and Model select the LLM used for titling.
	Provider string
	Model    string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Subscriber generates titles for chats still wearing the default title.
type Subscriber struct {
	cfg    Config
	b      *bus.Bus
	logger *slog.Logger
}

// New creates a subscriber.
func New(cfg Config) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:    cfg,
		logger: logger.With("component", "titles", "worldId", cfg.WorldID),
	}
}

// Attach subscribes to the idle channel and returns the unsubscribe func.
func (s *Subscriber) Attach(b *bus.Bus) func() {
	s.b = b
	return b.Subscribe(string(models.ActivityIdle), s.onIdle)
}

func (s *Subscriber) onIdle(payload any) {
	if _, ok := payload.(models.ActivityEvent); !ok {
		return
	}
	// The chat id is captured now; a later chat switch must not redirect
	// the title write.
	chatID := s.cfg.CurrentChatID()
	if chatID == "" {
		return
	}
	// Generation goes through the chat's queue lane so stopping the chat
	// cancels it.
	s.cfg.Queue.Submit(s.cfg.WorldID, chatID, func(ctx context.Context) {
		s.generate(ctx, chatID)
	})
}

func (s *Subscriber) generate(ctx context.Context, chatID string) {
	chat, err := s.cfg.Store.LoadChat(ctx, s.cfg.WorldID, chatID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("load chat for titling", "chatId", chatID, "error", err)
		}
		return
	}
	if chat.Title != models.DefaultChatTitle {
		return
	}

	transcript := s.transcript(ctx, chatID)
	if len(transcript) == 0 {
		return
	}

	title := s.requestTitle(ctx, transcript)
	if title == "" {
		title = fallbackTitle(transcript)
	}
	if title == "" {
		return
	}

	err = s.cfg.Store.UpdateChatTitle(ctx, s.cfg.WorldID, chatID, models.DefaultChatTitle, title)
	switch {
	case errors.Is(err, storage.ErrTitleConflict):
		// Renamed concurrently; the manual title wins.
		s.cfg.Metrics.TitleGeneration("conflict")
		return
	case err != nil:
		s.logger.Error("commit chat title", "chatId", chatID, "error", err)
		s.cfg.Metrics.TitleGeneration("error")
		return
	}
	s.cfg.Metrics.TitleGeneration("ok")
	s.logger.Info("chat titled", "chatId", chatID, "title", title)
	s.b.Emit(bus.ChannelSystem, models.SystemEvent{
		Content:   fmt.Sprintf("Chat renamed to %q", title),
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Timestamp: time.Now(),
	})
}

// transcript gathers the most recent distinct user and assistant rows for
// one chat across all agents. Tool rows and duplicates are dropped.
func (s *Subscriber) transcript(ctx context.Context, chatID string) []models.ChatMessage {
	agents, err := s.cfg.Store.ListAgents(ctx, s.cfg.WorldID)
	if err != nil {
		s.logger.Error("list agents for titling", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var rows []models.ChatMessage
	for _, agent := range agents {
		for _, row := range agent.Memory {
			if row.ChatID != chatID {
				continue
			}
			if row.Role != models.RoleUser && row.Role != models.RoleAssistant {
				continue
			}
			if len(row.ToolCalls) > 0 || strings.TrimSpace(row.Content) == "" {
				continue
			}
			key := row.MessageID
			if key == "" {
				key = row.Role + "\x00" + row.Content
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if len(rows) > transcriptRows {
		rows = rows[len(rows)-transcriptRows:]
	}
	return rows
}

func (s *Subscriber) requestTitle(ctx context.Context, transcript []models.ChatMessage) string {
	provider, err := s.cfg.Providers.Get(s.cfg.Provider)
	if err != nil {
		s.logger.Warn("no provider for titling", "provider", s.cfg.Provider, "error", err)
		return ""
	}

	messages := make([]llm.Message, 0, len(transcript)+1)
	for _, row := range transcript {
		messages = append(messages, llm.Message{Role: row.Role, Content: row.Content})
	}
	messages = append(messages, llm.Message{Role: models.RoleUser, Content: titlePrompt})

	chunks, err := provider.Complete(ctx, &llm.Request{
		Model:     s.cfg.Model,
		Messages:  messages,
		MaxTokens: 32,
	})
	if err != nil {
		s.logger.Warn("title request failed", "error", err)
		return ""
	}
	var out strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			s.logger.Warn("title stream failed", "error", chunk.Err)
			return ""
		}
		out.WriteString(chunk.Text)
	}
	return Sanitize(out.String())
}

// Sanitize normalizes model output into a usable title; empty means unusable.
func Sanitize(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	for _, prefix := range []string{"title:", "chat title:"} {
		if len(title) >= len(prefix) && strings.EqualFold(title[:len(prefix)], prefix) {
			title = strings.TrimSpace(title[len(prefix):])
		}
	}
	title = strings.Trim(title, `"'“”`)
	title = strings.TrimRight(title, ".!?,;: ")
	title = strings.Join(strings.Fields(title), " ")
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	if title == "" || strings.EqualFold(title, models.DefaultChatTitle) || strings.EqualFold(title, "untitled") {
		return ""
	}
	return title
}

// fallbackTitle derives a deterministic title from the first user row.
func fallbackTitle(transcript []models.ChatMessage) string {
	for _, row := range transcript {
		if row.Role != models.RoleUser {
			continue
		}
		words := strings.Fields(row.Content)
		if len(words) == 0 {
			continue
		}
		if len(words) > 6 {
			words = words[:6]
		}
		return Sanitize(strings.Join(words, " "))
	}
	return ""
}
