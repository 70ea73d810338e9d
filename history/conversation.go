// Package history owns ordered conversation state and the windowing applied
// before anything is sent to a model.
package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"otcore/model"
	"otcore/storage"
)

const keyPrefix = "conversation/"

// Conversation is the persisted form of a chat.
type Conversation struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	SystemPrompt string          `json:"system_prompt"`
	AgentID      string          `json:"agent_id,omitempty"`
	Messages     []model.Message `json:"messages"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AgentID      string    `json:"agent_id,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func storeKey(id string) string {
	return keyPrefix + id
}

// List returns every stored conversation, newest first.
func List(ctx context.Context, store storage.Store) ([]Summary, error) {
	keys, err := store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var out []Summary
	for _, key := range keys {
		conv, err := storage.GetJSON[Conversation](ctx, store, key)
		if err != nil {
			continue // Skip corrupted entries
		}
		out = append(out, Summary{
			ID:           conv.ID,
			Title:        conv.displayTitle(),
			AgentID:      conv.AgentID,
			MessageCount: len(conv.Messages),
			UpdatedAt:    conv.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// displayTitle falls back to the first user message when no title was set.
func (c *Conversation) displayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	for _, m := range c.Messages {
		if m.Role == model.RoleUser {
			title := strings.TrimSpace(strings.SplitN(m.Content, "\n", 2)[0])
			if len([]rune(title)) > 60 {
				title = string([]rune(title)[:60]) + "..."
			}
			return title
		}
	}
	return "Untitled"
}
