package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"otcore/model"
	"otcore/storage"
)

// Options configures a Manager.
type Options struct {
	// MaxMessages bounds the window sent to a model. Zero keeps everything.
	MaxMessages int
	AgentID     string
	Logger      *slog.Logger
}

// Manager owns one conversation. It is safe for concurrent use, though in
// practice only the agent loop and its stream handler write to it.
type Manager struct {
	mu          sync.Mutex
	conv        Conversation
	store       storage.Store
	maxMessages int
	logger      *slog.Logger
}

// Patch is a partial update of the last message. Nil fields are left alone.
type Patch struct {
	Content       *string
	AppendContent string
	ToolCalls     []model.ToolCall
	Type          *model.MessageType
}

// New starts a fresh conversation. Nothing is persisted until the first write.
func New(store storage.Store, systemPrompt string, opts Options) *Manager {
	now := time.Now()
	return newManager(store, Conversation{
		ID:           uuid.NewString(),
		SystemPrompt: systemPrompt,
		AgentID:      opts.AgentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, opts)
}

// Load restores a stored conversation.
func Load(ctx context.Context, store storage.Store, id string, opts Options) (*Manager, error) {
	conv, err := storage.GetJSON[Conversation](ctx, store, storeKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return newManager(store, conv, opts), nil
}

func newManager(store storage.Store, conv Conversation, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		conv:        conv,
		store:       store,
		maxMessages: opts.MaxMessages,
		logger:      logger.With("component", "history", "conversation", conv.ID),
	}
}

// ID returns the conversation id.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.ID
}

// SystemPrompt returns the conversation's system prompt.
func (m *Manager) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.SystemPrompt
}

// SetSystemPrompt replaces the system prompt and persists.
func (m *Manager) SetSystemPrompt(ctx context.Context, prompt string) error {
	m.mu.Lock()
	m.conv.SystemPrompt = prompt
	m.mu.Unlock()
	return m.persist(ctx)
}

// Push appends messages, persists the conversation and returns the windowed
// view, system message first. Missing ids and timestamps are filled in.
// The in-memory append happens even when persisting fails.
func (m *Manager) Push(ctx context.Context, msgs ...model.Message) ([]model.Message, error) {
	m.mu.Lock()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		m.conv.Messages = append(m.conv.Messages, cloneMessage(msg))
	}
	view := m.viewLocked(false)
	m.mu.Unlock()

	return view, m.persist(ctx)
}

// UpdateLastMessage applies p to the last message. The bool is false when
// the history is empty, in which case nothing changes.
func (m *Manager) UpdateLastMessage(ctx context.Context, p Patch) (model.Message, bool, error) {
	m.mu.Lock()
	n := len(m.conv.Messages)
	if n == 0 {
		m.mu.Unlock()
		return model.Message{}, false, nil
	}

	last := &m.conv.Messages[n-1]
	if p.Content != nil {
		last.Content = *p.Content
	}
	last.Content += p.AppendContent
	if p.ToolCalls != nil {
		last.ToolCalls = append([]model.ToolCall(nil), p.ToolCalls...)
	}
	if p.Type != nil {
		last.Type = *p.Type
	}
	updated := cloneMessage(*last)
	m.mu.Unlock()

	return updated, true, m.persist(ctx)
}

// LastMessage returns the newest message, or false on an empty history.
func (m *Manager) LastMessage() (model.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.conv.Messages)
	if n == 0 {
		return model.Message{}, false
	}
	return cloneMessage(m.conv.Messages[n-1]), true
}

// Messages returns every stored message, unwindowed.
func (m *Manager) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.conv.Messages)
}

// Window returns the windowed and pruned messages without the system message.
func (m *Manager) Window() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(Window(m.conv.Messages, m.maxMessages))
}

// ListWithoutType returns the model-ready view: the system message followed
// by the window, with error records removed.
func (m *Manager) ListWithoutType() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(true)
}

// Snapshot returns a copy of the whole conversation.
func (m *Manager) Snapshot() Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.conv
	conv.Messages = cloneMessages(m.conv.Messages)
	return conv
}

// Clear drops all messages but keeps the conversation and its system prompt.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.conv.Messages = nil
	m.mu.Unlock()
	return m.persist(ctx)
}

// Delete removes the conversation from the store and empties the manager.
func (m *Manager) Delete(ctx context.Context) error {
	m.mu.Lock()
	id := m.conv.ID
	m.conv.Messages = nil
	m.mu.Unlock()

	if err := m.store.Delete(ctx, storeKey(id)); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	m.logger.Debug("conversation deleted")
	return nil
}

func (m *Manager) viewLocked(withoutErrors bool) []model.Message {
	window := Window(m.conv.Messages, m.maxMessages)

	view := make([]model.Message, 0, len(window)+1)
	view = append(view, model.Message{Role: model.RoleSystem, Content: m.conv.SystemPrompt})
	for _, msg := range window {
		if withoutErrors && msg.IsError() {
			continue
		}
		view = append(view, cloneMessage(msg))
	}
	return view
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	m.conv.UpdatedAt = time.Now()
	conv := m.conv
	conv.Messages = cloneMessages(m.conv.Messages)
	m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storeKey(conv.ID), conv); err != nil {
		m.logger.Warn("failed to persist conversation", "error", err)
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}

// Window keeps the last max messages (all when max <= 0) and then drops any
// leading run of tool-linked messages whose originating assistant turn fell
// outside the window.
func Window(msgs []model.Message, max int) []model.Message {
	start := 0
	if max > 0 && len(msgs) > max {
		start = len(msgs) - max
	}
	for start < len(msgs) && msgs[start].HasToolLinkage() {
		start++
	}
	return msgs[start:]
}

func cloneMessage(msg model.Message) model.Message {
	if msg.ToolCalls != nil {
		msg.ToolCalls = append([]model.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.Images != nil {
		msg.Images = append([]string(nil), msg.Images...)
	}
	return msg
}

func cloneMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = cloneMessage(msg)
	}
	return out
}
