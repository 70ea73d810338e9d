package model

import (
	"time"

	"github.com/google/uuid"
)

// Message roles understood by every provider descriptor.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MessageType marks records that are kept for display but never sent to a model.
type MessageType string

const (
	TypeNormal MessageType = ""
	TypeError  MessageType = "error"
)

// Message represents a chat message in the conversation
type Message struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Type       MessageType `json:"type,omitempty"`
	Images     []string    `json:"images,omitempty"` // URLs or data: URIs
	CreatedAt  time.Time   `json:"created_at"`
}

// ToolCall is a finalized tool invocation requested by an assistant message.
// Name is the wire name the model used; Arguments is the raw JSON text.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewMessage stamps a message with a fresh id and creation time.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewToolMessage builds the tool-role reply for a call.
func NewToolMessage(callID, content string) Message {
	m := NewMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

// IsError reports whether the message is a display-only error record.
func (m Message) IsError() bool {
	return m.Type == TypeError
}

// HasToolLinkage reports whether the message references a tool exchange in
// either direction.
func (m Message) HasToolLinkage() bool {
	return m.Role == RoleTool || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}
