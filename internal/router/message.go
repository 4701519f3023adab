package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"agentbridge/internal/acp"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one rendered transcript entry. Assistant messages grow
// block by block as update notifications stream in.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatMessage creates an empty message for the given role.
func NewChatMessage(role Role) *ChatMessage {
	return &ChatMessage{ID: uuid.NewString(), Role: role, CreatedAt: time.Now()}
}

// Text concatenates the message's text blocks. Used for titles and search
// indexing, not for rendering.
func (m *ChatMessage) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// BlockKind discriminates the block union.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThought  BlockKind = "thought"
	BlockToolCall BlockKind = "tool_call"
	BlockPlan     BlockKind = "plan"
	BlockImage    BlockKind = "image"
)

// Block is one typed unit inside a chat message.
type Block struct {
	Kind     BlockKind       `json:"kind"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCallBlock  `json:"tool_call,omitempty"`
	Plan     []acp.PlanEntry `json:"plan,omitempty"`
	Image    *ImageBlock     `json:"image,omitempty"`
}

// ToolCallBlock tracks one tool invocation. It is created by a tool_call
// update and then mutated in place by tool_call_update notifications, so the
// transcript shows one entry per invocation with its latest state.
type ToolCallBlock struct {
	ToolCallID string                `json:"tool_call_id"`
	Title      string                `json:"title,omitempty"`
	Kind       string                `json:"kind,omitempty"`
	Status     string                `json:"status,omitempty"`
	Output     []acp.ToolCallContent `json:"output,omitempty"`
	RawInput   json.RawMessage       `json:"raw_input,omitempty"`

	// Permission is set while the agent waits for the user's decision and
	// cleared once resolved.
	Permission *acp.PermissionRequest `json:"permission,omitempty"`
}

// ImageBlock carries inline image content.
type ImageBlock struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}
