package acp

import (
	"encoding/json"
	"fmt"
)

// The agent wire protocol is JSON-RPC 2.0, one message per line, over the
// agent subprocess's stdio. Requests carry a correlation id; notifications
// carry none. Field names follow the protocol's camelCase convention.

// Client -> agent methods.
const (
	MethodInitialize   = "initialize"
	MethodAuthenticate = "authenticate"
	MethodSessionNew   = "session/new"
	MethodSessionLoad  = "session/load"
	MethodPrompt       = "session/prompt"
	MethodCancel       = "session/cancel"
	MethodSetMode      = "session/set_mode"
	MethodSetModel     = "session/set_model"
)

// Agent -> client methods.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
)

// ProtocolVersion is the protocol revision this client speaks.
const ProtocolVersion = 1

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a protocol-level error returned in place of a result.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Known protocol error codes.
const (
	CodeAuthRequired = -32000
	CodeInternal     = -32603
	CodeInvalidReq   = -32600
	CodeNotFound     = -32601
)

// InitializeParams opens the capability handshake.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities advertises what this client can host for the agent.
type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// FSCapabilities advertises filesystem proxying support.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         *AgentInfo        `json:"agentInfo,omitempty"`
}

// AuthMethod identifies one way to authenticate against the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// PromptCapabilities flags which content block types may appear in prompts.
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// AgentInfo names the agent implementation.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AuthenticateParams selects an auth method announced in the handshake.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// NewSessionParams creates a fresh session.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// LoadSessionParams resumes a historical session. Historical content is not
// returned here; it replays through session/update notifications.
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// SessionResult is the response to session/new and session/load.
type SessionResult struct {
	SessionID string             `json:"sessionId"`
	Modes     *SessionModeState  `json:"modes,omitempty"`
	Models    *SessionModelState `json:"models,omitempty"`
}

// SessionModeState carries the agent's mode menu and current selection.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// SessionMode is one selectable agent operating mode.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModelState carries the agent's model menu and current selection.
type SessionModelState struct {
	CurrentModelID  string      `json:"currentModelId"`
	AvailableModels []ModelInfo `json:"availableModels"`
}

// ModelInfo is one selectable model.
type ModelInfo struct {
	ModelID     string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptParams fires one turn. Streaming output arrives exclusively through
// session/update notifications; the response only closes the turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons closing a turn.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopRefusal   = "refusal"
	StopMaxTokens = "max_tokens"
)

// PromptResult closes a turn with the reason it stopped.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams asks the agent to stop the in-flight turn. Sent as a
// notification; completion is observed via the prompt response.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams switches the agent's operating mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelParams switches the model. The protocol pushes no echo for model
// changes, so callers treat their local value as authoritative.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// ContentBlock is one typed unit of prompt or output content.
type ContentBlock struct {
	Type     string            `json:"type"` // text, image, audio, resource, resource_link
	Text     string            `json:"text,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Data     string            `json:"data,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource carries note/file contents referenced from a prompt.
type EmbeddedResource struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
}

// Session update discriminators.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

// SessionNotification is one session/update notification. Every notification
// carries the session id consumers filter on.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the tagged union inside a session/update notification.
// Which fields are populated depends on SessionUpdate. The wire "content"
// key holds a single block for chunk updates and an array of tool call
// content for tool call updates, so (un)marshalling switches on the tag.
type SessionUpdate struct {
	SessionUpdate string

	// Chunk updates.
	Content *ContentBlock

	// Tool call create/update.
	ToolCallID string
	Title      string
	Kind       string // read, edit, execute, fetch, think, other
	Status     string // pending, in_progress, completed, failed
	ToolOutput []ToolCallContent
	RawInput   json.RawMessage

	// Plan update.
	Entries []PlanEntry

	// Available commands update.
	AvailableCommands []CommandDescriptor

	// Current mode update (server pushed).
	CurrentModeID string

	// Permission request embedded into a tool call update.
	Permission *PermissionRequest
}

type sessionUpdateWire struct {
	SessionUpdate     string              `json:"sessionUpdate"`
	Content           json.RawMessage     `json:"content,omitempty"`
	ToolCallID        string              `json:"toolCallId,omitempty"`
	Title             string              `json:"title,omitempty"`
	Kind              string              `json:"kind,omitempty"`
	Status            string              `json:"status,omitempty"`
	RawInput          json.RawMessage     `json:"rawInput,omitempty"`
	Entries           []PlanEntry         `json:"entries,omitempty"`
	AvailableCommands []CommandDescriptor `json:"availableCommands,omitempty"`
	CurrentModeID     string              `json:"currentModeId,omitempty"`
	Permission        *PermissionRequest  `json:"permission,omitempty"`
}

// UnmarshalJSON decodes the union, resolving the overloaded "content" key by
// the sessionUpdate discriminator.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var w sessionUpdateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = SessionUpdate{
		SessionUpdate:     w.SessionUpdate,
		ToolCallID:        w.ToolCallID,
		Title:             w.Title,
		Kind:              w.Kind,
		Status:            w.Status,
		RawInput:          w.RawInput,
		Entries:           w.Entries,
		AvailableCommands: w.AvailableCommands,
		CurrentModeID:     w.CurrentModeID,
		Permission:        w.Permission,
	}
	if len(w.Content) == 0 {
		return nil
	}
	switch w.SessionUpdate {
	case UpdateToolCall, UpdateToolCallUpdate:
		if err := json.Unmarshal(w.Content, &u.ToolOutput); err != nil {
			return fmt.Errorf("decode tool call content: %w", err)
		}
	default:
		if err := json.Unmarshal(w.Content, &u.Content); err != nil {
			return fmt.Errorf("decode chunk content: %w", err)
		}
	}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	w := sessionUpdateWire{
		SessionUpdate:     u.SessionUpdate,
		ToolCallID:        u.ToolCallID,
		Title:             u.Title,
		Kind:              u.Kind,
		Status:            u.Status,
		RawInput:          u.RawInput,
		Entries:           u.Entries,
		AvailableCommands: u.AvailableCommands,
		CurrentModeID:     u.CurrentModeID,
		Permission:        u.Permission,
	}
	switch u.SessionUpdate {
	case UpdateToolCall, UpdateToolCallUpdate:
		if len(u.ToolOutput) > 0 {
			data, err := json.Marshal(u.ToolOutput)
			if err != nil {
				return nil, err
			}
			w.Content = data
		}
	default:
		if u.Content != nil {
			data, err := json.Marshal(u.Content)
			if err != nil {
				return nil, err
			}
			w.Content = data
		}
	}
	return json.Marshal(w)
}

// ToolCallContent is one piece of output attached to a tool call.
type ToolCallContent struct {
	Type       string        `json:"type"` // content, diff, terminal
	Content    *ContentBlock `json:"content,omitempty"`
	Path       string        `json:"path,omitempty"`
	OldText    string        `json:"oldText,omitempty"`
	NewText    string        `json:"newText,omitempty"`
	TerminalID string        `json:"terminalId,omitempty"`
}

// PlanEntry is one item of the agent's published plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"` // high, medium, low
	Status   string `json:"status"`             // pending, in_progress, completed
}

// CommandDescriptor describes one slash command the agent accepts.
type CommandDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PermissionRequest asks the user to approve a tool call.
type PermissionRequest struct {
	RequestID string             `json:"requestId"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionParams is the agent -> client permission request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  SessionUpdate      `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome resolves a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // selected, cancelled
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult is the reply to session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// TerminalCreateParams asks the client to run a shell command for the agent.
type TerminalCreateParams struct {
	SessionID string   `json:"sessionId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
}

// TerminalCreateResult hands back the terminal id subsequent ops key on.
type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDParams addresses an existing terminal.
type TerminalIDParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult is the accumulated output snapshot of a terminal.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// TerminalExitStatus reports how a terminal's process ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalWaitResult is the reply to terminal/wait_for_exit.
type TerminalWaitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}
