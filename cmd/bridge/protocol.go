package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"agentbridge/internal/acp"
	"agentbridge/internal/bridge"
	"agentbridge/internal/router"
)

// CommandType enumerates all supported UI -> bridge commands.
type CommandType string

const (
	CommandCreateSession     CommandType = "create_session"
	CommandLoadSession       CommandType = "load_session"
	CommandUserMessage       CommandType = "user_message"
	CommandCancel            CommandType = "cancel"
	CommandSetMode           CommandType = "set_mode"
	CommandSetModel          CommandType = "set_model"
	CommandResolvePermission CommandType = "resolve_permission"
	CommandSwitchAgent       CommandType = "switch_agent"
	CommandCloseSession      CommandType = "close_session"
	CommandListSessions      CommandType = "list_sessions"
	CommandSearchSessions    CommandType = "search_sessions"
	CommandDeleteSession     CommandType = "delete_session"
	CommandRenameSession     CommandType = "rename_session"
	CommandListAgents        CommandType = "list_agents"
	CommandMentionQuery      CommandType = "mention_query"
)

// Command is implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// CreateSessionCommand opens a fresh session with an agent.
type CreateSessionCommand struct {
	Type    CommandType `json:"type"`
	AgentID string      `json:"agent_id"`
	Cwd     string      `json:"cwd"`
}

func (c CreateSessionCommand) GetType() CommandType { return CommandCreateSession }

// LoadSessionCommand resumes a persisted session.
type LoadSessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
}

func (c LoadSessionCommand) GetType() CommandType { return CommandLoadSession }

// UserMessageCommand sends one prompt turn. Mentions name workspace files
// embedded into the prompt as resources. Args carries structured input for
// slash commands and is validated against the command's announced schema.
type UserMessageCommand struct {
	Type     CommandType    `json:"type"`
	Message  string         `json:"message"`
	Mentions []string       `json:"mentions,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

func (c UserMessageCommand) GetType() CommandType { return CommandUserMessage }

// CancelCommand stops the in-flight operation.
type CancelCommand struct {
	Type CommandType `json:"type"`
}

func (c CancelCommand) GetType() CommandType { return CommandCancel }

// SetModeCommand switches the agent's operating mode.
type SetModeCommand struct {
	Type   CommandType `json:"type"`
	ModeID string      `json:"mode_id"`
}

func (c SetModeCommand) GetType() CommandType { return CommandSetMode }

// SetModelCommand switches the model.
type SetModelCommand struct {
	Type    CommandType `json:"type"`
	ModelID string      `json:"model_id"`
}

func (c SetModelCommand) GetType() CommandType { return CommandSetModel }

// ResolvePermissionCommand answers a pending permission request.
type ResolvePermissionCommand struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id"`
	Outcome   string      `json:"outcome"` // selected, cancelled
	OptionID  string      `json:"option_id,omitempty"`
}

func (c ResolvePermissionCommand) GetType() CommandType { return CommandResolvePermission }

// SwitchAgentCommand replaces the active agent with another.
type SwitchAgentCommand struct {
	Type    CommandType `json:"type"`
	AgentID string      `json:"agent_id"`
	Cwd     string      `json:"cwd"`
}

func (c SwitchAgentCommand) GetType() CommandType { return CommandSwitchAgent }

// CloseSessionCommand persists and tears down the active session.
type CloseSessionCommand struct {
	Type CommandType `json:"type"`
}

func (c CloseSessionCommand) GetType() CommandType { return CommandCloseSession }

// ListSessionsCommand requests the session picker listing.
type ListSessionsCommand struct {
	Type CommandType `json:"type"`
}

func (c ListSessionsCommand) GetType() CommandType { return CommandListSessions }

// SearchSessionsCommand runs a full-text query over transcripts.
type SearchSessionsCommand struct {
	Type  CommandType `json:"type"`
	Query string      `json:"query"`
}

func (c SearchSessionsCommand) GetType() CommandType { return CommandSearchSessions }

// DeleteSessionCommand removes a persisted session.
type DeleteSessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
}

func (c DeleteSessionCommand) GetType() CommandType { return CommandDeleteSession }

// RenameSessionCommand retitles a persisted session.
type RenameSessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	Title     string      `json:"title"`
}

func (c RenameSessionCommand) GetType() CommandType { return CommandRenameSession }

// ListAgentsCommand requests the known agent profiles.
type ListAgentsCommand struct {
	Type CommandType `json:"type"`
}

func (c ListAgentsCommand) GetType() CommandType { return CommandListAgents }

// MentionQueryCommand asks for @-mention file completions.
type MentionQueryCommand struct {
	Type  CommandType `json:"type"`
	Query string      `json:"query"`
}

func (c MentionQueryCommand) GetType() CommandType { return CommandMentionQuery }

type rawCommand struct {
	Type CommandType `json:"type"`
}

// DecodeCommand converts raw JSON into a strongly typed command.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Type {
	case CommandCreateSession:
		var cmd CreateSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode create_session: %w", err)
		}
		if cmd.AgentID == "" {
			return nil, errors.New("create_session requires agent_id")
		}
		return cmd, nil
	case CommandLoadSession:
		var cmd LoadSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode load_session: %w", err)
		}
		if cmd.SessionID == "" {
			return nil, errors.New("load_session requires session_id")
		}
		return cmd, nil
	case CommandUserMessage:
		var cmd UserMessageCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode user_message: %w", err)
		}
		if cmd.Message == "" {
			return nil, errors.New("user_message requires message")
		}
		return cmd, nil
	case CommandCancel:
		return CancelCommand{Type: base.Type}, nil
	case CommandSetMode:
		var cmd SetModeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode set_mode: %w", err)
		}
		if cmd.ModeID == "" {
			return nil, errors.New("set_mode requires mode_id")
		}
		return cmd, nil
	case CommandSetModel:
		var cmd SetModelCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode set_model: %w", err)
		}
		if cmd.ModelID == "" {
			return nil, errors.New("set_model requires model_id")
		}
		return cmd, nil
	case CommandResolvePermission:
		var cmd ResolvePermissionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode resolve_permission: %w", err)
		}
		if cmd.RequestID == "" {
			return nil, errors.New("resolve_permission requires request_id")
		}
		return cmd, nil
	case CommandSwitchAgent:
		var cmd SwitchAgentCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode switch_agent: %w", err)
		}
		if cmd.AgentID == "" {
			return nil, errors.New("switch_agent requires agent_id")
		}
		return cmd, nil
	case CommandCloseSession:
		return CloseSessionCommand{Type: base.Type}, nil
	case CommandListSessions:
		return ListSessionsCommand{Type: base.Type}, nil
	case CommandSearchSessions:
		var cmd SearchSessionsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode search_sessions: %w", err)
		}
		if cmd.Query == "" {
			return nil, errors.New("search_sessions requires query")
		}
		return cmd, nil
	case CommandDeleteSession:
		var cmd DeleteSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode delete_session: %w", err)
		}
		if cmd.SessionID == "" {
			return nil, errors.New("delete_session requires session_id")
		}
		return cmd, nil
	case CommandRenameSession:
		var cmd RenameSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode rename_session: %w", err)
		}
		if cmd.SessionID == "" || cmd.Title == "" {
			return nil, errors.New("rename_session requires session_id and title")
		}
		return cmd, nil
	case CommandListAgents:
		return ListAgentsCommand{Type: base.Type}, nil
	case CommandMentionQuery:
		var cmd MentionQueryCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode mention_query: %w", err)
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", base.Type)
	}
}

// Event is one bridge -> UI NDJSON message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Event constructors keep payload shapes in one place.

func NewReadyEvent() Event {
	return Event{Type: "ready"}
}

func NewStateEvent(state bridge.State, sessErr *bridge.SessionError) Event {
	payload := map[string]any{"state": string(state)}
	if sessErr != nil {
		payload["error"] = map[string]any{
			"kind":          string(sessErr.Kind),
			"title":         sessErr.Title,
			"message":       sessErr.Message,
			"suggestion":    sessErr.Suggestion,
			"offer_install": sessErr.OfferInstall,
		}
	}
	return Event{Type: "state", Data: payload}
}

func NewMessagesEvent(messages []*router.ChatMessage) Event {
	return Event{Type: "messages", Data: messages}
}

func NewTurnCompleteEvent(stopReason string) Event {
	return Event{Type: "turn_complete", Data: map[string]string{"stop_reason": stopReason}}
}

func NewPermissionEvent(req *acp.PermissionRequest) Event {
	return Event{Type: "permission_requested", Data: req}
}

func NewPlanEvent(entries []acp.PlanEntry) Event {
	return Event{Type: "plan", Data: entries}
}

func NewCommandsEvent(commands []acp.CommandDescriptor) Event {
	return Event{Type: "commands", Data: commands}
}

func NewModeEvent(modeID string) Event {
	return Event{Type: "mode_changed", Data: map[string]string{"mode_id": modeID}}
}

func NewErrorEvent(message string) Event {
	return Event{Type: "error", Data: map[string]string{"message": message}}
}
