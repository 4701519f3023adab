package router

import (
	"log"
	"sync"

	"agentbridge/internal/acp"
)

// Event notifies the UI that router state changed.
type Event struct {
	Kind string // "messages_changed", "turn_complete", "commands_changed", "mode_changed", "plan_changed", "permission_requested"
	Data any
}

// Router consumes the adapter's notification stream for exactly one session
// at a time and assembles it into a transcript. Notifications for other
// session ids are dropped. While a replay is being suppressed, content
// updates are dropped too, but configuration updates (commands, mode) still
// apply.
type Router struct {
	sink func(Event)

	mu            sync.Mutex
	sessionID     string
	suppressed    bool
	messages      []*ChatMessage
	toolCalls     map[string]*ToolCallBlock
	commands      []acp.CommandDescriptor
	currentModeID string
	plan          []acp.PlanEntry
}

// NewRouter creates a router delivering change events to sink. sink may be
// nil for consumers that only poll snapshots.
func NewRouter(sink func(Event)) *Router {
	return &Router{sink: sink, toolCalls: make(map[string]*ToolCallBlock)}
}

// Bind makes sessionID the active session and resets all assembled state.
func (r *Router) Bind(sessionID string) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.suppressed = false
	r.messages = nil
	r.toolCalls = make(map[string]*ToolCallBlock)
	r.commands = nil
	r.currentModeID = ""
	r.plan = nil
	r.mu.Unlock()
	r.emit(Event{Kind: "messages_changed"})
}

// Restore seeds the transcript from persisted history, e.g. after a session
// load where the local store, not the agent's replay, is the source of truth.
func (r *Router) Restore(sessionID string, messages []*ChatMessage) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.suppressed = false
	r.messages = messages
	r.toolCalls = make(map[string]*ToolCallBlock)
	for _, m := range messages {
		for i := range m.Blocks {
			if tc := m.Blocks[i].ToolCall; tc != nil {
				r.toolCalls[tc.ToolCallID] = tc
			}
		}
	}
	r.mu.Unlock()
	r.emit(Event{Kind: "messages_changed"})
}

// Suppress toggles replay suppression. While suppressed, content
// notifications for the bound session are dropped because the persisted
// transcript already holds what the agent is replaying; command and mode
// updates describe present agent configuration and are applied regardless.
func (r *Router) Suppress(on bool) {
	r.mu.Lock()
	r.suppressed = on
	r.mu.Unlock()
}

// AddUserMessage appends a locally authored user message. The agent does not
// reliably echo prompts back, so the sender records them directly.
func (r *Router) AddUserMessage(blocks []Block) *ChatMessage {
	msg := NewChatMessage(RoleUser)
	msg.Blocks = blocks
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.emit(Event{Kind: "messages_changed"})
	return msg
}

// HandleNotification is the adapter's update handler. Safe for concurrent
// use; events are emitted outside the lock.
func (r *Router) HandleNotification(n acp.SessionNotification) {
	r.mu.Lock()
	if n.SessionID != r.sessionID {
		r.mu.Unlock()
		return
	}

	var events []Event
	u := n.Update
	replaying := r.suppressed
	switch u.SessionUpdate {
	case acp.UpdateUserMessageChunk:
		if replaying {
			break
		}
		r.appendChunk(RoleUser, BlockText, u.Content)
		events = append(events, Event{Kind: "messages_changed"})
	case acp.UpdateAgentMessageChunk:
		if replaying {
			break
		}
		r.appendChunk(RoleAssistant, BlockText, u.Content)
		events = append(events, Event{Kind: "messages_changed"})
	case acp.UpdateAgentThoughtChunk:
		if replaying {
			break
		}
		r.appendChunk(RoleAssistant, BlockThought, u.Content)
		events = append(events, Event{Kind: "messages_changed"})
	case acp.UpdateToolCall:
		if replaying {
			break
		}
		r.startToolCall(u)
		events = append(events, Event{Kind: "messages_changed"})
	case acp.UpdateToolCallUpdate:
		if replaying {
			break
		}
		permission := r.updateToolCall(u)
		events = append(events, Event{Kind: "messages_changed"})
		if permission != nil {
			events = append(events, Event{Kind: "permission_requested", Data: permission})
		}
	case acp.UpdatePlan:
		if replaying {
			break
		}
		r.plan = u.Entries
		r.setPlanBlock(u.Entries)
		events = append(events, Event{Kind: "plan_changed", Data: u.Entries})
	case acp.UpdateAvailableCommands:
		r.commands = u.AvailableCommands
		events = append(events, Event{Kind: "commands_changed", Data: u.AvailableCommands})
	case acp.UpdateCurrentMode:
		r.currentModeID = u.CurrentModeID
		events = append(events, Event{Kind: "mode_changed", Data: u.CurrentModeID})
	default:
		log.Printf("router: ignoring unknown update kind %q", u.SessionUpdate)
	}
	r.mu.Unlock()

	for _, e := range events {
		r.emit(e)
	}
}

// EndTurn marks the in-flight turn finished. Called by the session layer
// once the prompt call returns, with the agent's stop reason.
func (r *Router) EndTurn(stopReason string) {
	r.emit(Event{Kind: "turn_complete", Data: stopReason})
}

// ResolvePermission clears the pending permission from its tool call block
// once the user answered.
func (r *Router) ResolvePermission(requestID string) {
	r.mu.Lock()
	changed := false
	for _, tc := range r.toolCalls {
		if tc.Permission != nil && tc.Permission.RequestID == requestID {
			tc.Permission = nil
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.emit(Event{Kind: "messages_changed"})
	}
}

// PendingPermissions lists permission requests not yet answered.
func (r *Router) PendingPermissions() []*acp.PermissionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*acp.PermissionRequest
	for _, tc := range r.toolCalls {
		if tc.Permission != nil {
			out = append(out, tc.Permission)
		}
	}
	return out
}

// Messages returns the current transcript. The slice is a copy; the messages
// are shared and must be treated as read-only by callers.
func (r *Router) Messages() []*ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Commands returns the last announced slash command list.
func (r *Router) Commands() []acp.CommandDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands
}

// CurrentModeID returns the last agent-pushed mode, or "".
func (r *Router) CurrentModeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentModeID
}

// Plan returns the agent's latest published plan.
func (r *Router) Plan() []acp.PlanEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan
}

// appendChunk folds a streamed content block into the transcript: append to
// the last block when role and kind line up, otherwise open a new block or
// message. Callers hold r.mu.
func (r *Router) appendChunk(role Role, kind BlockKind, content *acp.ContentBlock) {
	if content == nil {
		return
	}

	msg := r.tailFor(role)
	if content.Type == "image" {
		msg.Blocks = append(msg.Blocks, Block{Kind: BlockImage, Image: &ImageBlock{MimeType: content.MimeType, Data: content.Data}})
		return
	}

	if n := len(msg.Blocks); n > 0 && msg.Blocks[n-1].Kind == kind {
		msg.Blocks[n-1].Text += content.Text
		return
	}
	msg.Blocks = append(msg.Blocks, Block{Kind: kind, Text: content.Text})
}

func (r *Router) startToolCall(u acp.SessionUpdate) {
	tc := &ToolCallBlock{
		ToolCallID: u.ToolCallID,
		Title:      u.Title,
		Kind:       u.Kind,
		Status:     u.Status,
		Output:     u.ToolOutput,
		RawInput:   u.RawInput,
	}
	if tc.Status == "" {
		tc.Status = "pending"
	}
	r.toolCalls[tc.ToolCallID] = tc
	msg := r.tailFor(RoleAssistant)
	msg.Blocks = append(msg.Blocks, Block{Kind: BlockToolCall, ToolCall: tc})
}

// updateToolCall merges an update into the existing block in place. Returns
// the embedded permission request, if any. Callers hold r.mu.
func (r *Router) updateToolCall(u acp.SessionUpdate) *acp.PermissionRequest {
	tc, ok := r.toolCalls[u.ToolCallID]
	if !ok {
		// Agents sometimes update a call they never announced. Treat the
		// update as the announcement.
		r.startToolCall(u)
		tc = r.toolCalls[u.ToolCallID]
	}

	if u.Title != "" {
		tc.Title = u.Title
	}
	if u.Kind != "" {
		tc.Kind = u.Kind
	}
	if u.Status != "" {
		tc.Status = u.Status
	}
	if len(u.ToolOutput) > 0 {
		tc.Output = append(tc.Output, u.ToolOutput...)
	}
	if len(u.RawInput) > 0 {
		tc.RawInput = u.RawInput
	}
	if u.Permission != nil {
		tc.Permission = u.Permission
	}
	return u.Permission
}

// setPlanBlock keeps at most one plan block on the current assistant
// message, replaced wholesale on every plan update.
func (r *Router) setPlanBlock(entries []acp.PlanEntry) {
	msg := r.tailFor(RoleAssistant)
	for i := range msg.Blocks {
		if msg.Blocks[i].Kind == BlockPlan {
			msg.Blocks[i].Plan = entries
			return
		}
	}
	msg.Blocks = append(msg.Blocks, Block{Kind: BlockPlan, Plan: entries})
}

// tailFor returns the last message when it has the wanted role, otherwise
// opens a new one. Callers hold r.mu.
func (r *Router) tailFor(role Role) *ChatMessage {
	if n := len(r.messages); n > 0 && r.messages[n-1].Role == role {
		return r.messages[n-1]
	}
	msg := NewChatMessage(role)
	r.messages = append(r.messages, msg)
	return msg
}

func (r *Router) emit(e Event) {
	if r.sink != nil {
		r.sink(e)
	}
}
