package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentbridge/internal/launcher"
)

// DefaultInitializeTimeout bounds the capability handshake. An agent that
// spawns but never answers is killed rather than left orphaned.
const DefaultInitializeTimeout = 30 * time.Second

// ErrHandshakeTimeout classifies an initialize that got no response in time.
var ErrHandshakeTimeout = errors.New("agent handshake timed out")

// UpdateHandler receives every session/update notification, in arrival
// order, for the life of the adapter.
type UpdateHandler func(SessionNotification)

// Adapter owns exactly one agent subprocess: it launches and kills it,
// frames the wire protocol over its stdio, and fans its notification stream
// out through a single swappable handler.
type Adapter struct {
	launcher          launcher.Launcher
	initializeTimeout time.Duration

	mu          sync.Mutex
	handle      launcher.Handle
	conn        *Conn
	agentID     string
	initialized bool
	initResult  *InitializeResult

	update  atomic.Pointer[UpdateHandler]
	onError atomic.Pointer[func(error)]

	terminals *TerminalHost

	permMu      sync.Mutex
	permissions map[string]func(result any, rpcErr *RPCError)
}

// NewAdapter creates an adapter that launches agents through l.
func NewAdapter(l launcher.Launcher) *Adapter {
	return &Adapter{
		launcher:          l,
		initializeTimeout: DefaultInitializeTimeout,
		terminals:         NewTerminalHost(),
		permissions:       make(map[string]func(result any, rpcErr *RPCError)),
	}
}

// OnSessionUpdate registers the notification handler. There is exactly one;
// registering again swaps the handler behind a stable reference so UI
// re-registrations never drop buffered in-flight notifications.
func (a *Adapter) OnSessionUpdate(fn UpdateHandler) {
	a.update.Store(&fn)
}

// OnError registers the handler for process and stream failures.
func (a *Adapter) OnError(fn func(error)) {
	a.onError.Store(&fn)
}

// Initialized reports whether the adapter already completed a handshake for
// the given agent id, along with the cached handshake result. Callers use
// this for the idempotent-initialize fast path.
func (a *Adapter) Initialized(agentID string) (*InitializeResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized && a.agentID == agentID {
		return a.initResult, true
	}
	return nil, false
}

// Initialize spawns the agent and performs the capability handshake. On
// timeout or failure the subprocess it spawned is terminated; a timeout is
// distinguishable via ErrHandshakeTimeout.
func (a *Adapter) Initialize(ctx context.Context, agentID string, spec launcher.Spec) (*InitializeResult, error) {
	a.Disconnect()

	handle, err := a.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}

	conn := NewConn(handle.Stdin(), handle.Stdout(), a.serveAgentRequest)
	conn.SetNotificationHandler(a.dispatchNotification)
	conn.SetErrorHandler(a.dispatchError)
	handle.OnExit(func(exitErr error) {
		conn.Close()
		if exitErr != nil {
			a.dispatchError(fmt.Errorf("agent process exited: %w", exitErr))
		}
	})

	ictx, cancel := context.WithTimeout(ctx, a.initializeTimeout)
	defer cancel()

	var result InitializeResult
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: ClientCapabilities{
			FS:       FSCapabilities{ReadTextFile: true},
			Terminal: true,
		},
	}
	if err := conn.Call(ictx, MethodInitialize, params, &result); err != nil {
		conn.Close()
		_ = handle.Terminate()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, a.initializeTimeout)
		}
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	a.mu.Lock()
	a.handle = handle
	a.conn = conn
	a.agentID = agentID
	a.initialized = true
	a.initResult = &result
	a.mu.Unlock()

	return &result, nil
}

// Authenticate runs the selected auth method. Success is the absence of a
// protocol error.
func (a *Adapter) Authenticate(ctx context.Context, methodID string) (bool, error) {
	conn, err := a.connection()
	if err != nil {
		return false, err
	}
	if err := conn.Call(ctx, MethodAuthenticate, AuthenticateParams{MethodID: methodID}, nil); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NewSession creates a fresh session rooted at cwd.
func (a *Adapter) NewSession(ctx context.Context, cwd string) (*SessionResult, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	var result SessionResult
	if err := conn.Call(ctx, MethodSessionNew, NewSessionParams{Cwd: cwd}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoadSession resumes a historical session. Message content is not in the
// response; it replays through notifications the caller must suppress.
func (a *Adapter) LoadSession(ctx context.Context, sessionID, cwd string) (*SessionResult, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	var result SessionResult
	if err := conn.Call(ctx, MethodSessionLoad, LoadSessionParams{SessionID: sessionID, Cwd: cwd}, &result); err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	return &result, nil
}

// SendPrompt fires one turn and blocks until the agent closes it. All
// streaming output arrives via the notification handler.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, prompt []ContentBlock) (*PromptResult, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	var result PromptResult
	if err := conn.Call(ctx, MethodPrompt, PromptParams{SessionID: sessionID, Prompt: prompt}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the agent to stop the in-flight turn. Fire and forget: the
// turn's end is observed through the prompt response.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Notify(MethodCancel, CancelParams{SessionID: sessionID})
}

// SetSessionMode switches the agent's operating mode.
func (a *Adapter) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Call(ctx, MethodSetMode, SetModeParams{SessionID: sessionID, ModeID: modeID}, nil)
}

// SetSessionModel switches the model.
func (a *Adapter) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Call(ctx, MethodSetModel, SetModelParams{SessionID: sessionID, ModelID: modelID}, nil)
}

// ResolvePermission answers a pending permission request.
func (a *Adapter) ResolvePermission(requestID string, outcome PermissionOutcome) error {
	a.permMu.Lock()
	respond, ok := a.permissions[requestID]
	delete(a.permissions, requestID)
	a.permMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %s", requestID)
	}
	respond(RequestPermissionResult{Outcome: outcome}, nil)
	return nil
}

// Disconnect tears down the subprocess and all client-hosted resources.
// Safe to call multiple times and when the process already exited.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	handle := a.handle
	conn := a.conn
	a.handle = nil
	a.conn = nil
	a.initialized = false
	a.initResult = nil
	a.agentID = ""
	a.mu.Unlock()

	a.cancelPendingPermissions()
	a.terminals.ReleaseAll()

	if conn != nil {
		conn.Close()
	}
	if handle != nil {
		if err := handle.Terminate(); err != nil {
			log.Printf("acp: terminate on disconnect: %v", err)
		}
	}
}

func (a *Adapter) connection() (*Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, ErrConnClosed
	}
	return a.conn, nil
}

func (a *Adapter) dispatchNotification(method string, params json.RawMessage) {
	if method != MethodSessionUpdate {
		log.Printf("acp: ignoring unknown notification %s", method)
		return
	}
	var notification SessionNotification
	if err := json.Unmarshal(params, &notification); err != nil {
		log.Printf("acp: dropping malformed session update: %v", err)
		return
	}
	a.deliver(notification)
}

func (a *Adapter) deliver(notification SessionNotification) {
	if fn := a.update.Load(); fn != nil {
		(*fn)(notification)
	}
}

func (a *Adapter) dispatchError(err error) {
	if fn := a.onError.Load(); fn != nil {
		(*fn)(err)
	}
}

// serveAgentRequest handles agent -> client requests: the terminal
// sub-protocol and permission prompts.
func (a *Adapter) serveAgentRequest(method string, params json.RawMessage, respond func(result any, rpcErr *RPCError)) {
	switch method {
	case MethodRequestPermission:
		a.servePermission(params, respond)
	case MethodTerminalCreate:
		var p TerminalCreateParams
		if err := json.Unmarshal(params, &p); err != nil {
			respond(nil, &RPCError{Code: CodeInvalidReq, Message: err.Error()})
			return
		}
		id, err := a.terminals.Create(p)
		if err != nil {
			respond(nil, &RPCError{Code: CodeInternal, Message: err.Error()})
			return
		}
		respond(TerminalCreateResult{TerminalID: id}, nil)
	case MethodTerminalOutput:
		a.serveTerminalID(params, respond, func(id string) (any, error) {
			return a.terminals.Output(id)
		})
	case MethodTerminalWait:
		a.serveTerminalID(params, respond, func(id string) (any, error) {
			return a.terminals.WaitForExit(context.Background(), id)
		})
	case MethodTerminalKill:
		a.serveTerminalID(params, respond, func(id string) (any, error) {
			return nil, a.terminals.Kill(id)
		})
	case MethodTerminalRelease:
		a.serveTerminalID(params, respond, func(id string) (any, error) {
			return nil, a.terminals.Release(id)
		})
	default:
		respond(nil, &RPCError{Code: CodeNotFound, Message: "method not supported: " + method})
	}
}

func (a *Adapter) serveTerminalID(params json.RawMessage, respond func(any, *RPCError), op func(id string) (any, error)) {
	var p TerminalIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, &RPCError{Code: CodeInvalidReq, Message: err.Error()})
		return
	}
	result, err := op(p.TerminalID)
	if err != nil {
		respond(nil, &RPCError{Code: CodeInternal, Message: err.Error()})
		return
	}
	respond(result, nil)
}

// servePermission parks the agent's request and re-emits it as a tool call
// update with the permission embedded, so consumers see it in stream order.
// The reply is sent later through ResolvePermission.
func (a *Adapter) servePermission(params json.RawMessage, respond func(result any, rpcErr *RPCError)) {
	var p RequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, &RPCError{Code: CodeInvalidReq, Message: err.Error()})
		return
	}

	requestID := uuid.NewString()
	a.permMu.Lock()
	a.permissions[requestID] = respond
	a.permMu.Unlock()

	update := p.ToolCall
	update.SessionUpdate = UpdateToolCallUpdate
	update.Permission = &PermissionRequest{RequestID: requestID, Options: p.Options}
	a.deliver(SessionNotification{SessionID: p.SessionID, Update: update})
}

// cancelPendingPermissions answers every parked permission request as
// cancelled so the agent is never left waiting on a dead connection.
func (a *Adapter) cancelPendingPermissions() {
	a.permMu.Lock()
	pending := a.permissions
	a.permissions = make(map[string]func(result any, rpcErr *RPCError))
	a.permMu.Unlock()
	for _, respond := range pending {
		respond(RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}, nil)
	}
}
