package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"agentbridge/internal/acp"
	"agentbridge/internal/agent"
	"agentbridge/internal/history"
	"agentbridge/internal/launcher"
	"agentbridge/internal/router"
	"agentbridge/internal/settings"
)

// State is the session lifecycle state visible to the UI.
type State string

const (
	StateDisconnected State = "disconnected"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateError        State = "error"
)

// AgentClient is the protocol surface the session drives. Satisfied by
// *acp.Adapter.
type AgentClient interface {
	Initialized(agentID string) (*acp.InitializeResult, bool)
	Initialize(ctx context.Context, agentID string, spec launcher.Spec) (*acp.InitializeResult, error)
	Authenticate(ctx context.Context, methodID string) (bool, error)
	NewSession(ctx context.Context, cwd string) (*acp.SessionResult, error)
	LoadSession(ctx context.Context, sessionID, cwd string) (*acp.SessionResult, error)
	SendPrompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error)
	Cancel(ctx context.Context, sessionID string) error
	SetSessionMode(ctx context.Context, sessionID, modeID string) error
	SetSessionModel(ctx context.Context, sessionID, modelID string) error
	ResolvePermission(requestID string, outcome acp.PermissionOutcome) error
	OnSessionUpdate(fn acp.UpdateHandler)
	OnError(fn func(error))
	Disconnect()
}

// PackageInstaller resolves and installs agent executables. Satisfied by
// *launcher.Installer.
type PackageInstaller interface {
	Install(ctx context.Context, pkg, binName string) (string, error)
	DetectExecutable(name string) (string, error)
}

// Titler generates a session title from the opening prompt.
type Titler interface {
	Title(ctx context.Context, prompt string) (string, error)
}

// Options wires a Session's collaborators.
type Options struct {
	Client    AgentClient
	Registry  *agent.Registry
	Installer PackageInstaller
	Settings  *settings.Manager // optional
	Store     *history.Store    // optional
	Router    *router.Router
	Titler    Titler // optional
	// AutoInstall installs a missing agent executable instead of failing
	// the session with an install offer.
	AutoInstall bool
}

// Session is the UI's single entry point for driving an agent: it owns the
// lifecycle state machine and coordinates the adapter, router, history
// store and settings.
type Session struct {
	client      AgentClient
	registry    *agent.Registry
	installer   PackageInstaller
	settings    *settings.Manager
	store       *history.Store
	router      *router.Router
	titler      Titler
	autoInstall bool

	mu           sync.Mutex
	state        State
	lastErr      *SessionError
	profile      agent.Profile
	sessionID    string
	cwd          string
	title        string
	createdAt    time.Time
	modes        *acp.SessionModeState
	models       *acp.SessionModelState
	promptActive bool
}

// NewSession creates a disconnected session and routes the adapter's
// notification stream into the router.
func NewSession(opts Options) *Session {
	s := &Session{
		client:      opts.Client,
		registry:    opts.Registry,
		installer:   opts.Installer,
		settings:    opts.Settings,
		store:       opts.Store,
		router:      opts.Router,
		titler:      opts.Titler,
		autoInstall: opts.AutoInstall,
		state:       StateDisconnected,
	}
	s.client.OnSessionUpdate(s.router.HandleNotification)
	s.client.OnError(func(err error) {
		log.Printf("WARNING: agent stream failure: %v", err)
	})
	return s
}

// State returns the lifecycle state and, in StateError, the classified
// failure.
func (s *Session) State() (State, *SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

// SessionID returns the active protocol session id, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AgentID returns the active agent profile id, or "".
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.ID
}

// Modes returns the agent's mode menu, or nil when the agent has none.
func (s *Session) Modes() *acp.SessionModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes
}

// Models returns the agent's model menu, or nil when the agent has none.
func (s *Session) Models() *acp.SessionModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models
}

// CreateSession launches (or reuses) the agent and opens a fresh session
// rooted at cwd. On failure the session lands in StateError with a
// classified error.
func (s *Session) CreateSession(ctx context.Context, agentID, cwd string) error {
	profile, err := s.registry.Get(agentID)
	if err != nil {
		return s.fail(Classify(err, agentID))
	}

	s.setState(StateInitializing, nil)
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()

	if err := s.ensureAgent(ctx, profile); err != nil {
		return s.fail(Classify(err, profile.Name))
	}

	result, err := s.client.NewSession(ctx, cwd)
	if err != nil {
		return s.fail(Classify(err, profile.Name))
	}

	s.mu.Lock()
	s.sessionID = result.SessionID
	s.cwd = cwd
	s.title = ""
	s.createdAt = time.Now()
	s.modes = result.Modes
	s.models = result.Models
	s.mu.Unlock()
	s.router.Bind(result.SessionID)

	s.applyPreferences(ctx, profile.ID)
	s.setState(StateReady, nil)
	return nil
}

// LoadSession resumes a persisted session: the stored transcript is the
// source of truth, so the agent's replay notifications are suppressed while
// session/load is in flight.
func (s *Session) LoadSession(ctx context.Context, sessionID string) error {
	if s.store == nil {
		return s.fail(Classify(errors.New("no history store configured"), "history"))
	}

	meta, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return s.fail(Classify(err, "history"))
	}
	messages, err := s.store.LoadMessages(sessionID)
	if err != nil {
		return s.fail(Classify(err, "history"))
	}

	profile, err := s.registry.Get(meta.AgentID)
	if err != nil {
		return s.fail(Classify(err, meta.AgentID))
	}

	s.setState(StateInitializing, nil)
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()

	if err := s.ensureAgent(ctx, profile); err != nil {
		return s.fail(Classify(err, profile.Name))
	}

	s.router.Restore(sessionID, messages)
	s.router.Suppress(true)
	result, err := s.client.LoadSession(ctx, sessionID, meta.Cwd)
	s.router.Suppress(false)
	if err != nil {
		return s.fail(Classify(err, profile.Name))
	}

	s.mu.Lock()
	s.sessionID = result.SessionID
	s.cwd = meta.Cwd
	s.title = meta.Title
	s.createdAt = meta.CreatedAt
	s.modes = result.Modes
	s.models = result.Models
	s.mu.Unlock()

	s.setState(StateReady, nil)
	return nil
}

// Prompt sends one turn and blocks until it completes. An end_turn with no
// assistant output counts as an empty response and is retried once before
// surfacing.
func (s *Session) Prompt(ctx context.Context, blocks []acp.ContentBlock) (string, error) {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return "", Classify(fmt.Errorf("cannot prompt in state %s", state), s.profile.Name)
	}
	if s.promptActive {
		s.mu.Unlock()
		return "", Classify(errors.New("a turn is already in flight"), s.profile.Name)
	}
	s.promptActive = true
	sessionID := s.sessionID
	profileName := s.profile.Name
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.promptActive = false
		s.mu.Unlock()
	}()

	s.router.AddUserMessage(toRouterBlocks(blocks))
	before := s.assistantVolume()

	result, err := withRetry(ctx, defaultPromptRetry, func(ctx context.Context) (*acp.PromptResult, error) {
		res, err := s.client.SendPrompt(ctx, sessionID, blocks)
		if err != nil {
			return nil, err
		}
		if res.StopReason == acp.StopEndTurn && s.assistantVolume() == before {
			return nil, ErrEmptyResponse
		}
		return res, nil
	}, func(err error) bool { return errors.Is(err, ErrEmptyResponse) })

	if err != nil {
		s.router.EndTurn("")
		s.persist(ctx)
		return "", Classify(err, profileName)
	}

	s.router.EndTurn(result.StopReason)
	s.persist(ctx)
	return result.StopReason, nil
}

// CancelOperation asks the agent to stop whatever is in flight. It always
// resolves to StateReady: cancellation is how the user recovers, so it never
// strands the session in an error state.
func (s *Session) CancelOperation(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	if sessionID != "" {
		if err := s.client.Cancel(ctx, sessionID); err != nil {
			log.Printf("WARNING: cancel notification failed: %v", err)
		}
	}
	s.setState(StateReady, nil)
}

// SetMode switches the agent's operating mode optimistically: the local
// value flips immediately and rolls back if the agent rejects it.
func (s *Session) SetMode(ctx context.Context, modeID string) error {
	s.mu.Lock()
	if s.modes == nil {
		s.mu.Unlock()
		return Classify(errors.New("agent has no modes"), s.profile.Name)
	}
	previous := s.modes.CurrentModeID
	s.modes.CurrentModeID = modeID
	sessionID := s.sessionID
	profile := s.profile
	s.mu.Unlock()

	if err := s.client.SetSessionMode(ctx, sessionID, modeID); err != nil {
		s.mu.Lock()
		if s.modes != nil && s.modes.CurrentModeID == modeID {
			s.modes.CurrentModeID = previous
		}
		s.mu.Unlock()
		return Classify(err, profile.Name)
	}

	s.savePreference(func(st *settings.Settings) {
		if st.PreferredModes == nil {
			st.PreferredModes = make(map[string]string)
		}
		st.PreferredModes[profile.ID] = modeID
	})
	return nil
}

// SetModel switches the model. The protocol sends no echo for model
// changes, so on success the local value is authoritative.
func (s *Session) SetModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	if s.models == nil {
		s.mu.Unlock()
		return Classify(errors.New("agent has no model selection"), s.profile.Name)
	}
	previous := s.models.CurrentModelID
	s.models.CurrentModelID = modelID
	sessionID := s.sessionID
	profile := s.profile
	s.mu.Unlock()

	if err := s.client.SetSessionModel(ctx, sessionID, modelID); err != nil {
		s.mu.Lock()
		if s.models != nil && s.models.CurrentModelID == modelID {
			s.models.CurrentModelID = previous
		}
		s.mu.Unlock()
		return Classify(err, profile.Name)
	}

	s.savePreference(func(st *settings.Settings) {
		if st.PreferredModels == nil {
			st.PreferredModels = make(map[string]string)
		}
		st.PreferredModels[profile.ID] = modelID
	})
	return nil
}

// SwitchAgent tears the current agent down and opens a fresh session with
// another one. The outgoing session is persisted first.
func (s *Session) SwitchAgent(ctx context.Context, agentID, cwd string) error {
	s.persist(ctx)
	s.client.Disconnect()
	if err := s.CreateSession(ctx, agentID, cwd); err != nil {
		return err
	}
	s.savePreference(func(st *settings.Settings) {
		st.ActiveAgentID = agentID
	})
	return nil
}

// ResolvePermission answers a pending permission request and clears it from
// the transcript.
func (s *Session) ResolvePermission(requestID string, outcome acp.PermissionOutcome) error {
	if err := s.client.ResolvePermission(requestID, outcome); err != nil {
		return Classify(err, s.profile.Name)
	}
	s.router.ResolvePermission(requestID)
	return nil
}

// CloseSession persists the transcript best-effort and tears the agent
// down. The session ends disconnected regardless of persistence failures.
func (s *Session) CloseSession(ctx context.Context) {
	s.persist(ctx)
	s.client.Disconnect()

	s.mu.Lock()
	s.sessionID = ""
	s.cwd = ""
	s.title = ""
	s.modes = nil
	s.models = nil
	s.promptActive = false
	s.mu.Unlock()
	s.setState(StateDisconnected, nil)
}

func (s *Session) savePreference(fn func(*settings.Settings)) {
	if s.settings == nil {
		return
	}
	if _, err := s.settings.Update(fn); err != nil {
		log.Printf("WARNING: save preference: %v", err)
	}
}

// ensureAgent makes sure the agent subprocess is up and handshaken,
// reusing a live process for the same agent id.
func (s *Session) ensureAgent(ctx context.Context, profile agent.Profile) error {
	if _, ok := s.client.Initialized(profile.ID); ok {
		return nil
	}

	spec, err := s.launchSpec(ctx, profile)
	if err != nil {
		return err
	}

	result, err := s.client.Initialize(ctx, profile.ID, spec)
	if err != nil {
		return err
	}

	if len(result.AuthMethods) > 0 {
		if cred := s.credential(profile.ID); cred != "" {
			methodID := result.AuthMethods[0].ID
			ok, err := s.client.Authenticate(ctx, methodID)
			if (err != nil || !ok) && len(result.AuthMethods) == 1 {
				// With a single method there is nothing else to try, so a
				// rejection gets one automatic retry.
				ok, err = s.client.Authenticate(ctx, methodID)
			}
			if err != nil {
				return err
			}
			if !ok {
				return &acp.RPCError{Code: acp.CodeAuthRequired, Message: "authentication rejected"}
			}
		}
	}
	return nil
}

// launchSpec resolves the agent executable, auto-installing it when allowed,
// and injects the credential into the child environment. Credentials go
// only into the process env, never into persisted state.
func (s *Session) launchSpec(ctx context.Context, profile agent.Profile) (launcher.Spec, error) {
	path, err := s.installer.DetectExecutable(profile.Executable)
	if errors.Is(err, launcher.ErrExecutableNotFound) && s.autoInstall && profile.InstallPackage != "" {
		path, err = s.installer.Install(ctx, profile.InstallPackage, profile.Executable)
	}
	if err != nil {
		return launcher.Spec{}, err
	}

	env := os.Environ()
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, agent.CredentialEnv(profile.ID, s.credential(profile.ID))...)

	return launcher.Spec{Path: path, Args: profile.Args, Env: env}, nil
}

// applyPreferences restores the user's remembered mode and model for this
// agent. Best effort: a stale preference must not fail session creation.
func (s *Session) applyPreferences(ctx context.Context, agentID string) {
	if s.settings == nil {
		return
	}
	st, err := s.settings.Load()
	if err != nil {
		log.Printf("WARNING: load settings: %v", err)
		return
	}
	if modeID := st.PreferredModes[agentID]; modeID != "" && s.hasMode(modeID) {
		if err := s.SetMode(ctx, modeID); err != nil {
			log.Printf("WARNING: restore preferred mode %s: %v", modeID, err)
		}
	}
	if modelID := st.PreferredModels[agentID]; modelID != "" && s.hasModel(modelID) {
		if err := s.SetModel(ctx, modelID); err != nil {
			log.Printf("WARNING: restore preferred model %s: %v", modelID, err)
		}
	}
}

func (s *Session) hasMode(modeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modes == nil {
		return false
	}
	for _, m := range s.modes.AvailableModes {
		if m.ID == modeID {
			return true
		}
	}
	return false
}

func (s *Session) hasModel(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		return false
	}
	for _, m := range s.models.AvailableModels {
		if m.ModelID == modelID {
			return true
		}
	}
	return false
}

// persist saves the transcript and metadata. Failures are logged, not
// surfaced; a failed save is recoverable via the store's repair pass.
func (s *Session) persist(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.sessionID
	agentID := s.profile.ID
	cwd := s.cwd
	title := s.title
	createdAt := s.createdAt
	s.mu.Unlock()

	if s.store == nil || sessionID == "" {
		return
	}

	messages := s.router.Messages()
	if len(messages) == 0 {
		return
	}

	if title == "" {
		title = s.generateTitle(ctx, messages)
		s.mu.Lock()
		s.title = title
		s.mu.Unlock()
	}

	meta := history.Meta{
		SessionID: sessionID,
		AgentID:   agentID,
		Title:     title,
		Cwd:       cwd,
		CreatedAt: createdAt,
	}
	if err := s.store.SaveSession(ctx, meta, messages); err != nil {
		log.Printf("WARNING: persist session %s: %v", sessionID, err)
	}
}

func (s *Session) generateTitle(ctx context.Context, messages []*router.ChatMessage) string {
	fallback := history.DeriveTitle(messages)
	if s.titler == nil {
		return fallback
	}

	var prompt string
	for _, m := range messages {
		if m.Role == router.RoleUser {
			prompt = m.Text()
			break
		}
	}
	if prompt == "" {
		return fallback
	}

	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	title, err := s.titler.Title(tctx, prompt)
	if err != nil || title == "" {
		log.Printf("WARNING: title generation failed, using fallback: %v", err)
		return fallback
	}
	return title
}

func (s *Session) credential(agentID string) string {
	if s.settings == nil {
		return ""
	}
	st, err := s.settings.Load()
	if err != nil {
		log.Printf("WARNING: load settings for credential: %v", err)
		return ""
	}
	return st.Credential(agentID)
}

func (s *Session) setState(state State, sessErr *SessionError) {
	s.mu.Lock()
	s.state = state
	s.lastErr = sessErr
	s.mu.Unlock()
}

func (s *Session) fail(sessErr *SessionError) error {
	s.setState(StateError, sessErr)
	return sessErr
}

func toRouterBlocks(blocks []acp.ContentBlock) []router.Block {
	out := make([]router.Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "image":
			out = append(out, router.Block{Kind: router.BlockImage, Image: &router.ImageBlock{MimeType: b.MimeType, Data: b.Data}})
		case "resource":
			if b.Resource != nil {
				out = append(out, router.Block{Kind: router.BlockText, Text: b.Resource.Text})
			}
		default:
			out = append(out, router.Block{Kind: router.BlockText, Text: b.Text})
		}
	}
	return out
}

// assistantVolume measures how much assistant output the transcript holds,
// used to detect empty turns.
func (s *Session) assistantVolume() int {
	total := 0
	for _, m := range s.router.Messages() {
		if m.Role != router.RoleAssistant {
			continue
		}
		for _, b := range m.Blocks {
			total += len(b.Text)
			if b.ToolCall != nil || b.Plan != nil {
				total++
			}
		}
	}
	return total
}
