package bridge

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"agentbridge/internal/acp"
	"agentbridge/internal/agent"
	"agentbridge/internal/history"
	"agentbridge/internal/launcher"
	"agentbridge/internal/router"
	"agentbridge/internal/settings"
)

type fakeClient struct {
	mu              sync.Mutex
	handler         acp.UpdateHandler
	live            map[string]*acp.InitializeResult
	initializeCalls int
	disconnectCalls int
	cancelCalls     int

	initializeErr error
	authMethods   []acp.AuthMethod
	authenticate  func(ctx context.Context, methodID string) (bool, error)
	authCalls     int
	newSession    func(ctx context.Context, cwd string) (*acp.SessionResult, error)
	loadSession   func(ctx context.Context, sessionID, cwd string) (*acp.SessionResult, error)
	sendPrompt    func(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error)
	setModeErr    error
	setModelErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{live: make(map[string]*acp.InitializeResult)}
}

func (c *fakeClient) Initialized(agentID string) (*acp.InitializeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.live[agentID]
	return r, ok
}

func (c *fakeClient) Initialize(ctx context.Context, agentID string, spec launcher.Spec) (*acp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initializeCalls++
	if c.initializeErr != nil {
		return nil, c.initializeErr
	}
	result := &acp.InitializeResult{ProtocolVersion: acp.ProtocolVersion, AuthMethods: c.authMethods}
	c.live = map[string]*acp.InitializeResult{agentID: result}
	return result, nil
}

func (c *fakeClient) Authenticate(ctx context.Context, methodID string) (bool, error) {
	c.mu.Lock()
	c.authCalls++
	fn := c.authenticate
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, methodID)
	}
	return true, nil
}

func (c *fakeClient) NewSession(ctx context.Context, cwd string) (*acp.SessionResult, error) {
	if c.newSession != nil {
		return c.newSession(ctx, cwd)
	}
	return &acp.SessionResult{SessionID: "sess-1"}, nil
}

func (c *fakeClient) LoadSession(ctx context.Context, sessionID, cwd string) (*acp.SessionResult, error) {
	if c.loadSession != nil {
		return c.loadSession(ctx, sessionID, cwd)
	}
	return &acp.SessionResult{SessionID: sessionID}, nil
}

func (c *fakeClient) SendPrompt(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error) {
	if c.sendPrompt != nil {
		return c.sendPrompt(ctx, sessionID, prompt)
	}
	return &acp.PromptResult{StopReason: acp.StopEndTurn}, nil
}

func (c *fakeClient) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return nil
}

func (c *fakeClient) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	return c.setModeErr
}

func (c *fakeClient) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	return c.setModelErr
}

func (c *fakeClient) ResolvePermission(requestID string, outcome acp.PermissionOutcome) error {
	return nil
}

func (c *fakeClient) OnSessionUpdate(fn acp.UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *fakeClient) OnError(fn func(error)) {}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCalls++
	c.live = make(map[string]*acp.InitializeResult)
}

func (c *fakeClient) notify(n acp.SessionNotification) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(n)
	}
}

type fakeInstaller struct {
	detectErr     error
	installCalled bool
}

func (i *fakeInstaller) DetectExecutable(name string) (string, error) {
	if i.detectErr != nil && !i.installCalled {
		return "", i.detectErr
	}
	return "/usr/local/bin/" + name, nil
}

func (i *fakeInstaller) Install(ctx context.Context, pkg, binName string) (string, error) {
	i.installCalled = true
	return "/usr/local/bin/" + binName, nil
}

func newTestSession(t *testing.T, client *fakeClient, installer *fakeInstaller) *Session {
	t.Helper()
	registry, err := agent.NewRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	if installer == nil {
		installer = &fakeInstaller{}
	}
	return NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: installer,
		Router:    router.NewRouter(nil),
	})
}

func assistantChunk(sessionID, text string) acp.SessionNotification {
	return acp.SessionNotification{
		SessionID: sessionID,
		Update: acp.SessionUpdate{
			SessionUpdate: acp.UpdateAgentMessageChunk,
			Content:       &acp.ContentBlock{Type: "text", Text: text},
		},
	}
}

func TestCreateSessionReachesReady(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, nil)

	if err := s.CreateSession(context.Background(), "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	state, sessErr := s.State()
	if state != StateReady || sessErr != nil {
		t.Errorf("expected ready, got %s (%v)", state, sessErr)
	}
	if s.SessionID() != "sess-1" || s.AgentID() != "claude-code" {
		t.Errorf("session identity wrong: %s / %s", s.SessionID(), s.AgentID())
	}
}

func TestCreateSessionReusesLiveAgent(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, nil)
	ctx := context.Background()

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("second CreateSession failed: %v", err)
	}
	if client.initializeCalls != 1 {
		t.Errorf("same agent must not be re-initialized, got %d handshakes", client.initializeCalls)
	}
}

func TestCreateSessionMissingExecutableOffersInstall(t *testing.T) {
	client := newFakeClient()
	installer := &fakeInstaller{detectErr: launcher.ErrExecutableNotFound}
	s := newTestSession(t, client, installer)

	err := s.CreateSession(context.Background(), "claude-code", "/work")
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var sessErr *SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected SessionError, got %T", err)
	}
	if sessErr.Kind != ErrorSpawn || !sessErr.OfferInstall {
		t.Errorf("expected spawn error with install offer: %+v", sessErr)
	}
	if state, _ := s.State(); state != StateError {
		t.Errorf("expected error state, got %s", state)
	}
}

func TestCreateSessionAutoInstalls(t *testing.T) {
	client := newFakeClient()
	installer := &fakeInstaller{detectErr: launcher.ErrExecutableNotFound}
	registry, _ := agent.NewRegistry()
	s := NewSession(Options{
		Client:      client,
		Registry:    registry,
		Installer:   installer,
		Router:      router.NewRouter(nil),
		AutoInstall: true,
	})

	if err := s.CreateSession(context.Background(), "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession with auto-install failed: %v", err)
	}
	if !installer.installCalled {
		t.Error("auto-install never ran")
	}
}

func newTestSettings(t *testing.T, seed func(*settings.Settings)) *settings.Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "bridge-settings-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	mgr := settings.NewManagerAt(dir)
	if seed != nil {
		if _, err := mgr.Update(seed); err != nil {
			t.Fatalf("seed settings: %v", err)
		}
	}
	return mgr
}

func TestAuthRejectionRetriedOnceWithSingleMethod(t *testing.T) {
	client := newFakeClient()
	client.authMethods = []acp.AuthMethod{{ID: "api-key"}}
	rejections := 1
	client.authenticate = func(ctx context.Context, methodID string) (bool, error) {
		if rejections > 0 {
			rejections--
			return false, nil
		}
		return true, nil
	}
	mgr := newTestSettings(t, func(st *settings.Settings) {
		st.Credentials = map[string]string{"claude-code": "sk-test"}
	})

	registry, _ := agent.NewRegistry()
	s := NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: &fakeInstaller{},
		Settings:  mgr,
		Router:    router.NewRouter(nil),
	})

	if err := s.CreateSession(context.Background(), "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed despite transient auth rejection: %v", err)
	}
	if client.authCalls != 2 {
		t.Errorf("single-method rejection must be retried exactly once, got %d calls", client.authCalls)
	}
}

func TestAuthPersistentRejectionSurfacesAuthError(t *testing.T) {
	client := newFakeClient()
	client.authMethods = []acp.AuthMethod{{ID: "api-key"}}
	client.authenticate = func(ctx context.Context, methodID string) (bool, error) {
		return false, nil
	}
	mgr := newTestSettings(t, func(st *settings.Settings) {
		st.Credentials = map[string]string{"claude-code": "sk-test"}
	})

	registry, _ := agent.NewRegistry()
	s := NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: &fakeInstaller{},
		Settings:  mgr,
		Router:    router.NewRouter(nil),
	})

	err := s.CreateSession(context.Background(), "claude-code", "/work")
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Kind != ErrorAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if client.authCalls != 2 {
		t.Errorf("expected 2 auth attempts, got %d", client.authCalls)
	}
}

func TestSwitchAgentPersistsActiveAgent(t *testing.T) {
	client := newFakeClient()
	mgr := newTestSettings(t, nil)
	registry, _ := agent.NewRegistry()
	s := NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: &fakeInstaller{},
		Settings:  mgr,
		Router:    router.NewRouter(nil),
	})
	ctx := context.Background()

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.SwitchAgent(ctx, "gemini", "/work"); err != nil {
		t.Fatalf("SwitchAgent failed: %v", err)
	}

	st, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load settings: %v", err)
	}
	if st.ActiveAgentID != "gemini" {
		t.Errorf("active agent id not persisted, got %q", st.ActiveAgentID)
	}
}

func TestPromptRetriesEmptyResponseOnce(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, nil)
	ctx := context.Background()

	attempts := 0
	client.sendPrompt = func(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error) {
		attempts++
		if attempts >= 2 {
			client.notify(assistantChunk(sessionID, "late answer"))
		}
		return &acp.PromptResult{StopReason: acp.StopEndTurn}, nil
	}

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	stop, err := s.Prompt(ctx, []acp.ContentBlock{{Type: "text", Text: "hello"}})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if stop != acp.StopEndTurn {
		t.Errorf("unexpected stop reason %q", stop)
	}
	if attempts != 2 {
		t.Errorf("empty response must be retried exactly once, got %d attempts", attempts)
	}
}

func TestPromptEmptyResponseSurfacesAfterRetry(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, nil)
	ctx := context.Background()

	attempts := 0
	client.sendPrompt = func(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error) {
		attempts++
		return &acp.PromptResult{StopReason: acp.StopEndTurn}, nil
	}

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	_, err := s.Prompt(ctx, []acp.ContentBlock{{Type: "text", Text: "hello"}})
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Kind != ErrorEmptyResponse {
		t.Fatalf("expected empty response error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestCancelAlwaysResolvesToReady(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(t, client, nil)
	ctx := context.Background()

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s.fail(Classify(errors.New("boom"), "test"))

	s.CancelOperation(ctx)
	state, sessErr := s.State()
	if state != StateReady || sessErr != nil {
		t.Errorf("cancel must recover to ready, got %s (%v)", state, sessErr)
	}
	if client.cancelCalls != 1 {
		t.Errorf("cancel notification not sent, calls=%d", client.cancelCalls)
	}
}

func TestSetModeRollsBackOnRejection(t *testing.T) {
	client := newFakeClient()
	client.newSession = func(ctx context.Context, cwd string) (*acp.SessionResult, error) {
		return &acp.SessionResult{
			SessionID: "sess-1",
			Modes: &acp.SessionModeState{
				CurrentModeID: "code",
				AvailableModes: []acp.SessionMode{
					{ID: "code", Name: "Code"},
					{ID: "plan", Name: "Plan"},
				},
			},
		}, nil
	}
	s := newTestSession(t, client, nil)
	ctx := context.Background()

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	client.setModeErr = errors.New("mode not supported")
	if err := s.SetMode(ctx, "plan"); err == nil {
		t.Fatal("expected mode switch rejection")
	}
	if got := s.Modes().CurrentModeID; got != "code" {
		t.Errorf("optimistic mode not rolled back: %q", got)
	}

	client.setModeErr = nil
	if err := s.SetMode(ctx, "plan"); err != nil {
		t.Fatalf("mode switch failed: %v", err)
	}
	if got := s.Modes().CurrentModeID; got != "plan" {
		t.Errorf("mode not applied: %q", got)
	}
}

func TestCloseSessionPersistsAndDisconnects(t *testing.T) {
	dir, err := os.MkdirTemp("", "bridge-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := history.NewStore(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	client := newFakeClient()
	registry, _ := agent.NewRegistry()
	rt := router.NewRouter(nil)
	s := NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: &fakeInstaller{},
		Store:     store,
		Router:    rt,
	})
	ctx := context.Background()

	client.sendPrompt = func(ctx context.Context, sessionID string, prompt []acp.ContentBlock) (*acp.PromptResult, error) {
		client.notify(assistantChunk(sessionID, "done"))
		return &acp.PromptResult{StopReason: acp.StopEndTurn}, nil
	}

	if err := s.CreateSession(ctx, "claude-code", "/work"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := s.Prompt(ctx, []acp.ContentBlock{{Type: "text", Text: "do the thing"}}); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	s.CloseSession(ctx)
	if state, _ := s.State(); state != StateDisconnected {
		t.Errorf("expected disconnected, got %s", state)
	}
	if client.disconnectCalls == 0 {
		t.Error("Disconnect never called")
	}

	metas, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(metas) != 1 || metas[0].Title != "do the thing" {
		t.Errorf("session not persisted: %+v", metas)
	}
}

func TestLoadSessionSuppressesReplay(t *testing.T) {
	dir, err := os.MkdirTemp("", "bridge-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := history.NewStore(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	saved := router.NewChatMessage(router.RoleUser)
	saved.Blocks = []router.Block{{Kind: router.BlockText, Text: "original question"}}
	meta := history.Meta{SessionID: "old-sess", AgentID: "claude-code", Cwd: "/work"}
	if err := store.SaveSession(ctx, meta, []*router.ChatMessage{saved}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	client := newFakeClient()
	client.loadSession = func(ctx context.Context, sessionID, cwd string) (*acp.SessionResult, error) {
		// The agent replays history during session/load.
		client.notify(assistantChunk(sessionID, "replayed content"))
		return &acp.SessionResult{SessionID: sessionID}, nil
	}

	registry, _ := agent.NewRegistry()
	rt := router.NewRouter(nil)
	s := NewSession(Options{
		Client:    client,
		Registry:  registry,
		Installer: &fakeInstaller{},
		Store:     store,
		Router:    rt,
	})

	if err := s.LoadSession(ctx, "old-sess"); err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if state, _ := s.State(); state != StateReady {
		t.Errorf("expected ready, got %s", state)
	}

	msgs := rt.Messages()
	if len(msgs) != 1 || msgs[0].Text() != "original question" {
		t.Errorf("replay leaked past suppression: %+v", msgs)
	}
}
