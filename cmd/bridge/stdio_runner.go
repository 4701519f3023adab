package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"agentbridge/internal/acp"
	"agentbridge/internal/bridge"
	"agentbridge/internal/history"
	"agentbridge/internal/router"
)

// stdioRunner serves the UI protocol over NDJSON: one command per input
// line, one event per output line.
type stdioRunner struct {
	scanner *bufio.Scanner
	writer  *bufio.Writer
	events  chan Event

	session *bridge.Session
	router  *router.Router
	store   *history.Store
	env     *runtimeEnv
}

func newStdIORunner(in io.Reader, out io.Writer, env *runtimeEnv) *stdioRunner {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &stdioRunner{
		scanner: scanner,
		writer:  bufio.NewWriter(out),
		events:  make(chan Event, 256),
		session: env.Session,
		router:  env.Router,
		store:   env.Store,
		env:     env,
	}
}

// routerSink translates router events into UI protocol events.
func (r *stdioRunner) routerSink(e router.Event) {
	switch e.Kind {
	case "messages_changed":
		r.emit(NewMessagesEvent(r.router.Messages()))
	case "turn_complete":
		stop, _ := e.Data.(string)
		r.emit(NewTurnCompleteEvent(stop))
	case "permission_requested":
		if req, ok := e.Data.(*acp.PermissionRequest); ok {
			r.emit(NewPermissionEvent(req))
		}
	case "plan_changed":
		if entries, ok := e.Data.([]acp.PlanEntry); ok {
			r.emit(NewPlanEvent(entries))
		}
	case "commands_changed":
		if cmds, ok := e.Data.([]acp.CommandDescriptor); ok {
			r.emit(NewCommandsEvent(cmds))
		}
	case "mode_changed":
		if modeID, ok := e.Data.(string); ok {
			r.emit(NewModeEvent(modeID))
		}
	}
}

func (r *stdioRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go r.flushEvents(ctx, errCh)

	r.emit(NewReadyEvent())

	for {
		select {
		case <-ctx.Done():
			close(r.events)
			return <-errCh
		default:
		}

		if !r.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		// Commands run asynchronously so a long prompt turn never blocks
		// the input loop; cancel must get through mid-turn.
		go r.handleLine(ctx, line)
	}

	if err := r.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		r.emit(NewErrorEvent(fmt.Sprintf("stdin error: %v", err)))
	}

	close(r.events)
	return <-errCh
}

func (r *stdioRunner) flushEvents(ctx context.Context, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- nil
			return
		case ev, ok := <-r.events:
			if !ok {
				errCh <- r.writer.Flush()
				return
			}
			if err := r.writeEvent(ev); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (r *stdioRunner) writeEvent(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return r.writer.Flush()
}

func (r *stdioRunner) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("stdio: dropping event %s due to full buffer", ev.Type)
	}
}

func (r *stdioRunner) emitState() {
	state, sessErr := r.session.State()
	r.emit(NewStateEvent(state, sessErr))
}

func (r *stdioRunner) handleLine(ctx context.Context, line string) {
	cmd, err := DecodeCommand([]byte(line))
	if err != nil {
		r.emit(NewErrorEvent(err.Error()))
		return
	}

	switch c := cmd.(type) {
	case CreateSessionCommand:
		if err := r.session.CreateSession(ctx, c.AgentID, c.Cwd); err != nil {
			r.emitState()
			return
		}
		r.env.OpenVault(c.Cwd)
		r.emitState()
	case LoadSessionCommand:
		if err := r.session.LoadSession(ctx, c.SessionID); err != nil {
			r.emitState()
			return
		}
		r.emitState()
	case UserMessageCommand:
		if name, ok := slashCommandName(c.Message); ok {
			desc, found := acp.FindCommand(r.router.Commands(), name)
			if !found {
				r.emit(NewErrorEvent(fmt.Sprintf("unknown command: /%s", name)))
				return
			}
			args := c.Args
			if args == nil {
				args = map[string]any{}
			}
			if err := acp.ValidateCommandInput(desc, args); err != nil {
				r.emit(NewErrorEvent(err.Error()))
				return
			}
		}
		blocks := r.buildPrompt(c)
		stop, err := r.session.Prompt(ctx, blocks)
		if err != nil {
			r.emitState()
			return
		}
		_ = stop // turn_complete is emitted through the router sink
	case CancelCommand:
		r.session.CancelOperation(ctx)
		r.emitState()
	case SetModeCommand:
		if err := r.session.SetMode(ctx, c.ModeID); err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(NewModeEvent(c.ModeID))
	case SetModelCommand:
		if err := r.session.SetModel(ctx, c.ModelID); err != nil {
			r.emit(NewErrorEvent(err.Error()))
		}
	case ResolvePermissionCommand:
		outcome := acp.PermissionOutcome{Outcome: c.Outcome, OptionID: c.OptionID}
		if err := r.session.ResolvePermission(c.RequestID, outcome); err != nil {
			r.emit(NewErrorEvent(err.Error()))
		}
	case SwitchAgentCommand:
		if err := r.session.SwitchAgent(ctx, c.AgentID, c.Cwd); err != nil {
			r.emitState()
			return
		}
		r.env.OpenVault(c.Cwd)
		r.emitState()
	case CloseSessionCommand:
		r.session.CloseSession(ctx)
		r.emitState()
	case ListSessionsCommand:
		metas, err := r.store.ListSessions(ctx)
		if err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(Event{Type: "sessions", Data: metas})
	case SearchSessionsCommand:
		metas, err := r.store.SearchSessions(ctx, c.Query)
		if err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(Event{Type: "sessions", Data: metas})
	case DeleteSessionCommand:
		if err := r.store.DeleteSession(ctx, c.SessionID); err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		metas, err := r.store.ListSessions(ctx)
		if err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(Event{Type: "sessions", Data: metas})
	case RenameSessionCommand:
		if err := r.store.RenameSession(ctx, c.SessionID, c.Title); err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		metas, err := r.store.ListSessions(ctx)
		if err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(Event{Type: "sessions", Data: metas})
	case ListAgentsCommand:
		r.emit(Event{Type: "agents", Data: r.env.Registry.List()})
	case MentionQueryCommand:
		v := r.env.Vault()
		if v == nil {
			r.emit(Event{Type: "mention_candidates", Data: []string{}})
			return
		}
		candidates, err := v.Candidates(c.Query)
		if err != nil {
			r.emit(NewErrorEvent(err.Error()))
			return
		}
		r.emit(Event{Type: "mention_candidates", Data: candidates})
	}
}

// slashCommandName extracts the command name from a "/name ..." message.
func slashCommandName(message string) (string, bool) {
	if !strings.HasPrefix(message, "/") {
		return "", false
	}
	name := strings.TrimPrefix(message, "/")
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", false
	}
	return name, true
}

// buildPrompt assembles the content blocks for one turn: the typed message
// plus embedded resources for every mentioned file.
func (r *stdioRunner) buildPrompt(c UserMessageCommand) []acp.ContentBlock {
	blocks := []acp.ContentBlock{{Type: "text", Text: c.Message}}
	v := r.env.Vault()
	if v == nil {
		return blocks
	}
	for _, mention := range c.Mentions {
		block, err := v.MentionResource(mention)
		if err != nil {
			log.Printf("WARNING: mention %s skipped: %v", mention, err)
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}
