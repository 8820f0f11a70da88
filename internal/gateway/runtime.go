package gateway

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jaakkos/harness/internal/ptyengine"
	"github.com/jaakkos/harness/internal/store"
)

// agentRuntime adapts the PTY engine plus agent presets into the scheduler's
// Runtime interface: the scheduler asks for "start this conversation" and the
// adapter turns that into an argv, a cwd, and an environment.
type agentRuntime struct {
	g *Gateway
}

func (r *agentRuntime) IsLive(sessionID string) bool { return r.g.engine.IsLive(sessionID) }

func (r *agentRuntime) Attach(sessionID string, sub ptyengine.Subscriber) error {
	return r.g.engine.Attach(sessionID, sub)
}

func (r *agentRuntime) Detach(sessionID, subID string) { r.g.engine.Detach(sessionID, subID) }

func (r *agentRuntime) Resize(sessionID string, cols, rows uint16) error {
	return r.g.engine.Resize(sessionID, cols, rows)
}

// StartSession spawns the conversation's agent in a fresh PTY and marks it
// running. A spawn failure seals the conversation as exited with a reason.
func (r *agentRuntime) StartSession(conv store.Conversation) error {
	return r.g.startPTY(conv, nil, 0, 0, "")
}

// startPTY is the shared spawn path for scheduler activation and the
// explicit pty.start command. argv, size, and cwd may override the preset.
func (g *Gateway) startPTY(conv store.Conversation, argv []string, cols, rows uint16, cwd string) error {
	agentType := conv.AgentType
	if agentType == "" {
		agentType = "claude-code"
	}
	preset, err := g.agents.Preset(agentType)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		if override := g.opts.Env("HARNESS_MUX_SCRIPT_PATH"); override != "" {
			argv = []string{override}
		} else {
			argv = preset.Argv(g.opts.Env)
		}
	}
	if cwd == "" {
		cwd = g.opts.Paths.WorkspaceRoot
		if conv.DirectoryID != "" {
			dir, err := g.store.DirectoryByID(conv.DirectoryID)
			if err != nil {
				return err
			}
			cwd = dir.Path
		}
	}

	extraEnv := preset.BuildEnv(g.opts.Environ, g.opts.Env, g.secrets)
	if err := g.engine.Start(conv.SessionID, cwd, argv, cols, rows, extraEnv); err != nil {
		if errors.Is(err, ptyengine.ErrAlreadyLive) {
			return err
		}
		reason := fmt.Sprintf("spawn failed: %v", err)
		if events, serr := g.store.SetConversationStatus(conv.SessionID, store.StatusExited, reason); serr == nil {
			g.broadcast(events)
		}
		return err
	}

	events, err := g.store.SetConversationStatus(conv.SessionID, store.StatusRunning, "")
	if err != nil {
		g.logger.Printf("mark %s running: %v", conv.SessionID, err)
	} else {
		g.broadcast(events)
	}
	return nil
}

func newRunID() string { return uuid.NewString() }
