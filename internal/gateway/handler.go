package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/jaakkos/harness/internal/ptyengine"
	"github.com/jaakkos/harness/internal/rail"
	"github.com/jaakkos/harness/internal/scheduler"
	"github.com/jaakkos/harness/internal/store"
	"github.com/jaakkos/harness/internal/wire"
)

// Handle is the wire dispatch table. It runs on the connection's dispatch
// goroutine, so per-connection response order matches request order.
func (g *Gateway) Handle(ctx context.Context, conn *wire.Conn, cmdType string, params json.RawMessage) (any, *wire.Error) {
	switch cmdType {
	case "session.list":
		return g.handleSessionList(params)
	case "repository.upsert":
		return g.handleRepositoryUpsert(params)
	case "directory.upsert":
		return g.handleDirectoryUpsert(params)
	case "conversation.create":
		return g.handleConversationCreate(params)
	case "conversation.set-title":
		return g.handleConversationSetTitle(params)
	case "conversation.archive":
		return g.handleConversationArchive(params)
	case "pty.start":
		return g.handlePTYStart(params)
	case "pty.attach":
		return g.handlePTYAttach(ctx, conn, params)
	case "pty.detach":
		return g.handlePTYDetach(conn, params)
	case "pty.resize":
		return g.handlePTYResize(params)
	case "pty.write":
		return g.handlePTYWrite(params)
	case "pty.tail":
		return g.handlePTYTail(params)
	case "session.respond":
		return g.handleSessionRespond(params)
	case "rail.render":
		return g.handleRailRender(params)
	case "ui.move-divider":
		return g.handleMoveDivider(params)
	case "ui.select":
		return g.handleSelect(params)
	case "ui.begin-title-edit":
		return g.handleBeginTitleEdit(params)
	case "profile.start":
		return g.handleProfileStart(params)
	case "profile.stop":
		return g.handleProfileStop(params)
	case "github.pr-create":
		return g.handlePRCreate(params)
	default:
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "unknown command type: %s", cmdType)
	}
}

// ConnClosed drops the connection from every PTY subscriber set.
func (g *Gateway) ConnClosed(conn *wire.Conn) {
	g.engine.DetachSubscriber(conn.ID())
}

func decode(params json.RawMessage, into any) *wire.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return wire.Errorf(wire.ErrKindInvalidInput, "bad params: %v", err)
	}
	return nil
}

func (g *Gateway) handleSessionList(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	convs, err := g.store.Conversations(p.Limit)
	if err != nil {
		return nil, errorFrom(err)
	}
	type sessionInfo struct {
		store.Conversation
		Live        bool `json:"live"`
		Unavailable bool `json:"unavailable,omitempty"`
	}
	sessions := make([]sessionInfo, len(convs))
	for i, c := range convs {
		sessions[i] = sessionInfo{
			Conversation: c,
			Live:         g.engine.IsLive(c.SessionID),
			Unavailable:  g.sched.Unavailable(c.SessionID),
		}
	}
	return map[string]any{
		"pid":           os.Getpid(),
		"stateDbPath":   g.opts.StateDBPath,
		"workspaceRoot": g.opts.Paths.WorkspaceRoot,
		"sessions":      sessions,
	}, nil
}

func (g *Gateway) handleDirectoryUpsert(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		Path         string `json:"path"`
		RepositoryID string `json:"repositoryId"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Path == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "path must not be empty")
	}
	dir, events, err := g.store.UpsertDirectory(p.Path, p.RepositoryID)
	if err != nil {
		return nil, errorFrom(err)
	}
	g.broadcast(events)
	return dir, nil
}

func (g *Gateway) handleConversationCreate(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		DirectoryID string `json:"directoryId"`
		Title       string `json:"title"`
		AgentType   string `json:"agentType"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.AgentType == "" {
		p.AgentType = "claude-code"
	}
	conv, events, err := g.store.CreateConversation(p.DirectoryID, p.Title, p.AgentType)
	if err != nil {
		return nil, errorFrom(err)
	}
	g.broadcast(events)
	return conv, nil
}

func (g *Gateway) handleConversationArchive(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	events, err := g.store.ArchiveConversation(p.SessionID)
	if err != nil {
		return nil, errorFrom(err)
	}
	// Archive releases the retained output ring.
	g.engine.Release(p.SessionID)
	g.sched.Deactivate(p.SessionID)
	g.broadcast(events)
	return map[string]any{"archived": true}, nil
}

func (g *Gateway) handlePTYStart(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID   string   `json:"sessionId"`
		Args        []string `json:"args"`
		InitialCols uint16   `json:"initialCols"`
		InitialRows uint16   `json:"initialRows"`
		Cwd         string   `json:"cwd"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	conv, err := g.store.ConversationBySessionID(p.SessionID)
	if err != nil {
		return nil, errorFrom(err)
	}
	if err := g.startPTY(conv, p.Args, p.InitialCols, p.InitialRows, p.Cwd); err != nil {
		return nil, errorFrom(err)
	}
	return map[string]any{"sessionId": p.SessionID, "live": true}, nil
}

func (g *Gateway) handlePTYAttach(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		FromSeq   uint64 `json:"fromSeq"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	// Detach this client from the previously active session, then activate
	// without attaching; the replaying attach below is atomic with the ring
	// so the client sees a contiguous sequence.
	if prev := g.sched.ActiveID(); prev != "" && prev != p.SessionID {
		g.engine.Detach(prev, conn.ID())
	}
	if err := g.sched.Activate(ctx, p.SessionID, nil); err != nil {
		return nil, errorFrom(err)
	}
	lastSeq, err := g.engine.AttachWithReplay(p.SessionID, conn, p.FromSeq)
	if err != nil {
		return nil, errorFrom(err)
	}
	return map[string]any{"attached": true, "lastSeq": lastSeq}, nil
}

func (g *Gateway) handlePTYDetach(conn *wire.Conn, params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	g.engine.Detach(p.SessionID, conn.ID())
	return map[string]any{"detached": true}, nil
}

func (g *Gateway) handlePTYResize(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cols      uint16 `json:"cols"`
		Rows      uint16 `json:"rows"`
		Immediate bool   `json:"immediate"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Cols == 0 || p.Rows == 0 {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "cols and rows must be positive")
	}
	g.sched.RequestResize(p.SessionID, p.Cols, p.Rows, p.Immediate)
	return map[string]any{"accepted": true}, nil
}

func (g *Gateway) handlePTYWrite(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
		Data      []byte `json:"data"` // base64 in JSON
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	data := p.Data
	if p.Text != "" {
		data = []byte(p.Text)
	}
	if len(data) == 0 {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "empty write")
	}
	if err := g.engine.Write(p.SessionID, data); err != nil {
		return nil, errorFrom(err)
	}
	if err := g.store.TouchConversation(p.SessionID); err != nil {
		g.logger.Printf("touch %s: %v", p.SessionID, err)
	}
	return map[string]any{"written": len(data)}, nil
}

func (g *Gateway) handlePTYTail(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		FromSeq   uint64 `json:"fromSeq"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	events, err := g.engine.Tail(p.SessionID, p.FromSeq)
	if err != nil {
		return nil, errorFrom(err)
	}
	return map[string]any{"events": events}, nil
}

func (g *Gateway) handleSessionRespond(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Text == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "text must not be empty")
	}
	if err := g.engine.Write(p.SessionID, []byte(p.Text+"\r")); err != nil {
		return nil, errorFrom(err)
	}
	events, err := g.store.SetConversationStatus(p.SessionID, store.StatusRunning, "")
	if err != nil {
		return nil, errorFrom(err)
	}
	g.broadcast(events)
	return map[string]any{"responded": true}, nil
}

func (g *Gateway) handleRepositoryUpsert(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		Name      string `json:"name"`
		RemoteURL string `json:"remoteUrl"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Name == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "name must not be empty")
	}
	repo, events, err := g.store.UpsertRepository(p.Name, p.RemoteURL)
	if err != nil {
		return nil, errorFrom(err)
	}
	g.broadcast(events)
	return repo, nil
}

func (g *Gateway) handleRailRender(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		ShowShortcuts bool `json:"showShortcuts"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	repos, err := g.store.Repositories()
	if err != nil {
		return nil, errorFrom(err)
	}
	dirs, err := g.store.Directories()
	if err != nil {
		return nil, errorFrom(err)
	}
	convs, err := g.store.Conversations(0)
	if err != nil {
		return nil, errorFrom(err)
	}
	ui, err := g.store.UIStateSnapshot()
	if err != nil {
		return nil, errorFrom(err)
	}
	model := rail.Build(rail.Input{
		Repositories:  repos,
		Directories:   dirs,
		Conversations: convs,
		Processes: []rail.Process{
			{Name: "gateway", PID: os.Getpid(), Status: "running"},
		},
		ActiveConversationID: g.sched.ActiveID(),
		Collapsed:            ui.Collapsed,
		ShowShortcuts:        p.ShowShortcuts,
		Now:                  time.Now(),
	})
	return map[string]any{"rows": model.Rows, "pane": g.sched.Pane()}, nil
}

func (g *Gateway) handleConversationSetTitle(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Title     string `json:"title"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Title == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "title must not be empty")
	}
	events, err := g.store.SetConversationTitle(p.SessionID, p.Title)
	if err != nil {
		return nil, errorFrom(err)
	}
	// The edit is committed; clear the edit marker.
	g.sched.BeginTitleEdit("")
	g.broadcast(events)
	return map[string]any{"titled": true}, nil
}

func (g *Gateway) handleSelect(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		ID string `json:"id"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	g.sched.Select(p.ID)
	return map[string]any{"selected": p.ID}, nil
}

func (g *Gateway) handleBeginTitleEdit(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionID == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "sessionId must not be empty")
	}
	g.sched.BeginTitleEdit(p.SessionID)
	return map[string]any{"editing": p.SessionID}, nil
}

func (g *Gateway) handleMoveDivider(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		Key  string `json:"key"`
		Pos  int    `json:"pos"`
		Cols int    `json:"cols"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Key == "" || p.Cols < 2 {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "key and cols are required")
	}
	clamped := g.sched.MoveDivider(p.Key, p.Pos, p.Cols)
	return map[string]any{"pos": clamped}, nil
}

func (g *Gateway) handlePRCreate(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		DirectoryID string `json:"directoryId"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	dir, err := g.store.DirectoryByID(p.DirectoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wire.Errorf(wire.ErrKindNotFound, "directory not found: %s", p.DirectoryID)
		}
		return nil, errorFrom(err)
	}
	if dir.RepositoryID == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "directory has no linked repository: %s", dir.Path)
	}
	return map[string]any{"repositoryId": dir.RepositoryID, "status": "queued"}, nil
}

// errorFrom maps component errors onto the wire taxonomy.
func errorFrom(err error) *wire.Error {
	var werr *wire.Error
	switch {
	case errors.As(err, &werr):
		return werr
	case errors.Is(err, store.ErrNotFound):
		return wire.Errorf(wire.ErrKindNotFound, "%v", err)
	case errors.Is(err, scheduler.ErrSessionNotFound):
		return wire.Errorf(wire.ErrKindSessionNotFound, "%v", err)
	case errors.Is(err, ptyengine.ErrNotFound):
		return wire.Errorf(wire.ErrKindSessionNotFound, "%v", err)
	case errors.Is(err, ptyengine.ErrSessionNotLive):
		return wire.Errorf(wire.ErrKindSessionNotLive, "%v", err)
	case errors.Is(err, ptyengine.ErrAlreadyLive):
		return wire.Errorf(wire.ErrKindAlreadyLive, "%v", err)
	case errors.Is(err, ptyengine.ErrBackpressure):
		return wire.Errorf(wire.ErrKindBackpressure, "%v", err)
	case errors.Is(err, store.ErrClosed):
		return wire.Errorf(wire.ErrKindInternal, "%v", err)
	default:
		return wire.Errorf(wire.ErrKindInternal, "%v", err)
	}
}
