// Package gateway composes the daemon: control-plane store, PTY engine,
// runtime scheduler, and the wire server, glued together by the command
// dispatch table. `harness gateway run` boots this and blocks until a
// signal.
package gateway

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jaakkos/harness/internal/config"
	"github.com/jaakkos/harness/internal/paths"
	"github.com/jaakkos/harness/internal/ptyengine"
	"github.com/jaakkos/harness/internal/record"
	"github.com/jaakkos/harness/internal/scheduler"
	"github.com/jaakkos/harness/internal/store"
	"github.com/jaakkos/harness/internal/wire"
)

// Options configures one gateway daemon.
type Options struct {
	Paths       *paths.Paths
	Host        string
	Port        int // 0 binds an ephemeral port
	AuthToken   string
	StateDBPath string
	Logger      *log.Logger
	// Env defaults to os.Getenv; tests override it.
	Env paths.Env
	// Environ defaults to os.Environ.
	Environ []string
}

// Gateway is a running daemon instance.
type Gateway struct {
	opts    Options
	logger  *log.Logger
	store   *store.Store
	engine  *ptyengine.Engine
	sched   *scheduler.Scheduler
	server  *wire.Server
	agents  *config.Agents
	secrets map[string]string

	port      int
	startedAt time.Time

	// active CPU capture, nil when idle.
	profMu   sync.Mutex
	profFile *os.File
	profPath string
}

// New opens the store and wires the components together. Nothing listens
// yet; call Start.
func New(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags|log.Lshortfile)
	}
	if opts.Env == nil {
		opts.Env = os.Getenv
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.StateDBPath == "" {
		opts.StateDBPath = opts.Paths.StateDBPath()
	}

	agents, err := config.LoadAgents(opts.Paths.AgentsFilePath())
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets(opts.Paths.SecretsFilePath())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(opts.StateDBPath)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		opts:      opts,
		logger:    opts.Logger,
		store:     st,
		agents:    agents,
		secrets:   secrets,
		startedAt: time.Now(),
	}
	g.engine = ptyengine.New(opts.Logger, g.onPTYExit)
	g.sched = scheduler.New(opts.Logger, &agentRuntime{g: g}, st)
	g.server = wire.NewServer(g, opts.AuthToken, opts.Logger)
	return g, nil
}

// Start listens, begins serving, and publishes the gateway record plus the
// default pointer. It returns the actual port.
func (g *Gateway) Start() (int, error) {
	port, err := g.server.Listen(g.opts.Host, g.opts.Port)
	if err != nil {
		g.store.Close()
		return 0, err
	}
	g.port = port
	go g.server.Serve()

	rec := &record.Record{
		PID:           os.Getpid(),
		Host:          g.opts.Host,
		Port:          port,
		StateDBPath:   g.opts.StateDBPath,
		StartedAt:     g.startedAt.UTC().Format(time.RFC3339),
		WorkspaceRoot: g.opts.Paths.WorkspaceRoot,
	}
	if g.opts.AuthToken != "" {
		token := g.opts.AuthToken
		rec.AuthToken = &token
	}
	recordPath := g.opts.Paths.GatewayRecordPath()
	if err := record.Write(recordPath, rec); err != nil {
		g.server.Shutdown()
		g.store.Close()
		return 0, err
	}
	pointer := &record.Pointer{
		WorkspaceRoot:        g.opts.Paths.WorkspaceRoot,
		WorkspaceRuntimeRoot: g.opts.Paths.WorkspaceRuntimeRoot(),
		GatewayRecordPath:    recordPath,
		GatewayLogPath:       g.opts.Paths.GatewayLogPath(),
		StateDBPath:          g.opts.StateDBPath,
		PID:                  rec.PID,
		StartedAt:            rec.StartedAt,
		UpdatedAt:            time.Now().UTC().Format(time.RFC3339),
		GatewayRunID:         newRunID(),
	}
	defaultRecordPath := g.defaultRecordPath()
	if err := record.WritePointer(g.opts.Paths.DefaultPointerPath(), pointer, defaultRecordPath); err != nil {
		g.logger.Printf("write default pointer: %v", err)
	}

	g.logger.Printf("gateway listening on %s:%d (pid=%d)", g.opts.Host, port, rec.PID)
	return port, nil
}

// Port returns the bound port after Start.
func (g *Gateway) Port() int { return g.port }

// Shutdown broadcasts gateway.shutdown, tears the components down, and
// unlinks the record.
func (g *Gateway) Shutdown() {
	g.stopActiveProfile()
	g.server.Shutdown()
	g.sched.Shutdown()
	g.engine.Shutdown()

	recordPath := g.opts.Paths.GatewayRecordPath()
	if err := record.Remove(recordPath); err != nil {
		g.logger.Printf("remove record: %v", err)
	}
	if err := record.ClearPointer(g.opts.Paths.DefaultPointerPath(), recordPath); err != nil {
		g.logger.Printf("clear default pointer: %v", err)
	}
	if err := g.store.Close(); err != nil {
		g.logger.Printf("close store: %v", err)
	}
	g.logger.Printf("gateway stopped")
}

// Run boots a gateway and blocks until the context is canceled or a
// termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	g, err := New(opts)
	if err != nil {
		return err
	}
	if _, err := g.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case s := <-sig:
		g.logger.Printf("received %s", s)
	}
	g.Shutdown()
	return nil
}

// defaultRecordPath is the record path of the default (unnamed) session of
// this workspace; only it may own the pointer slot.
func (g *Gateway) defaultRecordPath() string {
	p := *g.opts.Paths
	p.SessionName = ""
	return p.GatewayRecordPath()
}

// broadcast fans mutation envelopes out to every connection.
func (g *Gateway) broadcast(events []store.Event) {
	for _, e := range events {
		g.server.Broadcast(e.Name, e.Data)
	}
}

// onPTYExit seals the conversation when its child dies.
func (g *Gateway) onPTYExit(ev ptyengine.ExitEvent) {
	events, err := g.store.SetConversationStatus(ev.SessionID, store.StatusExited, "")
	if err != nil {
		g.logger.Printf("mark %s exited: %v", ev.SessionID, err)
		return
	}
	g.broadcast(events)
	g.sched.Deactivate(ev.SessionID)
}
