// Package ptyengine owns every live pseudo-terminal in the gateway: spawn,
// write with bounded buffering, resize, subscriber multicast, and reaping.
// Nothing outside this package ever touches a PTY file descriptor.
package ptyengine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	// ringCapacityBytes caps the per-session retained output.
	ringCapacityBytes = 1 << 20
	// writeBufferLimitBytes bounds pending PTY input per session.
	writeBufferLimitBytes = 1 << 20
	// killGrace separates the graceful signal from the forced kill.
	killGrace = 4 * time.Second
)

var (
	ErrAlreadyLive    = errors.New("session already has a live pty")
	ErrSessionNotLive = errors.New("session not live")
	ErrNotFound       = errors.New("session not found")
	ErrBackpressure   = errors.New("pty write buffer full")
)

// envDenylist names variables never forwarded to child processes. The
// gateway's own profiling/tracing markers must not leak into agents.
var envDenylist = []string{
	"HARNESS_PROFILE_STATE",
	"HARNESS_TRACE_STATE",
	"HARNESS_STATUS_TIMELINE",
	"HARNESS_RENDER_TRACE",
}

// Subscriber receives pty.output and pty.exit events. wire.Conn satisfies
// it on the gateway side.
type Subscriber interface {
	ID() string
	Send(event string, data any) error
}

// OutputEvent is the pty.output payload. Data marshals to base64 in JSON.
type OutputEvent struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Data      []byte `json:"data"`
}

// ExitEvent is the pty.exit payload.
type ExitEvent struct {
	SessionID string `json:"sessionId"`
	Status    int    `json:"status"`
	Signal    string `json:"signal,omitempty"`
}

// ExitFunc is called once when a session's child exits, after the fd is
// released and the ring sealed.
type ExitFunc func(ExitEvent)

// Engine manages all live PTYs.
type Engine struct {
	logger *log.Logger
	onExit ExitFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id   string
	eng  *Engine
	ptm  *os.File
	cmd  *exec.Cmd
	cols uint16
	rows uint16

	live     bool
	starting bool
	exit     *ExitEvent

	seq  uint64
	ring *outputRing
	subs map[string]Subscriber

	// pending input not yet flushed to the PTY.
	pending   [][]byte
	pendingSz int
	wake      chan struct{}
}

// New creates an engine. onExit may be nil.
func New(logger *log.Logger, onExit ExitFunc) *Engine {
	return &Engine{
		logger:   logger,
		onExit:   onExit,
		sessions: make(map[string]*session),
	}
}

// Start spawns argv inside a fresh PTY for sessionID.
func (e *Engine) Start(sessionID, cwd string, argv []string, cols, rows uint16, extraEnv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("spawn %s: empty argv", sessionID)
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	// Reserve the id before releasing the lock so concurrent Starts for the
	// same session cannot both reach the spawn.
	e.mu.Lock()
	prev := e.sessions[sessionID]
	if prev != nil && (prev.live || prev.starting) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLive, sessionID)
	}
	s := &session{
		id:       sessionID,
		eng:      e,
		cols:     cols,
		rows:     rows,
		starting: true,
		ring:     newOutputRing(ringCapacityBytes),
		subs:     make(map[string]Subscriber),
		wake:     make(chan struct{}, 1),
	}
	e.sessions[sessionID] = s
	e.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(filteredEnv(), extraEnv...)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		// Roll the reservation back; an exited predecessor keeps its ring.
		e.mu.Lock()
		if prev != nil {
			e.sessions[sessionID] = prev
		} else {
			delete(e.sessions, sessionID)
		}
		e.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", sessionID, err)
	}

	e.mu.Lock()
	s.ptm = ptm
	s.cmd = cmd
	s.live = true
	s.starting = false
	e.mu.Unlock()

	go s.outputPump()
	go s.inputPump()
	return nil
}

// filteredEnv is the parent environment minus the denylist.
func filteredEnv() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		denied := false
		for _, d := range envDenylist {
			if name == d {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, kv)
		}
	}
	return out
}

// Write queues bytes for the PTY. Callers never block: past the buffer
// limit they get ErrBackpressure.
func (e *Engine) Write(sessionID string, data []byte) error {
	s, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if s.pendingSz+len(data) > writeBufferLimitBytes {
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrBackpressure, sessionID)
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	s.pending = append(s.pending, owned)
	s.pendingSz += len(owned)
	e.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Resize applies a window size to the live PTY. Throttling happens in the
// scheduler; the engine applies whatever it is told.
func (e *Engine) Resize(sessionID string, cols, rows uint16) error {
	s, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.cols, s.rows = cols, rows
	ptm := s.ptm
	e.mu.Unlock()
	if err := pty.Setsize(ptm, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize %s: %w", sessionID, err)
	}
	return nil
}

// Size returns the current window size of a live session.
func (e *Engine) Size(sessionID string) (cols, rows uint16, err error) {
	s, err := e.liveSession(sessionID)
	if err != nil {
		return 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.cols, s.rows, nil
}

// Attach registers a subscriber for a session's output. The session may be
// exited; the subscriber can still Tail the retained ring.
func (e *Engine) Attach(sessionID string, sub Subscriber) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.subs[sub.ID()] = sub
	return nil
}

// AttachWithReplay registers a subscriber and replays the retained ring from
// fromSeq in one critical section, so the subscriber sees a gap-free,
// duplicate-free sequence: replayed chunks are enqueued before registration,
// and the output pump multicasts under the same mutex.
func (e *Engine) AttachWithReplay(sessionID string, sub Subscriber, fromSeq uint64) (lastSeq uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	for _, c := range s.ring.tailFrom(fromSeq) {
		ev := OutputEvent{SessionID: sessionID, Seq: c.seq, Data: c.data}
		if sendErr := sub.Send("pty.output", ev); sendErr != nil {
			return lastSeq, sendErr
		}
		lastSeq = c.seq
	}
	s.subs[sub.ID()] = sub
	return lastSeq, nil
}

// Detach removes one subscriber. The PTY stays alive.
func (e *Engine) Detach(sessionID, subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[sessionID]; ok {
		delete(s.subs, subID)
	}
}

// DetachSubscriber removes a subscriber from every session, e.g. when a
// client connection dies.
func (e *Engine) DetachSubscriber(subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		delete(s.subs, subID)
	}
}

// Tail returns retained output events with seq >= fromSeq.
func (e *Engine) Tail(sessionID string, fromSeq uint64) ([]OutputEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	chunks := s.ring.tailFrom(fromSeq)
	out := make([]OutputEvent, len(chunks))
	for i, c := range chunks {
		out[i] = OutputEvent{SessionID: sessionID, Seq: c.seq, Data: c.data}
	}
	return out, nil
}

// IsLive reports whether a session has a running child.
func (e *Engine) IsLive(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return ok && s.live
}

// Kill signals the child (SIGTERM by default) and escalates to SIGKILL
// after the grace period.
func (e *Engine) Kill(sessionID string, sig syscall.Signal) error {
	s, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	pid := s.cmd.Process.Pid
	// pty.Start put the child in its own session; signal the group.
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
	} else {
		syscall.Kill(pid, sig)
	}
	go func() {
		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		<-timer.C
		if e.IsLive(sessionID) {
			if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
				syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	}()
	return nil
}

// Release drops an exited session and its retained ring. Called when the
// conversation is archived.
func (e *Engine) Release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[sessionID]; ok && !s.live && !s.starting {
		delete(e.sessions, sessionID)
	}
}

// Shutdown kills every live session.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id, s := range e.sessions {
		if s.live {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Kill(id, syscall.SIGTERM)
	}
}

func (e *Engine) liveSession(sessionID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !s.live {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotLive, sessionID)
	}
	return s, nil
}

// outputPump drains the PTY master into the ring and multicasts to
// subscribers. Exactly one pump runs per live session; it owns the seq
// counter, so every subscriber sees strictly increasing, gap-free
// sequences from its attach point.
func (s *session) outputPump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			s.eng.mu.Lock()
			s.seq++
			seq := s.seq
			s.ring.append(seq, buf[:n])
			subs := make([]Subscriber, 0, len(s.subs))
			for _, sub := range s.subs {
				subs = append(subs, sub)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.eng.mu.Unlock()

			ev := OutputEvent{SessionID: s.id, Seq: seq, Data: chunk}
			for _, sub := range subs {
				if sendErr := sub.Send("pty.output", ev); sendErr != nil {
					// Slow subscriber: drop it, the ring keeps the tail.
					s.eng.Detach(s.id, sub.ID())
					s.eng.logger.Printf("pty %s: dropped subscriber %s: %v", s.id, sub.ID(), sendErr)
				}
			}
		}
		if err != nil {
			break
		}
	}
	s.reap()
}

// inputPump flushes queued writes into the PTY so command handlers never
// block on a full kernel buffer.
func (s *session) inputPump() {
	for {
		s.eng.mu.Lock()
		var chunk []byte
		if len(s.pending) > 0 {
			chunk = s.pending[0]
			s.pending = s.pending[1:]
			s.pendingSz -= len(chunk)
		}
		live := s.live
		e := s.eng
		s.eng.mu.Unlock()

		if chunk == nil {
			if !live {
				return
			}
			<-s.wake
			continue
		}
		if _, err := s.ptm.Write(chunk); err != nil {
			e.logger.Printf("pty %s: write: %v", s.id, err)
			return
		}
	}
}

// reap waits for the child, records the exit status, seals the session,
// and notifies subscribers plus the engine's exit hook.
func (s *session) reap() {
	waitErr := s.cmd.Wait()

	ev := ExitEvent{SessionID: s.id}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				ev.Signal = ws.Signal().String()
				ev.Status = -1
			} else {
				ev.Status = ws.ExitStatus()
			}
		}
	}

	s.eng.mu.Lock()
	s.live = false
	s.exit = &ev
	s.ptm.Close()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.eng.mu.Unlock()

	// Unblock the input pump.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	for _, sub := range subs {
		_ = sub.Send("pty.exit", ev)
	}
	if s.eng.onExit != nil {
		s.eng.onExit(ev)
	}
	s.eng.logger.Printf("pty %s: exited (status=%d signal=%q)", s.id, ev.Status, ev.Signal)
}
