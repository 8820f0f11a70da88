// Package scheduler owns the gateway's runtime policy: which conversation is
// active, and when PTY resizes actually reach the engine. It never touches a
// PTY file descriptor itself; it drives the engine through a narrow Runtime
// interface so the policy is testable without real terminals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/harness/internal/ptyengine"
	"github.com/jaakkos/harness/internal/store"
)

const (
	// resizeMinInterval bounds how often a live PTY is resized.
	resizeMinInterval = 33 * time.Millisecond
	// ptyResizeSettle is the quiet window driven after each committed resize.
	ptyResizeSettle = 75 * time.Millisecond
	// dividerDebounce delays persisting divider moves into UI state.
	dividerDebounce = 250 * time.Millisecond
)

// Panes the mux can focus.
const (
	PaneConversation = "conversation"
	PaneRail         = "rail"
)

var (
	// ErrAborted reports an activation whose abort signal fired before the
	// commit step. The previously active conversation stays active.
	ErrAborted = errors.New("activation aborted")
	// ErrSessionNotFound reports a conversation row missing from the store.
	ErrSessionNotFound = errors.New("session not found")
)

// Runtime is the slice of the PTY engine the scheduler drives. The gateway
// adapts ptyengine.Engine plus agent presets behind it.
type Runtime interface {
	IsLive(sessionID string) bool
	StartSession(conv store.Conversation) error
	Attach(sessionID string, sub ptyengine.Subscriber) error
	Detach(sessionID, subID string)
	Resize(sessionID string, cols, rows uint16) error
}

// ConversationStore is the slice of the session store the scheduler needs.
// *store.Store satisfies it.
type ConversationStore interface {
	ConversationBySessionID(sessionID string) (store.Conversation, error)
	RecreateConversation(conv store.Conversation) ([]store.Event, error)
	UIStateSnapshot() (store.UIState, error)
	SaveUIState(ui store.UIState) error
}

// Scheduler tracks the activation state machine {none, pending(X), active(X)}
// and coalesces resize requests. All timer callbacks re-enter through the
// mutex; there are exactly two resize timer fields plus a single pending
// desired-size slot.
type Scheduler struct {
	logger  *log.Logger
	runtime Runtime
	convs   ConversationStore

	mu          sync.Mutex
	activeID    string
	pendingID   string
	pane        string
	titleEditID string
	selectionID string
	unavailable map[string]bool

	// Pending desired size and the two resize timers.
	resizeTarget    string
	resizeCols      uint16
	resizeRows      uint16
	resizeImmediate bool
	lastResizeAt    time.Time
	settleDeadline  time.Time
	resizeTimer     *time.Timer
	ptyResizeTimer  *time.Timer

	dividerTimer *time.Timer
	dividerState *store.UIState
}

// New creates a scheduler over the given runtime and store.
func New(logger *log.Logger, runtime Runtime, convs ConversationStore) *Scheduler {
	return &Scheduler{
		logger:      logger,
		runtime:     runtime,
		convs:       convs,
		pane:        PaneRail,
		unavailable: make(map[string]bool),
	}
}

// ActiveID returns the committed active conversation id, or "".
func (s *Scheduler) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Pane returns the focused pane.
func (s *Scheduler) Pane() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pane
}

// BeginTitleEdit marks a conversation title as being edited. Activation of
// the same conversation stops the edit.
func (s *Scheduler) BeginTitleEdit(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titleEditID = sessionID
}

// Select records a rail selection; activation clears it.
func (s *Scheduler) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectionID = id
}

// Unavailable reports whether a session was marked unavailable after a
// SessionNotLive during activation.
func (s *Scheduler) Unavailable(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable[sessionID]
}

// Activate makes sessionID the active conversation for sub. Activating the
// already-active conversation is a no-op (or just re-enters the conversation
// pane). The commit is gated on ctx: if the abort signal fires before the
// attach returns, the previous active id stays committed.
func (s *Scheduler) Activate(ctx context.Context, sessionID string, sub ptyengine.Subscriber) error {
	s.mu.Lock()
	if s.activeID == sessionID {
		if s.pane != PaneConversation {
			s.pane = PaneConversation
		}
		s.mu.Unlock()
		return nil
	}
	prev := s.activeID
	s.titleEditID = ""
	s.selectionID = ""
	s.pendingID = sessionID
	s.mu.Unlock()

	if prev != "" && sub != nil {
		s.runtime.Detach(prev, sub.ID())
	}

	err := s.startAndAttach(sessionID, sub)
	if errors.Is(err, ErrSessionNotFound) {
		// One retry after recreating the row; deeper retry loops are not
		// exposed.
		if _, rerr := s.convs.RecreateConversation(store.Conversation{SessionID: sessionID}); rerr != nil {
			err = rerr
		} else {
			err = s.startAndAttach(sessionID, sub)
		}
	}
	if err != nil {
		s.mu.Lock()
		if errors.Is(err, ptyengine.ErrSessionNotLive) {
			s.unavailable[sessionID] = true
		}
		if s.pendingID == sessionID {
			s.pendingID = ""
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.pendingID != sessionID {
		s.mu.Unlock()
		if sub != nil {
			s.runtime.Detach(sessionID, sub.ID())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrAborted, sessionID)
		}
		return fmt.Errorf("%w: superseded: %s", ErrAborted, sessionID)
	}
	s.activeID = sessionID
	s.pendingID = ""
	s.pane = PaneConversation
	delete(s.unavailable, sessionID)
	s.mu.Unlock()
	return nil
}

// startAndAttach looks up the conversation, starts its PTY when needed, and
// attaches the subscriber.
func (s *Scheduler) startAndAttach(sessionID string, sub ptyengine.Subscriber) error {
	conv, err := s.convs.ConversationBySessionID(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return err
	}
	if !s.runtime.IsLive(sessionID) {
		if err := s.runtime.StartSession(conv); err != nil {
			return err
		}
	}
	if sub == nil {
		return nil
	}
	return s.runtime.Attach(sessionID, sub)
}

// Deactivate clears the active conversation, e.g. when it is archived.
func (s *Scheduler) Deactivate(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == sessionID {
		s.activeID = ""
		s.pane = PaneRail
	}
	if s.pendingID == sessionID {
		s.pendingID = ""
	}
	if s.resizeTarget == sessionID {
		s.resizeTarget = ""
		s.clearResizeTimerLocked()
	}
}

// Shutdown cancels all pending timers.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearResizeTimerLocked()
	s.clearPtyResizeTimerLocked()
	if s.dividerTimer != nil {
		s.dividerTimer.Stop()
		s.dividerTimer = nil
	}
}
