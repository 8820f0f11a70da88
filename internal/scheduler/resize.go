package scheduler

import (
	"time"

	"github.com/jaakkos/harness/internal/store"
)

// RequestResize records a desired window size for a session. At most one PTY
// resize is committed per resizeMinInterval, using the most recent desired
// size. immediate bypasses throttling only when the target is the active,
// live conversation; otherwise the request is queued like any other.
func (s *Scheduler) RequestResize(sessionID string, cols, rows uint16, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if immediate && sessionID == s.activeID && s.runtime.IsLive(sessionID) {
		s.clearResizeTimerLocked()
		s.clearPtyResizeTimerLocked()
		s.commitResizeLocked(sessionID, cols, rows)
		return
	}

	s.resizeTarget = sessionID
	s.resizeCols = cols
	s.resizeRows = rows
	s.resizeImmediate = immediate

	if !s.settleDeadline.IsZero() {
		// Inside the settle window: reschedule at the later of the window's
		// remainder and the min-interval gap.
		remaining := time.Until(s.settleDeadline)
		gap := resizeMinInterval - time.Since(s.lastResizeAt)
		delay := remaining
		if gap > delay {
			delay = gap
		}
		if delay < 0 {
			delay = 0
		}
		s.scheduleFlushLocked(delay)
		return
	}
	if s.resizeTimer == nil {
		// The timer fires once for the whole burst; later sizes in the burst
		// just overwrite the pending slot.
		s.scheduleFlushLocked(resizeMinInterval)
	}
}

func (s *Scheduler) scheduleFlushLocked(delay time.Duration) {
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(delay, s.flushResize)
}

// flushResize commits the pending desired size, if any. Non-live targets are
// dropped; the next desired size starts a fresh cycle.
func (s *Scheduler) flushResize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeTimer = nil
	target := s.resizeTarget
	if target == "" {
		return
	}
	s.resizeTarget = ""
	if !s.runtime.IsLive(target) {
		return
	}
	if s.resizeImmediate && target != s.activeID {
		// An immediate request for a non-active session never commits.
		return
	}
	s.commitResizeLocked(target, s.resizeCols, s.resizeRows)
}

func (s *Scheduler) commitResizeLocked(sessionID string, cols, rows uint16) {
	if err := s.runtime.Resize(sessionID, cols, rows); err != nil {
		s.logger.Printf("resize %s to %dx%d: %v", sessionID, cols, rows, err)
		return
	}
	s.lastResizeAt = time.Now()
	s.settleDeadline = s.lastResizeAt.Add(ptyResizeSettle)
	s.clearPtyResizeTimerLocked()
	s.ptyResizeTimer = time.AfterFunc(ptyResizeSettle, s.settleExpired)
}

func (s *Scheduler) settleExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptyResizeTimer = nil
	s.settleDeadline = time.Time{}
}

func (s *Scheduler) clearResizeTimerLocked() {
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	s.resizeTarget = ""
}

func (s *Scheduler) clearPtyResizeTimerLocked() {
	if s.ptyResizeTimer != nil {
		s.ptyResizeTimer.Stop()
		s.ptyResizeTimer = nil
	}
	s.settleDeadline = time.Time{}
}

// MoveDivider clamps a divider position to [1, cols-1] and persists the
// override through a debounced writer. The clamped value is returned.
func (s *Scheduler) MoveDivider(key string, pos, cols int) int {
	if pos < 1 {
		pos = 1
	}
	if cols > 1 && pos > cols-1 {
		pos = cols - 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dividerState == nil {
		ui, err := s.convs.UIStateSnapshot()
		if err != nil {
			s.logger.Printf("divider %s: load ui state: %v", key, err)
			ui = store.UIState{Dividers: map[string]int{}, Collapsed: map[string]bool{}}
		}
		if ui.Dividers == nil {
			ui.Dividers = map[string]int{}
		}
		s.dividerState = &ui
	}
	s.dividerState.Dividers[key] = pos

	if s.dividerTimer != nil {
		s.dividerTimer.Stop()
	}
	s.dividerTimer = time.AfterFunc(dividerDebounce, s.flushDividers)
	return pos
}

func (s *Scheduler) flushDividers() {
	s.mu.Lock()
	s.dividerTimer = nil
	if s.dividerState == nil {
		s.mu.Unlock()
		return
	}
	ui := *s.dividerState
	s.mu.Unlock()

	if err := s.convs.SaveUIState(ui); err != nil {
		s.logger.Printf("persist dividers: %v", err)
	}
}
