// Package profilectl manages the profile, status-timeline, and render-trace
// state files for a target session. Each controller writes an atomic state
// JSON on start, rejects duplicate starts, and removes the state on stop,
// reporting where the output landed.
package profilectl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/harness/internal/paths"
	"github.com/jaakkos/harness/internal/record"
)

var (
	// ErrAlreadyRunning reports a start while a state file is present.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning reports a stop with no state file.
	ErrNotRunning = errors.New("not running")
	// ErrGatewayNotRunning reports a profile start without a live gateway.
	ErrGatewayNotRunning = errors.New("gateway not running")
	// ErrInvalidConversationID reports an empty --conversation-id.
	ErrInvalidConversationID = errors.New("conversation id must not be empty")
)

// Modes a profile can run in.
const (
	ModeCPU = "cpu"
)

// State is the on-disk active-* state file.
type State struct {
	Mode           string `json:"mode"`
	TargetPath     string `json:"targetPath"`
	ConversationID string `json:"conversationId,omitempty"`
	StartedAt      string `json:"startedAt"`
}

// StartProfile begins a CPU profile of the session's gateway. It requires a
// live gateway record: the inspector endpoint only exists while the daemon
// runs.
func StartProfile(p *paths.Paths, conversationID string) (*State, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	rec, err := record.Load(p.GatewayRecordPath())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrGatewayNotRunning
	}
	st := &State{
		Mode:           ModeCPU,
		TargetPath:     p.ProfileOutputPath(sessionLabel(p), "gateway"),
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeState(p.ProfileStatePath(), st); err != nil {
		return nil, err
	}
	return st, nil
}

// StopProfile finalizes the profile and removes the state file. The output
// path from the state is returned so the CLI can report it.
func StopProfile(p *paths.Paths) (string, error) {
	return stopState(p.ProfileStatePath())
}

// StartStatusTimeline begins recording conversation status transitions.
func StartStatusTimeline(p *paths.Paths, conversationID string) (*State, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	st := &State{
		Mode:           "status-timeline",
		TargetPath:     filepath.Join(p.RuntimeRoot(), "status-timeline.log"),
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeState(p.StatusTimelineStatePath(), st); err != nil {
		return nil, err
	}
	return st, nil
}

// StopStatusTimeline removes the timeline state and reports the log path.
func StopStatusTimeline(p *paths.Paths) (string, error) {
	return stopState(p.StatusTimelineStatePath())
}

// StartRenderTrace begins recording rail render events.
func StartRenderTrace(p *paths.Paths, conversationID string) (*State, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	st := &State{
		Mode:           "render-trace",
		TargetPath:     filepath.Join(p.RuntimeRoot(), "render-trace.log"),
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeState(p.RenderTraceStatePath(), st); err != nil {
		return nil, err
	}
	return st, nil
}

// StopRenderTrace removes the trace state and reports the log path.
func StopRenderTrace(p *paths.Paths) (string, error) {
	return stopState(p.RenderTraceStatePath())
}

// ActiveState loads a state file, or nil when absent.
func ActiveState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &st, nil
}

// writeState creates the state file atomically, failing on a duplicate
// start.
func writeState(path string, st *State) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// stopState removes the state file and returns the recorded output path.
func stopState(path string) (string, error) {
	st, err := ActiveState(path)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, path)
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return st.TargetPath, nil
}

// sessionLabel names the profile output directory for this session.
func sessionLabel(p *paths.Paths) string {
	if p.SessionName == "" {
		return "default"
	}
	return p.SessionName
}
