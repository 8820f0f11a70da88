// Package supervisor brings a workspace gateway into the "running" state and
// tears it down again. The whole lifecycle runs under the workspace lock so
// concurrent CLI invocations never race each other into two daemons.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jaakkos/harness/internal/migrate"
	"github.com/jaakkos/harness/internal/record"
	"github.com/jaakkos/harness/internal/wire"
	"github.com/jaakkos/harness/internal/wslock"
)

const (
	lockTimeout    = 5 * time.Second
	startupTimeout = 10 * time.Second
	probeTimeout   = 2 * time.Second
)

var (
	// ErrStartupTimeout reports a spawned daemon that never wrote its record.
	ErrStartupTimeout = errors.New("gateway startup timed out")
	// ErrStartupFailed reports a daemon that wrote a record but failed the
	// probe.
	ErrStartupFailed = errors.New("gateway startup failed")
	// ErrNotRunning reports a stop with no record and no force.
	ErrNotRunning = errors.New("gateway not running")
	// ErrInvalidStateDBPath reports a --state-db-path inside the legacy
	// workspace-local directory.
	ErrInvalidStateDBPath = errors.New("state db path inside workspace .harness is not allowed")
	// ErrAuthTokenRequired reports a non-loopback bind without a token.
	ErrAuthTokenRequired = errors.New("non-loopback host requires an auth token")
)

// Supervisor drives one workspace's gateway lifecycle.
type Supervisor struct {
	Logger *log.Logger
	Stdout io.Writer
	// DaemonPath overrides the spawned binary, normally os.Executable.
	// HARNESS_DAEMON_SCRIPT_PATH sets it in tests.
	DaemonPath string
	// InspectArg is prepended to the daemon command when debug inspection
	// is on.
	InspectArg string
}

// ProbeResult is what a live gateway reports about itself.
type ProbeResult struct {
	OK          bool
	PID         int
	StateDBPath string
	Err         error
}

// probePayload is the slice of the session.list result the supervisor needs.
type probePayload struct {
	PID         int    `json:"pid"`
	StateDBPath string `json:"stateDbPath"`
}

// EnsureRunning makes sure a gateway serves this workspace session and
// returns its record. started reports whether this call spawned the daemon.
// The record file is only ever mutated under the workspace lock.
func (sv *Supervisor) EnsureRunning(ctx context.Context, s Settings) (rec *record.Record, started bool, err error) {
	p := s.Paths
	if err := os.MkdirAll(p.RuntimeRoot(), 0o755); err != nil {
		return nil, false, err
	}

	err = wslock.WithLock(ctx, p.GatewayLockPath(), lockTimeout, func() error {
		if _, err := migrate.Run(p, sv.Stdout); err != nil {
			return err
		}

		existing, err := record.Load(p.GatewayRecordPath())
		if err != nil {
			return err
		}
		if existing != nil {
			// Stale stateDbPath values (legacy .harness locations) are
			// normalized without a warning.
			if p.IsLegacyStateDBPath(existing.StateDBPath) {
				existing.StateDBPath = p.StateDBPath()
			}
			if pidAlive(existing.PID) {
				probe := sv.Probe(ctx, existing.Host, existing.Port, tokenOf(existing))
				if probe.OK {
					rec = existing
					return nil
				}
			}
			// Dead PID or unresponsive daemon: the record is garbage.
			if err := record.Remove(p.GatewayRecordPath()); err != nil {
				return err
			}
		}

		// A daemon may be alive on the settled port without a record, e.g.
		// after a crashed CLI deleted it. Adopt rather than double-start.
		if s.Port != 0 {
			probe := sv.Probe(ctx, s.Host, s.Port, s.AuthToken)
			if probe.OK {
				rec = sv.adopt(s, probe)
				return record.Write(p.GatewayRecordPath(), rec)
			}
		}

		rec, err = sv.spawn(ctx, s)
		if err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, started, nil
}

// adopt builds a record for a daemon that answered the probe, preserving the
// state DB path the daemon actually uses.
func (sv *Supervisor) adopt(s Settings, probe ProbeResult) *record.Record {
	dbPath := probe.StateDBPath
	if dbPath == "" || s.Paths.IsLegacyStateDBPath(dbPath) {
		dbPath = s.StateDBPath
	}
	rec := &record.Record{
		PID:           probe.PID,
		Host:          s.Host,
		Port:          s.Port,
		StateDBPath:   dbPath,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		WorkspaceRoot: s.Paths.WorkspaceRoot,
	}
	if s.AuthToken != "" {
		token := s.AuthToken
		rec.AuthToken = &token
	}
	sv.Logger.Printf("adopted gateway pid=%d on %s:%d", probe.PID, s.Host, s.Port)
	return rec
}

// spawn starts a detached `harness gateway run`, waits for its record, and
// verifies it with a probe. On failure the child is killed.
func (sv *Supervisor) spawn(ctx context.Context, s Settings) (*record.Record, error) {
	p := s.Paths
	port := s.Port
	if port == 0 {
		reserved, err := ReservePort()
		if err != nil {
			return nil, fmt.Errorf("reserve port: %w", err)
		}
		port = reserved
	}

	daemon := sv.DaemonPath
	if daemon == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		daemon = exe
	}

	args := []string{}
	if sv.InspectArg != "" {
		args = append(args, sv.InspectArg)
	}
	if p.SessionName != "" {
		args = append(args, "--session", p.SessionName)
	}
	args = append(args, "gateway", "run",
		"--host", s.Host,
		"--port", strconv.Itoa(port),
		"--state-db-path", s.StateDBPath)
	if s.AuthToken != "" {
		args = append(args, "--auth-token", s.AuthToken)
	}

	logFile, err := os.OpenFile(p.GatewayLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open gateway log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(daemon, args...)
	cmd.Dir = p.WorkspaceRoot
	cmd.Env = childEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gateway: %w", err)
	}
	pid := cmd.Process.Pid
	sv.Logger.Printf("gateway starting (pid=%d port=%d)", pid, port)
	cmd.Process.Release()

	rec, err := waitForRecord(ctx, p.GatewayRecordPath(), startupTimeout)
	if err != nil {
		killPID(pid)
		return nil, err
	}
	probe := sv.Probe(ctx, rec.Host, rec.Port, tokenOf(rec))
	if !probe.OK {
		killPID(pid)
		record.Remove(p.GatewayRecordPath())
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, probe.Err)
	}
	return rec, nil
}

// Probe dials the gateway and issues session.list. It never panics; all
// failures land in the result.
func (sv *Supervisor) Probe(ctx context.Context, host string, port int, token string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := wire.Dial(ctx, host, port, token)
	if err != nil {
		return ProbeResult{Err: err}
	}
	defer client.Close()

	result, err := client.Call(ctx, "session.list", nil)
	if err != nil {
		return ProbeResult{Err: err}
	}
	var payload probePayload
	if err := json.Unmarshal(result, &payload); err != nil {
		return ProbeResult{Err: err}
	}
	return ProbeResult{OK: true, PID: payload.PID, StateDBPath: payload.StateDBPath}
}

// waitForRecord blocks until a parseable record appears. An fsnotify watcher
// on the runtime dir catches the rename; a poll backstops missed events.
func waitForRecord(ctx context.Context, recordPath string, timeout time.Duration) (*record.Record, error) {
	deadline := time.Now().Add(timeout)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(recordPath)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	for {
		rec, err := record.Load(recordPath)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrStartupTimeout
		}
		poll := 200 * time.Millisecond
		if poll > remaining {
			poll = remaining
		}
		if watcher != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(poll):
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(poll):
			}
		}
	}
}

// childEnv is the environment forwarded to the spawned daemon: a whitelist
// plus all HARNESS_* variables.
func childEnv() []string {
	prefixes := []string{"HARNESS_", "LC_", "XDG_"}
	exact := map[string]bool{
		"HOME": true, "PATH": true, "LANG": true, "TERM": true,
		"SHELL": true, "USER": true, "TMPDIR": true, "INIT_CWD": true,
		"ANTHROPIC_API_KEY": true,
	}
	var out []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if exact[name] {
			out = append(out, kv)
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

func killPID(pid int) {
	if pid > 0 {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

func tokenOf(rec *record.Record) string {
	if rec.AuthToken == nil {
		return ""
	}
	return *rec.AuthToken
}
