// Package reaper discovers and terminates leftover gateway processes:
// daemons, SQL clients holding the control-plane DB, and workspace-hosted
// PTY helpers that outlived the CLI that spawned them.
package reaper

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultGrace = 4 * time.Second

// Categories in reporting order.
var Categories = []string{CategoryDaemon, CategoryDBClient, CategoryPTYHelper}

const (
	CategoryDaemon    = "gateway daemon"
	CategoryDBClient  = "db client"
	CategoryPTYHelper = "pty helper"
)

// Targets identifies the processes belonging to one workspace gateway.
type Targets struct {
	StateDBPath   string
	DaemonPath    string // path of the daemon binary or script
	WorkspaceRoot string
	HelperPaths   []string // additional helper binary paths to match exactly
}

// Report summarizes one category of a reap pass.
type Report struct {
	Scanned int
	Matched int
	Killed  int
}

// Classify returns the category a command line belongs to, or "" when the
// process is unrelated to the targeted workspace gateway.
func Classify(cmdline []string, t Targets) string {
	if len(cmdline) == 0 {
		return ""
	}
	hasArg := func(want string) bool {
		for _, a := range cmdline {
			if a == want {
				return true
			}
		}
		return false
	}

	// Daemon: our own binary re-invoked with this workspace's DB, or the
	// daemon script path appearing anywhere in the command line.
	if t.StateDBPath != "" {
		for i, a := range cmdline {
			if a == "--state-db-path" && i+1 < len(cmdline) && cmdline[i+1] == t.StateDBPath {
				return CategoryDaemon
			}
			if strings.HasPrefix(a, "--state-db-path=") && strings.TrimPrefix(a, "--state-db-path=") == t.StateDBPath {
				return CategoryDaemon
			}
		}
	}
	if t.DaemonPath != "" && hasArg(t.DaemonPath) {
		return CategoryDaemon
	}

	// SQL client holding the workspace DB open.
	base := filepath.Base(cmdline[0])
	if (base == "sqlite3" || base == "sqlite") && t.StateDBPath != "" && hasArg(t.StateDBPath) {
		return CategoryDBClient
	}

	// PTY helper hosted inside the workspace tree.
	if t.WorkspaceRoot != "" && strings.HasPrefix(cmdline[0], filepath.Clean(t.WorkspaceRoot)+string(filepath.Separator)) {
		return CategoryPTYHelper
	}
	for _, hp := range t.HelperPaths {
		if cmdline[0] == hp {
			return CategoryPTYHelper
		}
	}
	return ""
}

// Reap enumerates the process table, terminates every process matching the
// targets, and reports per category. Per-process errors are logged but never
// abort the pass. The calling process is always skipped.
func Reap(ctx context.Context, t Targets, grace time.Duration, logger *log.Logger) map[string]Report {
	if grace <= 0 {
		grace = DefaultGrace
	}
	reports := make(map[string]Report, len(Categories))
	for _, c := range Categories {
		reports[c] = Report{}
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		logger.Printf("reaper: process scan: %v", err)
		return reports
	}

	self := int32(os.Getpid())
	var matched []*process.Process
	var matchedCat []string

	for _, p := range procs {
		for _, c := range Categories {
			r := reports[c]
			r.Scanned++
			reports[c] = r
		}
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			continue
		}
		cat := Classify(cmdline, t)
		if cat == "" {
			continue
		}
		r := reports[cat]
		r.Matched++
		reports[cat] = r
		matched = append(matched, p)
		matchedCat = append(matchedCat, cat)
	}

	// Graceful pass first so process trees can unwind together.
	for _, p := range matched {
		if err := p.TerminateWithContext(ctx); err != nil {
			logger.Printf("reaper: terminate pid %d: %v", p.Pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for i, p := range matched {
		for {
			running, err := p.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			if time.Now().After(deadline) {
				if err := p.KillWithContext(ctx); err != nil {
					logger.Printf("reaper: kill pid %d: %v", p.Pid, err)
				}
				break
			}
			select {
			case <-ctx.Done():
				return reports
			case <-time.After(100 * time.Millisecond):
			}
		}
		r := reports[matchedCat[i]]
		r.Killed++
		reports[matchedCat[i]] = r
	}
	return reports
}
