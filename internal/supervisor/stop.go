package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/jaakkos/harness/internal/reaper"
	"github.com/jaakkos/harness/internal/record"
	"github.com/jaakkos/harness/internal/wslock"
)

// terminationGrace separates SIGTERM from SIGKILL when stopping the daemon.
const terminationGrace = 4 * time.Second

// StopResult reports what a stop actually did.
type StopResult struct {
	// Stopped is true when a recorded daemon was terminated.
	Stopped bool
	// NotRunning is true when no record existed. With force, orphan
	// cleanup still ran and the CLI exits non-zero.
	NotRunning bool
	// Orphans holds the per-category reap reports.
	Orphans map[string]reaper.Report
}

// Stop terminates the workspace gateway: graceful signal, grace wait, then
// SIGKILL if the daemon lingers, followed by an orphan reap and record
// removal. Without force a missing record is ErrNotRunning; with force the
// reap runs even when no record exists.
func (sv *Supervisor) Stop(ctx context.Context, s Settings, force bool) (StopResult, error) {
	var res StopResult
	p := s.Paths

	err := wslock.WithLock(ctx, p.GatewayLockPath(), lockTimeout, func() error {
		rec, err := record.Load(p.GatewayRecordPath())
		if err != nil {
			return err
		}
		if rec == nil {
			res.NotRunning = true
			if !force {
				return ErrNotRunning
			}
			fmt.Fprintln(sv.Stdout, "gateway not running (no record)")
			res.Orphans = sv.reapOrphans(ctx, s)
			return nil
		}

		if pidAlive(rec.PID) {
			syscall.Kill(rec.PID, syscall.SIGTERM)
			grace := terminationGrace
			if force {
				grace = time.Second
			}
			// A daemon that outlives the grace is force-killed whether or not
			// the caller asked for force; stop must converge on "not running".
			if !waitForExit(ctx, rec.PID, grace) {
				syscall.Kill(rec.PID, syscall.SIGKILL)
				waitForExit(ctx, rec.PID, time.Second)
			}
			res.Stopped = true
			sv.Logger.Printf("gateway stopped (pid=%d)", rec.PID)
		}

		res.Orphans = sv.reapOrphans(ctx, s)

		if err := record.Remove(p.GatewayRecordPath()); err != nil {
			return err
		}
		if err := record.ClearPointer(p.DefaultPointerPath(), p.GatewayRecordPath()); err != nil {
			sv.Logger.Printf("clear default pointer: %v", err)
		}
		return nil
	})
	return res, err
}

// reapOrphans kills leftover processes tied to this workspace and prints one
// summary line per category.
func (sv *Supervisor) reapOrphans(ctx context.Context, s Settings) map[string]reaper.Report {
	daemon := sv.DaemonPath
	reports := reaper.Reap(ctx, reaper.Targets{
		StateDBPath:   s.StateDBPath,
		DaemonPath:    daemon,
		WorkspaceRoot: s.Paths.WorkspaceRoot,
	}, terminationGrace, sv.Logger)

	for _, category := range reaper.Categories {
		rep := reports[category]
		fmt.Fprintf(sv.Stdout, "orphan gateway daemon cleanup: %s scanned=%d matched=%d killed=%d\n",
			category, rep.Scanned, rep.Matched, rep.Killed)
	}
	return reports
}

// Status describes the workspace gateway for `gateway status`.
type Status struct {
	Running bool
	Record  *record.Record
}

// CheckStatus loads the record and verifies the PID plus a probe. A record
// whose daemon no longer answers counts as stopped.
func (sv *Supervisor) CheckStatus(ctx context.Context, s Settings) (Status, error) {
	rec, err := record.Load(s.Paths.GatewayRecordPath())
	if err != nil {
		return Status{}, err
	}
	if rec == nil || !pidAlive(rec.PID) {
		return Status{Record: rec}, nil
	}
	probe := sv.Probe(ctx, rec.Host, rec.Port, tokenOf(rec))
	return Status{Running: probe.OK, Record: rec}, nil
}

// waitForExit polls until the PID is gone or the grace expires.
func waitForExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return !pidAlive(pid)
}
