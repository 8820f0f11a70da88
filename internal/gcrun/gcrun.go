// Package gcrun removes stale named-session directories from the workspace
// runtime root. A session directory is stale when nothing under it has been
// touched for the max age and its gateway record does not describe a live
// process.
package gcrun

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jaakkos/harness/internal/record"
)

// MaxAge is the default retention for named-session directories.
const MaxAge = 7 * 24 * time.Hour

// Report summarizes one gc run.
type Report struct {
	Scanned     int
	Removed     int
	SkippedLive int
}

// Run scans <runtimeRoot>/sessions and removes directories whose newest
// mtime anywhere in the tree is older than maxAge and whose gateway.json PID
// is not alive. Per-directory failures are reported on stdout but do not
// abort the scan.
func Run(runtimeRoot string, maxAge time.Duration, stdout io.Writer) (Report, error) {
	var rep Report
	sessionsDir := filepath.Join(runtimeRoot, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		fmt.Fprintf(stdout, "gc: removed %d, skipped %d live\n", 0, 0)
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("scan sessions dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rep.Scanned++
		dir := filepath.Join(sessionsDir, entry.Name())

		newest, err := newestMtime(dir)
		if err != nil {
			fmt.Fprintf(stdout, "gc: %s: %v\n", entry.Name(), err)
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if recordAlive(filepath.Join(dir, "gateway.json")) {
			rep.SkippedLive++
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(stdout, "gc: %s: %v\n", entry.Name(), err)
			continue
		}
		rep.Removed++
	}

	fmt.Fprintf(stdout, "gc: removed %d, skipped %d live\n", rep.Removed, rep.SkippedLive)
	return rep, nil
}

// newestMtime walks the tree and returns the most recent modification time.
func newestMtime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest, err
}

// recordAlive reports whether the gateway record at path names a PID that is
// currently running. A missing or unparseable record counts as not alive.
func recordAlive(path string) bool {
	rec, err := record.Load(path)
	if err != nil || rec == nil {
		return false
	}
	alive, err := process.PidExists(int32(rec.PID))
	return err == nil && alive
}
