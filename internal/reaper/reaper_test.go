package reaper

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"
)

var targets = Targets{
	StateDBPath:   "/run/ws/control-plane.sqlite",
	DaemonPath:    "/opt/harness/gateway-daemon.js",
	WorkspaceRoot: "/work/repo",
	HelperPaths:   []string{"/usr/local/libexec/harness-pty"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		cmdline []string
		want    string
	}{
		{
			"daemon via state-db-path flag",
			[]string{"/usr/bin/harness", "gateway", "run", "--state-db-path", "/run/ws/control-plane.sqlite"},
			CategoryDaemon,
		},
		{
			"daemon via state-db-path equals form",
			[]string{"node", "--state-db-path=/run/ws/control-plane.sqlite"},
			CategoryDaemon,
		},
		{
			"daemon via script path",
			[]string{"node", "/opt/harness/gateway-daemon.js", "--port", "6001"},
			CategoryDaemon,
		},
		{
			"db client",
			[]string{"sqlite3", "/run/ws/control-plane.sqlite", ".tables"},
			CategoryDBClient,
		},
		{
			"db client other db",
			[]string{"sqlite3", "/elsewhere/state.sqlite"},
			"",
		},
		{
			"pty helper under workspace",
			[]string{"/work/repo/node_modules/.bin/pty-helper", "--fd", "3"},
			CategoryPTYHelper,
		},
		{
			"configured helper path",
			[]string{"/usr/local/libexec/harness-pty"},
			CategoryPTYHelper,
		},
		{
			"workspace prefix must be a path boundary",
			[]string{"/work/repository/bin/tool"},
			"",
		},
		{
			"unrelated process",
			[]string{"/usr/bin/vim", "main.go"},
			"",
		},
		{
			"different workspace db",
			[]string{"/usr/bin/harness", "gateway", "run", "--state-db-path", "/run/other/control-plane.sqlite"},
			"",
		},
		{"empty", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.cmdline, targets); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.cmdline, got, tc.want)
			}
		})
	}
}

func TestReapKillsMatchingChild(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	dir := t.TempDir()
	db := dir + "/control-plane.sqlite"

	// A sleeper that advertises the workspace DB on its command line.
	cmd := exec.Command("sleep", "300", "--state-db-path", db)
	// sleep ignores the extra args on most platforms; fall back to sh.
	if err := cmd.Start(); err != nil {
		cmd = exec.Command("sh", "-c", "exec sleep 300")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start child: %v", err)
		}
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	logger := log.New(io.Discard, "", 0)
	tg := Targets{StateDBPath: db}
	reports := Reap(context.Background(), tg, 2*time.Second, logger)

	daemon := reports[CategoryDaemon]
	if daemon.Scanned == 0 {
		t.Fatal("reaper scanned no processes")
	}
	if daemon.Matched > 0 && daemon.Killed != daemon.Matched {
		t.Errorf("daemon report = %+v, want killed == matched", daemon)
	}
}

func TestReapNeverMatchesSelf(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	// Target our own binary path so the only possible match would be us.
	exe, err := os.Executable()
	if err != nil {
		t.Skip("no executable path")
	}
	tg := Targets{DaemonPath: exe}
	reports := Reap(context.Background(), tg, 500*time.Millisecond, logger)
	if r := reports[CategoryDaemon]; r.Killed != 0 {
		t.Errorf("reaper killed %d processes matching self", r.Killed)
	}
	// We are still alive to report the result, which is the real assertion.
}
