// Harness CLI and gateway daemon. One binary: subcommands drive a
// per-workspace gateway that multiplexes AI-coding agent PTYs; `gateway run`
// is the daemon entrypoint the supervisor spawns.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/jaakkos/harness/internal/paths"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	args := os.Args[1:]
	sessionName, args := extractSession(args)

	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch args[0] {
	case "--version", "-v", "version":
		fmt.Println("harness " + Version)
		return
	case "help", "--help", "-h":
		usage(os.Stdout)
		return
	}

	p, err := resolvePaths(sessionName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var cmdErr error
	switch args[0] {
	case "gateway":
		cmdErr = runGateway(p, args[1:])
	case "profile":
		cmdErr = runProfile(p, args[1:])
	case "status-timeline":
		cmdErr = runStatusTimeline(p, args[1:])
	case "render-trace":
		cmdErr = runRenderTrace(p, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		os.Exit(1)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", cmdErr)
		os.Exit(1)
	}
}

// extractSession pulls the global --session flag out of the argument list,
// wherever it appears relative to the subcommand.
func extractSession(args []string) (string, []string) {
	out := make([]string, 0, len(args))
	session := ""
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--session" && i+1 < len(args):
			session = args[i+1]
			i++
		case len(args[i]) > len("--session=") && args[i][:len("--session=")] == "--session=":
			session = args[i][len("--session="):]
		default:
			out = append(out, args[i])
		}
	}
	return session, out
}

func resolvePaths(sessionName string) (*paths.Paths, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	workspace := paths.InvokeCwd(os.Getenv, cwd)
	return paths.Resolve(workspace, sessionName, os.Getenv)
}

// setupLogger writes to the log file and, when stderr is an interactive
// terminal, also to stderr. Daemons redirect stderr into the same file, so
// the terminal check avoids duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
			} else {
				fmt.Fprintf(os.Stderr, "[harness] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[harness] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}
	if stderrIsTerminal || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "[harness] ", log.LstdFlags|log.Lshortfile)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: harness [--session <name>] <command>

commands:
  gateway start [--port N] [--host H] [--auth-token T] [--state-db-path P]
  gateway stop [--force]
  gateway status
  gateway run        (daemon entrypoint; normally spawned by gateway start)
  gateway list
  gateway gc
  gateway call --json '{"type":"...", ...}'
  profile start|stop|run [--conversation-id ID]
  status-timeline start|stop [--conversation-id ID]
  render-trace start|stop [--conversation-id ID]
`)
}
