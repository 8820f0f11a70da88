package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jaakkos/harness/internal/gateway"
	"github.com/jaakkos/harness/internal/gcrun"
	"github.com/jaakkos/harness/internal/migrate"
	"github.com/jaakkos/harness/internal/paths"
	"github.com/jaakkos/harness/internal/record"
	"github.com/jaakkos/harness/internal/supervisor"
	"github.com/jaakkos/harness/internal/wire"
)

func runGateway(p *paths.Paths, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: harness gateway <start|stop|status|run|list|gc|call>")
	}
	// Legacy workspace-local state moves into the global roots before any
	// subcommand looks for it. Idempotent, so the supervisor re-running it
	// under the lock is harmless.
	if _, err := migrate.Run(p, os.Stdout); err != nil {
		return err
	}
	switch args[0] {
	case "start":
		return gatewayStart(p, args[1:])
	case "stop":
		return gatewayStop(p, args[1:])
	case "status":
		return gatewayStatus(p)
	case "run":
		return gatewayRun(p, args[1:])
	case "list":
		return gatewayList(p)
	case "gc":
		return gatewayGC(p)
	case "call":
		return gatewayCall(p, args[1:])
	default:
		return fmt.Errorf("unknown gateway command: %s", args[0])
	}
}

func newSupervisor() *supervisor.Supervisor {
	sv := &supervisor.Supervisor{
		Logger: setupLogger(""),
		Stdout: os.Stdout,
	}
	if override := os.Getenv("HARNESS_DAEMON_SCRIPT_PATH"); override != "" {
		sv.DaemonPath = override
	}
	if inspect := os.Getenv("HARNESS_DEBUG_INSPECT"); inspect != "" {
		sv.InspectArg = "--inspect=" + inspect
	}
	return sv
}

func gatewayStart(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("gateway start", flag.ContinueOnError)
	var flags supervisor.Flags
	fs.StringVar(&flags.Host, "host", "", "bind host")
	fs.IntVar(&flags.Port, "port", 0, "bind port (0 picks one)")
	fs.StringVar(&flags.AuthToken, "auth-token", "", "require this token on connect")
	fs.StringVar(&flags.StateDBPath, "state-db-path", "", "state database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := supervisor.ResolveSettings(p, os.Getenv, flags)
	if err != nil {
		return err
	}
	rec, started, err := newSupervisor().EnsureRunning(context.Background(), s)
	if err != nil {
		return err
	}
	if started {
		fmt.Printf("gateway started (pid=%d host=%s port=%d)\n", rec.PID, rec.Host, rec.Port)
	} else {
		fmt.Printf("gateway already running (pid=%d host=%s port=%d)\n", rec.PID, rec.Host, rec.Port)
	}
	return nil
}

func gatewayStop(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("gateway stop", flag.ContinueOnError)
	force := fs.Bool("force", false, "escalate to SIGKILL and reap orphans")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := supervisor.ResolveSettings(p, os.Getenv, supervisor.Flags{})
	if err != nil {
		return err
	}
	res, err := newSupervisor().Stop(context.Background(), s, *force)
	if errors.Is(err, supervisor.ErrNotRunning) {
		fmt.Println("gateway not running")
		return nil
	}
	if err != nil {
		return err
	}
	if res.Stopped {
		fmt.Println("gateway stopped")
	}
	if res.NotRunning {
		// Force-stop with nothing recorded: orphan cleanup already printed
		// its lines; the overall invocation still fails.
		os.Exit(1)
	}
	return nil
}

func gatewayStatus(p *paths.Paths) error {
	s, err := supervisor.ResolveSettings(p, os.Getenv, supervisor.Flags{})
	if err != nil {
		return err
	}
	st, err := newSupervisor().CheckStatus(context.Background(), s)
	if err != nil {
		return err
	}
	if st.Running {
		fmt.Printf("gateway status: running pid=%d host=%s port=%d\n",
			st.Record.PID, st.Record.Host, st.Record.Port)
	} else {
		fmt.Println("gateway status: stopped")
	}
	return nil
}

func gatewayRun(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("gateway run", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "bind host")
	port := fs.Int("port", 0, "bind port")
	authToken := fs.String("auth-token", "", "require this token on connect")
	stateDBPath := fs.String("state-db-path", "", "state database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := setupLogger(p.GatewayLogPath())
	logger.Printf("harness gateway %s starting (workspace=%s)", Version, p.WorkspaceRoot)

	dbPath := *stateDBPath
	if dbPath == "" || p.IsLegacyStateDBPath(dbPath) {
		dbPath = p.StateDBPath()
	}
	return gateway.Run(context.Background(), gateway.Options{
		Paths:       p,
		Host:        *host,
		Port:        *port,
		AuthToken:   *authToken,
		StateDBPath: dbPath,
		Logger:      logger,
	})
}

func gatewayList(p *paths.Paths) error {
	printRecord := func(label, path string) {
		rec, err := record.Load(path)
		if err != nil || rec == nil {
			return
		}
		fmt.Printf("%s  pid=%d host=%s port=%d startedAt=%s\n",
			label, rec.PID, rec.Host, rec.Port, rec.StartedAt)
	}

	printRecord("default", filepath.Join(p.WorkspaceRuntimeRoot(), "gateway.json"))
	entries, err := os.ReadDir(p.SessionsDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			printRecord(entry.Name(), filepath.Join(p.SessionsDir(), entry.Name(), "gateway.json"))
		}
	}
	return nil
}

func gatewayGC(p *paths.Paths) error {
	_, err := gcrun.Run(p.WorkspaceRuntimeRoot(), gcrun.MaxAge, os.Stdout)
	return err
}

func gatewayCall(p *paths.Paths, args []string) error {
	fs := flag.NewFlagSet("gateway call", flag.ContinueOnError)
	payload := fs.String("json", "", "command JSON: {\"type\":\"...\", ...params}")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payload == "" {
		return errors.New("gateway call requires --json")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*payload), &raw); err != nil {
		return fmt.Errorf("parse --json: %w", err)
	}
	var cmdType string
	if t, ok := raw["type"]; ok {
		if err := json.Unmarshal(t, &cmdType); err != nil || cmdType == "" {
			return errors.New("--json needs a string \"type\"")
		}
	} else {
		return errors.New("--json needs a \"type\" field")
	}
	delete(raw, "type")

	s, err := supervisor.ResolveSettings(p, os.Getenv, supervisor.Flags{})
	if err != nil {
		return err
	}
	rec, _, err := newSupervisor().EnsureRunning(context.Background(), s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), wire.DefaultCommandTimeout)
	defer cancel()
	client, err := wire.Dial(ctx, rec.Host, rec.Port, recordToken(rec))
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer client.Close()

	result, err := client.Call(ctx, cmdType, raw)
	if err != nil {
		var werr *wire.Error
		if errors.As(err, &werr) {
			return errors.New(werr.Message)
		}
		return err
	}

	out, err := json.MarshalIndent(json.RawMessage(result), "", "  ")
	if err != nil {
		out = result
	}
	fmt.Println(string(out))
	return nil
}

func recordToken(rec *record.Record) string {
	if rec.AuthToken == nil {
		return ""
	}
	return *rec.AuthToken
}
