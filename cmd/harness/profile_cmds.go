package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaakkos/harness/internal/paths"
	"github.com/jaakkos/harness/internal/profilectl"
	"github.com/jaakkos/harness/internal/record"
	"github.com/jaakkos/harness/internal/wire"
)

func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	signal.Stop(ch)
}

// gatewayProfileCall sends one profiling command to the recorded daemon,
// which owns the capture. The state file only tracks intent.
func gatewayProfileCall(p *paths.Paths, cmdType string, params any) error {
	rec, err := record.Load(p.GatewayRecordPath())
	if err != nil {
		return err
	}
	if rec == nil {
		return profilectl.ErrGatewayNotRunning
	}
	ctx, cancel := context.WithTimeout(context.Background(), wire.DefaultCommandTimeout)
	defer cancel()
	c, err := wire.Dial(ctx, rec.Host, rec.Port, recordToken(rec))
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.Call(ctx, cmdType, params)
	return err
}

func startGatewayProfile(p *paths.Paths, convID string) (*profilectl.State, error) {
	st, err := profilectl.StartProfile(p, convID)
	if err != nil {
		return nil, err
	}
	if err := gatewayProfileCall(p, "profile.start", map[string]string{"targetPath": st.TargetPath}); err != nil {
		// Roll the state file back so a later start is not refused.
		profilectl.StopProfile(p)
		return nil, err
	}
	return st, nil
}

func stopGatewayProfile(p *paths.Paths) (string, error) {
	if err := gatewayProfileCall(p, "profile.stop", nil); err != nil {
		// The state is cleared regardless; a restarted daemon has no capture.
		fmt.Fprintf(os.Stderr, "gateway profile stop: %v\n", err)
	}
	return profilectl.StopProfile(p)
}

func runProfile(p *paths.Paths, args []string) error {
	sub, convID, err := parseToolArgs("profile", args)
	if err != nil {
		return err
	}
	switch sub {
	case "start":
		st, err := startGatewayProfile(p, convID)
		if err != nil {
			return err
		}
		fmt.Printf("profile started (mode=%s target=%s)\n", st.Mode, st.TargetPath)
		return nil
	case "stop":
		target, err := stopGatewayProfile(p)
		if err != nil {
			return err
		}
		fmt.Printf("profile written to %s\n", target)
		return nil
	case "run":
		// Bounded convenience wrapper: start, wait for interrupt, stop.
		st, err := startGatewayProfile(p, convID)
		if err != nil {
			return err
		}
		fmt.Printf("profiling; press ctrl-c to stop (target=%s)\n", st.TargetPath)
		waitForInterrupt()
		target, err := stopGatewayProfile(p)
		if err != nil {
			return err
		}
		fmt.Printf("profile written to %s\n", target)
		return nil
	default:
		return fmt.Errorf("unknown profile command: %s", sub)
	}
}

func runStatusTimeline(p *paths.Paths, args []string) error {
	sub, convID, err := parseToolArgs("status-timeline", args)
	if err != nil {
		return err
	}
	switch sub {
	case "start":
		st, err := profilectl.StartStatusTimeline(p, convID)
		if err != nil {
			return err
		}
		fmt.Printf("status timeline recording to %s\n", st.TargetPath)
		return nil
	case "stop":
		target, err := profilectl.StopStatusTimeline(p)
		if err != nil {
			return err
		}
		fmt.Printf("status timeline written to %s\n", target)
		return nil
	default:
		return fmt.Errorf("unknown status-timeline command: %s", sub)
	}
}

func runRenderTrace(p *paths.Paths, args []string) error {
	sub, convID, err := parseToolArgs("render-trace", args)
	if err != nil {
		return err
	}
	switch sub {
	case "start":
		st, err := profilectl.StartRenderTrace(p, convID)
		if err != nil {
			return err
		}
		fmt.Printf("render trace recording to %s\n", st.TargetPath)
		return nil
	case "stop":
		target, err := profilectl.StopRenderTrace(p)
		if err != nil {
			return err
		}
		fmt.Printf("render trace written to %s\n", target)
		return nil
	default:
		return fmt.Errorf("unknown render-trace command: %s", sub)
	}
}

func parseToolArgs(name string, args []string) (sub, convID string, err error) {
	if len(args) == 0 {
		return "", "", errors.New("usage: harness " + name + " <start|stop> [--conversation-id ID]")
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.String("conversation-id", "", "conversation the recording is about")
	if err := fs.Parse(args[1:]); err != nil {
		return "", "", err
	}
	return args[0], *id, nil
}
