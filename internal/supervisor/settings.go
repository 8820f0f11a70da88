package supervisor

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jaakkos/harness/internal/config"
	"github.com/jaakkos/harness/internal/paths"
	"github.com/jaakkos/harness/internal/record"
)

// Flags carries the CLI-provided overrides for gateway start.
type Flags struct {
	Host        string
	Port        int
	AuthToken   string
	StateDBPath string
}

// Settings is the fully resolved gateway configuration EnsureRunning works
// from.
type Settings struct {
	Paths     *paths.Paths
	Host      string
	Port      int // 0 means reserve one at spawn time
	AuthToken string
	// StateDBPath is always the canonical runtime location.
	StateDBPath string
}

// ResolveSettings merges flags, the workspace config file, the legacy env
// port, and an existing record into one Settings value. Precedence per
// field: flag > config > env > record > default.
func ResolveSettings(p *paths.Paths, env paths.Env, flags Flags) (Settings, error) {
	cfg, err := config.LoadGatewayConfig(p.ConfigFilePath())
	if err != nil {
		return Settings{}, err
	}
	// The record is only a fallback source here; EnsureRunning decides
	// whether it is still trustworthy.
	rec, _ := record.Load(p.GatewayRecordPath())

	s := Settings{Paths: p, StateDBPath: p.StateDBPath()}

	// An explicit flag pointing into the workspace-local legacy dir is a
	// user error; anything else (legacy env values, stale records) is
	// normalized to the canonical path without a warning.
	if flags.StateDBPath != "" && p.IsLegacyStateDBPath(flags.StateDBPath) {
		return Settings{}, fmt.Errorf("%w: %s", ErrInvalidStateDBPath, flags.StateDBPath)
	}

	switch {
	case flags.Host != "":
		s.Host = flags.Host
	case cfg.Gateway.Host != "":
		s.Host = cfg.Gateway.Host
	case rec != nil && rec.Host != "":
		s.Host = rec.Host
	default:
		s.Host = "127.0.0.1"
	}

	switch {
	case flags.Port != 0:
		s.Port = flags.Port
	case cfg.Gateway.Port != 0:
		s.Port = cfg.Gateway.Port
	case env("HARNESS_CONTROL_PLANE_PORT") != "":
		port, err := strconv.Atoi(env("HARNESS_CONTROL_PLANE_PORT"))
		if err != nil || port < 1 || port > 65535 {
			return Settings{}, fmt.Errorf("invalid HARNESS_CONTROL_PLANE_PORT: %q", env("HARNESS_CONTROL_PLANE_PORT"))
		}
		s.Port = port
	case rec != nil:
		s.Port = rec.Port
	}

	switch {
	case flags.AuthToken != "":
		s.AuthToken = flags.AuthToken
	case cfg.Gateway.AuthToken != "":
		s.AuthToken = cfg.Gateway.AuthToken
	case rec != nil && rec.AuthToken != nil:
		s.AuthToken = *rec.AuthToken
	}

	if !record.IsLoopbackHost(s.Host) && s.AuthToken == "" {
		return Settings{}, fmt.Errorf("%w: host %s", ErrAuthTokenRequired, s.Host)
	}
	return s, nil
}

// ReservePort binds an ephemeral loopback port, closes the listener, and
// returns the port number for the daemon to claim.
func ReservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}
