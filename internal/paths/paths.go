// Package paths computes all workspace-derived filesystem locations.
// It never touches the filesystem: every function is a pure computation
// over the workspace root, the optional session name, and the environment.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrPathsUnavailable is returned when the environment provides neither
	// a home directory nor a cache directory to anchor runtime state.
	ErrPathsUnavailable = errors.New("no home or cache directory in environment")

	// ErrInvalidSessionName is returned for session names that are empty,
	// contain characters outside [A-Za-z0-9_-], start with '-', or contain
	// a path separator.
	ErrInvalidSessionName = errors.New("invalid session name")
)

// Env is the environment lookup used by the resolver. os.Getenv satisfies it.
type Env func(key string) string

// Paths holds every derived location for one (workspace, session) pair.
type Paths struct {
	WorkspaceRoot string
	SessionName   string // "" for the default session

	// workspaceRuntimeRoot is the per-workspace runtime root without the
	// sessions/<name> suffix. Named sessions nest under it.
	workspaceRuntimeRoot string
	configRoot           string
}

// ValidateSessionName checks the session naming rules.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionName)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%w: %q starts with '-'", ErrInvalidSessionName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidSessionName, name, r)
		}
	}
	return nil
}

// HashWorkspace returns the 16-hex-char digest used to key per-workspace state.
func HashWorkspace(workspaceRoot string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(workspaceRoot)))
	return hex.EncodeToString(sum[:])[:16]
}

// Resolve computes all paths for a workspace and optional named session.
func Resolve(workspaceRoot, sessionName string, env Env) (*Paths, error) {
	if sessionName != "" {
		if err := ValidateSessionName(sessionName); err != nil {
			return nil, err
		}
	}

	cacheRoot := env("XDG_CACHE_HOME")
	if cacheRoot == "" {
		if home := env("HOME"); home != "" {
			cacheRoot = filepath.Join(home, ".cache")
		}
	}
	configRoot := env("XDG_CONFIG_HOME")
	if configRoot == "" {
		if home := env("HOME"); home != "" {
			configRoot = filepath.Join(home, ".config")
		}
	}
	if cacheRoot == "" || configRoot == "" {
		return nil, ErrPathsUnavailable
	}

	hash := HashWorkspace(workspaceRoot)
	return &Paths{
		WorkspaceRoot:        filepath.Clean(workspaceRoot),
		SessionName:          sessionName,
		workspaceRuntimeRoot: filepath.Join(cacheRoot, "harness", hash),
		configRoot:           filepath.Join(configRoot, "harness"),
	}, nil
}

// WorkspaceRuntimeRoot is the per-workspace runtime root shared by all
// sessions of the workspace (profiles/ and sessions/ live under it).
func (p *Paths) WorkspaceRuntimeRoot() string { return p.workspaceRuntimeRoot }

// RuntimeRoot is the runtime directory for this session: the workspace
// runtime root itself for the default session, or sessions/<name> under it.
func (p *Paths) RuntimeRoot() string {
	if p.SessionName == "" {
		return p.workspaceRuntimeRoot
	}
	return filepath.Join(p.workspaceRuntimeRoot, "sessions", p.SessionName)
}

// SessionsDir is the parent of all named-session runtime directories.
func (p *Paths) SessionsDir() string {
	return filepath.Join(p.workspaceRuntimeRoot, "sessions")
}

func (p *Paths) GatewayRecordPath() string { return filepath.Join(p.RuntimeRoot(), "gateway.json") }
func (p *Paths) GatewayLogPath() string    { return filepath.Join(p.RuntimeRoot(), "gateway.log") }
func (p *Paths) GatewayLockPath() string   { return filepath.Join(p.RuntimeRoot(), "gateway.lock") }

// StateDBPath is the canonical control-plane database location. Legacy
// workspace-local paths are never derived here; the supervisor normalizes
// stale values to this path.
func (p *Paths) StateDBPath() string {
	return filepath.Join(p.RuntimeRoot(), "control-plane.sqlite")
}

func (p *Paths) ProfileStatePath() string {
	return filepath.Join(p.RuntimeRoot(), "active-profile.json")
}

func (p *Paths) StatusTimelineStatePath() string {
	return filepath.Join(p.RuntimeRoot(), "active-status-timeline.json")
}

func (p *Paths) RenderTraceStatePath() string {
	return filepath.Join(p.RuntimeRoot(), "active-render-trace.json")
}

// ProfileOutputPath is where finalized CPU profiles land. target is
// "client" or "gateway".
func (p *Paths) ProfileOutputPath(name, target string) string {
	return filepath.Join(p.workspaceRuntimeRoot, "profiles", name, target+".cpuprofile")
}

// ConfigDir is the per-workspace configuration directory.
func (p *Paths) ConfigDir() string {
	return filepath.Join(p.configRoot, HashWorkspace(p.WorkspaceRoot))
}

func (p *Paths) ConfigFilePath() string {
	return filepath.Join(p.ConfigDir(), "harness.config.jsonc")
}

func (p *Paths) SecretsFilePath() string {
	return filepath.Join(p.ConfigDir(), "secrets.env")
}

// AgentsFilePath is the optional agent presets file (spawn commands per
// agent type).
func (p *Paths) AgentsFilePath() string {
	return filepath.Join(p.ConfigDir(), "agents.yaml")
}

// DefaultPointerPath is where the default-gateway pointer for this
// workspace lives. It is global, not per-session.
func (p *Paths) DefaultPointerPath() string {
	return filepath.Join(p.configRoot, ".harness", "pointers", HashWorkspace(p.WorkspaceRoot)+".json")
}

// LegacyDir is the pre-migration state directory inside the workspace.
func (p *Paths) LegacyDir() string {
	return filepath.Join(p.WorkspaceRoot, ".harness")
}

// IsLegacyStateDBPath reports whether a state DB path points into the
// workspace-local legacy directory and must therefore be rejected or
// normalized.
func (p *Paths) IsLegacyStateDBPath(dbPath string) bool {
	if dbPath == "" {
		return false
	}
	rel, err := filepath.Rel(p.LegacyDir(), filepath.Clean(dbPath))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// InvokeCwd resolves the directory the CLI should treat as the workspace
// root: HARNESS_INVOKE_CWD wins, then INIT_CWD, then the fallback (usually
// os.Getwd).
func InvokeCwd(env Env, fallback string) string {
	if d := env("HARNESS_INVOKE_CWD"); d != "" {
		return d
	}
	if d := env("INIT_CWD"); d != "" {
		return d
	}
	return fallback
}
