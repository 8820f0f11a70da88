// Package config loads the optional per-workspace agent presets
// (agents.yaml) and the secrets file (secrets.env). Presets decide what
// command a conversation's PTY actually spawns per agent type and which
// extra environment it receives.
package config

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jaakkos/harness/internal/paths"
)

// AgentPreset describes how to spawn one agent type.
type AgentPreset struct {
	// Command is the argv to spawn. ${VAR} references expand against the
	// caller environment.
	Command []string `yaml:"command"`
	// Env sets extra variables for the child; values expand ${VAR}.
	Env map[string]string `yaml:"env"`
	// InheritEnv lists glob patterns of parent variables to forward, e.g.
	// "LC_*".
	InheritEnv []string `yaml:"inherit_env"`
}

// Agents is the parsed agents.yaml.
type Agents struct {
	Agents map[string]AgentPreset `yaml:"agents"`
}

// DefaultAgents is used when no agents.yaml exists.
func DefaultAgents() *Agents {
	return &Agents{Agents: map[string]AgentPreset{
		"claude-code": {
			Command:    []string{"claude"},
			InheritEnv: []string{"ANTHROPIC_*"},
		},
		"shell": {
			Command: []string{"${SHELL}"},
		},
	}}
}

// LoadAgents reads agents.yaml, returning defaults when the file is absent.
func LoadAgents(path string) (*Agents, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultAgents(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var a Agents
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if a.Agents == nil {
		a.Agents = map[string]AgentPreset{}
	}
	// User files extend the defaults rather than replacing them.
	for name, preset := range DefaultAgents().Agents {
		if _, ok := a.Agents[name]; !ok {
			a.Agents[name] = preset
		}
	}
	return &a, nil
}

// Preset returns the preset for an agent type.
func (a *Agents) Preset(agentType string) (AgentPreset, error) {
	p, ok := a.Agents[agentType]
	if !ok {
		return AgentPreset{}, fmt.Errorf("unknown agent type: %s", agentType)
	}
	if len(p.Command) == 0 {
		return AgentPreset{}, fmt.Errorf("agent type %s has no command", agentType)
	}
	return p, nil
}

// Argv expands ${VAR} references in the preset command.
func (p AgentPreset) Argv(env paths.Env) []string {
	out := make([]string, len(p.Command))
	for i, arg := range p.Command {
		out[i] = expand(arg, env)
	}
	return out
}

// BuildEnv assembles the extra KEY=VALUE environment for a spawned agent:
// inherit_env matches from the parent, preset env entries, and
// ANTHROPIC_API_KEY from secrets when the parent does not already carry it.
func (p AgentPreset) BuildEnv(environ []string, env paths.Env, secrets map[string]string) []string {
	var out []string
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		for _, pat := range p.InheritEnv {
			if ok, _ := path.Match(pat, name); ok {
				out = append(out, kv)
				break
			}
		}
	}

	names := make([]string, 0, len(p.Env))
	for name := range p.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+expand(p.Env[name], env))
	}

	if key, ok := secrets["ANTHROPIC_API_KEY"]; ok && env("ANTHROPIC_API_KEY") == "" {
		out = append(out, "ANTHROPIC_API_KEY="+key)
	}
	return out
}

// LoadSecrets reads secrets.env; a missing file is an empty map.
func LoadSecrets(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	secrets, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return secrets, nil
}

// expand substitutes ${VAR} using the lookup, leaving unknown variables
// empty like the shell would.
func expand(s string, env paths.Env) string {
	return os.Expand(s, func(name string) string { return env(name) })
}
