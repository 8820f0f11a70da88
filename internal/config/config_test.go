package config

import (
	"os"
	"path/filepath"
	"testing"
)

func env(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadAgentsMissingFileUsesDefaults(t *testing.T) {
	a, err := LoadAgents(filepath.Join(t.TempDir(), "agents.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := a.Preset("claude-code")
	if err != nil {
		t.Fatal(err)
	}
	if p.Command[0] != "claude" {
		t.Errorf("command = %v", p.Command)
	}
}

func TestLoadAgentsMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  codex:
    command: ["codex", "--full-auto"]
    env:
      CODEX_HOME: "${HOME}/.codex"
    inherit_env: ["OPENAI_*"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := LoadAgents(path)
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Preset("codex")
	if err != nil {
		t.Fatal(err)
	}
	argv := p.Argv(env(nil))
	if argv[0] != "codex" || argv[1] != "--full-auto" {
		t.Errorf("argv = %v", argv)
	}

	// Defaults survive alongside user presets.
	if _, err := a.Preset("claude-code"); err != nil {
		t.Errorf("default preset missing: %v", err)
	}
	if _, err := a.Preset("nope"); err == nil {
		t.Error("unknown agent type should fail")
	}
}

func TestArgvExpansion(t *testing.T) {
	p := AgentPreset{Command: []string{"${SHELL}", "-l"}}
	argv := p.Argv(env(map[string]string{"SHELL": "/bin/zsh"}))
	if argv[0] != "/bin/zsh" {
		t.Errorf("argv = %v", argv)
	}
}

func TestBuildEnv(t *testing.T) {
	p := AgentPreset{
		Env:        map[string]string{"AGENT_MODE": "pty", "AGENT_HOME": "${HOME}/agent"},
		InheritEnv: []string{"LC_*"},
	}
	environ := []string{"LC_ALL=C.UTF-8", "PATH=/usr/bin", "LC_TIME=fi_FI"}
	lookup := env(map[string]string{"HOME": "/home/dev"})

	got := p.BuildEnv(environ, lookup, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})

	want := []string{
		"LC_ALL=C.UTF-8",
		"LC_TIME=fi_FI",
		"AGENT_HOME=/home/dev/agent",
		"AGENT_MODE=pty",
		"ANTHROPIC_API_KEY=sk-test",
	}
	if len(got) != len(want) {
		t.Fatalf("env = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildEnvParentKeyWins(t *testing.T) {
	p := AgentPreset{}
	lookup := env(map[string]string{"ANTHROPIC_API_KEY": "from-parent"})
	got := p.BuildEnv(nil, lookup, map[string]string{"ANTHROPIC_API_KEY": "from-secrets"})
	if len(got) != 0 {
		t.Errorf("secrets key should not override parent env: %v", got)
	}
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.env")

	secrets, err := LoadSecrets(path)
	if err != nil || len(secrets) != 0 {
		t.Fatalf("missing file: %v %v", secrets, err)
	}

	if err := os.WriteFile(path, []byte("ANTHROPIC_API_KEY=sk-live\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	secrets, err = LoadSecrets(path)
	if err != nil {
		t.Fatal(err)
	}
	if secrets["ANTHROPIC_API_KEY"] != "sk-live" {
		t.Errorf("secrets = %v", secrets)
	}
}
