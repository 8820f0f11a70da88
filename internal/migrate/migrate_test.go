package migrate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaakkos/harness/internal/paths"
)

func testPaths(t *testing.T) *paths.Paths {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "work")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{
		"XDG_CACHE_HOME":  filepath.Join(dir, "cache"),
		"XDG_CONFIG_HOME": filepath.Join(dir, "config"),
	}
	p, err := paths.Resolve(ws, "", func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writeLegacy(t *testing.T, p *paths.Paths, name, content string) {
	t.Helper()
	dir := p.LegacyDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunNoLegacyDir(t *testing.T) {
	p := testPaths(t)
	var out bytes.Buffer
	migrated, err := Run(p, &out)
	if err != nil || migrated {
		t.Fatalf("Run = (%v, %v), want (false, nil)", migrated, err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestRunMovesRecordAndLog(t *testing.T) {
	p := testPaths(t)
	writeLegacy(t, p, "gateway.json", `{"version":1}`)
	writeLegacy(t, p, "gateway.log", "log line\n")

	var out bytes.Buffer
	migrated, err := Run(p, &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !migrated {
		t.Fatal("Run reported no migration")
	}
	if !strings.Contains(out.String(), "[migration] local .harness migrated") {
		t.Errorf("notice missing, got %q", out.String())
	}
	if _, err := os.Stat(p.GatewayRecordPath()); err != nil {
		t.Errorf("record not migrated: %v", err)
	}
	if _, err := os.Stat(p.GatewayLogPath()); err != nil {
		t.Errorf("log not migrated: %v", err)
	}
	if _, err := os.Stat(p.LegacyDir()); !os.IsNotExist(err) {
		t.Error("legacy dir still present")
	}
}

func TestRunConfigNoGlobal(t *testing.T) {
	p := testPaths(t)
	writeLegacy(t, p, "harness.config.jsonc", `{"edited":true}`)

	if _, err := Run(p, &bytes.Buffer{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(p.ConfigFilePath())
	if err != nil {
		t.Fatalf("read migrated config: %v", err)
	}
	if string(data) != `{"edited":true}` {
		t.Errorf("config content = %q", data)
	}
}

func TestRunConfigDefaultGlobalBackedUp(t *testing.T) {
	p := testPaths(t)
	if err := os.MkdirAll(p.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.ConfigFilePath(), []byte(DefaultConfigJSONC), 0o644); err != nil {
		t.Fatal(err)
	}
	writeLegacy(t, p, "harness.config.jsonc", `{"edited":true}`)

	if _, err := Run(p, &bytes.Buffer{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	bak, err := os.ReadFile(p.ConfigFilePath() + ".pre-migration.bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(bak) != DefaultConfigJSONC {
		t.Error("backup is not the bootstrapped default")
	}
	got, _ := os.ReadFile(p.ConfigFilePath())
	if string(got) != `{"edited":true}` {
		t.Errorf("config = %q, want migrated legacy config", got)
	}
}

func TestRunConfigConflict(t *testing.T) {
	p := testPaths(t)
	if err := os.MkdirAll(p.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.ConfigFilePath(), []byte(`{"global":"edit"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	writeLegacy(t, p, "harness.config.jsonc", `{"legacy":"edit"}`)

	_, err := Run(p, &bytes.Buffer{})
	if !errors.Is(err, ErrMigrationConflict) {
		t.Fatalf("Run = %v, want ErrMigrationConflict", err)
	}
	// Both configs must remain intact.
	if _, err := os.Stat(filepath.Join(p.LegacyDir(), "harness.config.jsonc")); err != nil {
		t.Error("legacy config removed on conflict")
	}
	got, _ := os.ReadFile(p.ConfigFilePath())
	if string(got) != `{"global":"edit"}` {
		t.Error("global config modified on conflict")
	}
}

func TestRunSecretsNotOverwritten(t *testing.T) {
	p := testPaths(t)
	if err := os.MkdirAll(p.ConfigDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.SecretsFilePath(), []byte("ANTHROPIC_API_KEY=keep\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	writeLegacy(t, p, "secrets.env", "ANTHROPIC_API_KEY=legacy\n")

	if _, err := Run(p, &bytes.Buffer{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := os.ReadFile(p.SecretsFilePath())
	if string(got) != "ANTHROPIC_API_KEY=keep\n" {
		t.Errorf("secrets = %q, want existing kept", got)
	}
}
