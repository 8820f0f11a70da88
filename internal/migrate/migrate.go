// Package migrate performs the one-shot move of legacy workspace-local
// .harness/ state into the global runtime and config roots.
package migrate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaakkos/harness/internal/paths"
)

// ErrMigrationConflict is returned when both the global and the legacy
// config files carry user modifications. Migration aborts leaving both
// intact so no edits are silently discarded.
var ErrMigrationConflict = errors.New("both legacy and global configs are user-modified")

// DefaultConfigJSONC is the bootstrapped config written on first run. A
// global config byte-identical to this is treated as untouched and may be
// replaced by a migrated legacy config.
const DefaultConfigJSONC = `{
  // Workspace harness configuration.
  // "gateway": { "host": "127.0.0.1", "port": 0 }
}
`

// legacy filenames recognized inside <workspace>/.harness/.
var runtimeFiles = []string{"gateway.json", "gateway.log"}
var configFiles = []string{"harness.config.jsonc", "secrets.env"}

// Run migrates a legacy .harness/ directory, if one exists. Returns true
// when a migration happened. On success the legacy directory is removed and
// a one-line notice is written to stdout.
func Run(p *paths.Paths, stdout io.Writer) (bool, error) {
	legacyDir := p.LegacyDir()
	if _, err := os.Stat(legacyDir); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if err := migrateConfig(legacyDir, p); err != nil {
		return false, err
	}

	for _, name := range runtimeFiles {
		src := filepath.Join(legacyDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := moveFile(src, filepath.Join(p.RuntimeRoot(), name)); err != nil {
			return false, fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	if err := moveSecretsFile(legacyDir, p); err != nil {
		return false, err
	}

	if err := os.RemoveAll(legacyDir); err != nil {
		return false, fmt.Errorf("remove legacy dir: %w", err)
	}
	fmt.Fprintln(stdout, "[migration] local .harness migrated")
	return true, nil
}

func migrateConfig(legacyDir string, p *paths.Paths) error {
	legacyPath := filepath.Join(legacyDir, "harness.config.jsonc")
	legacy, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	globalPath := p.ConfigFilePath()
	global, err := os.ReadFile(globalPath)
	if os.IsNotExist(err) {
		return moveFile(legacyPath, globalPath)
	}
	if err != nil {
		return err
	}

	switch {
	case bytes.Equal(global, legacy):
		// Identical: nothing to carry over.
		return os.Remove(legacyPath)
	case bytes.Equal(global, []byte(DefaultConfigJSONC)):
		// Untouched bootstrap config: back it up, then take the legacy one.
		if err := os.WriteFile(globalPath+".pre-migration.bak", global, 0o644); err != nil {
			return err
		}
		return moveFile(legacyPath, globalPath)
	case bytes.Equal(legacy, []byte(DefaultConfigJSONC)):
		// Legacy config was never edited; the global one wins.
		return os.Remove(legacyPath)
	default:
		return ErrMigrationConflict
	}
}

func moveSecretsFile(legacyDir string, p *paths.Paths) error {
	src := filepath.Join(legacyDir, "secrets.env")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := p.SecretsFilePath()
	if _, err := os.Stat(dst); err == nil {
		// Existing global secrets are never overwritten.
		return os.Remove(src)
	}
	return moveFile(src, dst)
}

// moveFile is a rename with a copy fallback for cross-device moves.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}
