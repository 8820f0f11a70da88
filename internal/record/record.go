// Package record reads and writes the on-disk JSON record describing a
// running gateway, plus the global default-gateway pointer. The codec is
// deliberately strict: anything that does not match the current schema is
// treated as if no record existed, so stale files from older versions never
// confuse lifecycle decisions.
package record

import (
	"encoding/json"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Version is the current gateway record schema version.
const Version = 1

// Record describes one running (or expected-to-run) gateway.
type Record struct {
	PID           int
	Host          string
	Port          int
	AuthToken     *string // nil means no authentication
	StateDBPath   string
	StartedAt     string // ISO-8601 UTC
	WorkspaceRoot string
}

// recordJSON fixes the serialized key order.
type recordJSON struct {
	Version       int     `json:"version"`
	PID           int     `json:"pid"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	AuthToken     *string `json:"authToken"`
	StateDBPath   string  `json:"stateDbPath"`
	StartedAt     string  `json:"startedAt"`
	WorkspaceRoot string  `json:"workspaceRoot"`
}

// Parse decodes a gateway record. A structurally invalid record (wrong
// version, missing or blank required field, out-of-range port, non-positive
// PID, an authToken that is neither null nor a non-empty string) yields
// (nil, nil): callers treat it exactly like an absent record.
func Parse(data []byte) (*Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil
	}

	intField := func(key string) (int, bool) {
		v, ok := raw[key]
		if !ok {
			return 0, false
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return 0, false
		}
		if f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	stringField := func(key string) (string, bool) {
		v, ok := raw[key]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	if v, ok := intField("version"); !ok || v != Version {
		return nil, nil
	}
	pid, ok := intField("pid")
	if !ok || pid <= 0 {
		return nil, nil
	}
	port, ok := intField("port")
	if !ok || port < 1 || port > 65535 {
		return nil, nil
	}
	host, ok := stringField("host")
	if !ok {
		return nil, nil
	}
	dbPath, ok := stringField("stateDbPath")
	if !ok {
		return nil, nil
	}
	startedAt, ok := stringField("startedAt")
	if !ok {
		return nil, nil
	}
	wsRoot, ok := stringField("workspaceRoot")
	if !ok {
		return nil, nil
	}

	var token *string
	if v, ok := raw["authToken"]; ok && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			return nil, nil
		}
		token = &s
	}

	return &Record{
		PID:           pid,
		Host:          host,
		Port:          port,
		AuthToken:     token,
		StateDBPath:   dbPath,
		StartedAt:     startedAt,
		WorkspaceRoot: wsRoot,
	}, nil
}

// Serialize emits the record as pretty JSON with a trailing newline.
func Serialize(r *Record) []byte {
	data, _ := json.MarshalIndent(recordJSON{
		Version:       Version,
		PID:           r.PID,
		Host:          r.Host,
		Port:          r.Port,
		AuthToken:     r.AuthToken,
		StateDBPath:   r.StateDBPath,
		StartedAt:     r.StartedAt,
		WorkspaceRoot: r.WorkspaceRoot,
	}, "", "  ")
	return append(data, '\n')
}

// Load reads and parses the record at path. A missing file is not an
// error: it returns (nil, nil). Other I/O errors propagate.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Write atomically replaces the record at path (tempfile + rename),
// creating parent directories as needed.
func Write(path string, r *Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gateway-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(Serialize(r)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Remove unlinks the record file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsLoopbackHost reports whether host names a canonical loopback address
// after trimming and lowercasing.
func IsLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	switch h {
	case "localhost", "::1", "[::1]":
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
