package record

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Pointer references the default (unnamed) gateway of a workspace. It lives
// under the global config root so "which gateway belongs to this repo" can be
// answered without hashing paths by hand.
type Pointer struct {
	Version              int    `json:"version"`
	WorkspaceRoot        string `json:"workspaceRoot"`
	WorkspaceRuntimeRoot string `json:"workspaceRuntimeRoot"`
	GatewayRecordPath    string `json:"gatewayRecordPath"`
	GatewayLogPath       string `json:"gatewayLogPath"`
	StateDBPath          string `json:"stateDbPath"`
	PID                  int    `json:"pid"`
	StartedAt            string `json:"startedAt"`
	UpdatedAt            string `json:"updatedAt"`
	GatewayRunID         string `json:"gatewayRunId"`
}

// LoadPointer reads the pointer at path; missing file returns (nil, nil).
func LoadPointer(path string) (*Pointer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil
	}
	if p.Version != Version {
		return nil, nil
	}
	return &p, nil
}

// WritePointer rewrites the pointer, but only when the pointer's record path
// equals defaultRecordPath; named-session gateways must never steal the
// default slot.
func WritePointer(path string, p *Pointer, defaultRecordPath string) error {
	if p.GatewayRecordPath != defaultRecordPath {
		return nil
	}
	p.Version = Version
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pointer-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	data, _ := json.MarshalIndent(p, "", "  ")
	data = append(data, '\n')
	if _, err := tmp.Write(data); err != nil {
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

// ClearPointer removes the pointer, but only when it still references
// recordPath. A pointer rewritten by a newer gateway is left alone.
func ClearPointer(path, recordPath string) error {
	p, err := LoadPointer(path)
	if err != nil || p == nil {
		return err
	}
	if p.GatewayRecordPath != recordPath {
		return nil
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
