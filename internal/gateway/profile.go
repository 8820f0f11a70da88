package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/jaakkos/harness/internal/wire"
)

// handleProfileStart begins a CPU capture into targetPath. At most one
// capture runs per daemon.
func (g *Gateway) handleProfileStart(params json.RawMessage) (any, *wire.Error) {
	var p struct {
		TargetPath string `json:"targetPath"`
	}
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.TargetPath == "" {
		return nil, wire.Errorf(wire.ErrKindInvalidInput, "targetPath must not be empty")
	}

	g.profMu.Lock()
	defer g.profMu.Unlock()
	if g.profFile != nil {
		return nil, wire.Errorf(wire.ErrKindAlreadyRunning, "cpu profile already active: %s", g.profPath)
	}
	if err := os.MkdirAll(filepath.Dir(p.TargetPath), 0o755); err != nil {
		return nil, errorFrom(err)
	}
	f, err := os.Create(p.TargetPath)
	if err != nil {
		return nil, errorFrom(err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		os.Remove(p.TargetPath)
		return nil, errorFrom(err)
	}
	g.profFile = f
	g.profPath = p.TargetPath
	g.logger.Printf("cpu profile started: %s", p.TargetPath)
	return map[string]any{"profiling": true, "targetPath": p.TargetPath}, nil
}

// handleProfileStop finalizes the active capture and reports where it landed.
func (g *Gateway) handleProfileStop(params json.RawMessage) (any, *wire.Error) {
	g.profMu.Lock()
	defer g.profMu.Unlock()
	if g.profFile == nil {
		return nil, wire.Errorf(wire.ErrKindNotFound, "no cpu profile active")
	}
	pprof.StopCPUProfile()
	path := g.profPath
	if err := g.profFile.Close(); err != nil {
		g.logger.Printf("close cpu profile %s: %v", path, err)
	}
	g.profFile = nil
	g.profPath = ""
	g.logger.Printf("cpu profile written: %s", path)
	return map[string]any{"profiling": false, "targetPath": path}, nil
}

// stopActiveProfile finalizes a capture left running at shutdown so the file
// is valid rather than truncated.
func (g *Gateway) stopActiveProfile() {
	g.profMu.Lock()
	defer g.profMu.Unlock()
	if g.profFile == nil {
		return
	}
	pprof.StopCPUProfile()
	if err := g.profFile.Close(); err != nil {
		g.logger.Printf("close cpu profile %s: %v", g.profPath, err)
	}
	g.logger.Printf("cpu profile written: %s", g.profPath)
	g.profFile = nil
	g.profPath = ""
}
