package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// GatewayConfig is the optional harness.config.jsonc content.
type GatewayConfig struct {
	Gateway struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		AuthToken string `json:"authToken"`
	} `json:"gateway"`
}

// LoadGatewayConfig parses the workspace config file. JSONC line comments
// are stripped before decoding; a missing file yields a zero config.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &GatewayConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg GatewayConfig
	if err := json.Unmarshal(stripLineComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// stripLineComments removes // comments outside of string literals. Block
// comments are not part of the config dialect.
func stripLineComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(data) && data[i+1] == '/' {
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
