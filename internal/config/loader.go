package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension and resolves it.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	raw, err := ReadJSON(path)
	if err != nil {
		return Default(), err
	}
	return Resolve(raw)
}

// ReadJSON reads a configuration file and returns its content as JSON.
func ReadJSON(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		return b, nil
	case ".toml":
		if err := toml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return json.Marshal(doc)
}
