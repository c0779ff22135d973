package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// parsers maps a lower-cased file extension to its decoder.
var parsers = map[string]func([]byte) (Config, error){
	".yaml": FromYAML,
	".yml":  FromYAML,
	".json": FromJSON,
}

// FromFile loads a settings file, picking the format by extension (.yaml,
// .yml or .json).
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as a Redis password can stay out of the file.
func FromFile(path string) (Config, error) {
	parse, ok := parsers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %q", filepath.Ext(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := parse([]byte(os.ExpandEnv(string(raw))))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromFiles loads each file in order and merges them; later files win.
func FromFiles(paths ...string) (Config, error) {
	out := New(nil)
	for _, p := range paths {
		cfg, err := FromFile(p)
		if err != nil {
			return Config{}, err
		}
		out = Merge(out, cfg)
	}
	return out, nil
}

// FromYAML parses a YAML mapping.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// Merge returns a new Config holding base overlaid with over. Nested maps
// merge key by key; any other value in over replaces the one in base.
// Neither input is modified.
func Merge(base, over Config) Config {
	return New(mergeMaps(base.data, over.data))
}

func mergeMaps(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(prev, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}
