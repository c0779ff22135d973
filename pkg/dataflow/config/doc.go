/*
Package config gives node handlers and the dataflow CLI typed access to
loosely typed configuration maps.

Node configuration arrives from graph descriptors as map[string]any, with JSON
numbers as float64 and nested objects as map[string]any. Config wraps such a
map and returns defaults for missing or mismatched values:

	cfg := config.New(node.Configuration)
	graph := cfg.String("graph", "")
	limit := cfg.Int("limit", 10)
	timeout := cfg.Duration("timeout", 30*time.Second)

Structured settings decode into tagged structs through mapstructure:

	var settings struct {
	    Store string `mapstructure:"store"`
	    Redis struct {
	        Addr string `mapstructure:"addr"`
	    } `mapstructure:"redis"`
	}
	if err := cfg.Decode(&settings); err != nil {
	    return err
	}

Settings files load with FromFile (YAML or JSON by extension). FromFiles
layers several files, later ones overriding earlier ones key by key.

Config is safe for concurrent reads as long as the wrapped map is not
modified.
*/
package config
