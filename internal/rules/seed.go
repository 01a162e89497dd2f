package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of a rule seed: a top-level "rules" list
// whose entries use the same keys as the JSON API.
type seedFile struct {
	Rules []map[string]any `yaml:"rules" toml:"rules" json:"rules"`
}

// LoadFile reads rules from a YAML, TOML or JSON seed file and validates
// every entry. Errors name the offending entry.
func LoadFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule seed: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes seed content in the format named by ext (".yaml", ".yml",
// ".toml" or ".json").
func Parse(data []byte, ext string) ([]*Rule, error) {
	var seed seedFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parsing yaml seed: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &seed); err != nil {
			return nil, fmt.Errorf("parsing toml seed: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parsing json seed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule seed format %q", ext)
	}

	out := make([]*Rule, 0, len(seed.Rules))
	for i, entry := range seed.Rules {
		// re-encode through JSON so the condition union is decoded in one place
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		var r Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.ApplyDefaults()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		out = append(out, &r)
	}
	return out, nil
}
