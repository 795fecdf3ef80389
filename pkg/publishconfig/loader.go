package publishconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a config document.
type Format int

const (
	// FormatJSON accepts plain JSON as well as JSON with comments and trailing commas.
	FormatJSON Format = iota
	FormatYAML
)

// FormatFromPath picks the decoder from the file extension. Anything that is
// not .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Load reads, parses and validates the run configuration at path.
// The whole document is checked before it is returned, so an invalid job
// entry is reported before anything touches the broker.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %w", ErrConfigNotFound, path, err)
	}

	cfg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a config document already held in memory.
func Parse(data []byte, format Format) (*RunConfig, error) {
	doc, err := decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigMalformed, err)
	}

	v := &validator{}
	cfg := v.runConfig(doc)
	if len(v.problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(v.problems...))
	}
	return cfg, nil
}

func decode(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if dec.More() {
			return nil, errors.New("invalid JSON: unexpected data after top-level value")
		}
	}
	return doc, nil
}
