package declarative

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SpecLoader loads PartialSpecs from files or raw bytes.
type SpecLoader interface {
	// LoadFile reads a file and parses it into one or more PartialSpecs.
	// Format is auto-detected from the file extension (.yaml, .yml, .json).
	LoadFile(path string) ([]*PartialSpec, error)

	// LoadBytes parses raw bytes into PartialSpecs.
	// format must be "yaml" or "json".
	LoadBytes(data []byte, format string) ([]*PartialSpec, error)
}

// YAMLLoader implements SpecLoader for YAML and JSON formats.
// A document holds either a single spec or a "specs" list.
type YAMLLoader struct{}

// NewYAMLLoader creates a new YAMLLoader.
func NewYAMLLoader() *YAMLLoader {
	return &YAMLLoader{}
}

type specDocument struct {
	Specs []*PartialSpec `yaml:"specs" json:"specs"`
}

// LoadFile reads a file and parses it based on extension.
func (l *YAMLLoader) LoadFile(path string) ([]*PartialSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent spec file: %w", err)
	}

	format := detectFormat(path)
	if format == "" {
		return nil, fmt.Errorf("unsupported file extension: %s", filepath.Ext(path))
	}

	specs, err := l.LoadBytes(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// LoadBytes parses raw bytes in the given format ("yaml" or "json").
func (l *YAMLLoader) LoadBytes(data []byte, format string) ([]*PartialSpec, error) {
	var (
		doc    specDocument
		single PartialSpec
	)

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
		if len(doc.Specs) == 0 {
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parse YAML: %w", err)
			}
		}
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
		if len(doc.Specs) == 0 {
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parse JSON: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported format %q, use \"yaml\" or \"json\"", format)
	}

	specs := doc.Specs
	if len(specs) == 0 {
		specs = []*PartialSpec{&single}
	}
	for _, s := range specs {
		if err := ValidatePartial(s); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// detectFormat returns "yaml" or "json" based on file extension, or "" if unknown.
func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
