package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/riskscan/internal/domain/config"
)

// FileLoader loads a scan configuration document from a YAML file on disk.
// Sections the file omits keep their built-in defaults.
type FileLoader struct {
	path string
}

// NewFileLoader creates a FileLoader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads, parses and validates the document.
func (l *FileLoader) Load(ctx context.Context) (*config.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc.Origin = "file:" + l.path
	return doc, nil
}

// Parse decodes a YAML document over the built-in defaults.
func Parse(data []byte) (*config.Snapshot, error) {
	doc := config.DefaultSnapshot()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
