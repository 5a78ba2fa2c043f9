package appstream

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Metadata is the user facing information of an application.
type Metadata struct {
	Name        string `yaml:"name"`
	Summary     string `yaml:"summary,omitempty"`
	Description string `yaml:"description,omitempty"`
	License     string `yaml:"license,omitempty"`
	Developer   string `yaml:"developer,omitempty"`
	Homepage    string `yaml:"homepage,omitempty"`
	// Icon is the base64 encoded icon blob.
	Icon string `yaml:"icon,omitempty"`
}

// Component is the metadata of one ref.
type Component struct {
	Ref      string `yaml:"ref"`
	Metadata `yaml:",inline"`
}

// Document is the application metadata of a remote as cached on an installation.
type Document struct {
	Remote     string      `yaml:"remote"`
	UpdatedAt  time.Time   `yaml:"updated_at"`
	Components []Component `yaml:"components"`
}

// Find returns the component of a ref.
func (d Document) Find(ref string) (Component, bool) {
	for _, c := range d.Components {
		if c.Ref == ref {
			return c, true
		}
	}
	return Component{}, false
}

// ReadDocument reads a cached document. Missing documents return an fs.ErrNotExist
// wrapped error.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read appstream document: %w", err)
	}

	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("could not decode appstream document %s: %w", path, err)
	}

	return &d, nil
}

// WriteDocument replaces atomically the cached document at path.
func WriteDocument(path string, d Document) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("could not encode appstream document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create appstream dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".appstream-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write appstream document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close appstream document: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("could not move appstream document: %w", err)
	}

	return nil
}
