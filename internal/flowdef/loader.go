// Package flowdef loads YAML flow definitions, validates them structurally
// and referentially, and provides a fast-lookup registry with atomic
// pointer swap.
package flowdef

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stegvis/stegvis/model"
)

// Loader scans directories for YAML flow files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new flow Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a FlowDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.FlowDefinition, error) {
	var flows []model.FlowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			flow, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			flows = append(flows, flow)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return flows, nil
}

// LoadFile loads and parses a single YAML flow file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.FlowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var flow model.FlowDefinition
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return model.FlowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	flow.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	flow.SourceFile = path

	return flow, nil
}
