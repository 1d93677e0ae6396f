// Package definition provides the deployed-case-definition registry, the
// deploy-time validator, and a YAML loader for declarative case documents.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagehand/model"
)

// Loader scans directories for YAML case definition files and parses them.
// The declarative model language proper (CMMN XML and friends) is handled by
// external tooling that emits this YAML form.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a CaseDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.CaseDefinition, error) {
	var defs []model.CaseDefinition

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

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML case definition file.
func (l *Loader) LoadFile(path string) (model.CaseDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CaseDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.CaseDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.CaseDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return def, nil
}
