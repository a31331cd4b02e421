package workflows

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// WorkflowFile is one definition loaded from disk.
type WorkflowFile struct {
	FilePath   string
	Definition *Definition
	Issues     ValidationResult
}

// LoadResult aggregates a directory scan. Files that fail to parse or
// validate land in Errors without aborting the scan.
type LoadResult struct {
	Workflows  []*WorkflowFile
	Errors     []LoadError
	TotalFiles int
}

type LoadError struct {
	FilePath string
	Error    error
	Issues   ValidationResult
}

// Loader reads workflow definitions from a directory. The filesystem is
// abstracted so tests can load from memory.
type Loader struct {
	fs  afero.Fs
	dir string
}

func NewLoader(fs afero.Fs, dir string) *Loader {
	return &Loader{fs: fs, dir: dir}
}

// LoadAll scans the directory for *.yaml / *.yml definitions, parsing and
// validating each. A missing directory yields an empty result.
func (l *Loader) LoadAll() (*LoadResult, error) {
	result := &LoadResult{
		Workflows: []*WorkflowFile{},
		Errors:    []LoadError{},
	}

	exists, err := afero.DirExists(l.fs, l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflows dir: %w", err)
	}
	if !exists {
		return result, nil
	}

	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflows dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(l.dir, name))
		}
	}
	sort.Strings(files)
	result.TotalFiles = len(files)

	for _, path := range files {
		wf, err := l.LoadFile(path)
		if err != nil {
			loadErr := LoadError{FilePath: path, Error: err}
			if wf != nil {
				loadErr.Issues = wf.Issues
			}
			result.Errors = append(result.Errors, loadErr)
			continue
		}
		result.Workflows = append(result.Workflows, wf)
	}

	return result, nil
}

// LoadFile parses and validates a single definition file. On validation
// failure the returned WorkflowFile still carries the issues for reporting.
func (l *Loader) LoadFile(path string) (*WorkflowFile, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}

	issues := Validate(def)
	wf := &WorkflowFile{FilePath: path, Definition: def, Issues: issues}
	if len(issues.Errors) > 0 {
		return wf, fmt.Errorf("%w: %s", ErrValidation, issues.Summary())
	}
	return wf, nil
}

// ParseDefinition decodes a YAML (or JSON, which YAML subsumes) definition.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty workflow definition")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	def.normalize()
	return &def, nil
}
