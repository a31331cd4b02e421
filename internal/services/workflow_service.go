package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"foreman/internal/logging"
	"foreman/internal/workflows"
	"foreman/internal/workflows/runtime"
)

// ErrDefinitionNotFound reports a start request naming a workflow that was
// never registered.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// WorkflowService fronts the execution engine with a named definition
// registry. Definitions come from the workflows directory at startup or are
// registered programmatically; instances are driven through the engine.
type WorkflowService struct {
	engine *runtime.Engine

	mu          sync.RWMutex
	definitions map[string]*registeredDefinition
}

type registeredDefinition struct {
	def      *workflows.Definition
	filePath string
	loadedAt time.Time
}

// DefinitionSummary describes one registered workflow definition.
type DefinitionSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	TotalSteps  int    `json:"total_steps"`
	FilePath    string `json:"file_path,omitempty"`
}

// ErrorHistoryReport packages recent error records with aggregates.
type ErrorHistoryReport struct {
	Records       []runtime.ErrorRecord           `json:"records"`
	Summary       runtime.ErrorSummary            `json:"summary"`
	Patterns      []runtime.ErrorPattern          `json:"patterns,omitempty"`
	RecoveryStats map[string]runtime.RecoveryStat `json:"recovery_stats,omitempty"`
}

func NewWorkflowService(engine *runtime.Engine) *WorkflowService {
	return &WorkflowService{
		engine:      engine,
		definitions: make(map[string]*registeredDefinition),
	}
}

// LoadDirectory scans dir for *.yaml / *.yml definitions and registers every
// valid one. Files that fail to parse or validate are reported in the result
// without blocking the rest.
func (s *WorkflowService) LoadDirectory(fs afero.Fs, dir string) (*workflows.LoadResult, error) {
	result, err := workflows.NewLoader(fs, dir).LoadAll()
	if err != nil {
		return nil, err
	}

	for _, wf := range result.Workflows {
		s.register(wf.Definition, wf.FilePath)
		logging.Info("Loaded workflow %q from %s (%d steps)",
			wf.Definition.Name, wf.FilePath, wf.Definition.TotalSteps())
	}
	for _, loadErr := range result.Errors {
		logging.Error("Skipped workflow file %s: %v", loadErr.FilePath, loadErr.Error)
	}

	return result, nil
}

// Register validates def and adds it under its name, replacing any previous
// registration.
func (s *WorkflowService) Register(def *workflows.Definition) error {
	validation := workflows.Validate(def)
	if len(validation.Errors) > 0 {
		return fmt.Errorf("%w: %s", workflows.ErrValidation, validation.Summary())
	}
	s.register(def, "")
	return nil
}

func (s *WorkflowService) register(def *workflows.Definition, filePath string) {
	s.mu.Lock()
	s.definitions[def.Name] = &registeredDefinition{
		def:      def,
		filePath: filePath,
		loadedAt: time.Now(),
	}
	s.mu.Unlock()
}

// ValidateDefinition parses and validates a raw YAML or JSON document. Parse
// failures surface as a PARSE_ERROR issue so callers always get a structured
// issue list; the error is ErrValidation whenever issues block registration.
func (s *WorkflowService) ValidateDefinition(data []byte) (*workflows.Definition, workflows.ValidationResult, error) {
	def, err := workflows.ParseDefinition(data)
	if err != nil {
		validation := workflows.ValidationResult{
			Errors: []workflows.ValidationIssue{{
				Code:    "PARSE_ERROR",
				Path:    "/",
				Message: err.Error(),
			}},
		}
		return nil, validation, workflows.ErrValidation
	}

	validation := workflows.Validate(def)
	if len(validation.Errors) > 0 {
		return def, validation, workflows.ErrValidation
	}
	return def, validation, nil
}

// Definition returns the registered definition by name.
func (s *WorkflowService) Definition(name string) (*workflows.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.definitions[name]
	if !ok {
		return nil, false
	}
	return reg.def, true
}

// ListDefinitions returns summaries of all registered definitions, sorted by
// name.
func (s *WorkflowService) ListDefinitions() []DefinitionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DefinitionSummary, 0, len(s.definitions))
	for _, reg := range s.definitions {
		out = append(out, DefinitionSummary{
			Name:        reg.def.Name,
			Version:     reg.def.Version,
			Description: reg.def.Description,
			TotalSteps:  reg.def.TotalSteps(),
			FilePath:    reg.filePath,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartWorkflow creates a new instance of the named definition.
func (s *WorkflowService) StartWorkflow(ctx context.Context, name string, inputs map[string]interface{}) (*runtime.StartResult, error) {
	s.mu.RLock()
	reg, ok := s.definitions[name]
	s.mu.RUnlock()
	if !ok {
		return nil, workflows.WrapError(workflows.ErrCodeNotFound, ErrDefinitionNotFound,
			"workflow definition %q not registered", name)
	}
	return s.engine.StartWorkflow(ctx, reg.def, inputs)
}

// GetNextStep returns the next batch of client steps for an instance.
func (s *WorkflowService) GetNextStep(ctx context.Context, workflowID string) (*runtime.StepBatch, error) {
	return s.engine.GetNextStep(ctx, workflowID)
}

// GetNextSubAgentStep returns the next step for one parallel task.
func (s *WorkflowService) GetNextSubAgentStep(ctx context.Context, workflowID, taskID string) (*runtime.SubAgentStep, error) {
	return s.engine.GetNextSubAgentStep(ctx, workflowID, taskID)
}

// SubmitStepResult reports a client step outcome back to the engine.
func (s *WorkflowService) SubmitStepResult(ctx context.Context, workflowID, taskID, stepID string, result map[string]interface{}) (*runtime.SubmitAck, error) {
	return s.engine.SubmitStepResult(ctx, workflowID, taskID, stepID, result)
}

// Status reports one instance's progress and state snapshot.
func (s *WorkflowService) Status(workflowID string) (*runtime.StatusReport, error) {
	return s.engine.Status(workflowID)
}

// ListInstances returns summaries of active and recently finished instances.
func (s *WorkflowService) ListInstances() []runtime.Summary {
	return s.engine.List()
}

// Cancel terminates a running instance.
func (s *WorkflowService) Cancel(workflowID, reason string) (runtime.Status, error) {
	return s.engine.Cancel(workflowID, reason)
}

// ErrorHistory collects recent error records plus aggregates for one
// workflow, or across all workflows when workflowID is empty.
func (s *WorkflowService) ErrorHistory(workflowID string, limit int) ErrorHistoryReport {
	tracker := s.engine.Errors()
	report := ErrorHistoryReport{
		Summary:       tracker.Summary(workflowID),
		RecoveryStats: tracker.RecoveryStats(),
	}
	if workflowID == "" {
		report.Records = tracker.GlobalHistory(limit)
	} else {
		report.Records = tracker.History(workflowID, limit)
		report.Patterns = tracker.Patterns(workflowID, time.Now())
	}
	if report.Records == nil {
		report.Records = []runtime.ErrorRecord{}
	}
	return report
}

// ExportErrorHistory renders retained records as JSON or CSV. Returns the
// payload and its content type.
func (s *WorkflowService) ExportErrorHistory(workflowID, format string) ([]byte, string, error) {
	switch format {
	case "csv":
		data, err := s.engine.Errors().ExportCSV(workflowID)
		return data, "text/csv", err
	case "", "json":
		data, err := s.engine.Errors().ExportJSON(workflowID)
		return data, "application/json", err
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}
