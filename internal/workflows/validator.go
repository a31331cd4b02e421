package workflows

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"foreman/internal/workflows/expr"
)

// ValidationIssue is a structured validation error or warning, shaped for
// agent-friendly authoring feedback.
type ValidationIssue struct {
	Code     string      `json:"code"`
	Path     string      `json:"path"`
	Message  string      `json:"message"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Hint     string      `json:"hint,omitempty"`
}

// ValidationResult aggregates validation errors and warnings.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

func (r *ValidationResult) errorf(code, path, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warnf(code, path, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Summary renders a compact one-line digest of the errors.
func (r *ValidationResult) Summary() string {
	if len(r.Errors) == 0 {
		return "ok"
	}
	parts := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s at %s", issue.Code, issue.Path))
	}
	return strings.Join(parts, "; ")
}

var validInputTypes = map[string]bool{
	"string": true, "number": true, "boolean": true, "list": true, "object": true,
}

var validStrategies = map[string]bool{
	"fail": true, "continue": true, "retry": true, "fallback": true, "circuit_breaker": true,
}

var validFanInPolicies = map[string]bool{
	"fail_fast": true, "collect_all": true, "best_effort": true, "threshold": true,
}

var validCaptureSources = map[string]bool{
	"stdout": true, "stderr": true, "exit_code": true, "result": true, "response": true, "": true,
}

// Validate checks a parsed definition: step structure, per-type required
// fields, expression syntax, capture targets, fan-in wiring, and the
// computed dependency graph. A definition with errors must be rejected.
func Validate(def *Definition) ValidationResult {
	var result ValidationResult

	if def.Name == "" {
		result.errorf("MISSING_NAME", "/name", "workflow must declare a name")
	}
	if len(def.Steps) == 0 {
		result.errorf("MISSING_STEPS", "/steps", "at least one step is required")
	}

	for name, spec := range def.Inputs {
		path := "/inputs/" + name
		if !validInputTypes[spec.Type] {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:     "INVALID_INPUT_TYPE",
				Path:     path,
				Message:  fmt.Sprintf("input type %q is not supported", spec.Type),
				Expected: "string, number, boolean, list or object",
				Actual:   spec.Type,
			})
		}
		if spec.Required && spec.Default != nil {
			result.warnf("REDUNDANT_DEFAULT", path, "default value on a required input is never used")
		}
	}

	validateComputed(def, &result)

	seenIDs := make(map[string]string)
	validateSteps(def, def.Steps, "/steps", false, false, seenIDs, &result)
	for name, task := range def.SubAgentTasks {
		path := "/sub_agent_tasks/" + name
		if len(task.Steps) == 0 {
			result.errorf("MISSING_STEPS", path+"/steps", "sub-agent task %q has no steps", name)
		}
		validateSteps(def, task.Steps, path+"/steps", false, true, seenIDs, &result)
	}

	if def.Settings != nil {
		if def.Settings.FanIn != nil {
			validateFanIn(def.Settings.FanIn, "/workflow/fan_in", &result)
		}
		for stepType, handler := range def.Settings.OnError {
			path := "/workflow/on_error/" + stepType
			if !StepType(stepType).Known() {
				result.errorf("UNKNOWN_STEP_TYPE", path, "on_error default names unknown step type %q", stepType)
			}
			if handler != nil {
				validateErrorHandler(handler, path, &result)
			}
		}
	}

	return result
}

func validateSteps(def *Definition, steps []Step, pathPrefix string, inLoop, inTask bool, seenIDs map[string]string, result *ValidationResult) {
	for i := range steps {
		step := &steps[i]
		path := fmt.Sprintf("%s/%d", pathPrefix, i)

		if step.ID == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "MISSING_STEP_ID",
				Path:    path,
				Message: "every step must have an id",
				Hint:    "Set 'id' on each step so results can be reported against it.",
			})
		} else if prev, exists := seenIDs[step.ID]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "DUPLICATE_STEP_ID",
				Path:    path,
				Message: fmt.Sprintf("step id %q is already used at %s", step.ID, prev),
				Actual:  step.ID,
			})
		} else {
			seenIDs[step.ID] = path
		}

		if !step.Type.Known() {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_STEP_TYPE",
				Path:    path + "/type",
				Message: fmt.Sprintf("unknown step type %q", step.Type),
				Actual:  string(step.Type),
			})
			continue
		}

		validateStepFields(def, step, path, inLoop, inTask, result)

		validateSteps(def, step.Then, path+"/then", inLoop, inTask, seenIDs, result)
		validateSteps(def, step.Else, path+"/else", inLoop, inTask, seenIDs, result)
		bodyInLoop := inLoop || step.Type == StepWhileLoop || step.Type == StepForeach
		validateSteps(def, step.Body, path+"/body", bodyInLoop, inTask, seenIDs, result)
	}
}

func validateStepFields(def *Definition, step *Step, path string, inLoop, inTask bool, result *ValidationResult) {
	switch step.Type {
	case StepStateUpdate:
		if len(step.Updates) == 0 {
			result.errorf("MISSING_UPDATES", path+"/updates", "state_update requires at least one update")
		}
		for j, op := range step.Updates {
			opPath := fmt.Sprintf("%s/updates/%d", path, j)
			if op.Path == "" {
				result.errorf("MISSING_UPDATE_PATH", opPath, "update path is required")
			}
			switch op.Operation {
			case "", "set", "increment", "append":
			default:
				result.Errors = append(result.Errors, ValidationIssue{
					Code:     "INVALID_UPDATE_OPERATION",
					Path:     opPath + "/operation",
					Message:  fmt.Sprintf("unknown update operation %q", op.Operation),
					Expected: "set, increment or append",
					Actual:   op.Operation,
				})
			}
		}

	case StepUserMessage:
		if step.Message == "" {
			result.errorf("MISSING_MESSAGE", path+"/message", "user_message requires a message")
		}

	case StepAgentPrompt:
		if step.Prompt == "" {
			result.errorf("MISSING_PROMPT", path+"/prompt", "agent_prompt requires a prompt")
		}

	case StepUserInput:
		if step.Prompt == "" {
			result.errorf("MISSING_PROMPT", path+"/prompt", "user_input requires a prompt")
		}
		if step.Validator != nil {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(step.Validator)); err != nil {
				result.errorf("INVALID_VALIDATOR", path+"/validator", "validator is not a valid JSON schema: %v", err)
			}
		}

	case StepShellCommand:
		if step.Command == "" {
			result.errorf("MISSING_COMMAND", path+"/command", "shell_command requires a command")
		}

	case StepMCPCall:
		if step.Tool == "" {
			result.errorf("MISSING_TOOL", path+"/tool", "mcp_call requires a tool")
		}

	case StepConditional:
		validateCondition(step.Condition, path+"/condition", "conditional", result)
		if len(step.Then) == 0 {
			result.errorf("MISSING_BRANCH", path+"/then", "conditional requires a then branch")
		}

	case StepWhileLoop:
		validateCondition(step.Condition, path+"/condition", "while_loop", result)
		if len(step.Body) == 0 {
			result.errorf("MISSING_BODY", path+"/body", "while_loop requires a body")
		}
		if step.MaxIterations < 0 {
			result.errorf("INVALID_MAX_ITERATIONS", path+"/max_iterations", "max_iterations must not be negative")
		}

	case StepForeach:
		if step.Items == "" {
			result.errorf("MISSING_ITEMS", path+"/items", "foreach requires items")
		}
		if len(step.Body) == 0 {
			result.errorf("MISSING_BODY", path+"/body", "foreach requires a body")
		}

	case StepParallelForeach:
		if inTask {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "NESTED_PARALLEL",
				Path:    path,
				Message: "parallel_foreach cannot appear inside a sub-agent task",
				Hint:    "Fan out only from the main step list; tasks run a flat sequence.",
			})
		}
		if step.Items == "" {
			result.errorf("MISSING_ITEMS", path+"/items", "parallel_foreach requires items")
		}
		if step.Task == "" {
			result.errorf("MISSING_TASK", path+"/task", "parallel_foreach requires a sub-agent task reference")
		} else if _, ok := def.SubAgentTasks[step.Task]; !ok {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    "UNKNOWN_TASK",
				Path:    path + "/task",
				Message: fmt.Sprintf("sub-agent task %q is not defined", step.Task),
				Actual:  step.Task,
				Hint:    "Declare the task under 'sub_agent_tasks'.",
			})
		}
		if step.MaxParallel < 0 {
			result.errorf("INVALID_MAX_PARALLEL", path+"/max_parallel", "max_parallel must not be negative")
		}
		if step.FanIn != nil {
			validateFanIn(step.FanIn, path+"/fan_in", result)
		}

	case StepBreak, StepContinue:
		// placement is checked at runtime since reachability depends on
		// conditionals, but a statically loop-free position is authoring
		// error enough to flag
		if !inLoop {
			result.warnf("OUTSIDE_LOOP", path, "%s outside any loop will fail at runtime", step.Type)
		}
	}

	if step.StateUpdate != nil {
		capPath := path + "/state_update"
		if step.StateUpdate.Path == "" {
			result.errorf("MISSING_CAPTURE_PATH", capPath+"/path", "state_update capture requires a path")
		}
		if !validCaptureSources[step.StateUpdate.Source] {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:     "INVALID_CAPTURE_SOURCE",
				Path:     capPath + "/source",
				Message:  fmt.Sprintf("unknown capture source %q", step.StateUpdate.Source),
				Expected: "stdout, stderr, exit_code, result or response",
				Actual:   step.StateUpdate.Source,
			})
		}
		if step.StateUpdate.Transform != "" {
			if _, err := expr.Parse(step.StateUpdate.Transform); err != nil {
				result.errorf("INVALID_TRANSFORM", capPath+"/transform", "transform does not parse: %v", err)
			}
		}
	}

	if step.OnError != nil {
		validateErrorHandler(step.OnError, path+"/on_error", result)
	}
	if step.TimeoutMs < 0 {
		result.errorf("INVALID_TIMEOUT", path+"/timeout_ms", "timeout_ms must not be negative")
	}
}

func validateCondition(condition, path, stepType string, result *ValidationResult) {
	if condition == "" {
		result.errorf("MISSING_CONDITION", path, "%s requires a condition", stepType)
		return
	}
	if _, err := expr.Parse(condition); err != nil {
		result.errorf("INVALID_CONDITION", path, "condition does not parse: %v", err)
	}
}

func validateFanIn(spec *FanInSpec, path string, result *ValidationResult) {
	if spec.Policy != "" && !validFanInPolicies[spec.Policy] {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:     "INVALID_FAN_IN_POLICY",
			Path:     path + "/policy",
			Message:  fmt.Sprintf("unknown fan-in policy %q", spec.Policy),
			Expected: "fail_fast, collect_all, best_effort or threshold",
			Actual:   spec.Policy,
		})
	}
	if spec.Policy == "threshold" && (spec.Threshold <= 0 || spec.Threshold > 1) {
		result.errorf("INVALID_THRESHOLD", path+"/threshold", "threshold must be in (0, 1], got %v", spec.Threshold)
	}
}

func validateErrorHandler(spec *ErrorHandlerSpec, path string, result *ValidationResult) {
	if !validStrategies[spec.Strategy] {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:     "INVALID_STRATEGY",
			Path:     path + "/strategy",
			Message:  fmt.Sprintf("unknown error strategy %q", spec.Strategy),
			Expected: "fail, continue, retry, fallback or circuit_breaker",
			Actual:   spec.Strategy,
		})
	}
	if spec.RetryCount < 0 {
		result.errorf("INVALID_RETRY_COUNT", path+"/retry_count", "retry_count must not be negative")
	}
	if spec.Multiplier < 0 {
		result.errorf("INVALID_MULTIPLIER", path+"/multiplier", "multiplier must not be negative")
	}
	if spec.JitterFactor != nil && (*spec.JitterFactor < 0 || *spec.JitterFactor > 1) {
		result.errorf("INVALID_JITTER", path+"/jitter_factor", "jitter_factor must be in [0, 1]")
	}
	if spec.Strategy == "circuit_breaker" && spec.FailureThreshold <= 0 {
		result.errorf("INVALID_FAILURE_THRESHOLD", path+"/failure_threshold", "circuit_breaker requires failure_threshold > 0")
	}
}

// validateComputed checks transforms parse and the dependency graph is
// acyclic. Cycles are fatal at load time rather than detected lazily during
// re-evaluation.
func validateComputed(def *Definition, result *ValidationResult) {
	for name, spec := range def.Computed {
		path := "/computed/" + name
		if len(spec.From) == 0 {
			result.errorf("MISSING_SOURCES", path+"/from", "computed field requires at least one source path")
		}
		if spec.Transform == "" {
			result.errorf("MISSING_TRANSFORM", path+"/transform", "computed field requires a transform")
		} else if _, err := expr.Parse(spec.Transform); err != nil {
			result.errorf("INVALID_TRANSFORM", path+"/transform", "transform does not parse: %v", err)
		}
	}

	if cycle := computedCycle(def.Computed); len(cycle) > 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    "COMPUTED_CYCLE",
			Path:    "/computed/" + cycle[0],
			Message: fmt.Sprintf("computed fields form a dependency cycle: %s", strings.Join(cycle, " -> ")),
			Hint:    "Break the cycle so every computed field derives from state, inputs, or earlier computed fields.",
		})
	}
}

// computedCycle runs a three-color DFS over computed-to-computed edges and
// returns the first cycle found, or nil.
func computedCycle(computed map[string]ComputedSpec) []string {
	deps := make(map[string][]string, len(computed))
	for name, spec := range computed {
		for _, src := range spec.From {
			dep := src
			if strings.HasPrefix(src, "computed.") {
				dep = strings.TrimPrefix(src, "computed.")
			} else if strings.Contains(src, ".") {
				continue // state.* or inputs.* source
			}
			if i := strings.IndexByte(dep, '.'); i >= 0 {
				dep = dep[:i]
			}
			if _, ok := computed[dep]; ok {
				deps[name] = append(deps[name], dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(computed))
	var cycle []string

	var visit func(name string, trail []string) bool
	visit = func(name string, trail []string) bool {
		color[name] = gray
		trail = append(trail, name)
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				for i, n := range trail {
					if n == dep {
						cycle = append(append([]string{}, trail[i:]...), dep)
						return true
					}
				}
				cycle = append(append([]string{}, trail...), dep)
				return true
			case white:
				if visit(dep, trail) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	names := make([]string, 0, len(computed))
	for name := range computed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if visit(name, nil) {
				return cycle
			}
		}
	}
	return nil
}
