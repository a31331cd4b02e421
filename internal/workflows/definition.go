package workflows

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType identifies what a step does and which side executes it.
type StepType string

const (
	// server-internal steps, executed inline during get_next_step
	StepStateUpdate StepType = "state_update"
	StepConditional StepType = "conditional"
	StepWhileLoop   StepType = "while_loop"
	StepForeach     StepType = "foreach"
	StepBreak       StepType = "break"
	StepContinue    StepType = "continue"

	// client-facing steps, returned to the caller for execution
	StepUserMessage     StepType = "user_message"
	StepShellCommand    StepType = "shell_command"
	StepMCPCall         StepType = "mcp_call"
	StepUserInput       StepType = "user_input"
	StepParallelForeach StepType = "parallel_foreach"
	StepAgentPrompt     StepType = "agent_prompt"
)

// ServerInternal reports whether the engine executes the step itself rather
// than returning it to the client.
func (t StepType) ServerInternal() bool {
	switch t {
	case StepStateUpdate, StepConditional, StepWhileLoop, StepForeach, StepBreak, StepContinue:
		return true
	}
	return false
}

// Known reports whether the type is part of the step vocabulary.
func (t StepType) Known() bool {
	switch t {
	case StepStateUpdate, StepConditional, StepWhileLoop, StepForeach, StepBreak, StepContinue,
		StepUserMessage, StepShellCommand, StepMCPCall, StepUserInput, StepParallelForeach, StepAgentPrompt:
		return true
	}
	return false
}

// Definition is a parsed workflow document.
type Definition struct {
	Name          string                  `json:"name" yaml:"name"`
	Version       string                  `json:"version,omitempty" yaml:"version,omitempty"`
	Description   string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs        map[string]InputSpec    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DefaultState  map[string]interface{}  `json:"default_state,omitempty" yaml:"default_state,omitempty"`
	Computed      map[string]ComputedSpec `json:"computed,omitempty" yaml:"computed,omitempty"`
	StateSchema   *StateSchema            `json:"state_schema,omitempty" yaml:"state_schema,omitempty"`
	Steps         []Step                  `json:"steps" yaml:"steps"`
	SubAgentTasks map[string]SubAgentTask `json:"sub_agent_tasks,omitempty" yaml:"sub_agent_tasks,omitempty"`
	Settings      *Settings               `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// StateSchema is the nested spelling for computed-field declarations some
// documents use. ParseDefinition lifts its entries into Computed; a name
// declared in both places keeps the top-level one.
type StateSchema struct {
	Computed map[string]ComputedSpec `json:"computed,omitempty" yaml:"computed,omitempty"`
}

// Settings holds workflow-level execution options. OnError supplies default
// error handlers keyed by step type for steps that declare none.
type Settings struct {
	TimeoutMs     int64                        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxIterations int                          `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	FanIn         *FanInSpec                   `json:"fan_in,omitempty" yaml:"fan_in,omitempty"`
	OnError       map[string]*ErrorHandlerSpec `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// InputSpec declares one workflow input.
type InputSpec struct {
	Type        string      `json:"type" yaml:"type"`
	Required    bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// ComputedSpec declares a derived field: a transform over one source path or
// a list of source paths, re-evaluated whenever a source changes.
type ComputedSpec struct {
	From      StringList `json:"from" yaml:"from"`
	Transform string     `json:"transform" yaml:"transform"`
}

// SubAgentTask is the step template parallel_foreach instantiates per item.
// Inputs is a template tree expanded per task against the parent state plus
// the task's item bindings; DefaultState seeds static task-local values.
// Both become task-scope bindings, not state tier writes.
type SubAgentTask struct {
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DefaultState map[string]interface{} `json:"default_state,omitempty" yaml:"default_state,omitempty"`
	Steps        []Step                 `json:"steps" yaml:"steps"`
	TimeoutMs    int64                  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Step is one workflow step. Exactly the fields for its type are set; the
// validator enforces per-type requirements.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Type StepType `json:"type" yaml:"type"`

	// state_update
	Updates []UpdateOp `json:"updates,omitempty" yaml:"updates,omitempty"`

	// user_message
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// agent_prompt / user_input
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// shell_command
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// mcp_call
	Tool      string                 `json:"tool,omitempty" yaml:"tool,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	// user_input response validation (JSON Schema)
	Validator map[string]interface{} `json:"validator,omitempty" yaml:"validator,omitempty"`

	// result capture for shell_command / mcp_call / user_input / agent_prompt
	StateUpdate *CaptureSpec `json:"state_update,omitempty" yaml:"state_update,omitempty"`

	// conditional
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []Step `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []Step `json:"else,omitempty" yaml:"else,omitempty"`

	// while_loop (Condition shared) / foreach bodies
	Body          []Step `json:"body,omitempty" yaml:"body,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// foreach / parallel_foreach
	Items string `json:"items,omitempty" yaml:"items,omitempty"`

	// parallel_foreach
	Task        string     `json:"task,omitempty" yaml:"task,omitempty"`
	MaxParallel int        `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	FanIn       *FanInSpec `json:"fan_in,omitempty" yaml:"fan_in,omitempty"`

	// any step
	TimeoutMs int64             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	OnError   *ErrorHandlerSpec `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// UpdateOp is one state mutation.
type UpdateOp struct {
	Path      string      `json:"path" yaml:"path"`
	Operation string      `json:"operation,omitempty" yaml:"operation,omitempty"` // set (default) | increment | append
	Value     interface{} `json:"value" yaml:"value"`
}

// CaptureSpec maps a client step's result into state. Source selects the
// result field (stdout, stderr, exit_code, result, response); the default
// picks the natural field for the step type. Transform optionally reshapes
// the captured value with `input` bound to it.
type CaptureSpec struct {
	Path      string `json:"path" yaml:"path"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// FanInSpec controls how parallel task outcomes resolve.
type FanInSpec struct {
	Policy    string  `json:"policy,omitempty" yaml:"policy,omitempty"` // fail_fast (default) | collect_all | best_effort | threshold
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// ErrorHandlerSpec configures the error strategy for a step.
type ErrorHandlerSpec struct {
	Strategy         string      `json:"strategy" yaml:"strategy"` // fail | continue | retry | fallback | circuit_breaker
	RetryCount       int         `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	BaseDelayMs      int64       `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	Multiplier       float64     `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelayMs       int64       `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	JitterFactor     *float64    `json:"jitter_factor,omitempty" yaml:"jitter_factor,omitempty"`
	RetryOn          []string    `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	SkipRetryOn      []string    `json:"skip_retry_on,omitempty" yaml:"skip_retry_on,omitempty"`
	FallbackValue    interface{} `json:"fallback_value,omitempty" yaml:"fallback_value,omitempty"`
	FailureThreshold int         `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ResetTimeoutMs   int64       `json:"reset_timeout_ms,omitempty" yaml:"reset_timeout_ms,omitempty"`
}

// StringList accepts a scalar or a sequence in YAML/JSON, normalizing to a
// slice. Computed `from` uses it so single-source fields stay terse.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", value.Line)
}

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// TotalSteps counts every step in the main tree, nested bodies included
// once. Sub-agent task templates are excluded since their multiplicity is
// unknown until fan-out.
func (d *Definition) TotalSteps() int {
	return countSteps(d.Steps)
}

func countSteps(steps []Step) int {
	total := 0
	for i := range steps {
		total++
		total += countSteps(steps[i].Then)
		total += countSteps(steps[i].Else)
		total += countSteps(steps[i].Body)
	}
	return total
}

// WalkSteps visits every step depth-first: the main tree first, then each
// sub-agent task template.
func (d *Definition) WalkSteps(visit func(*Step)) {
	walkSteps(d.Steps, visit)
	for name := range d.SubAgentTasks {
		task := d.SubAgentTasks[name]
		walkSteps(task.Steps, visit)
	}
}

func walkSteps(steps []Step, visit func(*Step)) {
	for i := range steps {
		visit(&steps[i])
		walkSteps(steps[i].Then, visit)
		walkSteps(steps[i].Else, visit)
		walkSteps(steps[i].Body, visit)
	}
}
