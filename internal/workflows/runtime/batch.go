package runtime

import (
	"time"

	"foreman/internal/workflows"
)

// StartResult is what workflow.start returns: the new instance id and its
// seeded state.
type StartResult struct {
	WorkflowID string     `json:"workflow_id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	TotalSteps int        `json:"total_steps"`
	State      *StateView `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StateView is the three-tier snapshot rendered for callers.
type StateView struct {
	Inputs   map[string]interface{} `json:"inputs"`
	State    map[string]interface{} `json:"state"`
	Computed map[string]interface{} `json:"computed"`
}

// StepBatch is what get_next_step returns: zero or more client-facing steps
// to execute plus a log of the server-internal steps completed while
// assembling the batch.
type StepBatch struct {
	WorkflowID      string           `json:"workflow_id"`
	Status          Status           `json:"status"`
	Steps           []DispatchedStep `json:"steps"`
	ServerCompleted []CompletedStep  `json:"server_completed_steps"`
	Progress        Progress         `json:"progress"`
}

// DispatchedStep is one client-facing step with its templates expanded.
// Attempt is non-zero on retry re-dispatches.
type DispatchedStep struct {
	ID         string                 `json:"id"`
	Type       workflows.StepType     `json:"type"`
	Definition map[string]interface{} `json:"definition"`
	Attempt    int                    `json:"attempt,omitempty"`
}

// CompletedStep records a server-internal step executed during batching.
type CompletedStep struct {
	ID     string                 `json:"id"`
	Type   workflows.StepType     `json:"type"`
	Result map[string]interface{} `json:"result,omitempty"`
}

// Progress counts main-tree steps. Loop passes re-count their body, so
// completed may exceed total on looping workflows.
type Progress struct {
	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
}

// SubAgentStep is one pull from a sub-agent task queue: a step to run, a
// pending marker while the task waits for a max_parallel slot, a cancelled
// marker, or done when the task finished.
type SubAgentStep struct {
	TaskID          string           `json:"task_id"`
	Status          Status           `json:"status"`
	Step            *DispatchedStep  `json:"step,omitempty"`
	ServerCompleted []CompletedStep  `json:"server_completed_steps,omitempty"`
	Pending         bool             `json:"pending,omitempty"`
	Cancelled       bool             `json:"cancelled,omitempty"`
	Done            bool             `json:"done,omitempty"`
	Error           *workflows.Error `json:"error,omitempty"`
}

// SubmitAck acknowledges a submitted step result. Applied reports whether a
// state capture was committed.
type SubmitAck struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	TaskID     string `json:"task_id,omitempty"`
	Applied    bool   `json:"applied"`
	Status     Status `json:"status"`
}

// TaskReport summarises one sub-agent task for status queries.
type TaskReport struct {
	TaskID string           `json:"task_id"`
	Index  int              `json:"index"`
	Item   interface{}      `json:"item"`
	Status Status           `json:"status"`
	Error  *workflows.Error `json:"error,omitempty"`
}

// StatusReport is the workflow.status view.
type StatusReport struct {
	WorkflowID string           `json:"workflow_id"`
	Name       string           `json:"name"`
	Status     Status           `json:"status"`
	Progress   Progress         `json:"progress"`
	State      *StateView       `json:"state"`
	Tasks      []TaskReport     `json:"tasks,omitempty"`
	LastError  *workflows.Error `json:"last_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Summary is the workflow.list view of one instance.
type Summary struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Progress   Progress  `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// definitionPayload renders the client-visible fields of an expanded step.
func definitionPayload(step *workflows.Step) map[string]interface{} {
	payload := make(map[string]interface{})
	switch step.Type {
	case workflows.StepUserMessage:
		payload["message"] = step.Message
	case workflows.StepAgentPrompt:
		payload["prompt"] = step.Prompt
	case workflows.StepUserInput:
		payload["prompt"] = step.Prompt
		if step.Validator != nil {
			payload["validator"] = step.Validator
		}
	case workflows.StepShellCommand:
		payload["command"] = step.Command
	case workflows.StepMCPCall:
		payload["tool"] = step.Tool
		payload["arguments"] = step.Arguments
	case workflows.StepParallelForeach:
		payload["task"] = step.Task
		payload["max_parallel"] = step.MaxParallel
		if step.FanIn != nil {
			payload["fan_in"] = map[string]interface{}{
				"policy":    step.FanIn.Policy,
				"threshold": step.FanIn.Threshold,
			}
		}
	}
	if step.StateUpdate != nil {
		capture := map[string]interface{}{"path": step.StateUpdate.Path}
		if step.StateUpdate.Source != "" {
			capture["source"] = step.StateUpdate.Source
		}
		payload["state_update"] = capture
	}
	if step.TimeoutMs > 0 {
		payload["timeout_ms"] = step.TimeoutMs
	}
	return payload
}

func dispatchRecord(step *workflows.Step, attempt int) DispatchedStep {
	return DispatchedStep{
		ID:         step.ID,
		Type:       step.Type,
		Definition: definitionPayload(step),
		Attempt:    attempt,
	}
}

func stateView(inputs, st, computed map[string]interface{}) *StateView {
	return &StateView{Inputs: inputs, State: st, Computed: computed}
}
