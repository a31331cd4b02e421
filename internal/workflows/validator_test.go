package workflows

import (
	"testing"
)

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition error: %v", err)
	}
	return def
}

func hasIssue(issues []ValidationIssue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsCompleteDefinition(t *testing.T) {
	def := mustParse(t, `
name: deploy
version: "1.0"
inputs:
  env: {type: string, required: true}
  replicas: {type: number, default: 2}
default_state:
  counter: 0
computed:
  doubled: {from: state.counter, transform: "input * 2"}
steps:
  - id: s1
    type: state_update
    updates:
      - {path: state.counter, operation: set, value: 5}
  - id: s2
    type: user_message
    message: "counter is {{state.counter}}"
  - id: s3
    type: shell_command
    command: "echo {{inputs.env}}"
    state_update: {path: state.out, source: stdout}
    on_error: {strategy: retry, retry_count: 3, base_delay_ms: 100, multiplier: 2}
  - id: s4
    type: parallel_foreach
    items: "{{state.files}}"
    task: worker
    max_parallel: 2
    fan_in: {policy: best_effort}
sub_agent_tasks:
  worker:
    steps:
      - id: w1
        type: user_message
        message: "processing {{task.item}}"
`)

	result := Validate(def)
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %+v", result.Errors)
	}
}

func TestValidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantCode string
	}{
		{
			"missing name",
			"steps: [{id: s1, type: user_message, message: hi}]",
			"MISSING_NAME",
		},
		{
			"no steps",
			"name: x",
			"MISSING_STEPS",
		},
		{
			"missing step id",
			"name: x\nsteps: [{type: user_message, message: hi}]",
			"MISSING_STEP_ID",
		},
		{
			"duplicate step id",
			"name: x\nsteps: [{id: a, type: user_message, message: hi}, {id: a, type: user_message, message: hi}]",
			"DUPLICATE_STEP_ID",
		},
		{
			"unknown step type",
			"name: x\nsteps: [{id: a, type: teleport}]",
			"UNKNOWN_STEP_TYPE",
		},
		{
			"state_update without updates",
			"name: x\nsteps: [{id: a, type: state_update}]",
			"MISSING_UPDATES",
		},
		{
			"bad update operation",
			"name: x\nsteps: [{id: a, type: state_update, updates: [{path: state.c, operation: multiply, value: 2}]}]",
			"INVALID_UPDATE_OPERATION",
		},
		{
			"conditional without condition",
			"name: x\nsteps: [{id: a, type: conditional, then: [{id: b, type: user_message, message: hi}]}]",
			"MISSING_CONDITION",
		},
		{
			"conditional with bad condition",
			"name: x\nsteps: [{id: a, type: conditional, condition: 'state.x >', then: [{id: b, type: user_message, message: hi}]}]",
			"INVALID_CONDITION",
		},
		{
			"while without body",
			"name: x\nsteps: [{id: a, type: while_loop, condition: 'true'}]",
			"MISSING_BODY",
		},
		{
			"foreach without items",
			"name: x\nsteps: [{id: a, type: foreach, body: [{id: b, type: user_message, message: hi}]}]",
			"MISSING_ITEMS",
		},
		{
			"parallel_foreach unknown task",
			"name: x\nsteps: [{id: a, type: parallel_foreach, items: '{{state.xs}}', task: ghost}]",
			"UNKNOWN_TASK",
		},
		{
			"bad fan-in policy",
			"name: x\nsteps: [{id: a, type: parallel_foreach, items: '{{state.xs}}', task: w, fan_in: {policy: quorum}}]\nsub_agent_tasks: {w: {steps: [{id: b, type: user_message, message: hi}]}}",
			"INVALID_FAN_IN_POLICY",
		},
		{
			"threshold out of range",
			"name: x\nsteps: [{id: a, type: parallel_foreach, items: '{{state.xs}}', task: w, fan_in: {policy: threshold, threshold: 1.5}}]\nsub_agent_tasks: {w: {steps: [{id: b, type: user_message, message: hi}]}}",
			"INVALID_THRESHOLD",
		},
		{
			"bad error strategy",
			"name: x\nsteps: [{id: a, type: shell_command, command: ls, on_error: {strategy: explode}}]",
			"INVALID_STRATEGY",
		},
		{
			"circuit breaker without threshold",
			"name: x\nsteps: [{id: a, type: shell_command, command: ls, on_error: {strategy: circuit_breaker}}]",
			"INVALID_FAILURE_THRESHOLD",
		},
		{
			"bad capture source",
			"name: x\nsteps: [{id: a, type: shell_command, command: ls, state_update: {path: state.out, source: rc}}]",
			"INVALID_CAPTURE_SOURCE",
		},
		{
			"bad input type",
			"name: x\ninputs: {env: {type: text}}\nsteps: [{id: a, type: user_message, message: hi}]",
			"INVALID_INPUT_TYPE",
		},
		{
			"bad computed transform",
			"name: x\ncomputed: {d: {from: state.c, transform: 'input *'}}\nsteps: [{id: a, type: user_message, message: hi}]",
			"INVALID_TRANSFORM",
		},
		{
			"bad user_input validator",
			"name: x\nsteps: [{id: a, type: user_input, prompt: 'pick', validator: {type: 77}}]",
			"INVALID_VALIDATOR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := mustParse(t, tt.doc)
			result := Validate(def)
			if !hasIssue(result.Errors, tt.wantCode) {
				t.Errorf("expected %s error, got %+v", tt.wantCode, result.Errors)
			}
		})
	}
}

func TestValidateComputedCycle(t *testing.T) {
	def := mustParse(t, `
name: x
computed:
  a: {from: computed.b, transform: "input"}
  b: {from: computed.a, transform: "input"}
steps:
  - {id: s1, type: user_message, message: hi}
`)

	result := Validate(def)
	if !hasIssue(result.Errors, "COMPUTED_CYCLE") {
		t.Fatalf("expected COMPUTED_CYCLE, got %+v", result.Errors)
	}
}

func TestValidateComputedChainIsNotACycle(t *testing.T) {
	def := mustParse(t, `
name: x
computed:
  a: {from: state.c, transform: "input * 2"}
  b: {from: computed.a, transform: "input + 1"}
  c: {from: [computed.a, computed.b], transform: "input[0] + input[1]"}
steps:
  - {id: s1, type: user_message, message: hi}
`)

	result := Validate(def)
	if hasIssue(result.Errors, "COMPUTED_CYCLE") {
		t.Fatalf("chain flagged as cycle: %+v", result.Errors)
	}
}

func TestValidateBreakOutsideLoopWarns(t *testing.T) {
	def := mustParse(t, `
name: x
steps:
  - {id: s1, type: break}
`)

	result := Validate(def)
	if len(result.Errors) != 0 {
		t.Fatalf("break placement must not be a load error, got %+v", result.Errors)
	}
	if !hasIssue(result.Warnings, "OUTSIDE_LOOP") {
		t.Fatalf("expected OUTSIDE_LOOP warning, got %+v", result.Warnings)
	}
}

func TestValidateBreakInsideConditionalInLoop(t *testing.T) {
	def := mustParse(t, `
name: x
steps:
  - id: loop
    type: while_loop
    condition: "state.counter < 10"
    body:
      - id: check
        type: conditional
        condition: "state.counter == 3"
        then:
          - {id: stop, type: break}
`)

	result := Validate(def)
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %+v", result.Errors)
	}
	if hasIssue(result.Warnings, "OUTSIDE_LOOP") {
		t.Fatalf("break inside loop wrongly warned: %+v", result.Warnings)
	}
}
