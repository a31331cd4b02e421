package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"foreman/internal/workflows"
)

func parseDef(t *testing.T, doc string) *workflows.Definition {
	t.Helper()
	def, err := workflows.ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if result := workflows.Validate(def); len(result.Errors) > 0 {
		t.Fatalf("definition invalid: %s", result.Summary())
	}
	return def
}

func startWorkflow(t *testing.T, e *Engine, doc string, inputs map[string]interface{}) string {
	t.Helper()
	res, err := e.StartWorkflow(context.Background(), parseDef(t, doc), inputs)
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	return res.WorkflowID
}

func nextBatch(t *testing.T, e *Engine, id string) *StepBatch {
	t.Helper()
	batch, err := e.GetNextStep(context.Background(), id)
	if err != nil {
		t.Fatalf("get next step: %v", err)
	}
	return batch
}

func submit(t *testing.T, e *Engine, id, stepID string, result map[string]interface{}) *SubmitAck {
	t.Helper()
	ack, err := e.SubmitStepResult(context.Background(), id, "", stepID, result)
	if err != nil {
		t.Fatalf("submit %s: %v", stepID, err)
	}
	return ack
}

func batchStepIDs(batch *StepBatch) []string {
	ids := make([]string, len(batch.Steps))
	for i, s := range batch.Steps {
		ids[i] = s.ID
	}
	return ids
}

func completedIDs(batch *StepBatch) []string {
	ids := make([]string, len(batch.ServerCompleted))
	for i, s := range batch.ServerCompleted {
		ids[i] = s.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartWorkflow_SeedsStateTiers(t *testing.T) {
	doc := `
name: seeded
inputs:
  region:
    type: string
    required: true
  limit:
    type: number
    default: 10
default_state:
  attempts: 0
computed:
  shouted:
    from: inputs.region
    transform: "input + '!'"
steps:
  - id: hello
    type: user_message
    message: "hi"
`
	e := NewEngine(Options{})
	res, err := e.StartWorkflow(context.Background(), parseDef(t, doc), map[string]interface{}{"region": "eu"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if res.Status != StatusRunning {
		t.Errorf("status = %v, want running", res.Status)
	}
	if res.TotalSteps != 1 {
		t.Errorf("total steps = %d, want 1", res.TotalSteps)
	}
	if got := res.State.Inputs["region"]; got != "eu" {
		t.Errorf("inputs.region = %v, want eu", got)
	}
	if got := res.State.Inputs["limit"]; got != float64(10) {
		t.Errorf("inputs.limit = %v, want 10 (default applied)", got)
	}
	if got := res.State.State["attempts"]; got != float64(0) {
		t.Errorf("state.attempts = %v, want 0", got)
	}
	if got := res.State.Computed["shouted"]; got != "eu!" {
		t.Errorf("computed.shouted = %v, want eu!", got)
	}
}

func TestStartWorkflow_RejectsInvalidInputs(t *testing.T) {
	doc := `
name: strict
inputs:
  count:
    type: number
    required: true
steps:
  - id: hello
    type: user_message
    message: "hi"
`
	e := NewEngine(Options{})
	def := parseDef(t, doc)

	tests := []struct {
		name   string
		inputs map[string]interface{}
	}{
		{"missing required", nil},
		{"wrong type", map[string]interface{}{"count": "three"}},
		{"unknown key", map[string]interface{}{"count": 3, "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.StartWorkflow(context.Background(), def, tt.inputs)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if workflows.CodeOf(err) != workflows.ErrCodeInvalidInput {
				t.Errorf("code = %v, want INVALID_INPUT", workflows.CodeOf(err))
			}
		})
	}
}

func TestGetNextStep_RunsServerInternalInline(t *testing.T) {
	doc := `
name: counter
default_state:
  counter: 0
steps:
  - id: init
    type: state_update
    updates:
      - path: state.counter
        value: 0
  - id: loop
    type: while_loop
    condition: "counter < 10"
    body:
      - id: bump
        type: state_update
        updates:
          - path: state.counter
            operation: increment
            value: 1
      - id: check
        type: conditional
        condition: "counter >= 3"
        then:
          - id: stop
            type: break
  - id: done
    type: user_message
    message: "counter={{counter}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	wantCompleted := []string{"init", "loop", "bump", "check", "bump", "check", "bump", "check", "stop"}
	if got := completedIDs(batch); !equalStrings(got, wantCompleted) {
		t.Errorf("server completed = %v, want %v", got, wantCompleted)
	}
	if got := batchStepIDs(batch); !equalStrings(got, []string{"done"}) {
		t.Fatalf("steps = %v, want [done]", got)
	}
	if msg := batch.Steps[0].Definition["message"]; msg != "counter=3" {
		t.Errorf("message = %v, want counter=3", msg)
	}
	if batch.Status != StatusRunning {
		t.Errorf("status = %v, want running", batch.Status)
	}

	submit(t, e, id, "done", map[string]interface{}{})
	final := nextBatch(t, e, id)
	if final.Status != StatusCompleted {
		t.Errorf("final status = %v, want completed", final.Status)
	}
	if len(final.Steps) != 0 {
		t.Errorf("final batch steps = %v, want none", batchStepIDs(final))
	}
}

func TestWhileLoop_MaxIterationsBound(t *testing.T) {
	doc := `
name: unbounded
default_state:
  counter: 0
steps:
  - id: loop
    type: while_loop
    condition: "true"
    max_iterations: 3
    body:
      - id: bump
        type: state_update
        updates:
          - path: state.counter
            operation: increment
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	_, err := e.GetNextStep(context.Background(), id)
	if workflows.CodeOf(err) != workflows.ErrCodeMaxIterations {
		t.Fatalf("poll = %v, want MAX_ITERATIONS_EXCEEDED", err)
	}
	report, _ := e.Status(id)
	if report.Status != StatusFailed {
		t.Errorf("status = %v, want failed", report.Status)
	}
	if got := report.State.State["counter"]; got != float64(3) {
		t.Errorf("counter = %v, want 3: the body runs exactly max_iterations times", got)
	}
}

func TestForeach_EmptySequenceSkipsBody(t *testing.T) {
	doc := `
name: nothing-to-scan
default_state:
  entries: []
steps:
  - id: scan
    type: foreach
    items: "{{state.entries}}"
    body:
      - id: mark
        type: state_update
        updates:
          - path: state.touched
            value: true
  - id: bye
    type: user_message
    message: "scanned {{entries.length}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if got := completedIDs(batch); !equalStrings(got, []string{"scan"}) {
		t.Errorf("server completed = %v, want [scan] only: the body never runs", got)
	}
	if got := batchStepIDs(batch); !equalStrings(got, []string{"bye"}) {
		t.Fatalf("steps = %v, want [bye]", got)
	}
	if msg := batch.Steps[0].Definition["message"]; msg != "scanned 0" {
		t.Errorf("message = %v, want scanned 0", msg)
	}
	report, _ := e.Status(id)
	if _, ok := report.State.State["touched"]; ok {
		t.Error("state.touched was written, want zero iterations")
	}
}

func TestGetNextStep_ClosesBatchWhenCaptureIsRead(t *testing.T) {
	doc := `
name: capture-order
steps:
  - id: fetch
    type: shell_command
    command: "cat value.txt"
    state_update:
      path: state.c
  - id: report
    type: user_message
    message: "c={{c}}"
  - id: tail
    type: user_message
    message: "bye"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	first := nextBatch(t, e, id)
	if got := batchStepIDs(first); !equalStrings(got, []string{"fetch"}) {
		t.Fatalf("first batch = %v, want [fetch]: report reads the pending capture", got)
	}

	ack := submit(t, e, id, "fetch", map[string]interface{}{"stdout": "5", "exit_code": float64(0)})
	if !ack.Applied {
		t.Error("expected capture applied")
	}

	second := nextBatch(t, e, id)
	if got := batchStepIDs(second); !equalStrings(got, []string{"report", "tail"}) {
		t.Fatalf("second batch = %v, want [report tail]", got)
	}
	if msg := second.Steps[0].Definition["message"]; msg != "c=5" {
		t.Errorf("report message = %v, want c=5", msg)
	}

	submit(t, e, id, "report", map[string]interface{}{})
	submit(t, e, id, "tail", map[string]interface{}{})
	if final := nextBatch(t, e, id); final.Status != StatusCompleted {
		t.Errorf("final status = %v, want completed", final.Status)
	}
}

func TestGetNextStep_ForfeitsUnsubmittedDispatches(t *testing.T) {
	doc := `
name: forfeit
steps:
  - id: m1
    type: user_message
    message: "one"
  - id: m2
    type: user_message
    message: "two"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	first := nextBatch(t, e, id)
	if len(first.Steps) != 2 {
		t.Fatalf("first batch = %v, want both messages", batchStepIDs(first))
	}
	if first.Status != StatusRunning {
		t.Errorf("status = %v, want running while results are outstanding", first.Status)
	}

	// Polling again without submitting implicitly completes both steps.
	second := nextBatch(t, e, id)
	if second.Status != StatusCompleted {
		t.Errorf("status after forfeit = %v, want completed", second.Status)
	}
	if second.Progress.CompletedSteps != 2 {
		t.Errorf("completed steps = %d, want 2", second.Progress.CompletedSteps)
	}

	_, err := e.SubmitStepResult(context.Background(), id, "", "m1", map[string]interface{}{})
	if workflows.CodeOf(err) != workflows.ErrCodeNotFound {
		t.Errorf("late submit code = %v, want NOT_FOUND", workflows.CodeOf(err))
	}
}

func TestUserInput_BlocksAndValidates(t *testing.T) {
	doc := `
name: ask
steps:
  - id: ask
    type: user_input
    prompt: "Age?"
    validator:
      type: number
      minimum: 0
    state_update:
      path: state.age
  - id: echo
    type: user_message
    message: "age={{age}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if got := batchStepIDs(batch); !equalStrings(got, []string{"ask"}) {
		t.Fatalf("batch = %v, want [ask]", got)
	}
	if batch.Status != StatusBlocked {
		t.Errorf("status = %v, want blocked on user input", batch.Status)
	}

	_, err := e.SubmitStepResult(context.Background(), id, "", "ask", map[string]interface{}{"response": "old"})
	if workflows.CodeOf(err) != workflows.ErrCodeValidation {
		t.Fatalf("invalid response code = %v, want VALIDATION_ERROR", workflows.CodeOf(err))
	}

	// The dispatch survives a rejected response; a valid resubmission lands.
	ack := submit(t, e, id, "ask", map[string]interface{}{"response": float64(42)})
	if !ack.Applied {
		t.Error("expected capture applied")
	}
	if ack.Status != StatusRunning {
		t.Errorf("status after input = %v, want running", ack.Status)
	}

	next := nextBatch(t, e, id)
	if msg := next.Steps[0].Definition["message"]; msg != "age=42" {
		t.Errorf("echo message = %v, want age=42", msg)
	}
}

func TestSubmitStepResult_FailureShapes(t *testing.T) {
	tests := []struct {
		name   string
		result map[string]interface{}
		want   workflows.ErrorCode
	}{
		{
			name:   "error key",
			result: map[string]interface{}{"error": "connection refused"},
			want:   workflows.ErrCodeOperationFailed,
		},
		{
			name:   "failed status",
			result: map[string]interface{}{"status": "failed"},
			want:   workflows.ErrCodeOperationFailed,
		},
		{
			name:   "non-zero exit code",
			result: map[string]interface{}{"exit_code": float64(2), "stderr": "boom"},
			want:   workflows.ErrCodeOperationFailed,
		},
		{
			name:   "explicit known code",
			result: map[string]interface{}{"error": "took too long", "code": "TIMEOUT"},
			want:   workflows.ErrCodeTimeout,
		},
		{
			name:   "unknown code falls back",
			result: map[string]interface{}{"error": "huh", "code": "EXPLODED"},
			want:   workflows.ErrCodeOperationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `
name: failing
steps:
  - id: risky
    type: shell_command
    command: "run-thing"
    on_error:
      strategy: fail
`
			e := NewEngine(Options{})
			id := startWorkflow(t, e, doc, nil)
			nextBatch(t, e, id)

			ack := submit(t, e, id, "risky", tt.result)
			if ack.Applied {
				t.Error("failure result must not apply a capture")
			}
			if ack.Status != StatusFailed {
				t.Errorf("status = %v, want failed", ack.Status)
			}

			report, err := e.Status(id)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if report.LastError == nil || report.LastError.Code != tt.want {
				t.Errorf("failure code = %v, want %v", report.LastError, tt.want)
			}
		})
	}
}

func TestContinueStrategy_RecordsAndProceeds(t *testing.T) {
	doc := `
name: tolerant
steps:
  - id: risky
    type: shell_command
    command: "flaky-tool"
    on_error:
      strategy: continue
  - id: after
    type: user_message
    message: "moving on"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if len(batch.Steps) != 2 {
		t.Fatalf("batch = %v, want both steps", batchStepIDs(batch))
	}

	ack := submit(t, e, id, "risky", map[string]interface{}{"exit_code": float64(1), "stderr": "oops"})
	if ack.Status != StatusRunning {
		t.Errorf("status = %v, want running after continue", ack.Status)
	}

	submit(t, e, id, "after", map[string]interface{}{})
	if final := nextBatch(t, e, id); final.Status != StatusCompleted {
		t.Errorf("final status = %v, want completed", final.Status)
	}

	history := e.Errors().History(id, 0)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	rec := history[0]
	if rec.Strategy != "continue" || !rec.Recovered || rec.Severity != SeverityWarning {
		t.Errorf("record = %+v, want recovered continue warning", rec)
	}
}

func TestFallbackStrategy_InjectsValue(t *testing.T) {
	doc := `
name: fallback
steps:
  - id: fetch
    type: mcp_call
    tool: "weather.lookup"
    state_update:
      path: state.weather
    on_error:
      strategy: fallback
      fallback_value:
        status: unknown
  - id: say
    type: user_message
    message: "weather={{weather.status}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if got := batchStepIDs(batch); !equalStrings(got, []string{"fetch"}) {
		t.Fatalf("batch = %v, want [fetch]", got)
	}

	submit(t, e, id, "fetch", map[string]interface{}{"error": "upstream 503"})

	next := nextBatch(t, e, id)
	if msg := next.Steps[0].Definition["message"]; msg != "weather=unknown" {
		t.Errorf("message = %v, want weather=unknown", msg)
	}
}

func TestRetryStrategy_RedispatchesThenExhausts(t *testing.T) {
	doc := `
name: retrying
steps:
  - id: risky
    type: shell_command
    command: "curl api"
    on_error:
      strategy: retry
      retry_count: 2
      base_delay_ms: 100
      multiplier: 2
      jitter_factor: 0
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)
	failure := map[string]interface{}{"exit_code": float64(7), "stderr": "no route"}

	for attempt := 0; attempt <= 2; attempt++ {
		start := time.Now()
		batch := nextBatch(t, e, id)
		if len(batch.Steps) != 1 || batch.Steps[0].ID != "risky" {
			t.Fatalf("attempt %d batch = %v, want [risky]", attempt, batchStepIDs(batch))
		}
		if batch.Steps[0].Attempt != attempt {
			t.Errorf("dispatch attempt = %d, want %d", batch.Steps[0].Attempt, attempt)
		}
		if attempt > 0 {
			if waited := time.Since(start); waited < 50*time.Millisecond {
				t.Errorf("attempt %d dispatched after %v, want a backoff wait", attempt, waited)
			}
		}

		ack := submit(t, e, id, "risky", failure)
		if attempt < 2 && ack.Status != StatusRunning {
			t.Fatalf("attempt %d status = %v, want running", attempt, ack.Status)
		}
		if attempt == 2 && ack.Status != StatusFailed {
			t.Fatalf("final status = %v, want failed after exhaustion", ack.Status)
		}
	}

	report, err := e.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.LastError.Code != workflows.ErrCodeRetryExhausted {
		t.Errorf("failure code = %v, want RETRY_EXHAUSTED", report.LastError.Code)
	}
	if got := report.LastError.Data["attempts"]; got != float64(3) {
		t.Errorf("attempts = %v, want 3", got)
	}

	if _, err := e.GetNextStep(context.Background(), id); workflows.CodeOf(err) != workflows.ErrCodeRetryExhausted {
		t.Errorf("poll after failure = %v, want the terminal error", err)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	doc := `
name: guarded
steps:
  - id: flaky
    type: shell_command
    command: "ping upstream"
    on_error:
      strategy: circuit_breaker
      failure_threshold: 2
      reset_timeout_ms: 60
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)
	failure := map[string]interface{}{"exit_code": float64(1)}

	// Two failures trip the breaker; the step is re-queued each time.
	for i := 0; i < 2; i++ {
		batch := nextBatch(t, e, id)
		if got := batchStepIDs(batch); !equalStrings(got, []string{"flaky"}) {
			t.Fatalf("batch %d = %v, want [flaky]", i, got)
		}
		submit(t, e, id, "flaky", failure)
	}

	_, err := e.GetNextStep(context.Background(), id)
	if workflows.CodeOf(err) != workflows.ErrCodeCircuitOpen {
		t.Fatalf("poll with open breaker = %v, want CIRCUIT_OPEN", err)
	}
	if report, _ := e.Status(id); report.Status != StatusRunning {
		t.Errorf("status = %v, want running: an open circuit is not terminal", report.Status)
	}

	// After the reset timeout a half-open trial goes through and a success
	// closes the breaker.
	time.Sleep(80 * time.Millisecond)
	batch := nextBatch(t, e, id)
	if got := batchStepIDs(batch); !equalStrings(got, []string{"flaky"}) {
		t.Fatalf("half-open batch = %v, want [flaky]", got)
	}
	submit(t, e, id, "flaky", map[string]interface{}{"exit_code": float64(0), "stdout": "pong"})

	if final := nextBatch(t, e, id); final.Status != StatusCompleted {
		t.Errorf("final status = %v, want completed", final.Status)
	}
	stats := e.Errors().RecoveryStats()
	if stat := stats["circuit_breaker"]; stat.Succeeded != 1 {
		t.Errorf("circuit_breaker recoveries = %+v, want one success", stat)
	}
}

func TestComputedFields_ReactToCaptures(t *testing.T) {
	doc := `
name: reactive
default_state:
  items: []
computed:
  count:
    from: state.items
    transform: "input.length"
steps:
  - id: add-a
    type: state_update
    updates:
      - path: state.items
        operation: append
        value: "a"
  - id: add-b
    type: state_update
    updates:
      - path: state.items
        operation: append
        value: "b"
  - id: say
    type: user_message
    message: "count={{count}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if msg := batch.Steps[0].Definition["message"]; msg != "count=2" {
		t.Errorf("message = %v, want count=2", msg)
	}
}

func TestComputedFieldError_DoesNotBlockCommit(t *testing.T) {
	doc := `
name: tolerant-computed
computed:
  doubled:
    from: state.x
    transform: "input * 2"
steps:
  - id: set
    type: state_update
    updates:
      - path: state.x
        value: "not a number"
  - id: say
    type: user_message
    message: "x={{state.x}} doubled={{doubled}}"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if msg := batch.Steps[0].Definition["message"]; msg != "x=not a number doubled=" {
		t.Errorf("message = %v: the write must commit and the bad field render empty", msg)
	}

	var found bool
	for _, rec := range e.Errors().History(id, 0) {
		if rec.Code == workflows.ErrCodeComputedField && rec.Recovered {
			found = true
		}
	}
	if !found {
		t.Error("expected a recovered COMPUTED_FIELD_ERROR record")
	}
}

func TestCancel_TerminatesAndReports(t *testing.T) {
	doc := `
name: cancellable
steps:
  - id: wait
    type: user_input
    prompt: "continue?"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)
	nextBatch(t, e, id)

	status, err := e.Cancel(id, "operator abort")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", status)
	}

	if _, err := e.GetNextStep(context.Background(), id); workflows.CodeOf(err) != workflows.ErrCodeCancelled {
		t.Errorf("poll after cancel = %v, want CANCELLED", err)
	}

	// Cancelling again is a no-op reporting the existing state.
	again, err := e.Cancel(id, "")
	if err != nil || again != StatusCancelled {
		t.Errorf("second cancel = %v, %v, want cancelled, nil", again, err)
	}
}

func TestWorkflowTimeout_FailsInstance(t *testing.T) {
	doc := `
name: deadline
workflow:
  timeout_ms: 30
steps:
  - id: wait
    type: user_input
    prompt: "anyone there?"
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)
	nextBatch(t, e, id)

	time.Sleep(50 * time.Millisecond)
	_, err := e.GetNextStep(context.Background(), id)
	if workflows.CodeOf(err) != workflows.ErrCodeTimeout {
		t.Fatalf("poll after deadline = %v, want TIMEOUT", err)
	}
	report, _ := e.Status(id)
	if report.Status != StatusFailed {
		t.Errorf("status = %v, want failed", report.Status)
	}
}

func TestStepTimeout_RoutesThroughErrorLayer(t *testing.T) {
	doc := `
name: step-deadline
steps:
  - id: slow
    type: agent_prompt
    prompt: "think hard"
    timeout_ms: 30
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)
	nextBatch(t, e, id)

	time.Sleep(50 * time.Millisecond)
	_, err := e.GetNextStep(context.Background(), id)
	if workflows.CodeOf(err) != workflows.ErrCodeTimeout {
		t.Fatalf("poll after step deadline = %v, want TIMEOUT", err)
	}
}

func TestWorkflowCompletion_WaitsForOutstandingResults(t *testing.T) {
	doc := `
name: lingering
steps:
  - id: only
    type: shell_command
    command: "date"
    state_update:
      path: state.now
`
	e := NewEngine(Options{})
	id := startWorkflow(t, e, doc, nil)

	batch := nextBatch(t, e, id)
	if batch.Status != StatusRunning {
		t.Fatalf("status = %v, want running: the queue is drained but a result is outstanding", batch.Status)
	}

	submit(t, e, id, "only", map[string]interface{}{"stdout": "now"})
	if final := nextBatch(t, e, id); final.Status != StatusCompleted {
		t.Errorf("final status = %v, want completed", final.Status)
	}
}

func TestList_ReportsInstancesNewestFirst(t *testing.T) {
	doc := `
name: listed
steps:
  - id: hello
    type: user_message
    message: "hi"
`
	e := NewEngine(Options{})
	first := startWorkflow(t, e, doc, nil)
	time.Sleep(5 * time.Millisecond)
	second := startWorkflow(t, e, doc, nil)

	list := e.List()
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].WorkflowID != second || list[1].WorkflowID != first {
		t.Errorf("order = [%s %s], want newest first", list[0].WorkflowID, list[1].WorkflowID)
	}
	if !strings.HasPrefix(first, "wf_") {
		t.Errorf("workflow id = %q, want wf_ prefix", first)
	}
}

func TestSweep_EvictsAgedInstances(t *testing.T) {
	doc := `
name: aged
steps:
  - id: wait
    type: user_input
    prompt: "still with me?"
`
	e := NewEngine(Options{IdleTTL: time.Minute, TerminalTTL: time.Hour})
	id := startWorkflow(t, e, doc, nil)

	e.Sweep(time.Now().Add(2 * time.Minute))
	report, err := e.Status(id)
	if err != nil {
		t.Fatalf("status after idle sweep: %v", err)
	}
	if report.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled past the idle TTL", report.Status)
	}
	if report.LastError == nil || !strings.Contains(report.LastError.Message, "inactivity") {
		t.Errorf("last error = %v, want inactivity cause", report.LastError)
	}

	// Terminal instances stay queryable until the terminal TTL passes.
	e.Sweep(time.Now().Add(30 * time.Minute))
	if _, err := e.Status(id); err != nil {
		t.Fatalf("status within terminal TTL: %v", err)
	}

	e.Sweep(time.Now().Add(2 * time.Hour))
	if _, err := e.Status(id); workflows.CodeOf(err) != workflows.ErrCodeNotFound {
		t.Errorf("status after eviction = %v, want NOT_FOUND", err)
	}
}

func TestGetNextStep_UnknownWorkflow(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.GetNextStep(context.Background(), "wf_missing")
	if workflows.CodeOf(err) != workflows.ErrCodeNotFound {
		t.Errorf("code = %v, want NOT_FOUND", workflows.CodeOf(err))
	}
}
