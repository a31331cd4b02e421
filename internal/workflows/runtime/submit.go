package runtime

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"foreman/internal/workflows"
	"foreman/internal/workflows/expr"
	"foreman/internal/workflows/state"
)

// SubmitStepResult records the outcome of a dispatched client step: applies
// its state capture on success, or routes the failure through the step's
// error strategy. taskID scopes the lookup to a fan-out task.
func (e *Engine) SubmitStepResult(ctx context.Context, workflowID, taskID, stepID string, result map[string]interface{}) (*SubmitAck, error) {
	e.timeouts.Sweep(time.Now())

	wf, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.submit_step_result",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("step.id", stepID)))
	defer span.End()

	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.touch()

	if wf.Status == StatusFailed || wf.Status == StatusCancelled {
		span.RecordError(wf.Failure)
		return nil, wf.Failure
	}

	var task *Task
	pending := wf.pending
	if taskID != "" {
		task = wf.tasks[taskID]
		if task == nil {
			return nil, workflows.NewError(workflows.ErrCodeNotFound,
				"task %s not found in workflow %s", taskID, workflowID)
		}
		pending = task.pending
	}
	rec, ok := pending[stepID]
	if !ok {
		return nil, workflows.NewError(workflows.ErrCodeNotFound,
			"step %s has no dispatch awaiting a result", stepID)
	}

	normalized, _ := workflows.NormalizeTree(result).(map[string]interface{})
	if normalized == nil {
		normalized = map[string]interface{}{}
	}

	ack := &SubmitAck{WorkflowID: workflowID, StepID: stepID, TaskID: taskID}

	if cause := failureFromResult(&rec.expanded, normalized); cause != nil {
		e.settleDispatch(wf, pending, rec, stepID)
		e.handleStepError(ctx, wf, task, &rec.original, cause, rec.attempt, nil)
		ack.Applied = false
		ack.Status = wf.Status
		return ack, nil
	}

	// user_input responses must satisfy the step's validator before anything
	// commits; the dispatch stays pending so the caller can resubmit.
	if rec.expanded.Type == workflows.StepUserInput && rec.expanded.Validator != nil {
		response := captureSource(rec.expanded.Type, "", normalized)
		if verr := workflows.ValidateAgainstSchema(response, rec.expanded.Validator); verr != nil {
			span.RecordError(verr)
			e.tracker.Record(ErrorRecord{
				WorkflowID: wf.ID,
				StepID:     stepID,
				TaskID:     taskID,
				StepType:   string(rec.expanded.Type),
				Code:       workflows.ErrCodeValidation,
				Message:    verr.Error(),
				Severity:   SeverityWarning,
				Recovered:  true,
			})
			return nil, verr
		}
	}

	e.clearStepFailures(wf, task, rec, stepID)

	if applyErr := e.applyCapture(wf, task, rec, normalized); applyErr != nil {
		e.settleDispatch(wf, pending, rec, stepID)
		e.handleStepError(ctx, wf, task, &rec.original, applyErr, rec.attempt, nil)
		ack.Applied = false
		ack.Status = wf.Status
		return ack, nil
	}

	e.settleDispatch(wf, pending, rec, stepID)
	if task == nil {
		wf.CompletedSteps++
	}
	ack.Applied = rec.expanded.StateUpdate != nil && rec.expanded.StateUpdate.Path != ""
	ack.Status = wf.Status
	return ack, nil
}

// settleDispatch removes a pending dispatch, disarms its deadline, and
// releases a user_input gate held by it.
func (e *Engine) settleDispatch(wf *Workflow, pending map[string]*dispatchedStep, rec *dispatchedStep, stepID string) {
	delete(pending, stepID)
	e.timeouts.Cancel(stepScope(wf.ID, rec.taskID, stepID))
	if rec.taskID == "" && wf.awaitingInput == stepID {
		wf.awaitingInput = ""
		if wf.Status == StatusBlocked && wf.parallel == nil {
			wf.Status = StatusRunning
		}
	}
}

// clearStepFailures resets retry and breaker bookkeeping after a success,
// crediting the recovery that made it land.
func (e *Engine) clearStepFailures(wf *Workflow, task *Task, rec *dispatchedStep, stepID string) {
	key := stepKey(taskIDOf(task), stepID)
	if _, tracked := wf.retries[key]; tracked {
		if rec.attempt > 0 {
			e.tracker.RecordRecovery(strategyRetry, true)
		}
		delete(wf.retries, key)
	}
	if cb := wf.circuits[stepID]; cb != nil {
		if cb.state != circuitClosed {
			e.tracker.RecordRecovery(strategyCircuitBreaker, true)
		}
		cb.recordSuccess()
	}
}

// failureFromResult interprets an explicitly failed result. Recognised
// shapes: a truthy "error" value, status "failed", or a non-zero shell
// exit_code. An explicit known "code" classifies the failure.
func failureFromResult(step *workflows.Step, result map[string]interface{}) *workflows.Error {
	code := workflows.ErrCodeOperationFailed
	if c, ok := result["code"].(string); ok && workflows.ErrorCode(c).Known() {
		code = workflows.ErrorCode(c)
	}

	if errVal, ok := result["error"]; ok && expr.Truthy(errVal) {
		return workflows.NewError(code, "step %s reported an error: %s",
			step.ID, expr.Render(errVal)).WithStep(step.ID).WithData(result)
	}
	if status, ok := result["status"].(string); ok && status == "failed" {
		return workflows.NewError(code, "step %s reported status failed",
			step.ID).WithStep(step.ID).WithData(result)
	}
	if step.Type == workflows.StepShellCommand {
		if ec, ok := result["exit_code"].(float64); ok && ec != 0 {
			stderr, _ := result["stderr"].(string)
			return workflows.NewError(code, "step %s: command exited %d: %s",
				step.ID, int(ec), strings.TrimSpace(stderr)).WithStep(step.ID).WithData(result)
		}
	}
	return nil
}

// applyCapture commits a successful result's capture into state.
func (e *Engine) applyCapture(wf *Workflow, task *Task, rec *dispatchedStep, result map[string]interface{}) error {
	capture := rec.expanded.StateUpdate
	if capture == nil || capture.Path == "" {
		return nil
	}

	value := captureSource(rec.expanded.Type, capture.Source, result)
	if capture.Transform != "" {
		transformed, err := expr.Transform(capture.Transform, value)
		if err != nil {
			return workflows.WrapError(workflows.ErrCodeValidation, err,
				"step %s: capture transform %q failed", rec.expanded.ID, capture.Transform).
				WithStep(rec.expanded.ID)
		}
		value = transformed
	}
	if expr.IsUndefined(value) {
		value = nil
	}

	res, err := e.store.Update(wf.ID, []state.Op{{Path: capture.Path, Value: value}})
	if err != nil {
		return err
	}
	e.recordFieldErrors(wf, task, &rec.expanded, res.FieldErrors)
	return nil
}

// captureSource picks the result field a capture reads. The default follows
// the step type's natural output; a result that lacks the field falls back
// to the whole map so loosely-shaped caller payloads still land.
func captureSource(stepType workflows.StepType, source string, result map[string]interface{}) interface{} {
	if source == "" {
		switch stepType {
		case workflows.StepShellCommand:
			source = "stdout"
		case workflows.StepMCPCall:
			source = "result"
		case workflows.StepUserInput, workflows.StepAgentPrompt:
			source = "response"
		}
	}
	if source == "" {
		return result
	}
	if v, ok := result[source]; ok {
		return v
	}
	return result
}
