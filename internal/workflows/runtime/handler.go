package runtime

import (
	"context"
	"strings"
	"time"

	"foreman/internal/logging"
	"foreman/internal/workflows"
	"foreman/internal/workflows/expr"
	"foreman/internal/workflows/state"
)

const (
	strategyFail           = "fail"
	strategyContinue       = "continue"
	strategyRetry          = "retry"
	strategyFallback       = "fallback"
	strategyCircuitBreaker = "circuit_breaker"
)

// defaultClientRetry covers shell and MCP steps that declare no handler:
// transient failures of client executions retry twice.
var defaultClientRetry = &workflows.ErrorHandlerSpec{
	Strategy:   strategyRetry,
	RetryCount: 2,
	RetryOn: []string{
		string(workflows.ErrCodeTimeout),
		string(workflows.ErrCodeOperationFailed),
	},
}

var defaultFail = &workflows.ErrorHandlerSpec{Strategy: strategyFail}

// resolveHandler picks the error handler for a step: explicit per-step
// on_error, then the definition's per-type defaults, then engine defaults.
func resolveHandler(wf *Workflow, step *workflows.Step) *workflows.ErrorHandlerSpec {
	if step.OnError != nil {
		return step.OnError
	}
	if wf.Definition.Settings != nil {
		if h := wf.Definition.Settings.OnError[string(step.Type)]; h != nil {
			return h
		}
	}
	switch step.Type {
	case workflows.StepShellCommand, workflows.StepMCPCall:
		return defaultClientRetry
	}
	return defaultFail
}

// handleStepError routes a step failure through its configured strategy.
// The step must already be consumed from its queue; strategies that run it
// again (retry, circuit_breaker) re-queue it themselves. batch may be nil
// when the failure surfaces outside an assembly loop.
func (e *Engine) handleStepError(ctx context.Context, wf *Workflow, task *Task, step *workflows.Step, cause error, attempt int, batch *StepBatch) {
	werr, ok := workflows.AsError(cause)
	if !ok {
		werr = workflows.WrapError(workflows.ErrCodeOperationFailed, cause, "step %s failed", step.ID)
	}
	if werr.StepID == "" {
		werr.StepID = step.ID
	}

	handler := resolveHandler(wf, step)
	strategy := handler.Strategy
	if strategy == "" {
		strategy = strategyFail
	}

	rec := ErrorRecord{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		StepType:   string(step.Type),
		Code:       werr.Code,
		Message:    werr.Message,
		Strategy:   strategy,
		Attempt:    attempt,
		Data:       werr.Data,
	}
	if task != nil {
		rec.TaskID = task.ID
	}

	switch strategy {
	case strategyContinue:
		rec.Severity = SeverityWarning
		rec.Recovered = true
		e.tracker.Record(rec)
		e.tracker.RecordRecovery(strategyContinue, true)
		logging.Debug("Step %s failed, continuing: %v", step.ID, werr)
		e.advancePast(wf, task)

	case strategyFallback:
		rec.Severity = SeverityWarning
		rec.Recovered = true
		e.tracker.Record(rec)
		applied := e.applyFallback(wf, task, step, handler)
		e.tracker.RecordRecovery(strategyFallback, applied)
		logging.Debug("Step %s failed, fallback applied: %v", step.ID, werr)
		e.advancePast(wf, task)

	case strategyRetry:
		e.scheduleRetry(wf, task, step, handler, werr, rec)

	case strategyCircuitBreaker:
		cb := wf.circuits[step.ID]
		if cb == nil {
			cb = newCircuitBreaker(handler.FailureThreshold, time.Duration(handler.ResetTimeoutMs)*time.Millisecond)
			wf.circuits[step.ID] = cb
		}
		cb.recordFailure(time.Now())
		rec.Severity = SeverityError
		rec.Recovered = true
		rec.Data = withBreakerState(rec.Data, cb)
		e.tracker.Record(rec)
		// The step goes back to the queue head; the gate decides whether the
		// next poll may run it.
		q := wf.queue
		if task != nil {
			q = task.queue
		}
		q.pushFront(*step)
		logging.Debug("Step %s failed under circuit breaker (%s, %d failures)", step.ID, cb.state, cb.failures)

	default: // fail
		rec.Severity = SeverityError
		if task == nil {
			rec.Severity = SeverityCritical
		}
		e.tracker.Record(rec)
		e.failStep(wf, task, werr)
	}
}

// scheduleRetry books the next attempt for a failed step, or downgrades to
// fail when the error is ineligible or the budget is spent.
func (e *Engine) scheduleRetry(wf *Workflow, task *Task, step *workflows.Step, handler *workflows.ErrorHandlerSpec, werr *workflows.Error, rec ErrorRecord) {
	key := stepKey(taskIDOf(task), step.ID)
	rs := wf.retries[key]
	if rs == nil {
		rs = newRetryState(handler)
		wf.retries[key] = rs
	}

	if !rs.eligible(werr.Code) {
		rec.Severity = SeverityError
		if task == nil {
			rec.Severity = SeverityCritical
		}
		e.tracker.Record(rec)
		e.failStep(wf, task, werr)
		return
	}

	delay := rs.recordFailure(werr.Message)
	if rs.exhausted() {
		delete(wf.retries, key)
		exhausted := workflows.WrapError(workflows.ErrCodeRetryExhausted, werr,
			"step %s: %d retry attempts exhausted: %s", step.ID, rs.retryCount(), werr.Message).
			WithStep(step.ID).
			WithData(map[string]interface{}{"attempts": float64(rs.attempts), "errors": stringList(rs.errors)})
		rec.Code = workflows.ErrCodeRetryExhausted
		rec.Message = exhausted.Message
		rec.Severity = SeverityError
		if task == nil {
			rec.Severity = SeverityCritical
		}
		e.tracker.Record(rec)
		e.tracker.RecordRecovery(strategyRetry, false)
		e.failStep(wf, task, exhausted)
		return
	}

	rec.Severity = SeverityWarning
	rec.Recovered = true
	e.tracker.Record(rec)

	schedule := wf.schedule
	if task != nil {
		schedule = task.schedule
	}
	schedule.add(&scheduledRetry{
		step:    *step,
		taskID:  taskIDOf(task),
		attempt: rs.attempts,
		due:     time.Now().Add(delay),
	})
	logging.Debug("Step %s retry %d/%d scheduled in %s", step.ID, rs.attempts, rs.retryCount(), delay)
}

// failStep applies the fail strategy: a task failure resolves through the
// fan-in policy, a main-queue failure is workflow-fatal.
func (e *Engine) failStep(wf *Workflow, task *Task, werr *workflows.Error) {
	if task != nil {
		task.Status = StatusFailed
		task.Failure = werr
		e.timeouts.Cancel(task.ID)
		if wf.parallel != nil {
			e.admitNext(wf, wf.parallel.taskDone())
			e.resolveParallel(wf)
		}
		return
	}
	e.terminate(wf, StatusFailed, werr)
}

// advancePast closes out a step the strategy recovered: the queue already
// moved on, only progress accounting remains.
func (e *Engine) advancePast(wf *Workflow, task *Task) {
	if task == nil {
		wf.CompletedSteps++
	}
	wf.touch()
}

// applyFallback injects the handler's fallback value at the step's capture
// path, standing in for the successful result.
func (e *Engine) applyFallback(wf *Workflow, task *Task, step *workflows.Step, handler *workflows.ErrorHandlerSpec) bool {
	if step.StateUpdate == nil || step.StateUpdate.Path == "" {
		return true
	}
	path := step.StateUpdate.Path
	if strings.Contains(path, "{{") {
		sc := e.scope(wf, task)
		v, errs := expr.ExpandString(path, sc)
		e.recordExpansionErrors(wf, task, step, errs)
		if s, ok := v.(string); ok {
			path = s
		} else {
			path = expr.Render(v)
		}
	}

	value := workflows.NormalizeTree(handler.FallbackValue)
	res, err := e.store.Update(wf.ID, []state.Op{{Path: path, Value: value}})
	if err != nil {
		rec := ErrorRecord{
			WorkflowID: wf.ID,
			StepID:     step.ID,
			StepType:   string(step.Type),
			Code:       workflows.CodeOf(err),
			Message:    err.Error(),
			Severity:   SeverityWarning,
			Strategy:   strategyFallback,
		}
		if task != nil {
			rec.TaskID = task.ID
		}
		e.tracker.Record(rec)
		return false
	}
	e.recordFieldErrors(wf, task, step, res.FieldErrors)
	return true
}

func taskIDOf(task *Task) string {
	if task == nil {
		return ""
	}
	return task.ID
}

func withBreakerState(data map[string]interface{}, cb *circuitBreaker) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["circuit_state"] = cb.state.String()
	out["failures"] = float64(cb.failures)
	return out
}

func stringList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
