package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"foreman/internal/logging"
	"foreman/internal/workflows"
	"foreman/internal/workflows/expr"
	"foreman/internal/workflows/state"
)

// startParallel evaluates the fan-out items, creates one task per item, and
// dispatches the parallel step to the caller. False means the step resolved
// inline: empty items, or an error the handler absorbed without blocking.
func (e *Engine) startParallel(ctx context.Context, wf *Workflow, step *workflows.Step, batch *StepBatch) bool {
	tmpl, ok := wf.Definition.SubAgentTasks[step.Task]
	if !ok {
		cause := workflows.NewError(workflows.ErrCodeNotFound,
			"step %s: sub_agent_task %q is not defined", step.ID, step.Task).WithStep(step.ID)
		e.handleStepError(ctx, wf, nil, step, cause, 0, batch)
		return false
	}

	sc := e.scope(wf, nil)
	items, err := evalItems(step.Items, sc)
	if err != nil {
		e.handleStepError(ctx, wf, nil, step, itemsError(step, err), 0, batch)
		return false
	}
	if len(items) == 0 {
		e.completeInternal(wf, nil, step, batch, map[string]interface{}{"total_tasks": float64(0)})
		return false
	}

	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.opts.DefaultMaxParallel
	}
	policy, threshold := fanInPolicy(wf, step)
	expanded := e.expandStep(wf, nil, step)

	tasks := make([]*Task, len(items))
	taskIDs := make([]interface{}, len(items))
	for i, item := range items {
		t := newTask(wf, step.ID, i, item, len(items), tmpl.Steps)
		e.seedTaskContext(wf, step, t, &tmpl, sc)
		wf.tasks[t.ID] = t
		tasks[i] = t
		taskIDs[i] = t.ID
	}

	run := &parallelRun{
		step:        expanded,
		owner:       step,
		tasks:       tasks,
		maxParallel: maxParallel,
		policy:      policy,
		threshold:   threshold,
	}
	wf.parallel = run
	e.admitNext(wf, run.admit())

	rec := dispatchRecord(&expanded, 0)
	rec.Definition["items"] = items
	rec.Definition["total_tasks"] = float64(len(items))
	rec.Definition["task_ids"] = taskIDs
	batch.Steps = append(batch.Steps, rec)
	wf.touch()

	logging.Info("Workflow %s fanned out %d tasks for step %s (max_parallel %d, fan-in %s)",
		wf.ID, len(items), step.ID, maxParallel, policy)
	return true
}

// seedTaskContext materialises the task template's bindings: static
// default_state first, then inputs expanded against the parent scope plus
// this task's item bindings. Reserved bindings win on collision.
func (e *Engine) seedTaskContext(wf *Workflow, step *workflows.Step, t *Task, tmpl *workflows.SubAgentTask, parentScope map[string]interface{}) {
	if len(tmpl.DefaultState) == 0 && len(tmpl.Inputs) == 0 {
		return
	}

	reserved := make(map[string]interface{}, len(t.bindings))
	for k, v := range t.bindings {
		reserved[k] = v
	}

	for k, v := range tmpl.DefaultState {
		if _, taken := reserved[k]; !taken {
			t.bindings[k] = state.DeepCopyValue(v)
		}
	}

	if len(tmpl.Inputs) > 0 {
		sc := make(map[string]interface{}, len(parentScope)+len(reserved)+1)
		for k, v := range parentScope {
			sc[k] = v
		}
		for k, v := range reserved {
			sc[k] = v
		}
		sc["loop"] = map[string]interface{}{
			"item":  reserved["item"],
			"index": reserved["index"],
			"total": reserved["total"],
		}
		expanded, errs := expr.ExpandTree(tmpl.Inputs, sc)
		e.recordExpansionErrors(wf, t, step, errs)
		if m, ok := expanded.(map[string]interface{}); ok {
			for k, v := range m {
				if _, taken := reserved[k]; !taken {
					t.bindings[k] = v
				}
			}
		}
	}
}

func fanInPolicy(wf *Workflow, step *workflows.Step) (string, float64) {
	spec := step.FanIn
	if spec == nil && wf.Definition.Settings != nil {
		spec = wf.Definition.Settings.FanIn
	}
	if spec == nil || spec.Policy == "" {
		return fanInFailFast, 0
	}
	return spec.Policy, spec.Threshold
}

// admitNext arms deadlines for tasks that just won an execution slot.
func (e *Engine) admitNext(wf *Workflow, newly []*Task) {
	run := wf.parallel
	if run == nil {
		return
	}
	tmpl, ok := wf.Definition.SubAgentTasks[run.owner.Task]
	if !ok || tmpl.TimeoutMs <= 0 {
		return
	}
	for _, t := range newly {
		at := time.Now().Add(time.Duration(tmpl.TimeoutMs) * time.Millisecond)
		wfID, taskID, budget := wf.ID, t.ID, tmpl.TimeoutMs
		e.timeouts.Register(taskID, wfID, at, func() { e.expireTask(wfID, taskID, budget) })
	}
}

// GetNextSubAgentStep advances one fan-out task: server-internal steps run
// inline and exactly one client-facing step is returned per call. A pending
// marker means the task is waiting for a max_parallel slot; done reports a
// terminal task.
func (e *Engine) GetNextSubAgentStep(ctx context.Context, workflowID, taskID string) (*SubAgentStep, error) {
	e.timeouts.Sweep(time.Now())

	wf, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.get_next_sub_agent_step",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("task.id", taskID)))
	defer span.End()

	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.touch()

	task, ok := wf.tasks[taskID]
	if !ok {
		return nil, workflows.NewError(workflows.ErrCodeNotFound,
			"task %s not found in workflow %s", taskID, workflowID)
	}

	if task.Status == StatusPending {
		return &SubAgentStep{TaskID: taskID, Status: StatusPending, Pending: true}, nil
	}
	if task.Status.Terminal() {
		return taskTerminal(task), nil
	}

	e.forfeitTaskPending(wf, task)

	sink := &StepBatch{}
	for {
		// A handled failure or a sibling's fail_fast may have finished the
		// task mid-loop, including while a retry wait held no lock.
		if task.Status.Terminal() {
			break
		}

		if r := task.schedule.next(); r != nil {
			if time.Until(r.due) > 0 {
				if err := e.waitUntil(ctx, wf, r.due); err != nil {
					span.RecordError(err)
					return nil, err
				}
				continue
			}
			r = task.schedule.take()
			if r.step.Type.ServerInternal() {
				e.executeInternal(ctx, wf, task, &r.step, sink, r.attempt)
				continue
			}
			e.dispatchClient(ctx, wf, task, &r.step, sink, nil, r.attempt)
			break
		}

		pulled, ok := task.queue.peek()
		if !ok {
			e.finishTask(wf, task)
			break
		}

		if pulled.continuation != nil {
			e.continueLoop(ctx, wf, task, task.queue, pulled.continuation, sink)
			continue
		}

		step := pulled.step
		// Nested fan-out is rejected at validation; a definition that evaded
		// it still must not fan out from inside a task.
		if step.Type == workflows.StepParallelForeach {
			task.queue.pop()
			cause := workflows.NewError(workflows.ErrCodeValidation,
				"step %s: parallel_foreach cannot run inside task %s", step.ID, task.ID).WithStep(step.ID)
			e.tracker.Record(ErrorRecord{
				WorkflowID: wf.ID,
				StepID:     step.ID,
				TaskID:     task.ID,
				StepType:   string(step.Type),
				Code:       cause.Code,
				Message:    cause.Message,
				Severity:   SeverityError,
			})
			e.failStep(wf, task, cause)
			continue
		}
		if step.Type.ServerInternal() {
			task.queue.pop()
			e.executeInternal(ctx, wf, task, step, sink, 0)
			continue
		}

		if open, openErr := e.circuitBlocked(wf, step); open {
			span.RecordError(openErr)
			return nil, openErr
		}

		task.queue.pop()
		e.dispatchClient(ctx, wf, task, step, sink, nil, 0)
		break
	}

	out := &SubAgentStep{TaskID: taskID, Status: task.Status, ServerCompleted: sink.ServerCompleted}
	if len(sink.Steps) > 0 {
		out.Step = &sink.Steps[0]
		return out, nil
	}
	terminal := taskTerminal(task)
	terminal.ServerCompleted = sink.ServerCompleted
	return terminal, nil
}

// taskTerminal renders a terminal task as its sentinel response.
func taskTerminal(task *Task) *SubAgentStep {
	out := &SubAgentStep{TaskID: task.ID, Status: task.Status}
	switch task.Status {
	case StatusCancelled:
		out.Cancelled = true
		out.Error = task.Failure
	case StatusFailed:
		out.Done = true
		out.Error = task.Failure
	default:
		out.Done = true
	}
	return out
}

// forfeitTaskPending discards task dispatches the caller never reported on.
func (e *Engine) forfeitTaskPending(wf *Workflow, task *Task) {
	for id := range task.pending {
		e.timeouts.Cancel(stepScope(wf.ID, task.ID, id))
		delete(task.pending, id)
	}
}

// finishTask marks a drained task completed and resolves the fan-out when it
// was the last straggler.
func (e *Engine) finishTask(wf *Workflow, task *Task) {
	task.Status = StatusCompleted
	e.timeouts.Cancel(task.ID)
	logging.Debug("Task %s completed", task.ID)
	if wf.parallel != nil {
		e.admitNext(wf, wf.parallel.taskDone())
		e.resolveParallel(wf)
	}
}

// expireTask is the task-level deadline callback.
func (e *Engine) expireTask(wfID, taskID string, budget int64) {
	wf, err := e.instance(wfID)
	if err != nil {
		return
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.Status.Terminal() {
		return
	}
	task := wf.tasks[taskID]
	if task == nil || task.Status.Terminal() {
		return
	}

	cause := workflows.NewError(workflows.ErrCodeTimeout, "task %s timed out after %dms", taskID, budget)
	task.Status = StatusFailed
	task.Failure = cause
	e.tracker.Record(ErrorRecord{
		WorkflowID: wfID,
		TaskID:     taskID,
		Code:       workflows.ErrCodeTimeout,
		Message:    cause.Message,
		Severity:   SeverityError,
	})
	if wf.parallel != nil {
		e.admitNext(wf, wf.parallel.taskDone())
		e.resolveParallel(wf)
	}
}

// resolveParallel applies the fan-in policy against current task states.
// Runs whenever a task reaches a terminal state; until the policy decides,
// the fan-out stays unresolved and the parent stays blocked.
func (e *Engine) resolveParallel(wf *Workflow) {
	run := wf.parallel
	if run == nil {
		return
	}

	if run.policy == fanInFailFast {
		if failed := run.firstFailure(); failed != nil {
			e.cancelSiblings(wf, run, failed)
			cause := workflows.WrapError(workflows.ErrCodeOperationFailed, failed.Failure,
				"step %s: task %s failed: %s", run.owner.ID, failed.ID, failureMessage(failed)).
				WithStep(run.owner.ID).
				WithData(map[string]interface{}{"task_id": failed.ID})
			e.tracker.Record(ErrorRecord{
				WorkflowID: wf.ID,
				StepID:     run.owner.ID,
				TaskID:     failed.ID,
				StepType:   string(workflows.StepParallelForeach),
				Code:       workflows.ErrCodeOperationFailed,
				Message:    cause.Message,
				Severity:   SeverityCritical,
				Strategy:   fanInFailFast,
			})
			e.terminate(wf, StatusFailed, cause)
			return
		}
	}

	if !run.allTerminal() {
		return
	}

	completed, failed, cancelled := run.counts()
	total := len(run.tasks)

	switch run.policy {
	case fanInCollectAll:
		if failed > 0 {
			var messages []interface{}
			for _, t := range run.tasks {
				if t.Status == StatusFailed {
					messages = append(messages, failureMessage(t))
				}
			}
			cause := workflows.NewError(workflows.ErrCodeOperationFailed,
				"step %s: %d of %d tasks failed", run.owner.ID, failed, total).
				WithStep(run.owner.ID).
				WithData(map[string]interface{}{"errors": messages})
			e.recordFanInFailure(wf, run, cause)
			e.terminate(wf, StatusFailed, cause)
			return
		}

	case fanInThreshold:
		if total > 0 && float64(failed)/float64(total) > run.threshold {
			cause := workflows.NewError(workflows.ErrCodeOperationFailed,
				"step %s: %d of %d tasks failed, exceeding threshold %.2f",
				run.owner.ID, failed, total, run.threshold).
				WithStep(run.owner.ID)
			e.recordFanInFailure(wf, run, cause)
			e.terminate(wf, StatusFailed, cause)
			return
		}
	}

	// best_effort, a clean collect_all, or a tolerated threshold: the parent
	// proceeds with whatever the tasks wrote.
	e.commitFanIn(wf, run, completed, failed, cancelled)
}

func (e *Engine) recordFanInFailure(wf *Workflow, run *parallelRun, cause *workflows.Error) {
	e.tracker.Record(ErrorRecord{
		WorkflowID: wf.ID,
		StepID:     run.owner.ID,
		StepType:   string(workflows.StepParallelForeach),
		Code:       cause.Code,
		Message:    cause.Message,
		Severity:   SeverityCritical,
		Strategy:   run.policy,
		Data:       cause.Data,
	})
}

// commitFanIn aggregates per-task outcomes into
// state.parallel_results.<step_id> and unblocks the parent queue.
func (e *Engine) commitFanIn(wf *Workflow, run *parallelRun, completed, failed, cancelled int) {
	results := make([]interface{}, len(run.tasks))
	for i, t := range run.tasks {
		entry := map[string]interface{}{
			"task_id": t.ID,
			"index":   float64(t.Index),
			"item":    t.Item,
			"status":  string(t.Status),
		}
		if t.Failure != nil {
			entry["error"] = t.Failure.Message
			entry["code"] = string(t.Failure.Code)
		}
		results[i] = entry
	}

	res, err := e.store.Update(wf.ID, []state.Op{{
		Path:  "state.parallel_results." + run.owner.ID,
		Value: results,
	}})
	if err != nil {
		e.tracker.Record(ErrorRecord{
			WorkflowID: wf.ID,
			StepID:     run.owner.ID,
			StepType:   string(workflows.StepParallelForeach),
			Code:       workflows.CodeOf(err),
			Message:    err.Error(),
			Severity:   SeverityWarning,
		})
	} else {
		e.recordFieldErrors(wf, nil, run.owner, res.FieldErrors)
	}

	wf.parallel = nil
	wf.CompletedSteps++
	if wf.Status == StatusBlocked && wf.awaitingInput == "" {
		wf.Status = StatusRunning
	}
	wf.touch()
	logging.Info("Workflow %s fan-in for step %s: %d completed, %d failed, %d cancelled",
		wf.ID, run.owner.ID, completed, failed, cancelled)
}

// cancelSiblings cancels every non-terminal task besides the one that
// failed. Their next poll returns the cancelled sentinel.
func (e *Engine) cancelSiblings(wf *Workflow, run *parallelRun, failed *Task) {
	for _, t := range run.tasks {
		if t == failed || t.Status.Terminal() {
			continue
		}
		t.Status = StatusCancelled
		t.Failure = workflows.NewError(workflows.ErrCodeCancelled,
			"task %s cancelled: sibling task %s failed", t.ID, failed.ID)
		e.timeouts.Cancel(t.ID)
	}
}

func failureMessage(t *Task) string {
	if t.Failure == nil {
		return "unknown failure"
	}
	return t.Failure.Message
}
