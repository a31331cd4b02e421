package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foreman/internal/workflows"
	"foreman/internal/workflows/expr"
	"foreman/internal/workflows/state"
)

// scope assembles the evaluation scope for one step: the flattened state
// view, the tier roots for qualified access, the innermost loop bindings,
// and inside a sub-agent task that task's bindings.
func (e *Engine) scope(wf *Workflow, task *Task) map[string]interface{} {
	sc := make(map[string]interface{})
	if snap, ok := e.store.Read(wf.ID); ok {
		sc = snap.Flattened()
		sc["inputs"] = snap.Inputs
		sc["state"] = snap.State
		sc["computed"] = snap.Computed
	}
	sc["workflow_id"] = wf.ID

	q := wf.queue
	if task != nil {
		q = task.queue
		for k, v := range task.bindings {
			sc[k] = v
		}
		sc["task"] = task.bindings
	}
	if loop := q.loopBindings(); loop != nil {
		sc["loop"] = loop
	} else if task != nil {
		sc["loop"] = map[string]interface{}{
			"item":  task.bindings["item"],
			"index": task.bindings["index"],
			"total": task.bindings["total"],
		}
	}
	return sc
}

// expandStep renders a step's templates against the current scope and
// returns the expanded copy. Expansion never fails: absent values render
// empty and malformed placeholders are recorded as warnings.
func (e *Engine) expandStep(wf *Workflow, task *Task, step *workflows.Step) workflows.Step {
	sc := e.scope(wf, task)
	out := *step
	var errs []error

	renderString := func(s string) string {
		if !strings.Contains(s, "{{") {
			return s
		}
		v, es := expr.ExpandString(s, sc)
		errs = append(errs, es...)
		if str, ok := v.(string); ok {
			return str
		}
		return expr.Render(v)
	}

	out.Message = renderString(step.Message)
	out.Prompt = renderString(step.Prompt)
	out.Command = renderString(step.Command)
	out.Tool = renderString(step.Tool)
	if step.Arguments != nil {
		expanded, es := expr.ExpandTree(step.Arguments, sc)
		errs = append(errs, es...)
		if m, ok := expanded.(map[string]interface{}); ok {
			out.Arguments = m
		}
	}
	if step.StateUpdate != nil {
		capture := *step.StateUpdate
		capture.Path = renderString(capture.Path)
		out.StateUpdate = &capture
	}

	e.recordExpansionErrors(wf, task, step, errs)
	return out
}

// recordExpansionErrors files template problems as recovered warnings; the
// placeholder already rendered empty, so execution continues.
func (e *Engine) recordExpansionErrors(wf *Workflow, task *Task, step *workflows.Step, errs []error) {
	for _, err := range errs {
		rec := ErrorRecord{
			WorkflowID: wf.ID,
			StepID:     step.ID,
			StepType:   string(step.Type),
			Code:       workflows.ErrCodeConditionEval,
			Message:    fmt.Sprintf("step %s: template expansion: %v", step.ID, err),
			Severity:   SeverityWarning,
			Recovered:  true,
		}
		if task != nil {
			rec.TaskID = task.ID
		}
		e.tracker.Record(rec)
	}
}

// evalItems resolves a foreach or parallel_foreach items source to a
// concrete list. The source may be a bare expression or a template whose
// single placeholder yields a list.
func evalItems(src string, sc map[string]interface{}) ([]interface{}, error) {
	var val interface{}
	if strings.Contains(src, "{{") {
		v, errs := expr.ExpandString(src, sc)
		if len(errs) > 0 {
			return nil, errs[0]
		}
		val = v
	} else {
		parsed, err := expr.Parse(src)
		if err != nil {
			return nil, err
		}
		v, err := parsed.Eval(sc)
		if err != nil {
			return nil, err
		}
		val = v
	}
	items, ok := val.([]interface{})
	if !ok {
		return nil, workflows.NewError(workflows.ErrCodeNonIterable,
			"items expression %q yielded %s, not a list", src, valueKind(val))
	}
	return items, nil
}

func valueKind(v interface{}) string {
	if v == nil {
		return "null"
	}
	if expr.IsUndefined(v) {
		return "undefined"
	}
	switch v.(type) {
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	case map[string]interface{}:
		return "an object"
	}
	return fmt.Sprintf("%T", v)
}

// itemsError classifies an items evaluation failure, preserving an already
// classified error's code.
func itemsError(step *workflows.Step, err error) *workflows.Error {
	if werr, ok := workflows.AsError(err); ok {
		return werr.WithStep(step.ID)
	}
	return workflows.WrapError(workflows.ErrCodeNonIterable, err,
		"step %s: evaluating items %q", step.ID, step.Items).WithStep(step.ID)
}

// executeInternal runs one server-internal step against its owning queue and
// appends the completion record to the batch. Failures route through the
// error layer.
func (e *Engine) executeInternal(ctx context.Context, wf *Workflow, task *Task, step *workflows.Step, batch *StepBatch, attempt int) {
	q := wf.queue
	if task != nil {
		q = task.queue
	}
	sc := e.scope(wf, task)

	switch step.Type {
	case workflows.StepStateUpdate:
		ops := e.expandUpdates(wf, task, step, sc)
		res, err := e.store.Update(wf.ID, ops)
		if err != nil {
			e.handleStepError(ctx, wf, task, step, err, attempt, batch)
			return
		}
		e.recordFieldErrors(wf, task, step, res.FieldErrors)
		e.completeInternal(wf, task, step, batch, map[string]interface{}{
			"changed_paths": stringList(res.ChangedPaths),
		})

	case workflows.StepConditional:
		ok, err := expr.EvalCondition(step.Condition, sc)
		if err != nil {
			cause := workflows.WrapError(workflows.ErrCodeConditionEval, err,
				"step %s: evaluating condition %q", step.ID, step.Condition).WithStep(step.ID)
			e.handleStepError(ctx, wf, task, step, cause, attempt, batch)
			return
		}
		branch := step.Else
		if ok {
			branch = step.Then
		}
		q.pushBlock(frameBranch, branch)
		e.completeInternal(wf, task, step, batch, map[string]interface{}{"condition_result": ok})

	case workflows.StepWhileLoop:
		ok, err := expr.EvalCondition(step.Condition, sc)
		if err != nil {
			cause := workflows.WrapError(workflows.ErrCodeConditionEval, err,
				"step %s: evaluating loop condition %q", step.ID, step.Condition).WithStep(step.ID)
			e.handleStepError(ctx, wf, task, step, cause, attempt, batch)
			return
		}
		if ok {
			q.pushWhile(step, e.maxIterations(wf, step))
		}
		e.completeInternal(wf, task, step, batch, map[string]interface{}{"entered": ok})

	case workflows.StepForeach:
		items, err := evalItems(step.Items, sc)
		if err != nil {
			e.handleStepError(ctx, wf, task, step, itemsError(step, err), attempt, batch)
			return
		}
		if len(items) > 0 {
			q.pushForeach(step, items)
		}
		e.completeInternal(wf, task, step, batch, map[string]interface{}{"items": float64(len(items))})

	case workflows.StepBreak:
		if !q.unwindBreak() {
			cause := workflows.NewError(workflows.ErrCodeBreakOutsideLoop,
				"step %s: break outside any loop", step.ID).WithStep(step.ID)
			e.handleStepError(ctx, wf, task, step, cause, attempt, batch)
			return
		}
		e.completeInternal(wf, task, step, batch, nil)

	case workflows.StepContinue:
		if !q.unwindContinue() {
			cause := workflows.NewError(workflows.ErrCodeContinueOutsideLoop,
				"step %s: continue outside any loop", step.ID).WithStep(step.ID)
			e.handleStepError(ctx, wf, task, step, cause, attempt, batch)
			return
		}
		e.completeInternal(wf, task, step, batch, nil)
	}
}

// continueLoop decides whether an exhausted loop frame runs another pass:
// while re-checks its condition under the iteration bound, foreach advances
// to the next item.
func (e *Engine) continueLoop(ctx context.Context, wf *Workflow, task *Task, q *queue, f *frame, batch *StepBatch) {
	switch f.kind {
	case frameWhile:
		sc := e.scope(wf, task)
		ok, err := expr.EvalCondition(f.condition, sc)
		if err != nil {
			q.popFrame(f)
			cause := workflows.WrapError(workflows.ErrCodeConditionEval, err,
				"step %s: re-evaluating loop condition %q", f.owner.ID, f.condition).WithStep(f.owner.ID)
			e.handleStepError(ctx, wf, task, f.owner, cause, 0, batch)
			return
		}
		if !ok {
			q.popFrame(f)
			return
		}
		if f.iterations >= f.maxIterations {
			q.popFrame(f)
			cause := workflows.NewError(workflows.ErrCodeMaxIterations,
				"step %s: while_loop exceeded %d iterations", f.owner.ID, f.maxIterations).WithStep(f.owner.ID)
			e.handleStepError(ctx, wf, task, f.owner, cause, 0, batch)
			return
		}
		f.iterations++
		f.restart()

	case frameForeach:
		if !f.advance() {
			q.popFrame(f)
		}
	}
}

// dispatchClient expands a client-facing step, appends it to the batch, and
// records the pending dispatch with its deadline. The return value reports
// whether the batch must close now.
func (e *Engine) dispatchClient(ctx context.Context, wf *Workflow, task *Task, step *workflows.Step, batch *StepBatch, captured map[string]bool, attempt int) bool {
	expanded := e.expandStep(wf, task, step)

	rec := &dispatchedStep{
		original:   *step,
		expanded:   expanded,
		attempt:    attempt,
		dispatched: time.Now(),
	}
	pending := wf.pending
	parentScope := wf.ID
	if task != nil {
		rec.taskID = task.ID
		pending = task.pending
		parentScope = task.ID
	}
	pending[step.ID] = rec

	if expanded.TimeoutMs > 0 {
		at := rec.dispatched.Add(time.Duration(expanded.TimeoutMs) * time.Millisecond)
		wfID, taskID, stepID := wf.ID, rec.taskID, step.ID
		e.timeouts.Register(stepScope(wfID, taskID, stepID), parentScope, at, func() {
			e.expireStep(wfID, taskID, stepID)
		})
	}

	batch.Steps = append(batch.Steps, dispatchRecord(&expanded, attempt))
	wf.touch()

	if captured != nil && expanded.StateUpdate != nil && expanded.StateUpdate.Path != "" {
		captured[expanded.StateUpdate.Path] = true
		for _, dep := range e.store.Dependents(wf.ID, expanded.StateUpdate.Path) {
			captured[dep] = true
		}
	}

	if step.Type == workflows.StepUserInput {
		if task == nil {
			wf.awaitingInput = step.ID
			wf.Status = StatusBlocked
		}
		return true
	}
	return false
}

// circuitBlocked reports whether an open breaker refuses this step right
// now. The step stays queued; the error carries the retry-after hint.
func (e *Engine) circuitBlocked(wf *Workflow, step *workflows.Step) (bool, *workflows.Error) {
	handler := resolveHandler(wf, step)
	if handler.Strategy != strategyCircuitBreaker {
		return false, nil
	}
	cb := wf.circuits[step.ID]
	if cb == nil {
		return false, nil
	}
	now := time.Now()
	if cb.allow(now) {
		return false, nil
	}
	retryIn := cb.retryAfter(now).Round(time.Millisecond)
	err := workflows.NewError(workflows.ErrCodeCircuitOpen,
		"step %s: circuit open, retry in %s", step.ID, retryIn).WithStep(step.ID)
	e.tracker.Record(ErrorRecord{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		StepType:   string(step.Type),
		Code:       workflows.ErrCodeCircuitOpen,
		Message:    err.Message,
		Severity:   SeverityWarning,
		Strategy:   strategyCircuitBreaker,
		Recovered:  true,
	})
	return true, err
}

// expandUpdates renders a state_update's operations: paths and values may
// both carry templates. Expansion problems are warnings; the op applies
// with whatever rendered.
func (e *Engine) expandUpdates(wf *Workflow, task *Task, step *workflows.Step, sc map[string]interface{}) []state.Op {
	ops := make([]state.Op, 0, len(step.Updates))
	var errs []error
	for _, u := range step.Updates {
		path := u.Path
		if strings.Contains(path, "{{") {
			v, es := expr.ExpandString(path, sc)
			errs = append(errs, es...)
			if s, ok := v.(string); ok {
				path = s
			} else {
				path = expr.Render(v)
			}
		}
		value, es := expr.ExpandTree(u.Value, sc)
		errs = append(errs, es...)
		ops = append(ops, state.Op{Path: path, Operation: u.Operation, Value: value})
	}
	e.recordExpansionErrors(wf, task, step, errs)
	return ops
}

func (e *Engine) recordFieldErrors(wf *Workflow, task *Task, step *workflows.Step, fieldErrs []state.FieldError) {
	for _, fe := range fieldErrs {
		rec := ErrorRecord{
			WorkflowID: wf.ID,
			StepID:     step.ID,
			StepType:   string(step.Type),
			Code:       workflows.ErrCodeComputedField,
			Message:    fe.Err.Error(),
			Severity:   SeverityWarning,
			Recovered:  true,
			Data:       map[string]interface{}{"field": fe.Field},
		}
		if task != nil {
			rec.TaskID = task.ID
		}
		e.tracker.Record(rec)
	}
}

// completeInternal records a finished server-internal step. Task steps do
// not count toward main-tree progress.
func (e *Engine) completeInternal(wf *Workflow, task *Task, step *workflows.Step, batch *StepBatch, result map[string]interface{}) {
	if task == nil {
		wf.CompletedSteps++
	}
	wf.touch()
	batch.ServerCompleted = append(batch.ServerCompleted, CompletedStep{
		ID:     step.ID,
		Type:   step.Type,
		Result: result,
	})
}

func (e *Engine) maxIterations(wf *Workflow, step *workflows.Step) int {
	if step.MaxIterations > 0 {
		return step.MaxIterations
	}
	if wf.Definition.Settings != nil && wf.Definition.Settings.MaxIterations > 0 {
		return wf.Definition.Settings.MaxIterations
	}
	return e.opts.DefaultMaxIterations
}

// stepRefs collects the state paths a step's templates and expressions read.
// Update targets count as reads: both read-modify-write ops and plain
// overwrites must order after a pending capture of the same path.
func (e *Engine) stepRefs(step *workflows.Step) []string {
	var refs []string
	refs = append(refs, expr.TemplateRefs(step.Message)...)
	refs = append(refs, expr.TemplateRefs(step.Prompt)...)
	refs = append(refs, expr.TemplateRefs(step.Command)...)
	refs = append(refs, expr.TemplateRefs(step.Tool)...)
	if step.Arguments != nil {
		refs = append(refs, expr.TreeRefs(step.Arguments)...)
	}
	if step.Condition != "" {
		refs = append(refs, exprRefs(step.Condition)...)
	}
	if step.Items != "" {
		refs = append(refs, exprOrTemplateRefs(step.Items)...)
	}
	if step.StateUpdate != nil {
		refs = append(refs, expr.TemplateRefs(step.StateUpdate.Path)...)
	}
	for _, op := range step.Updates {
		refs = append(refs, expr.TemplateRefs(op.Path)...)
		refs = append(refs, expr.TreeRefs(op.Value)...)
		if !strings.Contains(op.Path, "{{") {
			refs = append(refs, op.Path)
		}
	}
	return refs
}

func exprRefs(src string) []string {
	parsed, err := expr.Parse(src)
	if err != nil {
		return nil
	}
	return parsed.Refs()
}

func exprOrTemplateRefs(src string) []string {
	if strings.Contains(src, "{{") {
		return expr.TemplateRefs(src)
	}
	return exprRefs(src)
}

// continuationRefs reports what a loop continuation will read: a while
// re-check evaluates its condition, a foreach advance reads nothing new.
func continuationRefs(f *frame) []string {
	if f.kind == frameWhile {
		return exprRefs(f.condition)
	}
	return nil
}

// refsCaptured reports whether any referenced path overlaps a batched
// capture that has not been submitted yet. True closes the batch so the
// caller delivers the result before the reader runs.
func refsCaptured(captured map[string]bool, refs []string) bool {
	if len(captured) == 0 {
		return false
	}
	for _, ref := range refs {
		for _, candidate := range qualifyRef(ref) {
			for path := range captured {
				if state.PathsOverlap(candidate, path) {
					return true
				}
			}
		}
	}
	return false
}

// qualifyRef maps a scope reference onto the tier paths a capture could
// write. Bare refs follow the flattened precedence, so both the state path
// and its computed shadow are candidates; loop and task bindings are never
// capture targets.
func qualifyRef(ref string) []string {
	head, _, _ := strings.Cut(ref, ".")
	switch head {
	case "state", "computed":
		return []string{ref}
	case "inputs", "loop", "task", "item", "index", "total", "input",
		"task_id", "workflow_id", "step_id", "Math", "Object":
		return nil
	}
	return []string{"state." + ref, "computed." + ref}
}
