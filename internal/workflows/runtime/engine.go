package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"foreman/internal/logging"
	"foreman/internal/workflows"
	"foreman/internal/workflows/state"
)

// Options tune engine-wide defaults. Zero values fall back to the documented
// defaults.
type Options struct {
	DefaultMaxIterations int           // while_loop bound when the definition sets none
	DefaultMaxParallel   int           // parallel_foreach window when the step sets none
	WorkflowHistoryCap   int           // error records retained per workflow
	GlobalHistoryCap     int           // error records retained across workflows
	TerminalTTL          time.Duration // how long finished instances stay queryable
	IdleTTL              time.Duration // inactivity budget before a running instance is cancelled
}

const (
	defaultMaxIterations = 100
	defaultMaxParallel   = 5
	defaultTerminalTTL   = time.Hour
	defaultIdleTTL       = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.DefaultMaxIterations <= 0 {
		o.DefaultMaxIterations = defaultMaxIterations
	}
	if o.DefaultMaxParallel <= 0 {
		o.DefaultMaxParallel = defaultMaxParallel
	}
	if o.TerminalTTL <= 0 {
		o.TerminalTTL = defaultTerminalTTL
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = defaultIdleTTL
	}
	return o
}

// Engine drives workflow instances. Clients pull work with GetNextStep /
// GetNextSubAgentStep and push outcomes with SubmitStepResult; the engine
// executes everything server-internal in between.
type Engine struct {
	store    *state.Store
	tracker  *ErrorTracker
	timeouts *TimeoutManager
	opts     Options
	tracer   trace.Tracer

	mu        sync.RWMutex
	instances map[string]*Workflow
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:     state.NewStore(),
		tracker:   NewErrorTracker(opts.WorkflowHistoryCap, opts.GlobalHistoryCap),
		timeouts:  NewTimeoutManager(),
		opts:      opts,
		tracer:    otel.Tracer("foreman/runtime"),
		instances: make(map[string]*Workflow),
	}
}

// Errors exposes the tracker for history queries and exports.
func (e *Engine) Errors() *ErrorTracker {
	return e.tracker
}

// Store exposes the state store, mainly for tests and diagnostics.
func (e *Engine) Store() *state.Store {
	return e.store
}

// StartWorkflow validates inputs against the definition, seeds the state
// tiers, and registers a new running instance.
func (e *Engine) StartWorkflow(ctx context.Context, def *workflows.Definition, inputs map[string]interface{}) (*StartResult, error) {
	_, span := e.tracer.Start(ctx, "workflow.start",
		trace.WithAttributes(attribute.String("workflow.name", def.Name)))
	defer span.End()

	validated, err := def.ValidateInputs(inputs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	id := NewWorkflowID()
	wf := newWorkflow(id, def)

	snap, fieldErrs := e.store.Init(id, computedFields(def), def.DefaultState, validated)
	for _, fe := range fieldErrs {
		e.tracker.Record(ErrorRecord{
			WorkflowID: id,
			Code:       workflows.ErrCodeComputedField,
			Message:    fe.Err.Error(),
			Severity:   SeverityWarning,
			Recovered:  true,
			Data:       map[string]interface{}{"field": fe.Field},
		})
	}

	if def.Settings != nil && def.Settings.TimeoutMs > 0 {
		at := time.Now().Add(time.Duration(def.Settings.TimeoutMs) * time.Millisecond)
		e.timeouts.Register(id, "", at, func() { e.expireWorkflow(id) })
	}

	e.mu.Lock()
	e.instances[id] = wf
	e.mu.Unlock()

	span.SetAttributes(attribute.String("workflow.id", id))
	logging.Info("Started workflow %s (%s) with %d steps", id, def.Name, wf.TotalSteps)

	return &StartResult{
		WorkflowID: id,
		Name:       def.Name,
		Status:     wf.Status,
		TotalSteps: wf.TotalSteps,
		State:      stateView(snap.Inputs, snap.State, snap.Computed),
		CreatedAt:  wf.CreatedAt,
	}, nil
}

// GetNextStep advances a workflow to its next suspension point: it executes
// server-internal steps inline, accumulates client-facing steps into a
// batch, and returns when the batch must close (user input, fan-out, a
// captured result a later template reads, retry backoff with work in hand,
// or queue exhaustion).
func (e *Engine) GetNextStep(ctx context.Context, workflowID string) (*StepBatch, error) {
	e.timeouts.Sweep(time.Now())

	wf, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.get_next_step",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.touch()

	// Results not submitted before this poll are forfeited; the steps count
	// as implicitly completed.
	e.forfeitPending(wf)

	batch := &StepBatch{
		WorkflowID:      wf.ID,
		Steps:           []DispatchedStep{},
		ServerCompleted: []CompletedStep{},
	}
	captured := make(map[string]bool)

	for {
		switch wf.Status {
		case StatusCompleted:
			return e.closeBatch(wf, batch), nil
		case StatusFailed, StatusCancelled:
			span.RecordError(wf.Failure)
			return nil, wf.Failure
		}

		// An unresolved fan-out blocks the parent queue.
		if wf.parallel != nil {
			wf.Status = StatusBlocked
			return e.closeBatch(wf, batch), nil
		}
		if wf.Status == StatusBlocked {
			wf.Status = StatusRunning
		}

		// Due retries run before fresh queue work so program order holds.
		if r := wf.schedule.next(); r != nil {
			if refsCaptured(captured, e.stepRefs(&r.step)) {
				return e.closeBatch(wf, batch), nil
			}
			if time.Until(r.due) > 0 {
				if len(batch.Steps) > 0 || len(batch.ServerCompleted) > 0 {
					return e.closeBatch(wf, batch), nil
				}
				if err := e.waitUntil(ctx, wf, r.due); err != nil {
					return nil, err
				}
				continue
			}
			r = wf.schedule.take()
			switch {
			case r.step.Type.ServerInternal():
				e.executeInternal(ctx, wf, nil, &r.step, batch, r.attempt)
			case r.step.Type == workflows.StepParallelForeach:
				if e.startParallel(ctx, wf, &r.step, batch) {
					wf.Status = StatusBlocked
					return e.closeBatch(wf, batch), nil
				}
			default:
				if e.dispatchClient(ctx, wf, nil, &r.step, batch, captured, r.attempt) {
					return e.closeBatch(wf, batch), nil
				}
			}
			continue
		}

		// A drained queue finishes the workflow only once nothing is still in
		// flight: unreported dispatches and scheduled retries keep it running.
		pulled, ok := wf.queue.peek()
		if !ok {
			if len(wf.pending) == 0 && wf.schedule.len() == 0 {
				e.finishWorkflow(wf)
			}
			return e.closeBatch(wf, batch), nil
		}

		if pulled.continuation != nil {
			if refsCaptured(captured, continuationRefs(pulled.continuation)) {
				return e.closeBatch(wf, batch), nil
			}
			e.continueLoop(ctx, wf, nil, wf.queue, pulled.continuation, batch)
			continue
		}

		step := pulled.step
		if refsCaptured(captured, e.stepRefs(step)) {
			return e.closeBatch(wf, batch), nil
		}

		if step.Type.ServerInternal() {
			wf.queue.pop()
			e.executeInternal(ctx, wf, nil, step, batch, 0)
			continue
		}

		if step.Type == workflows.StepParallelForeach {
			wf.queue.pop()
			if e.startParallel(ctx, wf, step, batch) {
				wf.Status = StatusBlocked
				return e.closeBatch(wf, batch), nil
			}
			continue
		}

		// Circuit gate before the step is consumed: an open breaker refuses
		// dispatch but leaves the step at the queue head.
		if open, openErr := e.circuitBlocked(wf, step); open {
			if len(batch.Steps) > 0 || len(batch.ServerCompleted) > 0 {
				return e.closeBatch(wf, batch), nil
			}
			span.RecordError(openErr)
			return nil, openErr
		}

		wf.queue.pop()
		if e.dispatchClient(ctx, wf, nil, step, batch, captured, 0) {
			return e.closeBatch(wf, batch), nil
		}
	}
}

// Status reports one instance's current view.
func (e *Engine) Status(workflowID string) (*StatusReport, error) {
	wf, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()

	report := &StatusReport{
		WorkflowID: wf.ID,
		Name:       wf.Definition.Name,
		Status:     wf.Status,
		Progress:   wf.progress(),
		LastError:  wf.Failure,
		CreatedAt:  wf.CreatedAt,
		UpdatedAt:  wf.UpdatedAt,
	}
	if snap, ok := e.store.Read(wf.ID); ok {
		report.State = stateView(snap.Inputs, snap.State, snap.Computed)
	}
	if len(wf.tasks) > 0 {
		report.Tasks = make([]TaskReport, 0, len(wf.tasks))
		for _, t := range wf.tasks {
			report.Tasks = append(report.Tasks, TaskReport{
				TaskID: t.ID,
				Index:  t.Index,
				Item:   t.Item,
				Status: t.Status,
				Error:  t.Failure,
			})
		}
		sort.Slice(report.Tasks, func(i, j int) bool { return report.Tasks[i].Index < report.Tasks[j].Index })
	}
	return report, nil
}

// List summarises every registered instance, newest first.
func (e *Engine) List() []Summary {
	e.mu.RLock()
	instances := make([]*Workflow, 0, len(e.instances))
	for _, wf := range e.instances {
		instances = append(instances, wf)
	}
	e.mu.RUnlock()

	out := make([]Summary, 0, len(instances))
	for _, wf := range instances {
		wf.mu.Lock()
		out = append(out, Summary{
			WorkflowID: wf.ID,
			Name:       wf.Definition.Name,
			Status:     wf.Status,
			Progress:   wf.progress(),
			CreatedAt:  wf.CreatedAt,
			UpdatedAt:  wf.UpdatedAt,
		})
		wf.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel terminates a running instance and cascades to its tasks. Cancelling
// a terminal instance is a no-op that reports the existing status.
func (e *Engine) Cancel(workflowID, reason string) (Status, error) {
	wf, err := e.instance(workflowID)
	if err != nil {
		return "", err
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.Status.Terminal() {
		return wf.Status, nil
	}
	if reason == "" {
		reason = "cancelled by caller"
	}
	cause := workflows.NewError(workflows.ErrCodeCancelled, "workflow %s cancelled: %s", wf.ID, reason)
	e.tracker.Record(ErrorRecord{
		WorkflowID: wf.ID,
		Code:       workflows.ErrCodeCancelled,
		Message:    cause.Message,
		Severity:   SeverityWarning,
		Recovered:  false,
	})
	e.terminate(wf, StatusCancelled, cause)
	return wf.Status, nil
}

// Sweep fires due deadlines and evicts aged instances. The background
// sweeper calls this periodically; engine entry points also sweep deadlines
// cooperatively.
func (e *Engine) Sweep(now time.Time) {
	e.timeouts.Sweep(now)
	e.evict(now)
}

func (e *Engine) evict(now time.Time) {
	e.mu.RLock()
	candidates := make([]*Workflow, 0, len(e.instances))
	for _, wf := range e.instances {
		candidates = append(candidates, wf)
	}
	e.mu.RUnlock()

	for _, wf := range candidates {
		wf.mu.Lock()
		terminal := wf.Status.Terminal()
		updated := wf.UpdatedAt
		if !terminal && now.Sub(updated) > e.opts.IdleTTL {
			cause := workflows.NewError(workflows.ErrCodeCancelled,
				"workflow %s cancelled after %s of inactivity", wf.ID, e.opts.IdleTTL)
			e.tracker.Record(ErrorRecord{
				WorkflowID: wf.ID,
				Code:       workflows.ErrCodeCancelled,
				Message:    cause.Message,
				Severity:   SeverityWarning,
			})
			e.terminate(wf, StatusCancelled, cause)
			wf.mu.Unlock()
			continue
		}
		evictable := terminal && now.Sub(updated) > e.opts.TerminalTTL
		wf.mu.Unlock()

		if evictable {
			e.remove(wf.ID)
		}
	}
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
	e.store.Delete(id)
	e.tracker.Drop(id)
	e.timeouts.Cancel(id)
	logging.Debug("Evicted workflow %s", id)
}

func (e *Engine) instance(id string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.instances[id]
	if !ok {
		return nil, workflows.NewError(workflows.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (wf *Workflow) progress() Progress {
	return Progress{TotalSteps: wf.TotalSteps, CompletedSteps: wf.CompletedSteps}
}

func (e *Engine) closeBatch(wf *Workflow, batch *StepBatch) *StepBatch {
	batch.Status = wf.Status
	batch.Progress = wf.progress()
	return batch
}

// forfeitPending discards main-queue dispatch records the caller never
// reported on. Each forfeited step counts as completed; its capture is lost
// and later templates see absent values.
func (e *Engine) forfeitPending(wf *Workflow) {
	for id, rec := range wf.pending {
		e.timeouts.Cancel(stepScope(wf.ID, rec.taskID, id))
		delete(wf.pending, id)
		wf.CompletedSteps++
	}
	if wf.awaitingInput != "" {
		wf.awaitingInput = ""
		if wf.Status == StatusBlocked {
			wf.Status = StatusRunning
		}
	}
}

// waitUntil sleeps until the retry rendezvous, releasing the workflow lock
// for the duration so status queries, submissions, and sibling task polls
// proceed.
func (e *Engine) waitUntil(ctx context.Context, wf *Workflow, due time.Time) error {
	wf.mu.Unlock()
	defer wf.mu.Lock()

	timer := time.NewTimer(time.Until(due))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return workflows.WrapError(workflows.ErrCodeCancelled, ctx.Err(), "wait for retry interrupted")
	case <-timer.C:
		return nil
	}
}

// finishWorkflow marks a drained instance completed and releases its
// per-instance error machinery.
func (e *Engine) finishWorkflow(wf *Workflow) {
	wf.Status = StatusCompleted
	e.cleanup(wf)
	logging.Info("Workflow %s completed (%d/%d steps)", wf.ID, wf.CompletedSteps, wf.TotalSteps)
}

// terminate moves an instance to failed or cancelled, cancelling live tasks
// and deadlines.
func (e *Engine) terminate(wf *Workflow, status Status, cause *workflows.Error) {
	wf.Status = status
	wf.Failure = cause
	for _, t := range wf.tasks {
		if !t.Status.Terminal() {
			t.Status = StatusCancelled
			t.Failure = workflows.NewError(workflows.ErrCodeCancelled, "parent workflow %s is %s", wf.ID, status)
		}
	}
	wf.parallel = nil
	e.cleanup(wf)
	if status == StatusFailed {
		logging.Error("Workflow %s failed: %v", wf.ID, cause)
	} else {
		logging.Info("Workflow %s cancelled: %v", wf.ID, cause)
	}
}

func (e *Engine) cleanup(wf *Workflow) {
	wf.pending = make(map[string]*dispatchedStep)
	wf.retries = make(map[string]*retryState)
	wf.circuits = make(map[string]*circuitBreaker)
	wf.schedule = newRetrySchedule()
	wf.awaitingInput = ""
	wf.touch()
	// Task scopes need explicit cancellation: a task that never armed its own
	// deadline is not linked under the workflow scope, so cancelling the
	// workflow alone would leave its step deadlines live.
	for id := range wf.tasks {
		e.timeouts.Cancel(id)
	}
	e.timeouts.Cancel(wf.ID)
}

// expireWorkflow is the workflow-level deadline callback.
func (e *Engine) expireWorkflow(id string) {
	wf, err := e.instance(id)
	if err != nil {
		return
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.Status.Terminal() {
		return
	}
	var budget int64
	if wf.Definition.Settings != nil {
		budget = wf.Definition.Settings.TimeoutMs
	}
	cause := workflows.NewError(workflows.ErrCodeTimeout, "workflow %s timed out after %dms", id, budget)
	e.tracker.Record(ErrorRecord{
		WorkflowID: id,
		Code:       workflows.ErrCodeTimeout,
		Message:    cause.Message,
		Severity:   SeverityCritical,
	})
	e.terminate(wf, StatusFailed, cause)
}

// expireStep is the per-step deadline callback for dispatched client steps.
func (e *Engine) expireStep(wfID, taskID, stepID string) {
	wf, err := e.instance(wfID)
	if err != nil {
		return
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.Status.Terminal() {
		return
	}

	var task *Task
	pending := wf.pending
	if taskID != "" {
		task = wf.tasks[taskID]
		if task == nil || task.Status.Terminal() {
			return
		}
		pending = task.pending
	}
	rec, ok := pending[stepID]
	if !ok {
		return
	}
	delete(pending, stepID)
	if wf.awaitingInput == stepID {
		wf.awaitingInput = ""
	}

	cause := workflows.NewError(workflows.ErrCodeTimeout,
		"step %s timed out after %dms", stepID, rec.expanded.TimeoutMs).WithStep(stepID)
	e.handleStepError(context.Background(), wf, task, &rec.original, cause, rec.attempt, nil)
}

func stepScope(wfID, taskID, stepID string) string {
	if taskID != "" {
		return taskID + "/" + stepID
	}
	return wfID + "/" + stepID
}

func computedFields(def *workflows.Definition) []state.ComputedField {
	fields := make([]state.ComputedField, 0, len(def.Computed))
	for name, spec := range def.Computed {
		fields = append(fields, state.ComputedField{
			Name:      name,
			From:      []string(spec.From),
			Transform: spec.Transform,
		})
	}
	return fields
}
