package runtime

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/workflows"
)

// Status is the lifecycle state of a workflow instance or sub-agent task.
type Status string

const (
	StatusPending   Status = "pending" // sub-agent task awaiting a slot
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked" // awaiting user input or fan-in
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NewWorkflowID returns a fresh instance id: "wf_" plus 12 lowercase hex
// characters.
func NewWorkflowID() string {
	u := uuid.New()
	return "wf_" + hex.EncodeToString(u[:6])
}

// dispatchedStep remembers a client-facing step handed to the caller so the
// eventual result can be validated, captured, and routed through error
// handling. The original form is kept for retry re-expansion.
type dispatchedStep struct {
	original   workflows.Step
	expanded   workflows.Step
	taskID     string
	attempt    int
	dispatched time.Time
}

// Workflow is one live instance. Its mutex serialises every engine operation
// touching it, including sub-agent task advancement; retry waits release the
// lock while sleeping.
type Workflow struct {
	mu sync.Mutex

	ID         string
	Definition *workflows.Definition
	Status     Status
	Failure    *workflows.Error

	queue    *queue
	parallel *parallelRun               // active fan-out, nil otherwise
	tasks    map[string]*Task           // every task ever spawned, by id
	pending  map[string]*dispatchedStep // dispatched main-queue steps
	retries  map[string]*retryState     // by step key
	circuits map[string]*circuitBreaker // by step id, shared across tasks
	schedule *retrySchedule

	awaitingInput string // step id of a dispatched user_input gate

	TotalSteps     int
	CompletedSteps int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func newWorkflow(id string, def *workflows.Definition) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:         id,
		Definition: def,
		Status:     StatusRunning,
		queue:      newQueue(def.Steps),
		tasks:      make(map[string]*Task),
		pending:    make(map[string]*dispatchedStep),
		retries:    make(map[string]*retryState),
		circuits:   make(map[string]*circuitBreaker),
		schedule:   newRetrySchedule(),
		TotalSteps: def.TotalSteps(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (wf *Workflow) touch() {
	wf.UpdatedAt = time.Now().UTC()
}

// stepKey scopes retry state to a step occurrence: task steps retry
// independently per task.
func stepKey(taskID, stepID string) string {
	if taskID == "" {
		return stepID
	}
	return taskID + "/" + stepID
}

// Task is one sub-agent execution slot spawned by parallel_foreach.
type Task struct {
	ID      string
	Index   int
	Item    interface{}
	Status  Status
	Failure *workflows.Error

	queue    *queue
	pending  map[string]*dispatchedStep
	schedule *retrySchedule
	bindings map[string]interface{}
}

func newTask(wf *Workflow, stepID string, index int, item interface{}, total int, steps []workflows.Step) *Task {
	id := fmt.Sprintf("%s.parallel.%d", wf.ID, index)
	return &Task{
		ID:       id,
		Index:    index,
		Item:     item,
		Status:   StatusPending,
		queue:    newQueue(steps),
		pending:  make(map[string]*dispatchedStep),
		schedule: newRetrySchedule(),
		bindings: map[string]interface{}{
			"item":        item,
			"index":       float64(index),
			"total":       float64(total),
			"task_id":     id,
			"workflow_id": wf.ID,
			"step_id":     stepID,
		},
	}
}

const (
	fanInFailFast   = "fail_fast"
	fanInCollectAll = "collect_all"
	fanInBestEffort = "best_effort"
	fanInThreshold  = "threshold"
)

// parallelRun is the coordinator bookkeeping for one active parallel_foreach:
// full-iteration fan-out with admission capped at maxParallel concurrently
// active tasks.
type parallelRun struct {
	step        workflows.Step // expanded parallel step
	owner       *workflows.Step
	tasks       []*Task
	maxParallel int
	policy      string
	threshold   float64
	admitted    int
	active      int
}

// admit moves pending tasks into running order until the active window is
// full, returning the newly admitted tasks.
func (p *parallelRun) admit() []*Task {
	var newly []*Task
	for p.active < p.maxParallel && p.admitted < len(p.tasks) {
		t := p.tasks[p.admitted]
		p.admitted++
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusRunning
		p.active++
		newly = append(newly, t)
	}
	return newly
}

// taskDone releases the slot a terminal task held and admits the next
// pending one.
func (p *parallelRun) taskDone() []*Task {
	if p.active > 0 {
		p.active--
	}
	return p.admit()
}

func (p *parallelRun) allTerminal() bool {
	for _, t := range p.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func (p *parallelRun) counts() (completed, failed, cancelled int) {
	for _, t := range p.tasks {
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return
}

// firstFailure returns the earliest-index failed task, if any.
func (p *parallelRun) firstFailure() *Task {
	for _, t := range p.tasks {
		if t.Status == StatusFailed {
			return t
		}
	}
	return nil
}
