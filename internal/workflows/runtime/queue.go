// Package runtime executes workflow instances: it walks the step tree,
// runs server-internal steps inline, batches client-facing steps for the
// caller, coordinates parallel fan-out, and routes every failure through
// the configured error strategy.
package runtime

import "foreman/internal/workflows"

type frameKind int

const (
	framePlain frameKind = iota
	frameBranch
	frameWhile
	frameForeach
)

// frame is one level of the execution stack. Loop frames carry what is
// needed to decide whether another body pass runs once the current one is
// exhausted.
type frame struct {
	kind  frameKind
	steps []workflows.Step
	pos   int

	// while_loop
	condition     string
	iterations    int
	maxIterations int

	// foreach
	items []interface{}
	index int

	owner *workflows.Step // owning step for loop frames
}

// restart begins another body pass.
func (f *frame) restart() {
	f.pos = 0
}

// advance moves a foreach frame to the next item; false means exhausted.
func (f *frame) advance() bool {
	f.index++
	if f.index >= len(f.items) {
		return false
	}
	f.pos = 0
	return true
}

func (f *frame) isLoop() bool {
	return f.kind == frameWhile || f.kind == frameForeach
}

// queueEntry is what the executor pulls: either a concrete step or a loop
// frame that finished a body pass and needs its continuation decided.
type queueEntry struct {
	step         *workflows.Step
	continuation *frame
}

// queue is the step queue for one workflow or one sub-agent task: a stack of
// frames whose top supplies the next step. Nested constructs push frames;
// exhausted plain frames pop silently, exhausted loop frames surface as
// continuation entries.
type queue struct {
	frames []*frame
}

func newQueue(steps []workflows.Step) *queue {
	q := &queue{}
	if len(steps) > 0 {
		q.frames = append(q.frames, &frame{kind: framePlain, steps: steps})
	}
	return q
}

// peek returns the next pending entry without consuming it, discarding
// exhausted non-loop frames along the way.
func (q *queue) peek() (queueEntry, bool) {
	for len(q.frames) > 0 {
		top := q.frames[len(q.frames)-1]
		if top.pos < len(top.steps) {
			return queueEntry{step: &top.steps[top.pos]}, true
		}
		if top.isLoop() {
			return queueEntry{continuation: top}, true
		}
		q.frames = q.frames[:len(q.frames)-1]
	}
	return queueEntry{}, false
}

// pop consumes the step entry peek would return. Continuation entries are
// not consumed here; they resolve through restart, advance, or popFrame.
func (q *queue) pop() (queueEntry, bool) {
	e, ok := q.peek()
	if !ok {
		return e, false
	}
	if e.step != nil {
		q.frames[len(q.frames)-1].pos++
	}
	return e, true
}

func (q *queue) pushBlock(kind frameKind, steps []workflows.Step) {
	if len(steps) == 0 {
		return
	}
	q.frames = append(q.frames, &frame{kind: kind, steps: steps})
}

func (q *queue) pushWhile(owner *workflows.Step, maxIterations int) {
	q.frames = append(q.frames, &frame{
		kind:          frameWhile,
		steps:         owner.Body,
		condition:     owner.Condition,
		iterations:    1,
		maxIterations: maxIterations,
		owner:         owner,
	})
}

func (q *queue) pushForeach(owner *workflows.Step, items []interface{}) {
	q.frames = append(q.frames, &frame{
		kind:  frameForeach,
		steps: owner.Body,
		items: items,
		owner: owner,
	})
}

// pushFront re-queues a single step ahead of everything else.
func (q *queue) pushFront(step workflows.Step) {
	q.frames = append(q.frames, &frame{kind: framePlain, steps: []workflows.Step{step}})
}

// popFrame removes a specific frame, closing a loop whose continuation
// declined another pass.
func (q *queue) popFrame(f *frame) {
	for i := len(q.frames) - 1; i >= 0; i-- {
		if q.frames[i] == f {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return
		}
	}
}

// unwindBreak pops frames up to and including the innermost loop frame.
// False means there is no enclosing loop.
func (q *queue) unwindBreak() bool {
	for i := len(q.frames) - 1; i >= 0; i-- {
		if q.frames[i].isLoop() {
			q.frames = q.frames[:i]
			return true
		}
	}
	return false
}

// unwindContinue pops frames above the innermost loop frame and exhausts its
// current pass, so the next pull decides the loop continuation.
func (q *queue) unwindContinue() bool {
	for i := len(q.frames) - 1; i >= 0; i-- {
		f := q.frames[i]
		if f.isLoop() {
			q.frames = q.frames[:i+1]
			f.pos = len(f.steps)
			return true
		}
	}
	return false
}

// loopBindings returns the innermost foreach bindings, or nil outside any
// foreach. Inner loops shadow outer ones.
func (q *queue) loopBindings() map[string]interface{} {
	for i := len(q.frames) - 1; i >= 0; i-- {
		f := q.frames[i]
		if f.kind == frameForeach && f.index < len(f.items) {
			return map[string]interface{}{
				"item":  f.items[f.index],
				"index": float64(f.index),
				"total": float64(len(f.items)),
			}
		}
	}
	return nil
}

func (q *queue) depth() int {
	return len(q.frames)
}
