package runtime

import (
	"container/heap"
	"sync"
	"time"
)

// deadline is one registered timeout scope.
type deadline struct {
	id       string
	parent   string
	at       time.Time
	onExpire func()
	index    int // heap index, -1 once removed
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// TimeoutManager tracks hierarchical deadlines: workflows own step and task
// scopes. Expiry fires the scope's callback and silently disarms every
// descendant, which the callback then marks cancelled. Sweeps run
// cooperatively on engine calls and from the background sweeper.
type TimeoutManager struct {
	mu       sync.Mutex
	heap     deadlineHeap
	scopes   map[string]*deadline
	children map[string]map[string]bool
}

func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{
		scopes:   make(map[string]*deadline),
		children: make(map[string]map[string]bool),
	}
}

// Register arms a deadline for a scope, replacing any previous one with the
// same id. The callback runs outside the manager lock when the deadline
// fires.
func (m *TimeoutManager) Register(id, parentID string, at time.Time, onExpire func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(id)
	d := &deadline{id: id, parent: parentID, at: at, onExpire: onExpire}
	m.scopes[id] = d
	heap.Push(&m.heap, d)
	if parentID != "" {
		kids := m.children[parentID]
		if kids == nil {
			kids = make(map[string]bool)
			m.children[parentID] = kids
		}
		kids[id] = true
	}
}

// Cancel disarms a scope and all of its descendants without firing
// callbacks.
func (m *TimeoutManager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTreeLocked(id)
}

// Sweep fires every deadline due at now, cancelling each fired scope's
// descendants, and returns how many fired. Callbacks run outside the lock in
// due order.
func (m *TimeoutManager) Sweep(now time.Time) int {
	m.mu.Lock()
	var fired []func()
	for len(m.heap) > 0 && !m.heap[0].at.After(now) {
		d := heap.Pop(&m.heap).(*deadline)
		delete(m.scopes, d.id)
		m.unlinkLocked(d)
		m.cancelChildrenLocked(d.id)
		if d.onExpire != nil {
			fired = append(fired, d.onExpire)
		}
	}
	m.mu.Unlock()

	for _, fn := range fired {
		fn()
	}
	return len(fired)
}

// NextDeadline reports the earliest armed deadline.
func (m *TimeoutManager) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return time.Time{}, false
	}
	return m.heap[0].at, true
}

// Armed reports whether a scope currently has a deadline.
func (m *TimeoutManager) Armed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scopes[id]
	return ok
}

func (m *TimeoutManager) cancelTreeLocked(id string) {
	m.removeLocked(id)
	m.cancelChildrenLocked(id)
}

func (m *TimeoutManager) cancelChildrenLocked(id string) {
	for child := range m.children[id] {
		m.cancelTreeLocked(child)
	}
	delete(m.children, id)
}

func (m *TimeoutManager) removeLocked(id string) {
	d, ok := m.scopes[id]
	if !ok {
		return
	}
	delete(m.scopes, id)
	if d.index >= 0 {
		heap.Remove(&m.heap, d.index)
	}
	m.unlinkLocked(d)
}

func (m *TimeoutManager) unlinkLocked(d *deadline) {
	if d.parent == "" {
		return
	}
	if kids := m.children[d.parent]; kids != nil {
		delete(kids, d.id)
		if len(kids) == 0 {
			delete(m.children, d.parent)
		}
	}
}
