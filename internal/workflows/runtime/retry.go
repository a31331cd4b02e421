package runtime

import (
	"container/heap"
	"time"

	"github.com/cenkalti/backoff/v5"

	"foreman/internal/workflows"
)

const (
	defaultRetryCount = 2
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0
	defaultJitter     = 0.2
	minRetryDelay     = 100 * time.Millisecond
)

// retryState tracks the attempts made for one step occurrence. The backoff
// yields base, base*multiplier, base*multiplier^2... capped at the max delay,
// with uniform jitter applied around each value.
type retryState struct {
	handler  *workflows.ErrorHandlerSpec
	attempts int // failed attempts so far
	backoff  *backoff.ExponentialBackOff
	errors   []string // message per failed attempt, oldest first
}

func newRetryState(handler *workflows.ErrorHandlerSpec) *retryState {
	base := defaultBaseDelay
	if handler.BaseDelayMs > 0 {
		base = time.Duration(handler.BaseDelayMs) * time.Millisecond
	}
	maxDelay := defaultMaxDelay
	if handler.MaxDelayMs > 0 {
		maxDelay = time.Duration(handler.MaxDelayMs) * time.Millisecond
	}
	multiplier := defaultMultiplier
	if handler.Multiplier > 0 {
		multiplier = handler.Multiplier
	}
	jitter := defaultJitter
	if handler.JitterFactor != nil {
		jitter = *handler.JitterFactor
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.Multiplier = multiplier
	eb.RandomizationFactor = jitter

	return &retryState{handler: handler, backoff: eb}
}

// recordFailure notes one failed attempt and returns the delay before the
// next one. Delays never drop below the floor regardless of configuration.
func (r *retryState) recordFailure(message string) time.Duration {
	r.attempts++
	r.errors = append(r.errors, message)
	d := r.backoff.NextBackOff()
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// exhausted reports whether the attempt budget is spent.
func (r *retryState) exhausted() bool {
	return r.attempts > r.retryCount()
}

func (r *retryState) retryCount() int {
	if r.handler.RetryCount > 0 {
		return r.handler.RetryCount
	}
	return defaultRetryCount
}

// eligible reports whether an error code may be retried under this handler:
// the deny list wins, then a non-empty allow list must name the code.
func (r *retryState) eligible(code workflows.ErrorCode) bool {
	return retryEligible(r.handler, code)
}

func retryEligible(handler *workflows.ErrorHandlerSpec, code workflows.ErrorCode) bool {
	for _, skip := range handler.SkipRetryOn {
		if workflows.ErrorCode(skip) == code {
			return false
		}
	}
	if len(handler.RetryOn) == 0 {
		return true
	}
	for _, allow := range handler.RetryOn {
		if workflows.ErrorCode(allow) == code {
			return true
		}
	}
	return false
}

// scheduledRetry is a step waiting for its next dispatch.
type scheduledRetry struct {
	step    workflows.Step // original (unexpanded) form, re-expanded at dispatch
	taskID  string         // empty for main-queue steps
	attempt int            // attempt number of the upcoming dispatch, 1-based
	due     time.Time
	index   int
}

type retryHeap []*scheduledRetry

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *retryHeap) Push(x interface{}) { r := x.(*scheduledRetry); r.index = len(*h); *h = append(*h, r) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// retrySchedule orders pending retry attempts by due time.
type retrySchedule struct {
	heap retryHeap
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{}
}

func (s *retrySchedule) add(r *scheduledRetry) {
	heap.Push(&s.heap, r)
}

// next returns the earliest pending retry without removing it.
func (s *retrySchedule) next() *scheduledRetry {
	if len(s.heap) == 0 {
		return nil
	}
	return s.heap[0]
}

// take removes and returns the earliest pending retry.
func (s *retrySchedule) take() *scheduledRetry {
	if len(s.heap) == 0 {
		return nil
	}
	return heap.Pop(&s.heap).(*scheduledRetry)
}

func (s *retrySchedule) len() int {
	return len(s.heap)
}
