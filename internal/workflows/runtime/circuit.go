package runtime

import "time"

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// circuitBreaker guards one step against repeated failure. Closed counts
// consecutive failures; at the threshold it opens and refuses execution
// until the reset timeout elapses, then a single half-open trial decides
// whether it closes again or reopens. Callers hold the owning workflow's
// lock, so no internal synchronisation is needed.
type circuitBreaker struct {
	threshold    int
	resetTimeout time.Duration

	state    circuitState
	failures int
	openedAt time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// allow reports whether an execution attempt may proceed, moving an open
// breaker to half-open once the reset timeout has elapsed.
func (b *circuitBreaker) allow(now time.Time) bool {
	if b.state != circuitOpen {
		return true
	}
	if now.Sub(b.openedAt) >= b.resetTimeout {
		b.state = circuitHalfOpen
		return true
	}
	return false
}

func (b *circuitBreaker) recordSuccess() {
	b.state = circuitClosed
	b.failures = 0
}

func (b *circuitBreaker) recordFailure(now time.Time) {
	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = now
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = circuitOpen
		b.openedAt = now
	}
}

// retryAfter reports when an open breaker will admit a trial again.
func (b *circuitBreaker) retryAfter(now time.Time) time.Duration {
	if b.state != circuitOpen {
		return 0
	}
	remaining := b.resetTimeout - now.Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
