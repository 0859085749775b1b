package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreaker guards calls to an external collaborator. It trips open
// once the failure ratio over a generation crosses the threshold, then
// allows a trickle of probes after the cooldown.
type CircuitBreaker struct {
	name         string
	maxRequests  uint32
	timeout      time.Duration
	failureRatio float64
	minRequests  uint32

	mutex  sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	gen    uint64
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

type Counts struct {
	Requests       uint32
	TotalSuccesses uint32
	TotalFailures  uint32
}

var ErrBreakerOpen = errors.New("circuit breaker is open")

func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxRequests:  5,
		timeout:      30 * time.Second,
		failureRatio: 0.6,
		minRequests:  10,
		state:        StateClosed,
	}
}

func (cb *CircuitBreaker) Execute(ctx context.Context, req func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	result, err := req()
	cb.afterRequest(gen, err == nil)
	return result, err
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, gen := cb.currentState(time.Now())
	if state == StateOpen {
		return gen, ErrBreakerOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return gen, ErrBreakerOpen
	}
	cb.counts.Requests++
	return gen, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, gen := cb.currentState(time.Now())
	if gen != before {
		// The breaker moved on while the call was in flight; the
		// outcome belongs to a generation that no longer exists.
		return
	}

	if success {
		cb.counts.TotalSuccesses++
		if state == StateHalfOpen && cb.counts.TotalSuccesses >= cb.maxRequests {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.TotalFailures++
	if state == StateHalfOpen {
		cb.transition(StateOpen)
		return
	}
	if cb.counts.Requests >= cb.minRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.failureRatio {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && cb.expiry.Before(now) {
		cb.transition(StateHalfOpen)
	}
	return cb.state, cb.gen
}

func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.counts = Counts{}
	cb.gen++
	if to == StateOpen {
		cb.expiry = time.Now().Add(cb.timeout)
	} else {
		cb.expiry = time.Time{}
	}
}
