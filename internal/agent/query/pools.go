package query

import (
	"context"
	"sync"
)

// admission serializes queries that share a pool key and caps how many run
// at once across all pools. Waiters are context-aware: a caller that goes
// away stops queueing.
type admission struct {
	slots chan struct{}

	mu    sync.Mutex
	pools map[string]*poolGate
}

// poolGate is a mutex with a context-aware acquire. refs counts holders and
// waiters so idle gates can be dropped from the table.
type poolGate struct {
	ch   chan struct{}
	refs int
}

func newAdmission(maxConcurrent int) *admission {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &admission{
		slots: make(chan struct{}, maxConcurrent),
		pools: make(map[string]*poolGate),
	}
}

// acquire claims a global slot and the pool gate for key, in that order.
// The returned release must be called exactly once. A cancelled context
// releases anything already claimed.
func (a *admission) acquire(ctx context.Context, key string) (release func(), err error) {
	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	gate := a.enter(key)
	select {
	case gate.ch <- struct{}{}:
	case <-ctx.Done():
		a.leave(key)
		<-a.slots
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-gate.ch
			a.leave(key)
			<-a.slots
		})
	}, nil
}

func (a *admission) enter(key string) *poolGate {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate, ok := a.pools[key]
	if !ok {
		gate = &poolGate{ch: make(chan struct{}, 1)}
		a.pools[key] = gate
	}
	gate.refs++
	return gate
}

func (a *admission) leave(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate, ok := a.pools[key]
	if !ok {
		return
	}
	gate.refs--
	if gate.refs <= 0 {
		delete(a.pools, key)
	}
}
