package timeline

import (
	"context"
	"sync"
)

// operationClass separates the gates so a long-running timeline sync does
// not block a single-status refresh for the same account.
type operationClass int

const (
	classTimeline operationClass = iota
	classSingle
)

type gateKey struct {
	accountID string
	class     operationClass
}

// gateSet holds one single-permit gate per account and operation class. Two
// concurrent synchronizations of the same account would race on cursor
// advancement and double-count new-item deltas, so the second caller waits.
type gateSet struct {
	mu    sync.Mutex
	gates map[gateKey]chan struct{}
}

func newGateSet() *gateSet {
	return &gateSet{gates: make(map[gateKey]chan struct{})}
}

// acquire takes the permit for the account and class, blocking until it is
// free or the context ends. The returned release function must be called
// exactly once.
func (g *gateSet) acquire(ctx context.Context, accountID string, class operationClass) (func(), error) {
	g.mu.Lock()
	key := gateKey{accountID: accountID, class: class}
	gate, ok := g.gates[key]
	if !ok {
		gate = make(chan struct{}, 1)
		g.gates[key] = gate
	}
	g.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
