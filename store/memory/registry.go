// Package memory provides in-process implementations of the order registry
// and the treasury, used by tests and single-node development setups.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	marketplace "github.com/givabit/marketplace"
)

// Registry is an in-memory marketplace.OrderRegistry
type Registry struct {
	mu     sync.RWMutex
	states map[common.Hash]marketplace.OrderState
}

var _ marketplace.OrderRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry; every digest starts open
func NewRegistry() *Registry {
	return &Registry{states: make(map[common.Hash]marketplace.OrderState)}
}

func (r *Registry) State(_ context.Context, digest common.Hash) (marketplace.OrderState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[digest], nil
}

func (r *Registry) Transition(_ context.Context, digest common.Hash, to marketplace.OrderState) error {
	if !to.IsTerminal() {
		return fmt.Errorf("invalid target state %s", to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[digest] != marketplace.OrderOpen {
		return marketplace.ErrOrderNotOpen
	}
	r.states[digest] = to
	return nil
}

func (r *Registry) Release(_ context.Context, digest common.Hash, from marketplace.OrderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from.IsTerminal() && r.states[digest] == from {
		delete(r.states, digest)
	}
	return nil
}

// Len returns the number of terminal digests
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
