// Package hooks lets participants run custom checks during the prepare and
// commit of a transaction without touching the vote logic.
package hooks

import (
	"sync"

	"github.com/vadiminshakov/txcoord/core/dto"
)

// Hook is consulted before a participant votes or applies a commit.
// Returning false rejects the request.
type Hook interface {
	OnPrepare(req dto.Request) bool
	OnCommit(req dto.Request) bool
}

// Registry manages a collection of hooks.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a new hook to the registry.
func (r *Registry) Register(hook Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// ExecutePrepare runs all prepare hooks in registration order and stops at
// the first rejection.
func (r *Registry) ExecutePrepare(req dto.Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.hooks {
		if !hook.OnPrepare(req) {
			return false
		}
	}
	return true
}

// ExecuteCommit runs all commit hooks in registration order and stops at the
// first rejection.
func (r *Registry) ExecuteCommit(req dto.Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, hook := range r.hooks {
		if !hook.OnCommit(req) {
			return false
		}
	}
	return true
}

// Count returns the number of registered hooks
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}
