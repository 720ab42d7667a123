package cmn

import (
	"fmt"
	"sync"
)

// InFlight guards against double-submitting the same write action.
// One accessor instance is scoped to one (chain, user), so the action
// name alone keys the lock.
type InFlight struct {
	mu      sync.Mutex
	pending map[string]bool
}

type ErrActionPending struct {
	Action string
}

func (e *ErrActionPending) Error() string {
	return fmt.Sprintf("action already in flight: %s", e.Action)
}

func (f *InFlight) Acquire(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending == nil {
		f.pending = make(map[string]bool)
	}
	if f.pending[action] {
		return &ErrActionPending{Action: action}
	}
	f.pending[action] = true
	return nil
}

func (f *InFlight) Release(action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, action)
}

func (f *InFlight) Busy(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[action]
}
