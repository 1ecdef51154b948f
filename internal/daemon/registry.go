package daemon

import (
	"sort"
	"sync"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// ProcessRegistry tracks supervised children by role. Only the Supervisor
// mutates it.
type ProcessRegistry struct {
	mu       sync.RWMutex
	children map[domain.Role]*ChildProcess
	devMode  bool
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry(devMode bool) *ProcessRegistry {
	return &ProcessRegistry{
		children: make(map[domain.Role]*ChildProcess),
		devMode:  devMode,
	}
}

// DevMode reports whether the frontend server is externally managed.
func (r *ProcessRegistry) DevMode() bool {
	return r.devMode
}

// Occupied reports whether a live child holds role.
func (r *ProcessRegistry) Occupied(role domain.Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.children[role]
	return ok && c.PID() != 0
}

// Put registers a child. At most one live child per role.
func (r *ProcessRegistry) Put(c *ChildProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.children[c.Role]; ok && existing != c && existing.PID() != 0 {
		return domain.ErrRoleRunning
	}
	r.children[c.Role] = c
	return nil
}

// Get returns the child registered for role.
func (r *ProcessRegistry) Get(role domain.Role) (*ChildProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.children[role]
	return c, ok
}

// Remove drops role if it still maps to c.
func (r *ProcessRegistry) Remove(role domain.Role, c *ChildProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.children[role] == c {
		delete(r.children, role)
	}
}

// Snapshot returns the registered children ordered by role.
func (r *ProcessRegistry) Snapshot() []*ChildProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChildProcess, 0, len(r.children))
	for _, c := range r.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
