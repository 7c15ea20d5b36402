package delegate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"flywheel/internal/inference"
	"flywheel/internal/logging"
	"flywheel/internal/router"
	"flywheel/internal/types"
)

// Registry maps delegate roles to implementations. Safe for concurrent
// use; Register replaces any previous delegate for the role.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		delegates: make(map[string]Delegate),
	}
}

// Register binds a role to a delegate.
func (r *Registry) Register(role string, d Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegates[role] = d
	logging.DelegateDebug("Registered delegate for role: %s", role)
}

// Resolve returns the delegate for a role.
func (r *Registry) Resolve(role string) (Delegate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.delegates[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return d, nil
}

// Has reports whether a role is registered. Matches types.RoleResolver
// so a registry can back TaskGraph.Validate directly.
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.delegates[role]
	return ok
}

// Roles returns the registered role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.delegates))
	for role := range r.delegates {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// NewDefaultRegistry wires the built-in roster. Roles with a configured
// worker command run through ExecDelegate; every other role falls back
// to the inference backend. workDir is the working directory external
// workers run in.
func NewDefaultRegistry(backend inference.Backend, rt *router.Router, workers map[string]string, workDir string) *Registry {
	reg := NewRegistry()
	for _, role := range types.AllRoles {
		if cmdline, ok := workers[role]; ok && strings.TrimSpace(cmdline) != "" {
			fields := strings.Fields(cmdline)
			reg.Register(role, NewExecDelegate(role, fields[0], fields[1:], workDir))
			continue
		}
		reg.Register(role, NewInferenceDelegate(role, backend, rt))
	}
	logging.Delegate("Delegate roster ready: %v", reg.Roles())
	return reg
}
