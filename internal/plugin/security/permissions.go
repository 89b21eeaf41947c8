package security

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/flowkit/internal/logx"
)

// Permission is a privileged operation class a plugin may be granted.
// The set is closed: new behavior means a new constant, never a free-form
// string, so the manager can reason exhaustively about grants.
type Permission string

// Known permissions.
const (
	// PermFileRead allows reading files from the filesystem.
	PermFileRead Permission = "filesystem.read"

	// PermFileWrite allows creating and writing files.
	PermFileWrite Permission = "filesystem.write"

	// PermFileDelete allows removing files.
	PermFileDelete Permission = "filesystem.delete"

	// PermNetworkRequest allows outbound network requests.
	PermNetworkRequest Permission = "network.request"

	// PermSubprocessExecute allows spawning child processes.
	PermSubprocessExecute Permission = "process.execute"

	// PermHookRegister allows registering lifecycle hook handlers.
	PermHookRegister Permission = "hooks.register"

	// PermConfigRead allows reading host configuration values.
	PermConfigRead Permission = "config.read"

	// PermConfigWrite allows writing host configuration values.
	PermConfigWrite Permission = "config.write"

	// PermStateRead allows reading shared host state.
	PermStateRead Permission = "state.read"

	// PermStateWrite allows writing shared host state.
	PermStateWrite Permission = "state.write"
)

// knownPermissions is the closed permission registry.
var knownPermissions = map[Permission]bool{
	PermFileRead:          true,
	PermFileWrite:         true,
	PermFileDelete:        true,
	PermNetworkRequest:    true,
	PermSubprocessExecute: true,
	PermHookRegister:      true,
	PermConfigRead:        true,
	PermConfigWrite:       true,
	PermStateRead:         true,
	PermStateWrite:        true,
}

// IsValidPermission returns true if the permission is known.
func IsValidPermission(p Permission) bool {
	return knownPermissions[p]
}

// AllPermissions returns every known permission, sorted for determinism.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// ParsePermission maps a declared permission string to a Permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !knownPermissions[p] {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// ParsePermissions maps declared permission strings to the known subset.
// Unknown strings are logged and dropped, never widened to a grant.
func ParsePermissions(owner string, declared []string) []Permission {
	perms := make([]Permission, 0, len(declared))
	for _, s := range declared {
		p, err := ParsePermission(s)
		if err != nil {
			logx.Log.Warn().Str("plugin", owner).Str("permission", s).
				Msg("dropping unknown declared permission")
			continue
		}
		perms = append(perms, p)
	}
	return perms
}

// Manager tracks which permissions each plugin has been granted.
//
// The default for a plugin with no entry is zero permissions. Grants are
// applied atomically as a set at load time; RevokeAll is the only removal
// operation, so there is no partial-grant state. Reads are concurrent
// (hook handlers query from multiple goroutines); mutation is exclusive.
type Manager struct {
	mu     sync.RWMutex
	grants map[string]map[Permission]struct{}
}

// NewManager creates an empty permission manager.
func NewManager() *Manager {
	return &Manager{
		grants: make(map[string]map[Permission]struct{}),
	}
}

// Grant grants the permissions to the named plugin as a single set.
// Unknown permissions are dropped.
func (m *Manager) Grant(name string, perms ...Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[name]
	if !ok {
		set = make(map[Permission]struct{}, len(perms))
		m.grants[name] = set
	}
	for _, p := range perms {
		if !knownPermissions[p] {
			logx.Log.Warn().Str("plugin", name).Str("permission", string(p)).
				Msg("refusing to grant unknown permission")
			continue
		}
		set[p] = struct{}{}
	}
}

// Has returns true if the named plugin holds the permission.
func (m *Manager) Has(name string, p Permission) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.grants[name]
	if !ok {
		return false
	}
	_, granted := set[p]
	return granted
}

// RevokeAll removes every grant for the named plugin.
func (m *Manager) RevokeAll(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, name)
}

// Granted returns the plugin's granted permissions, sorted for determinism.
func (m *Manager) Granted(name string) []Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.grants[name]
	if !ok {
		return nil
	}
	perms := make([]Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}
