package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/flowkit/internal/logx"
	"github.com/dshills/flowkit/internal/plugin/hook"
	"github.com/dshills/flowkit/internal/plugin/security"
)

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// SearchPaths are directories scanned for plugins, in order.
	SearchPaths []string

	// Enabled gates the whole subsystem; when false nothing loads.
	Enabled bool

	// DefaultTimeout bounds extension calls for plugins without their
	// own ceiling.
	DefaultTimeout time.Duration

	// MaxMemoryMB and MaxCPUPercent are advisory resource ceilings.
	// Zero disables the check.
	MaxMemoryMB   float64
	MaxCPUPercent float64

	// MaxConsecutiveBreaches is how many consecutive resource breaches a
	// plugin survives before it is unloaded. Zero disables the policy.
	MaxConsecutiveBreaches int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Enabled:                true,
		DefaultTimeout:         security.DefaultExecutionTimeout,
		MaxMemoryMB:            512,
		MaxCPUPercent:          80,
		MaxConsecutiveBreaches: 3,
	}
}

// Manager orchestrates the full plugin lifecycle:
//
//	Discovered → Validated → Loaded → Active → Unloaded
//
// with any step able to transition to Failed(reason) instead. Failed
// plugins are excluded from hook dispatch and their permission checks
// deny; they leave the loaded set so a later Discover and Load can retry
// them. On unload the manager unregisters all of the plugin's hooks and
// revokes all its permissions, which is what makes repeated load/unload
// cycles safe in one process.
type Manager struct {
	mu sync.RWMutex

	discovery *Discovery
	sandbox   *security.Sandbox
	hooks     *hook.Manager
	monitor   *security.Monitor

	discovered map[string]*Metadata
	hosts      map[string]*Host
	failed     map[string]string
	loadOrder  []string
	breaches   map[string]int

	config *Store
	shared *Store

	cfg ManagerConfig
}

// NewManager wires the lifecycle orchestrator. The sandbox, hook manager,
// and monitor are passed in explicitly so independent host instances do
// not share registries.
func NewManager(cfg ManagerConfig, sandbox *security.Sandbox, hooks *hook.Manager, monitor *security.Monitor) *Manager {
	return &Manager{
		discovery:  NewDiscovery(cfg.SearchPaths...),
		sandbox:    sandbox,
		hooks:      hooks,
		monitor:    monitor,
		discovered: make(map[string]*Metadata),
		hosts:      make(map[string]*Host),
		failed:     make(map[string]string),
		breaches:   make(map[string]int),
		config:     NewStore(),
		shared:     NewStore(),
		cfg:        cfg,
	}
}

// ConfigStore returns the store backing the host.config plugin surface.
func (m *Manager) ConfigStore() *Store { return m.config }

// StateStore returns the store backing the host.state plugin surface.
func (m *Manager) StateStore() *Store { return m.shared }

// Discover scans the search paths and refreshes the discovered set.
func (m *Manager) Discover() []*Metadata {
	found := m.discovery.Discover()

	m.mu.Lock()
	m.discovered = make(map[string]*Metadata, len(found))
	for _, meta := range found {
		m.discovered[meta.Name] = meta
	}
	m.mu.Unlock()

	return found
}

// Load runs the full admission-and-load sequence for one discovered
// plugin: validate, grant, instantiate entry point, activate.
func (m *Manager) Load(ctx context.Context, name string) error {
	if !m.cfg.Enabled {
		return fmt.Errorf("plugin subsystem: %w", ErrPluginDisabled)
	}

	m.mu.Lock()
	meta, ok := m.discovered[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if _, loaded := m.hosts[name]; loaded {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrAlreadyLoaded)
	}
	if !meta.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrPluginDisabled)
	}

	host := newHost(meta, m.sandbox, m.hooks, m.config, m.shared)
	m.hosts[name] = host
	m.mu.Unlock()

	if err := m.admitAndStart(ctx, host); err != nil {
		m.failPlugin(ctx, host, err)
		return err
	}

	m.mu.Lock()
	m.loadOrder = append(m.loadOrder, name)
	delete(m.failed, name)
	m.mu.Unlock()

	logx.Log.Info().Str("plugin", name).Str("version", meta.Version).
		Str("kind", string(meta.Kind)).Msg("plugin loaded")
	m.hooks.Execute(ctx, hook.EventPluginLoaded, map[string]any{
		"plugin":  name,
		"version": meta.Version,
	})
	return nil
}

// admitAndStart performs the sequential per-plugin load steps. Each
// step's success is a precondition for the next.
func (m *Manager) admitAndStart(ctx context.Context, host *Host) error {
	meta := host.meta

	// Structural admission. One diagnostic per blocking error.
	result := m.sandbox.ValidatePlugin(meta.SecurityInfo())
	if !result.Valid {
		return fmt.Errorf("%w: %s", security.ErrValidationFailed, strings.Join(result.Errors, "; "))
	}
	host.setState(StateValidated)

	// Capability grant: the known declared set, atomically.
	m.sandbox.Permissions().Grant(meta.Name, meta.Permissions()...)
	m.monitor.Start(meta.Name)

	if err := host.load(ctx); err != nil {
		return fmt.Errorf("entry point failed: %w", err)
	}
	if err := host.activate(ctx); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	return nil
}

// failPlugin transitions a plugin to Failed(reason) and strips its
// residual hooks and grants, so failed plugins can neither dispatch nor
// pass permission checks. The host is dropped from the loaded set so a
// later Discover and Load can retry; the failure stays recorded until a
// load succeeds.
func (m *Manager) failPlugin(ctx context.Context, host *Host, cause error) {
	name := host.Name()
	host.fail(cause.Error())

	m.mu.Lock()
	delete(m.hosts, name)
	m.failed[name] = cause.Error()
	m.mu.Unlock()

	m.hooks.UnregisterAll(name)
	m.sandbox.Permissions().RevokeAll(name)
	m.monitor.Remove(name)

	logx.Log.Error().Str("plugin", name).Err(cause).Msg("plugin failed")
	m.hooks.Execute(ctx, hook.EventPluginError, map[string]any{
		"plugin": name,
		"error":  cause.Error(),
	})
}

// LoadAll discovers and loads every enabled plugin. Individual failures
// are collected; the rest still load.
func (m *Manager) LoadAll(ctx context.Context) error {
	var loadErrs []error
	for _, meta := range m.Discover() {
		if !meta.Enabled {
			logx.Log.Info().Str("plugin", meta.Name).Msg("skipping disabled plugin")
			continue
		}
		if err := m.Load(ctx, meta.Name); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", meta.Name, err))
		}
	}
	if len(loadErrs) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(loadErrs), errors.Join(loadErrs...))
	}
	return nil
}

// Unload tears down a plugin and enforces the cleanup invariant: no hook
// registration or permission grant survives it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	host, ok := m.hosts[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	delete(m.hosts, name)
	delete(m.breaches, name)
	m.removeFromLoadOrder(name)
	m.mu.Unlock()

	removed := m.hooks.UnregisterAll(name)
	m.sandbox.Permissions().RevokeAll(name)
	m.monitor.Remove(name)
	host.unload()

	logx.Log.Info().Str("plugin", name).Int("hooks_removed", removed).Msg("plugin unloaded")
	return nil
}

// UnloadAll unloads every plugin in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, len(m.loadOrder))
	for i, name := range m.loadOrder {
		names[len(m.loadOrder)-1-i] = name
	}
	m.mu.RUnlock()

	var unloadErrs []error
	for _, name := range names {
		if err := m.Unload(ctx, name); err != nil {
			unloadErrs = append(unloadErrs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(unloadErrs) > 0 {
		return fmt.Errorf("failed to unload %d plugins: %w", len(unloadErrs), errors.Join(unloadErrs...))
	}
	return nil
}

// Reload unloads, re-discovers, and loads a plugin again, picking up
// descriptor and source changes.
func (m *Manager) Reload(ctx context.Context, name string) error {
	if err := m.Unload(ctx, name); err != nil && !errors.Is(err, ErrPluginNotFound) {
		return fmt.Errorf("reload unload failed: %w", err)
	}
	m.Discover()
	if err := m.Load(ctx, name); err != nil {
		return fmt.Errorf("reload load failed: %w", err)
	}
	return nil
}

// Get returns a loaded plugin host by name.
func (m *Manager) Get(name string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[name]
	return host, ok
}

// List returns loaded hosts in load order.
func (m *Manager) List() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]*Host, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		if host, ok := m.hosts[name]; ok {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// PluginState returns the lifecycle state of a plugin, loaded or not.
func (m *Manager) PluginState(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if host, ok := m.hosts[name]; ok {
		return host.State(), true
	}
	if _, ok := m.failed[name]; ok {
		return StateFailed, true
	}
	if _, ok := m.discovered[name]; ok {
		return StateDiscovered, true
	}
	return 0, false
}

// FailReason returns the recorded failure reason for a failed plugin.
func (m *Manager) FailReason(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.failed[name]
	return reason, ok
}

// PluginByDir maps a plugin directory path back to the plugin name it
// declares, consulting loaded hosts first and then the discovered set.
func (m *Manager) PluginByDir(dir string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, host := range m.hosts {
		if host.meta.SourcePath == dir {
			return name, true
		}
	}
	for name, meta := range m.discovered {
		if meta.SourcePath == dir {
			return name, true
		}
	}
	return "", false
}

// Publish dispatches a host lifecycle event to registered hooks. The
// host application calls this at each real lifecycle point; the
// subsystem never invents events itself.
func (m *Manager) Publish(ctx context.Context, event hook.EventType, data map[string]any) hook.Results {
	return m.hooks.Execute(ctx, event, data)
}

// CheckResources samples each loaded plugin and applies the
// consecutive-breach unload policy. Measurement lives in the monitor;
// termination policy lives here, so the two can evolve independently.
func (m *Manager) CheckResources(ctx context.Context) {
	for _, host := range m.List() {
		name := host.Name()
		if err := m.monitor.SampleProcess(name); err != nil {
			logx.Log.Debug().Str("plugin", name).Err(err).Msg("resource sample failed")
			continue
		}

		if m.monitor.WithinLimits(name, m.cfg.MaxMemoryMB, m.cfg.MaxCPUPercent) {
			m.mu.Lock()
			m.breaches[name] = 0
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.breaches[name]++
		count := m.breaches[name]
		m.mu.Unlock()

		if m.cfg.MaxConsecutiveBreaches > 0 && count >= m.cfg.MaxConsecutiveBreaches {
			logx.Log.Warn().Str("plugin", name).Int("breaches", count).
				Msg("unloading plugin after consecutive resource breaches")
			if err := m.Unload(ctx, name); err != nil {
				logx.Log.Error().Str("plugin", name).Err(err).Msg("breach unload failed")
			}
		}
	}
}

// removeFromLoadOrder removes a name from the load order.
// Must be called with mu held.
func (m *Manager) removeFromLoadOrder(name string) {
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
