package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowkit/internal/logx"
	"github.com/dshills/flowkit/internal/plugin/security"
)

// DefaultPriority is used when a registration does not specify one.
const DefaultPriority = 100

// Handler observes a lifecycle event. It may return a mapping that is
// merged into the in-flight event data for later handlers and surfaced to
// the publisher. Handlers cannot veto or mutate the outcome of the event
// they observe, and must not hold exclusive host resources across
// blocking calls: cancellation is enforced only at the timeout boundary.
type Handler func(ctx context.Context, event Event) (map[string]any, error)

// Registration ties a handler to an event type with dispatch metadata.
type Registration struct {
	ID       string
	Event    EventType
	Priority int
	Owner    string
	Name     string
	Timeout  time.Duration

	handler Handler
	seq     uint64
}

// Option configures a registration.
type Option func(*Registration)

// WithPriority sets the dispatch priority (higher runs first).
func WithPriority(p int) Option {
	return func(r *Registration) { r.Priority = p }
}

// WithOwner records the owning plugin so all of its registrations can be
// removed atomically on unload.
func WithOwner(owner string) Option {
	return func(r *Registration) { r.Owner = owner }
}

// WithName sets a human-readable handler name for diagnostics.
func WithName(name string) Option {
	return func(r *Registration) { r.Name = name }
}

// WithTimeout sets the per-invocation ceiling for this handler.
func WithTimeout(d time.Duration) Option {
	return func(r *Registration) { r.Timeout = d }
}

// HookError records a single handler failure during dispatch.
type HookError struct {
	Event EventType
	Name  string
	Owner string
	Err   error
}

// Error implements the error interface.
func (e HookError) Error() string {
	return fmt.Sprintf("hook %q (owner %q) on %s: %v", e.Name, e.Owner, e.Event, e.Err)
}

// Unwrap returns the underlying handler error.
func (e HookError) Unwrap() error {
	return e.Err
}

// Results summarizes one dispatch pass.
type Results struct {
	Executed int
	Failed   int
	Results  []map[string]any
	Errors   []HookError
}

// Manager is the typed pub/sub dispatcher for lifecycle events.
//
// Registrations per event type are kept sorted by priority descending
// with ties broken by registration order. Execute takes a point-in-time
// snapshot of the list before iterating, so re-entrant registration from
// inside a handler affects only future dispatch passes.
type Manager struct {
	mu   sync.RWMutex
	regs map[EventType][]*Registration
	seq  uint64

	sandbox        *security.Sandbox
	defaultTimeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultTimeout sets the ceiling for registrations without one.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultTimeout = d }
}

// NewManager creates a hook manager. The sandbox supplies the timeout
// wrapper around every handler invocation.
func NewManager(sandbox *security.Sandbox, opts ...ManagerOption) *Manager {
	m := &Manager{
		regs:           make(map[EventType][]*Registration),
		sandbox:        sandbox,
		defaultTimeout: security.DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register subscribes a handler to an event type.
func (m *Manager) Register(event EventType, h Handler, opts ...Option) (*Registration, error) {
	if !event.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	reg := &Registration{
		ID:       uuid.NewString(),
		Event:    event,
		Priority: DefaultPriority,
		handler:  h,
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.Name == "" {
		reg.Name = reg.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg.seq = m.seq
	m.seq++

	list := append(m.regs[event], reg)
	// Priority descending, ties by registration order. Sequence numbers
	// are unique, so the sort is total and the order deterministic.
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	m.regs[event] = list

	logx.Log.Debug().Str("event", string(event)).Str("hook", reg.Name).
		Str("owner", reg.Owner).Int("priority", reg.Priority).Msg("hook registered")
	return reg, nil
}

// Unregister removes a single registration by ID.
func (m *Manager) Unregister(event EventType, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.regs[event]
	for i, reg := range list {
		if reg.ID == id {
			m.regs[event] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterAll removes every registration belonging to the owner and
// returns the number removed. The loader calls this on unload so no
// dangling references to a torn-down plugin survive.
func (m *Manager) UnregisterAll(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for event, list := range m.regs {
		kept := list[:0]
		for _, reg := range list {
			if reg.Owner == owner {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		m.regs[event] = kept
	}
	return removed
}

// Count returns the number of registrations for an event type.
func (m *Manager) Count(event EventType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs[event])
}

// Execute dispatches an event to its handlers in priority order.
//
// Each invocation is isolated: a handler that errors, panics, or times
// out is recorded and dispatch continues. No handler failure ever
// propagates out of Execute. Handlers for a single event run
// sequentially; different event types may dispatch concurrently.
func (m *Manager) Execute(ctx context.Context, event EventType, data map[string]any) Results {
	m.mu.RLock()
	snapshot := make([]*Registration, len(m.regs[event]))
	copy(snapshot, m.regs[event])
	m.mu.RUnlock()

	var results Results
	if len(snapshot) == 0 {
		return results
	}

	// Working data accumulates handler outputs for later handlers.
	working := make(map[string]any, len(data))
	for k, v := range data {
		working[k] = v
	}

	for _, reg := range snapshot {
		timeout := reg.Timeout
		if timeout <= 0 {
			timeout = m.defaultTimeout
		}

		// Each handler gets its own copy: a handler abandoned on timeout
		// must not mutate the map the dispatcher keeps iterating with.
		handlerData := make(map[string]any, len(working))
		for k, v := range working {
			handlerData[k] = v
		}

		var out map[string]any
		err := m.sandbox.Execute(ctx, reg.Owner, "hook "+string(event), timeout, func(execCtx context.Context) error {
			var handlerErr error
			out, handlerErr = reg.handler(execCtx, Event{Type: event, Data: handlerData})
			return handlerErr
		})
		if err != nil {
			results.Failed++
			results.Errors = append(results.Errors, HookError{
				Event: event, Name: reg.Name, Owner: reg.Owner, Err: err,
			})
			logx.Log.Warn().Str("event", string(event)).Str("hook", reg.Name).
				Str("owner", reg.Owner).Err(err).Msg("hook handler failed")
			continue
		}

		results.Executed++
		if out != nil {
			results.Results = append(results.Results, out)
			for k, v := range out {
				working[k] = v
			}
		}
	}

	return results
}
