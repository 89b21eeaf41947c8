package hook

import "sort"

// EventType names a host lifecycle point plugins may observe.
// The set is closed; the host publishes these, never plugins directly.
type EventType string

// Lifecycle events.
const (
	// EventWorkflowStart fires when a workflow run begins.
	// Data: workflow (string), methodology (string).
	EventWorkflowStart EventType = "workflow.start"

	// EventWorkflowEnd fires when a workflow run completes.
	// Data: workflow (string), duration_ms (int64).
	EventWorkflowEnd EventType = "workflow.end"

	// EventWorkflowError fires when a workflow run fails.
	// Data: workflow (string), error (string).
	EventWorkflowError EventType = "workflow.error"

	// EventAgentCreated fires when an agent persona is instantiated.
	// Data: agent (string).
	EventAgentCreated EventType = "agent.created"

	// EventAgentExecuteStart fires before an agent executes a task.
	// Data: agent (string), task (string).
	EventAgentExecuteStart EventType = "agent.execute.start"

	// EventAgentExecuteEnd fires after an agent finishes a task.
	// Data: agent (string), task (string), duration_ms (int64).
	EventAgentExecuteEnd EventType = "agent.execute.end"

	// EventPluginLoaded fires when a plugin reaches the active state.
	// Data: plugin (string), version (string).
	EventPluginLoaded EventType = "plugin.loaded"

	// EventPluginError fires when a plugin fails.
	// Data: plugin (string), error (string).
	EventPluginError EventType = "plugin.error"

	// EventSystemStartup fires once when the host starts.
	EventSystemStartup EventType = "system.startup"

	// EventSystemShutdown fires once when the host shuts down.
	EventSystemShutdown EventType = "system.shutdown"
)

// knownEvents is the closed event registry.
var knownEvents = map[EventType]bool{
	EventWorkflowStart:     true,
	EventWorkflowEnd:       true,
	EventWorkflowError:     true,
	EventAgentCreated:      true,
	EventAgentExecuteStart: true,
	EventAgentExecuteEnd:   true,
	EventPluginLoaded:      true,
	EventPluginError:       true,
	EventSystemStartup:     true,
	EventSystemShutdown:    true,
}

// IsValid returns true if the event type is known.
func (t EventType) IsValid() bool {
	return knownEvents[t]
}

// String returns the event name.
func (t EventType) String() string {
	return string(t)
}

// AllEventTypes returns every known event type, sorted for determinism.
func AllEventTypes() []EventType {
	events := make([]EventType, 0, len(knownEvents))
	for e := range knownEvents {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Event is a lifecycle occurrence delivered to handlers. Data is the
// event-specific field mapping; each handler receives its own copy.
type Event struct {
	Type EventType
	Data map[string]any
}
