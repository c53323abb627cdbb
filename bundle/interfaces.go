// Package bundle defines the minimal module lifecycle the component runtime
// consumes: installable bundles carrying descriptor entries, and synchronous
// lifecycle events announcing their transitions.
package bundle

import "time"

// State is the lifecycle state of a bundle.
type State int

const (
	StateInstalled State = iota
	StateStarting
	StateActive
	StateStopping
	StateResolved
	StateUninstalled
)

// String returns a string representation of the bundle state
func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateResolved:
		return "resolved"
	case StateUninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}

// EventType defines the type of bundle lifecycle event
type EventType string

const (
	EventInstalled   EventType = "bundle.installed"
	EventStarting    EventType = "bundle.starting"
	EventStarted     EventType = "bundle.started"
	EventStopping    EventType = "bundle.stopping"
	EventStopped     EventType = "bundle.stopped"
	EventUninstalled EventType = "bundle.uninstalled"
)

// Event represents a bundle lifecycle transition
type Event struct {
	Type      EventType
	Bundle    *Bundle
	Timestamp time.Time
}

// Listener receives bundle events synchronously on the goroutine that
// performed the transition.
type Listener func(Event)

// SystemBundleName is the symbolic name of bundle 0, which is always active
// and owns services registered by the framework itself.
const SystemBundleName = "system.bundle"
