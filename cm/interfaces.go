// Package cm provides the configuration store the component runtime
// consults: singleton configurations keyed by pid and factory configurations
// that multiply one component description into several instances.
package cm

import (
	"github.com/GoCodeAlone/scr/filter"
)

// Well-known configuration property keys
const (
	PropertyPID        = "service.pid"
	PropertyFactoryPID = "service.factoryPid"
)

// FactorySeparator joins a factory pid and an instance name into the pid of a
// named factory configuration, e.g. "com.acme.Greeter~english".
const FactorySeparator = "~"

// Store defines the interface the component runtime consumes
type Store interface {
	// ListConfigurations returns the configurations whose properties
	// (including service.pid and service.factoryPid) match f. A nil filter
	// lists everything.
	ListConfigurations(f *filter.Filter) ([]*Configuration, error)

	// Listen registers l for configuration events and returns a function
	// removing it.
	Listen(l Listener) (cancel func())
}

// Configuration is an immutable snapshot of one stored configuration
type Configuration struct {
	PID        string
	FactoryPID string
	Properties map[string]any
	Revision   int64
}

// IsFactory reports whether the configuration belongs to a factory pid.
func (c *Configuration) IsFactory() bool { return c.FactoryPID != "" }

// EventType represents the kind of configuration change
type EventType int

const (
	EventUpdated EventType = iota
	EventDeleted
)

// String returns a string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event describes a configuration change. Properties is nil for deletions.
type Event struct {
	Type       EventType
	PID        string
	FactoryPID string
	Properties map[string]any
}

// Listener receives configuration events
type Listener func(Event)

// Logger is the structured logger used by the file watcher.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}
