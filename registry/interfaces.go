// Package registry defines the in-process service registry: bundles publish
// services under interface names with properties, consumers look them up or
// subscribe to their arrival and departure.
package registry

import (
	"github.com/GoCodeAlone/scr/bundle"
)

// Standard service property keys
const (
	ObjectClass     = "objectClass"
	ServiceID       = "service.id"
	ServiceRanking  = "service.ranking"
	ServicePID      = "service.pid"
	ServiceBundleID = "service.bundleid"
)

// EventType represents the kind of change a ServiceEvent announces
type EventType int

const (
	// EventRegistered is delivered after a matching service is registered.
	EventRegistered EventType = iota
	// EventModified is delivered when a matching service's properties change
	// and the service still matches.
	EventModified
	// EventModifiedEndMatch is delivered when a property change makes a
	// previously matching service stop matching.
	EventModifiedEndMatch
	// EventUnregistering is delivered before a service is removed. The
	// service can still be obtained while the event is being delivered.
	EventUnregistering
)

// String returns a string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventModified:
		return "modified"
	case EventModifiedEndMatch:
		return "modified-endmatch"
	case EventUnregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// ServiceEvent describes a change to a registered service
type ServiceEvent struct {
	Type      EventType
	Reference *ServiceReference
}

// Listener receives service events synchronously on the goroutine that
// changed the registry.
type Listener func(ServiceEvent)

// ServiceFactory lets a provider hand out a distinct service object per
// consuming bundle. The registry caches the object per bundle until the last
// UngetService call from that bundle.
type ServiceFactory interface {
	GetService(consumer *bundle.Bundle, reg *Registration) (any, error)
	UngetService(consumer *bundle.Bundle, reg *Registration, service any)
}

// Action names an operation subject to a permission check
type Action string

const (
	ActionRegister Action = "register"
	ActionGet      Action = "get"
)

// PermissionChecker decides whether a bundle may perform an action on the
// given interfaces. A non-nil error denies the action and is returned to the
// caller unchanged.
type PermissionChecker func(b *bundle.Bundle, action Action, interfaces []string) error
