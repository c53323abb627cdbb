package scr

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of runtime events.
const EventSource = "scr.runtime"

// Runtime event types
const (
	EventTypeRuntimeStarted = "com.scr.runtime.started"
	EventTypeRuntimeStopped = "com.scr.runtime.stopped"

	EventTypeComponentEnabled     = "com.scr.component.enabled"
	EventTypeComponentDisabled    = "com.scr.component.disabled"
	EventTypeComponentSatisfied   = "com.scr.component.satisfied"
	EventTypeComponentUnsatisfied = "com.scr.component.unsatisfied"
	EventTypeComponentActivated   = "com.scr.component.activated"
	EventTypeComponentDeactivated = "com.scr.component.deactivated"
	EventTypeComponentFailed      = "com.scr.component.failed"

	EventTypeFactoryInstanceCreated = "com.scr.factory.instance.created"
	EventTypeConfigurationApplied   = "com.scr.configuration.applied"
	EventTypeCycleDetected          = "com.scr.cycle.detected"
)

// Observer receives runtime events as CloudEvents.
type Observer interface {
	// OnEvent is called synchronously on the goroutine that caused the
	// event. Returned errors are logged and otherwise ignored.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// FunctionalObserver adapts a function to an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer calling handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string { return f.id }

// ComponentEventData is the payload of component events.
type ComponentEventData struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Bundle string `json:"bundle"`
	Error  string `json:"error,omitempty"`
}

// CycleEventData is the payload of cycle events.
type CycleEventData struct {
	Components []string `json:"components"`
}

// NewCloudEvent creates a CloudEvent with a time-ordered id.
func NewCloudEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// generateEventID returns a UUIDv7, falling back to v4.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

func (r *Runtime) emit(eventType string, data any) {
	if len(r.observers) == 0 {
		return
	}
	event := NewCloudEvent(eventType, EventSource, data)
	for _, o := range r.observers {
		if err := o.OnEvent(context.Background(), event); err != nil {
			r.logger.Debug("Observer failed", "observer", o.ObserverID(), "eventType", eventType, "error", err)
		}
	}
}
