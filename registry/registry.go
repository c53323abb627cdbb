package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/filter"
)

// Static errors for registry package
var (
	ErrNoInterfaces         = errors.New("service must be registered under at least one interface")
	ErrNilService           = errors.New("service object is nil")
	ErrServiceUnregistered  = errors.New("service is unregistered")
	ErrServiceFactoryFailed = errors.New("service factory did not produce a service")
	ErrPermissionDenied     = errors.New("permission denied")
)

// Option configures a Registry
type Option func(*Registry)

// WithPermissionChecker installs a permission check consulted on register
// and get.
func WithPermissionChecker(check PermissionChecker) Option {
	return func(r *Registry) { r.checker = check }
}

// Registry is a thread-safe in-process service registry.
type Registry struct {
	mu          sync.RWMutex
	nextID      int64
	services    map[int64]*registration
	byInterface map[string][]*registration
	subs        []*Subscription
	checker     PermissionChecker
}

// NewRegistry creates an empty service registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nextID:      1,
		services:    make(map[int64]*registration),
		byInterface: make(map[string][]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register publishes service under the given interface names. The registry
// adds objectClass, service.id and service.bundleid to the properties.
func (r *Registry) Register(owner *bundle.Bundle, interfaces []string, service any, props map[string]any) (*Registration, error) {
	if len(interfaces) == 0 {
		return nil, ErrNoInterfaces
	}
	if service == nil {
		return nil, ErrNilService
	}
	if r.checker != nil {
		if err := r.checker(owner, ActionRegister, interfaces); err != nil {
			return nil, err
		}
	}

	reg := &registration{
		owner:      owner,
		interfaces: slices.Clone(interfaces),
		service:    service,
		users:      make(map[*bundle.Bundle]*usage),
	}
	reg.ref = &ServiceReference{reg: reg}
	reg.handle = &Registration{registry: r, reg: reg}

	r.mu.Lock()
	reg.id = r.nextID
	r.nextID++
	reg.props = buildProperties(reg, props)
	reg.ranking = rankingOf(reg.props)
	r.services[reg.id] = reg
	for _, iface := range reg.interfaces {
		r.byInterface[iface] = append(r.byInterface[iface], reg)
	}
	targets := r.matchingSubscriptions(reg, reg.props)
	r.mu.Unlock()

	deliver(targets, ServiceEvent{Type: EventRegistered, Reference: reg.ref})
	return reg.handle, nil
}

func buildProperties(reg *registration, props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+3)
	maps.Copy(out, props)
	out[ObjectClass] = slices.Clone(reg.interfaces)
	out[ServiceID] = reg.id
	if reg.owner != nil {
		out[ServiceBundleID] = reg.owner.ID()
	}
	return out
}

// References returns the registered services offering iface (any interface
// when empty) whose properties match f, best ranked first.
func (r *Registry) References(iface string, f *filter.Filter) []*ServiceReference {
	r.mu.RLock()
	var candidates []*registration
	if iface == "" {
		candidates = make([]*registration, 0, len(r.services))
		for _, reg := range r.services {
			candidates = append(candidates, reg)
		}
	} else {
		candidates = slices.Clone(r.byInterface[iface])
	}
	r.mu.RUnlock()

	refs := make([]*ServiceReference, 0, len(candidates))
	for _, reg := range candidates {
		props, _ := reg.snapshot()
		if f.Match(props) {
			refs = append(refs, reg.ref)
		}
	}
	SortReferences(refs)
	return refs
}

// Reference returns the best ranked matching service, or nil.
func (r *Registry) Reference(iface string, f *filter.Filter) *ServiceReference {
	refs := r.References(iface, f)
	if len(refs) == 0 {
		return nil
	}
	return refs[0]
}

// GetService obtains the service object for consumer, counting the use.
// Service factories are invoked once per consuming bundle.
func (r *Registry) GetService(consumer *bundle.Bundle, ref *ServiceReference) (any, error) {
	reg := ref.reg
	if r.checker != nil {
		if err := r.checker(consumer, ActionGet, reg.interfaces); err != nil {
			return nil, err
		}
	}

	reg.mu.Lock()
	if reg.state == stateUnregistered {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServiceUnregistered, ref)
	}
	if u, ok := reg.users[consumer]; ok {
		u.count++
		svc := u.service
		reg.mu.Unlock()
		return svc, nil
	}
	factory, isFactory := reg.service.(ServiceFactory)
	if !isFactory {
		reg.users[consumer] = &usage{count: 1, service: reg.service}
		reg.mu.Unlock()
		return reg.service, nil
	}
	reg.mu.Unlock()

	// The factory may call back into the registry, so it runs unlocked.
	svc, err := factory.GetService(consumer, reg.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceFactoryFailed, ref, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceFactoryFailed, ref)
	}

	reg.mu.Lock()
	if u, ok := reg.users[consumer]; ok {
		// Lost a race with a concurrent get from the same bundle.
		u.count++
		existing := u.service
		reg.mu.Unlock()
		factory.UngetService(consumer, reg.handle, svc)
		return existing, nil
	}
	if reg.state == stateUnregistered {
		reg.mu.Unlock()
		factory.UngetService(consumer, reg.handle, svc)
		return nil, fmt.Errorf("%w: %s", ErrServiceUnregistered, ref)
	}
	reg.users[consumer] = &usage{count: 1, service: svc}
	reg.mu.Unlock()
	return svc, nil
}

// UngetService releases one use of the service by consumer. It reports
// whether the consumer was using the service.
func (r *Registry) UngetService(consumer *bundle.Bundle, ref *ServiceReference) bool {
	reg := ref.reg
	reg.mu.Lock()
	u, ok := reg.users[consumer]
	if !ok {
		reg.mu.Unlock()
		return false
	}
	u.count--
	if u.count > 0 {
		reg.mu.Unlock()
		return true
	}
	delete(reg.users, consumer)
	reg.mu.Unlock()

	if factory, isFactory := reg.service.(ServiceFactory); isFactory {
		factory.UngetService(consumer, reg.handle, u.service)
	}
	return true
}

// Subscribe registers l for events about services offering iface (any
// interface when empty) whose properties match f. Existing services are not
// replayed; combine with References to pick them up.
func (r *Registry) Subscribe(iface string, f *filter.Filter, l Listener) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		registry: r,
		iface:    iface,
		filter:   f,
		listener: l,
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

func (r *Registry) removeSubscription(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = slices.DeleteFunc(r.subs, func(s *Subscription) bool { return s == sub })
}

// matchingSubscriptions must be called with r.mu held.
func (r *Registry) matchingSubscriptions(reg *registration, props map[string]any) []*Subscription {
	var out []*Subscription
	for _, sub := range r.subs {
		if sub.matches(reg, props) {
			out = append(out, sub)
		}
	}
	return out
}

func deliver(subs []*Subscription, ev ServiceEvent) {
	for _, sub := range subs {
		if sub.Cancelled() {
			continue
		}
		sub.listener(ev)
	}
}

// Services returns every registered service ordered by id.
func (r *Registry) Services() []*ServiceReference {
	r.mu.RLock()
	refs := make([]*ServiceReference, 0, len(r.services))
	for _, reg := range r.services {
		refs = append(refs, reg.ref)
	}
	r.mu.RUnlock()
	slices.SortFunc(refs, func(a, b *ServiceReference) int { return int(a.ID() - b.ID()) })
	return refs
}

// ServicesInUse returns the services the bundle currently holds.
func (r *Registry) ServicesInUse(b *bundle.Bundle) []*ServiceReference {
	var out []*ServiceReference
	for _, ref := range r.Services() {
		ref.reg.mu.RLock()
		_, using := ref.reg.users[b]
		ref.reg.mu.RUnlock()
		if using {
			out = append(out, ref)
		}
	}
	return out
}

// BundleChanged is a bundle.Listener that unregisters a stopped bundle's
// services and releases the services it still holds.
func (r *Registry) BundleChanged(ev bundle.Event) {
	if ev.Type != bundle.EventStopped {
		return
	}
	for _, ref := range r.Services() {
		if ref.Bundle() == ev.Bundle {
			_ = ref.reg.handle.Unregister()
		}
	}
	for _, ref := range r.ServicesInUse(ev.Bundle) {
		for r.UngetService(ev.Bundle, ref) {
		}
	}
}

// Registration is the provider's handle on a published service.
type Registration struct {
	registry *Registry
	reg      *registration
}

// Reference returns the service reference for this registration.
func (h *Registration) Reference() *ServiceReference { return h.reg.ref }

// SetProperties replaces the service properties, keeping the registry
// managed keys, and notifies subscribers.
func (h *Registration) SetProperties(props map[string]any) error {
	r, reg := h.registry, h.reg

	r.mu.Lock()
	reg.mu.Lock()
	if reg.state != stateRegistered {
		reg.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceUnregistered, reg.ref)
	}
	oldProps := reg.props
	reg.props = buildProperties(reg, props)
	reg.ranking = rankingOf(reg.props)
	newProps := reg.props
	reg.mu.Unlock()

	var modified, endMatch []*Subscription
	for _, sub := range r.subs {
		switch {
		case sub.matches(reg, newProps):
			modified = append(modified, sub)
		case sub.matches(reg, oldProps):
			endMatch = append(endMatch, sub)
		}
	}
	r.mu.Unlock()

	deliver(modified, ServiceEvent{Type: EventModified, Reference: reg.ref})
	deliver(endMatch, ServiceEvent{Type: EventModifiedEndMatch, Reference: reg.ref})
	return nil
}

// Unregister removes the service. Subscribers see EventUnregistering while
// the service can still be obtained; afterwards every cached service factory
// object is released.
func (h *Registration) Unregister() error {
	r, reg := h.registry, h.reg

	r.mu.Lock()
	reg.mu.Lock()
	if reg.state != stateRegistered {
		reg.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceUnregistered, reg.ref)
	}
	reg.state = stateUnregistering
	props := reg.props
	reg.mu.Unlock()

	delete(r.services, reg.id)
	for _, iface := range reg.interfaces {
		r.byInterface[iface] = slices.DeleteFunc(r.byInterface[iface], func(e *registration) bool { return e == reg })
		if len(r.byInterface[iface]) == 0 {
			delete(r.byInterface, iface)
		}
	}
	targets := r.matchingSubscriptions(reg, props)
	r.mu.Unlock()

	deliver(targets, ServiceEvent{Type: EventUnregistering, Reference: reg.ref})

	reg.mu.Lock()
	reg.state = stateUnregistered
	users := reg.users
	reg.users = make(map[*bundle.Bundle]*usage)
	reg.mu.Unlock()

	if factory, isFactory := reg.service.(ServiceFactory); isFactory {
		for consumer, u := range users {
			factory.UngetService(consumer, h, u.service)
		}
	}
	return nil
}

// Subscription is a cancellable registration for service events.
type Subscription struct {
	id       string
	registry *Registry
	iface    string
	filter   *filter.Filter
	listener Listener

	mu        sync.RWMutex
	cancelled bool
}

// ID returns the unique identifier for the subscription
func (s *Subscription) ID() string { return s.id }

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// Cancel stops event delivery. It is idempotent.
func (s *Subscription) Cancel() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	s.registry.removeSubscription(s)
	return nil
}

func (s *Subscription) matches(reg *registration, props map[string]any) bool {
	if s.iface != "" && !slices.Contains(reg.interfaces, s.iface) {
		return false
	}
	return s.filter.Match(props)
}
