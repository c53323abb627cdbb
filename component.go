package scr

import (
	"maps"
	"slices"
	"sync"

	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/registry"
)

// Kind is the activation strategy of a component.
type Kind int

const (
	// KindImmediate activates as soon as the component is satisfied.
	KindImmediate Kind = iota
	// KindDelayed registers its services when satisfied and creates the
	// implementation on first use.
	KindDelayed
	// KindFactory registers a ComponentFactory service producing instances
	// on demand.
	KindFactory
	// KindServiceFactory creates one implementation per consuming bundle.
	KindServiceFactory
)

// String returns a string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindDelayed:
		return "delayed"
	case KindFactory:
		return "factory"
	case KindServiceFactory:
		return "servicefactory"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a component configuration.
type State int

const (
	StateDisabled State = iota
	StateUnsatisfied
	StateSatisfied
	StateActive
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUnsatisfied:
		return "unsatisfied"
	case StateSatisfied:
		return "satisfied"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// instance is one live implementation object of a component.
type instance struct {
	object any
	ctx    *ComponentContext
}

// component is the activation strategy of an enabled Config. The variant
// specific state lives side by side; kind selects which of it is used.
type component struct {
	kind Kind
	cfg  *Config

	mu        sync.Mutex
	reg       *registry.Registration
	inst      *instance                    // immediate and delayed
	uses      int                          // delayed: consuming bundles
	perBundle map[*bundle.Bundle]*instance // service factory
	factory   *ComponentFactory            // factory
	lastErr   error
}

func newComponent(cfg *Config) *component {
	return &component{
		kind:      cfg.desc.Kind(),
		cfg:       cfg,
		perBundle: make(map[*bundle.Bundle]*instance),
	}
}

func (c *component) satisfied() {
	c.setError(nil)
	switch c.kind {
	case KindImmediate:
		inst, err := c.cfg.activateInstance(nil)
		if err != nil {
			c.setError(err)
			return
		}
		c.mu.Lock()
		c.inst = inst
		c.mu.Unlock()
		if len(c.cfg.desc.Services) > 0 {
			c.register(c.cfg.desc.Services, inst.object, c.cfg.serviceProperties())
		}

	case KindDelayed, KindServiceFactory:
		c.register(c.cfg.desc.Services, &lazyService{c: c}, c.cfg.serviceProperties())

	case KindFactory:
		f := &ComponentFactory{cfg: c.cfg}
		c.mu.Lock()
		c.factory = f
		c.mu.Unlock()
		c.register([]string{ComponentFactoryInterface}, f, map[string]any{
			PropertyComponentName:    c.cfg.desc.Name,
			PropertyComponentFactory: c.cfg.desc.Factory,
		})
	}
}

func (c *component) unsatisfied() {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	f := c.factory
	c.factory = nil
	c.mu.Unlock()

	if f != nil {
		f.close()
	}
	// Consumers unbind while the implementation is still active; lazily
	// created instances are released through UngetService.
	if reg != nil {
		_ = reg.Unregister()
	}

	c.mu.Lock()
	inst := c.inst
	c.inst = nil
	c.uses = 0
	rest := slices.Collect(maps.Values(c.perBundle))
	c.perBundle = make(map[*bundle.Bundle]*instance)
	c.mu.Unlock()

	if inst != nil {
		c.cfg.deactivateInstance(inst)
	}
	for _, i := range rest {
		c.cfg.deactivateInstance(i)
	}
}

func (c *component) register(interfaces []string, service any, props map[string]any) {
	reg, err := c.cfg.runtime.registry.Register(c.cfg.bundle, interfaces, service, props)
	if err != nil {
		c.cfg.logger().Error("Failed to register component service",
			"component", c.cfg.Name(), "services", interfaces, "error", err)
		c.setError(err)
		return
	}
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

func (c *component) updateServiceProperties(props map[string]any) {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg == nil || c.kind == KindFactory {
		return
	}
	if err := reg.SetProperties(props); err != nil {
		c.cfg.logger().Warn("Failed to update service properties", "component", c.cfg.Name(), "error", err)
	}
}

func (c *component) instances() []*instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*instance
	if c.inst != nil {
		out = append(out, c.inst)
	}
	for _, i := range c.perBundle {
		out = append(out, i)
	}
	return out
}

func (c *component) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.kind {
	case KindFactory:
		return c.factory != nil
	default:
		return c.inst != nil || len(c.perBundle) > 0
	}
}

func (c *component) registration() *registry.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

func (c *component) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *component) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *component) getService(consumer *bundle.Bundle) (any, error) {
	if c.kind == KindServiceFactory {
		inst, err := c.cfg.activateInstance(consumer)
		if err != nil {
			c.setError(err)
			return nil, err
		}
		c.mu.Lock()
		c.perBundle[consumer] = inst
		c.mu.Unlock()
		return inst.object, nil
	}

	c.mu.Lock()
	if c.inst != nil {
		c.uses++
		obj := c.inst.object
		c.mu.Unlock()
		return obj, nil
	}
	c.mu.Unlock()

	inst, err := c.cfg.activateInstance(consumer)
	if err != nil {
		c.setError(err)
		return nil, err
	}

	c.mu.Lock()
	if c.inst != nil {
		// Another bundle activated it concurrently.
		c.uses++
		obj := c.inst.object
		c.mu.Unlock()
		c.cfg.deactivateInstance(inst)
		return obj, nil
	}
	c.inst = inst
	c.uses = 1
	c.mu.Unlock()
	return inst.object, nil
}

func (c *component) ungetService(consumer *bundle.Bundle) {
	if c.kind == KindServiceFactory {
		c.mu.Lock()
		inst, ok := c.perBundle[consumer]
		delete(c.perBundle, consumer)
		c.mu.Unlock()
		if ok {
			c.cfg.deactivateInstance(inst)
		}
		return
	}

	c.mu.Lock()
	if c.inst == nil {
		c.mu.Unlock()
		return
	}
	c.uses--
	if c.uses > 0 {
		c.mu.Unlock()
		return
	}
	inst := c.inst
	c.inst = nil
	c.mu.Unlock()
	c.cfg.deactivateInstance(inst)
}

// lazyService is registered for delayed and service factory components.
type lazyService struct {
	c *component
}

// GetService implements registry.ServiceFactory.
func (s *lazyService) GetService(consumer *bundle.Bundle, _ *registry.Registration) (any, error) {
	return s.c.getService(consumer)
}

// UngetService implements registry.ServiceFactory.
func (s *lazyService) UngetService(consumer *bundle.Bundle, _ *registry.Registration, _ any) {
	s.c.ungetService(consumer)
}
