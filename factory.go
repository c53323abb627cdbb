package scr

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ComponentFactoryInterface is the interface name component factories are
// registered under.
const ComponentFactoryInterface = "org.osgi.service.component.ComponentFactory"

// ComponentFactory is the service registered by a satisfied factory
// component. Each NewInstance call creates an independent component
// configuration that is activated immediately.
type ComponentFactory struct {
	cfg *Config

	mu     sync.RWMutex
	closed bool
}

// NewInstance creates and activates a new component instance with props
// layered over the component properties.
func (f *ComponentFactory) NewInstance(props map[string]any) (*ComponentInstance, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrFactoryDisposed, f.cfg.Name())
	}
	return f.cfg.newFactoryInstance(props)
}

func (f *ComponentFactory) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// ComponentInstance is a handle on a component created by a factory.
type ComponentInstance struct {
	cfg     *Config
	factory *Config
	once    sync.Once
}

// Instance returns the implementation object, or nil once disposed.
func (i *ComponentInstance) Instance() any { return i.cfg.Instance() }

// Config returns the component configuration backing the instance.
func (i *ComponentInstance) Config() *Config { return i.cfg }

// Dispose deactivates the instance and releases its configuration.
func (i *ComponentInstance) Dispose() {
	i.once.Do(func() {
		i.cfg.dispose()
		i.cfg.runtime.removeConfig(i.cfg)
		i.factory.removeInstance(i)
		i.cfg.logger().Debug("Factory instance disposed", "component", i.cfg.Name(), "id", i.cfg.ID())
	})
}

// Factory returns the ComponentFactory of a satisfied factory component.
func (c *Config) Factory() (*ComponentFactory, error) {
	if c.desc.Factory == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotAFactoryComponent, c.Name())
	}
	c.mu.RLock()
	comp := c.component
	c.mu.RUnlock()
	if comp != nil {
		comp.mu.Lock()
		f := comp.factory
		comp.mu.Unlock()
		if f != nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFactoryDisposed, c.Name())
}

func (c *Config) newFactoryInstance(props map[string]any) (*ComponentInstance, error) {
	desc := c.desc.Clone()
	desc.Factory = ""
	desc.Immediate = true

	c.mu.RLock()
	conf := c.configuration
	c.mu.RUnlock()

	cp := newConfig(c.runtime, c.bundle, desc, c.typ)
	cp.configuration = conf
	cp.instanceProps = maps.Clone(props)
	if cp.instanceProps == nil {
		cp.instanceProps = make(map[string]any)
	}
	cp.instanceProps[PropertyComponentFactory] = c.desc.Factory
	c.runtime.addConfig(cp)

	cp.Enable()
	if cp.State() != StateActive {
		err := cp.Err()
		cp.dispose()
		c.runtime.removeConfig(cp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFactoryInstanceUnsatisfied, c.Name(), err)
		}
		return nil, fmt.Errorf("%w: %s", ErrFactoryInstanceUnsatisfied, c.Name())
	}

	ci := &ComponentInstance{cfg: cp, factory: c}
	c.mu.Lock()
	c.instances = append(c.instances, ci)
	c.mu.Unlock()
	c.runtime.emit(EventTypeFactoryInstanceCreated, cp.eventData(nil))
	return ci, nil
}

func (c *Config) removeInstance(ci *ComponentInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = slices.DeleteFunc(c.instances, func(e *ComponentInstance) bool { return e == ci })
}
