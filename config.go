package scr

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/cm"
	"github.com/GoCodeAlone/scr/filter"
)

// Component property keys set by the runtime
const (
	PropertyComponentName    = "component.name"
	PropertyComponentID      = "component.id"
	PropertyComponentFactory = "component.factory"
)

// Config is one instantiation of a ComponentDescription: the description's
// properties overlaid with configuration, one Reference per declared
// reference and, while enabled, the component implementing the activation
// strategy.
//
// State changes run on the Config's executor, one at a time.
type Config struct {
	runtime *Runtime
	desc    *ComponentDescription
	typ     *ImplementationType
	bundle  *bundle.Bundle
	exec    executor

	references []*Reference

	mu            sync.RWMutex
	id            int64
	properties    map[string]any
	configuration *cm.Configuration
	instanceProps map[string]any
	generation    int64
	requested     bool
	enabled       bool
	satisfied     bool
	disposed      bool
	component     *component
	instances     []*ComponentInstance
}

func newConfig(rt *Runtime, b *bundle.Bundle, desc *ComponentDescription, typ *ImplementationType) *Config {
	c := &Config{
		runtime: rt,
		desc:    desc,
		typ:     typ,
		bundle:  b,
	}
	for _, rd := range desc.References {
		c.references = append(c.references, newReference(c, rd))
	}
	c.properties = c.computeProperties()
	return c
}

// ID returns the component id assigned by the runtime.
func (c *Config) ID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Name returns the component name.
func (c *Config) Name() string { return c.desc.Name }

// Description returns the component description. It must not be modified.
func (c *Config) Description() *ComponentDescription { return c.desc }

// Bundle returns the bundle that declared the component.
func (c *Config) Bundle() *bundle.Bundle { return c.bundle }

// Services returns the provided interface names.
func (c *Config) Services() []string { return slices.Clone(c.desc.Services) }

// References returns the reference trackers in declaration order.
func (c *Config) References() []*Reference { return slices.Clone(c.references) }

// Properties returns a copy of the effective component properties.
func (c *Config) Properties() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.properties)
}

// Configuration returns the applied store configuration, or nil.
func (c *Config) Configuration() *cm.Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configuration
}

// Generation counts the configuration changes applied to the Config.
func (c *Config) Generation() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// IsEnabled reports whether the Config is enabled.
func (c *Config) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// IsSatisfied reports whether the Config is enabled and every reference is
// satisfied.
func (c *Config) IsSatisfied() bool {
	if !c.IsEnabled() {
		return false
	}
	for _, r := range c.references {
		if !r.Satisfied() {
			return false
		}
	}
	return true
}

// State returns the lifecycle state.
func (c *Config) State() State {
	c.mu.RLock()
	enabled, satisfied, comp := c.enabled, c.satisfied, c.component
	c.mu.RUnlock()
	switch {
	case !enabled || comp == nil:
		return StateDisabled
	case !satisfied:
		return StateUnsatisfied
	case comp.active():
		return StateActive
	default:
		return StateSatisfied
	}
}

// Instance returns the implementation object of an active immediate or
// delayed component, or nil.
func (c *Config) Instance() any {
	c.mu.RLock()
	comp := c.component
	c.mu.RUnlock()
	if comp == nil {
		return nil
	}
	if insts := comp.instances(); len(insts) > 0 {
		return insts[0].object
	}
	return nil
}

// Err returns the last activation or registration error, or nil.
func (c *Config) Err() error {
	c.mu.RLock()
	comp := c.component
	c.mu.RUnlock()
	if comp == nil {
		return nil
	}
	return comp.err()
}

// Enable enables the Config: its references are opened and, once they are
// satisfied, the component is activated.
func (c *Config) Enable() {
	c.exec.submit(func() {
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return
		}
		c.requested = true
		c.mu.Unlock()
		c.enable()
	})
}

// Disable deactivates the component and closes the references.
func (c *Config) Disable() {
	c.exec.submit(func() {
		c.mu.Lock()
		c.requested = false
		c.mu.Unlock()
		c.disable()
	})
}

// Copy returns a new disabled Config with the same description, bundle and
// implementation type. Bindings and configuration are not copied.
func (c *Config) Copy() *Config {
	cp := newConfig(c.runtime, c.bundle, c.desc.Clone(), c.typ)
	c.runtime.addConfig(cp)
	return cp
}

func (c *Config) dispose() {
	c.exec.submit(func() {
		c.mu.Lock()
		c.disposed = true
		c.requested = false
		c.mu.Unlock()
		c.disable()
	})
}

func (c *Config) enable() {
	c.mu.Lock()
	if c.enabled || !c.requested || c.disposed {
		c.mu.Unlock()
		return
	}
	if c.desc.ConfigurationPolicy == ConfigurationRequire && c.configuration == nil {
		c.mu.Unlock()
		c.logger().Debug("Component waiting for configuration", "component", c.Name(), "pid", c.desc.PID())
		return
	}
	c.properties = c.computeProperties()
	props := c.properties
	c.mu.Unlock()

	for _, r := range c.references {
		r.open(c.targetFor(r.desc, props))
	}

	comp := newComponent(c)
	c.mu.Lock()
	c.component = comp
	c.enabled = true
	c.mu.Unlock()

	c.runtime.configEnabled(c)
	c.evaluate()
}

func (c *Config) disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	wasSatisfied := c.satisfied
	c.satisfied = false
	comp := c.component
	instances := c.instances
	c.instances = nil
	c.mu.Unlock()

	c.runtime.configDisabled(c)
	if wasSatisfied {
		comp.unsatisfied()
	}
	for _, ci := range instances {
		ci.Dispose()
	}
	for i := len(c.references) - 1; i >= 0; i-- {
		c.references[i].close()
	}

	c.mu.Lock()
	c.component = nil
	c.mu.Unlock()
}

// evaluate forwards a net change of satisfaction to the component.
func (c *Config) evaluate() {
	now := c.IsSatisfied()

	c.mu.Lock()
	was := c.satisfied
	c.satisfied = now
	comp := c.component
	c.mu.Unlock()

	switch {
	case now && !was:
		c.runtime.emit(EventTypeComponentSatisfied, c.eventData(nil))
		comp.satisfied()
	case !now && was:
		c.runtime.emit(EventTypeComponentUnsatisfied, c.eventData(nil))
		comp.unsatisfied()
	}
}

func (c *Config) referenceSatisfied(*Reference) { c.evaluate() }

func (c *Config) referenceUnsatisfied(*Reference) { c.evaluate() }

// reactivate runs one deactivate/activate cycle of a satisfied component.
func (c *Config) reactivate() {
	c.mu.RLock()
	satisfied, comp := c.satisfied, c.component
	c.mu.RUnlock()
	if !satisfied || comp == nil {
		return
	}
	c.logger().Debug("Reactivating component", "component", c.Name())
	comp.unsatisfied()
	comp.satisfied()
}

// reconfigure applies a store configuration, or removes it when conf is
// nil, and restarts the component. A component declaring a modified method
// is updated in place when no target filter changes. It returns once the
// restart has run, even when another goroutine drains the executor.
func (c *Config) reconfigure(conf *cm.Configuration) {
	c.exec.submitAndWait(func() {
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return
		}
		c.configuration = conf
		c.generation++
		enabled, comp := c.enabled, c.component
		props := c.computeProperties()
		c.mu.Unlock()

		c.runtime.metrics.configurationApplied(c.Name())
		c.runtime.emit(EventTypeConfigurationApplied, c.eventData(nil))

		if conf == nil && c.desc.ConfigurationPolicy == ConfigurationRequire {
			c.disable()
			return
		}
		if enabled && conf != nil && c.desc.Modified != "" && comp.active() && c.targetsUnchanged(props) {
			c.modify(comp, props)
			return
		}
		c.disable()
		c.enable()
	})
}

func (c *Config) modify(comp *component, props map[string]any) {
	c.mu.Lock()
	c.properties = props
	c.mu.Unlock()

	for _, inst := range comp.instances() {
		if err := c.callLifecycle(inst, c.desc.Modified, ""); err != nil {
			c.logger().Error("Modified method failed", "component", c.Name(), "method", c.desc.Modified, "error", err)
		}
	}
	comp.updateServiceProperties(c.serviceProperties())
	c.logger().Debug("Component modified", "component", c.Name())
}

func (c *Config) targetsUnchanged(props map[string]any) bool {
	for _, r := range c.references {
		next := c.targetFor(r.desc, props)
		if next.String() != r.Target().String() {
			return false
		}
	}
	return true
}

// targetFor returns the target filter of a reference, honouring a
// <reference>.target property.
func (c *Config) targetFor(rd ReferenceDescription, props map[string]any) *filter.Filter {
	target := rd.Target
	if v, ok := props[targetKey(rd.Name)].(string); ok {
		target = v
	}
	if target == "" {
		return nil
	}
	f, err := filter.Parse(target)
	if err != nil {
		c.logger().Error("Invalid target filter", "component", c.Name(), "reference", rd.Name, "error", err)
		if target == rd.Target {
			return nil
		}
		f, _ = filter.Parse(rd.Target)
	}
	return f
}

// computeProperties layers configuration over declared defaults and
// factory instance properties over configuration. Callers hold c.mu or own
// the Config exclusively.
func (c *Config) computeProperties() map[string]any {
	props := make(map[string]any, len(c.desc.Properties)+4)
	for _, p := range c.desc.Properties {
		props[p.Name] = cloneValue(p.Value)
	}
	if c.configuration != nil {
		for k, v := range c.configuration.Properties {
			props[k] = cloneValue(v)
		}
	}
	for k, v := range c.instanceProps {
		props[k] = cloneValue(v)
	}
	props[PropertyComponentName] = c.desc.Name
	props[PropertyComponentID] = c.id
	return props
}

func (c *Config) serviceProperties() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.properties))
	for k, v := range c.properties {
		if !isPrivate(k) {
			out[k] = v
		}
	}
	return out
}

func (c *Config) activeInstances() []*instance {
	c.mu.RLock()
	comp := c.component
	c.mu.RUnlock()
	if comp == nil {
		return nil
	}
	return comp.instances()
}

func (c *Config) reference(name string) *Reference {
	for _, r := range c.references {
		if r.desc.Name == name {
			return r
		}
	}
	return nil
}

// activateInstance creates an implementation object, binds every reference
// to it and calls its activate method.
func (c *Config) activateInstance(using *bundle.Bundle) (*instance, error) {
	logger := c.logger()
	obj, err := c.typ.newInstance()
	if err != nil {
		return nil, c.activationFailed(fmt.Errorf("%w: %s: %w", ErrActivationFailed, c.Name(), err))
	}

	inst := &instance{object: obj}
	inst.ctx = &ComponentContext{cfg: c, inst: inst, usingBundle: using}

	for i, r := range c.references {
		if !r.bindInstance(inst) {
			for j := i - 1; j >= 0; j-- {
				c.references[j].unbindInstance(inst)
			}
			return nil, c.activationFailed(fmt.Errorf("%w: %s: reference %q has no obtainable service", ErrActivationFailed, c.Name(), r.desc.Name))
		}
	}

	if err := c.callLifecycle(inst, c.desc.Activate, "activate"); err != nil {
		for j := len(c.references) - 1; j >= 0; j-- {
			c.references[j].unbindInstance(inst)
		}
		return nil, c.activationFailed(fmt.Errorf("%w: %s: %w", ErrActivationFailed, c.Name(), err))
	}

	logger.Debug("Component activated", "component", c.Name(), "id", c.ID())
	c.runtime.metrics.activated(c.Name())
	c.runtime.emit(EventTypeComponentActivated, c.eventData(nil))
	return inst, nil
}

func (c *Config) activationFailed(err error) error {
	c.logger().Error("Component activation failed", "component", c.Name(), "error", err)
	c.runtime.metrics.activationFailed(c.Name())
	c.runtime.emit(EventTypeComponentFailed, c.eventData(err))
	return err
}

// deactivateInstance calls the deactivate method and unbinds every
// reference in reverse order.
func (c *Config) deactivateInstance(inst *instance) {
	if err := c.callLifecycle(inst, c.desc.Deactivate, "deactivate"); err != nil {
		c.logger().Warn("Deactivate method failed", "component", c.Name(), "error", err)
	}
	for i := len(c.references) - 1; i >= 0; i-- {
		c.references[i].unbindInstance(inst)
	}
	c.logger().Debug("Component deactivated", "component", c.Name(), "id", c.ID())
	c.runtime.metrics.deactivated(c.Name())
	c.runtime.emit(EventTypeComponentDeactivated, c.eventData(nil))
}

// callLifecycle invokes the named lifecycle method, or fallback when no
// name is declared. Only a declared method that cannot be found is logged.
func (c *Config) callLifecycle(inst *instance, method, fallback string) error {
	name := method
	if name == "" {
		name = fallback
	}
	if name == "" {
		return nil
	}
	fn, ok := c.typ.lifecycleMethod(inst.object, name)
	if !ok {
		if method != "" {
			c.logger().Error("Lifecycle method not found",
				"component", c.Name(), "method", method, "error", ErrBindMethodNotFound)
		}
		return nil
	}
	return safeInvoke(func() error { return fn(inst.object, inst.ctx) })
}

func (c *Config) logger() Logger { return c.runtime.logger }

func (c *Config) eventData(err error) ComponentEventData {
	data := ComponentEventData{
		ID:     c.ID(),
		Name:   c.Name(),
		Bundle: c.bundle.SymbolicName(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
