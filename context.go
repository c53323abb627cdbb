package scr

import (
	"github.com/GoCodeAlone/scr/bundle"
)

// ComponentContext is handed to lifecycle methods of an implementation
// instance.
type ComponentContext struct {
	cfg         *Config
	inst        *instance
	usingBundle *bundle.Bundle
}

// Properties returns the component properties.
func (c *ComponentContext) Properties() map[string]any { return c.cfg.Properties() }

// ComponentID returns the id of the component configuration.
func (c *ComponentContext) ComponentID() int64 { return c.cfg.ID() }

// Bundle returns the bundle declaring the component.
func (c *ComponentContext) Bundle() *bundle.Bundle { return c.cfg.bundle }

// UsingBundle returns the bundle whose service request created a delayed or
// service factory instance, nil for immediate components.
func (c *ComponentContext) UsingBundle() *bundle.Bundle { return c.usingBundle }

// Instance returns the implementation object.
func (c *ComponentContext) Instance() any { return c.inst.object }

// LocateService returns the service bound to the named reference, or nil.
// For multiple references the best ranked bound service is returned.
func (c *ComponentContext) LocateService(reference string) any {
	services := c.LocateServices(reference)
	if len(services) == 0 {
		return nil
	}
	return services[0]
}

// LocateServices returns every service bound to the named reference.
func (c *ComponentContext) LocateServices(reference string) []any {
	r := c.cfg.reference(reference)
	if r == nil {
		return nil
	}
	return r.services(c.inst)
}

// EnableComponent enables the named component of the same bundle, or every
// component of the bundle when name is empty.
func (c *ComponentContext) EnableComponent(name string) error {
	return c.cfg.runtime.EnableComponent(c.cfg.bundle, name)
}

// DisableComponent disables the named component of the same bundle.
func (c *ComponentContext) DisableComponent(name string) error {
	return c.cfg.runtime.DisableComponent(c.cfg.bundle, name)
}
