// Package scr implements a declarative component runtime: bundles declare
// components with service dependencies, and the runtime tracks matching
// providers in the service registry, activates components once their
// references are satisfied, rebinds them as providers come and go, and
// restarts them when their configuration changes.
package scr

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/cm"
	"github.com/GoCodeAlone/scr/filter"
	"github.com/GoCodeAlone/scr/registry"
)

// DescriptionSource yields the component descriptions a bundle declares.
type DescriptionSource interface {
	Descriptions(b *bundle.Bundle) ([]*ComponentDescription, error)
}

// DescriptionSourceFunc adapts a function to a DescriptionSource.
type DescriptionSourceFunc func(b *bundle.Bundle) ([]*ComponentDescription, error)

// Descriptions implements DescriptionSource.
func (f DescriptionSourceFunc) Descriptions(b *bundle.Bundle) ([]*ComponentDescription, error) {
	return f(b)
}

// Option configures a Runtime
type Option func(*Runtime) error

// WithLogger sets the runtime logger.
func WithLogger(logger Logger) Option {
	return func(r *Runtime) error {
		if logger == nil {
			return fmt.Errorf("%w: logger", ErrNilOption)
		}
		r.logger = logger
		return nil
	}
}

// WithConfigurationStore connects the runtime to a configuration store.
func WithConfigurationStore(store cm.Store) Option {
	return func(r *Runtime) error {
		r.store = store
		return nil
	}
}

// WithTypes registers implementation types.
func WithTypes(types ...*ImplementationType) Option {
	return func(r *Runtime) error {
		return r.types.Register(types...)
	}
}

// WithDescriptionSource sets where component descriptions of starting
// bundles are read from.
func WithDescriptionSource(source DescriptionSource) Option {
	return func(r *Runtime) error {
		r.source = source
		return nil
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) error {
		r.metrics = m
		return nil
	}
}

// WithObserver registers an observer for runtime events.
func WithObserver(o Observer) Option {
	return func(r *Runtime) error {
		r.observers = append(r.observers, o)
		return nil
	}
}

// WithCycleDetection turns reference cycle diagnostics on or off. It is on
// by default.
func WithCycleDetection(enabled bool) Option {
	return func(r *Runtime) error {
		r.detectCycles = enabled
		return nil
	}
}

// Runtime manages the component configurations of every started bundle.
type Runtime struct {
	framework    *bundle.Framework
	registry     *registry.Registry
	logger       Logger
	store        cm.Store
	types        *TypeRegistry
	source       DescriptionSource
	metrics      *Metrics
	observers    []Observer
	detectCycles bool

	mu          sync.RWMutex
	started     bool
	nextID      int64
	configs     map[int64]*Config
	byBundle    map[int64][]*Config
	byName      map[string][]*Config
	templates   map[string][]*factoryTemplate
	byInterface map[string][]int64
	cycles      map[string]reportedCycle

	// configMu serializes configuration restarts process-wide.
	configMu sync.Mutex

	removeBundleListener func()
	cancelStore          func()
}

// NewRuntime creates a runtime bound to a framework and its service
// registry.
func NewRuntime(fw *bundle.Framework, reg *registry.Registry, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		framework:    fw,
		registry:     reg,
		logger:       nopLogger{},
		types:        NewTypeRegistry(),
		detectCycles: true,
		nextID:       1,
		configs:      make(map[int64]*Config),
		byBundle:     make(map[int64][]*Config),
		byName:       make(map[string][]*Config),
		templates:    make(map[string][]*factoryTemplate),
		byInterface:  make(map[string][]int64),
		cycles:       make(map[string]reportedCycle),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Types returns the implementation type registry.
func (r *Runtime) Types() *TypeRegistry { return r.types }

// Registry returns the service registry the runtime works against.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Start listens for bundle and configuration events and creates the
// components of bundles that are already active.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRuntimeStarted
	}
	r.started = true
	r.mu.Unlock()

	r.removeBundleListener = r.framework.AddListener(r.bundleChanged)
	if r.store != nil {
		r.cancelStore = r.store.Listen(r.configurationEvent)
	}
	for _, b := range r.framework.Bundles() {
		if b.State() == bundle.StateActive {
			r.bundleStarted(b)
		}
	}
	r.logger.Info("Component runtime started", "components", len(r.Components()))
	r.emit(EventTypeRuntimeStarted, nil)
	return nil
}

// Stop disables every component, newest first, and detaches from the
// framework and configuration store.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	if r.removeBundleListener != nil {
		r.removeBundleListener()
	}
	if r.cancelStore != nil {
		r.cancelStore()
	}

	bundles := r.framework.Bundles()
	for i := len(bundles) - 1; i >= 0; i-- {
		r.RemoveComponents(bundles[i])
	}
	r.logger.Info("Component runtime stopped")
	r.emit(EventTypeRuntimeStopped, nil)
	return nil
}

func (r *Runtime) bundleChanged(ev bundle.Event) {
	switch ev.Type {
	case bundle.EventStarted:
		r.bundleStarted(ev.Bundle)
	case bundle.EventStopping:
		r.RemoveComponents(ev.Bundle)
	}
}

func (r *Runtime) bundleStarted(b *bundle.Bundle) {
	if r.source == nil {
		return
	}
	descs, err := r.source.Descriptions(b)
	if err != nil {
		r.logger.Error("Failed to read component descriptions", "bundle", b.SymbolicName(), "error", err)
		return
	}
	if len(descs) == 0 {
		return
	}
	if err := r.AddComponents(b, descs...); err != nil {
		r.logger.Warn("Some components were rejected", "bundle", b.SymbolicName(), "error", err)
	}
}

// AddComponents creates a Config for each valid description and enables
// those not disabled by default. Invalid descriptions are skipped and
// reported in the returned error.
func (r *Runtime) AddComponents(b *bundle.Bundle, descs ...*ComponentDescription) error {
	var errs []error
	for _, desc := range descs {
		d := desc.Clone()
		if err := d.Validate(); err != nil {
			r.logger.Error("Rejected component description", "bundle", b.SymbolicName(), "component", d.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if _, err := r.initComponent(b, d); err != nil {
			r.logger.Error("Rejected component description", "bundle", b.SymbolicName(), "component", d.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) initComponent(b *bundle.Bundle, desc *ComponentDescription) (*Config, error) {
	typ, ok := r.types.Lookup(desc.Implementation)
	if !ok {
		return nil, fmt.Errorf("%w: component %q: %w: %s", ErrInvalidDescription, desc.Name, ErrUnknownImplementation, desc.Implementation)
	}

	cfg := newConfig(r, b, desc, typ)
	r.addConfig(cfg)
	requested := !desc.Disabled
	cfg.mu.Lock()
	cfg.requested = requested
	cfg.mu.Unlock()

	pid := desc.PID()
	r.mu.Lock()
	r.byName[pid] = append(r.byName[pid], cfg)
	r.mu.Unlock()

	r.logger.Debug("Component created", "component", desc.Name, "id", cfg.ID(), "bundle", b.SymbolicName(), "kind", desc.Kind())

	if r.store == nil || desc.ConfigurationPolicy == ConfigurationIgnore {
		if requested {
			cfg.Enable()
		}
		return cfg, nil
	}

	r.configMu.Lock()
	defer r.configMu.Unlock()

	factoryConfs := r.listConfigurations(filter.Equal(cm.PropertyFactoryPID, pid))
	if len(factoryConfs) > 0 && desc.Factory != "" {
		r.logger.Error("Ignoring factory configurations", "component", desc.Name, "factoryPid", pid, "error", ErrFactoryConfigurationConflict)
		factoryConfs = nil
	}
	var tmpl *factoryTemplate
	if desc.Factory == "" {
		tmpl = &factoryTemplate{proto: cfg, def: cfg, instances: make(map[string]*Config)}
		r.mu.Lock()
		r.templates[pid] = append(r.templates[pid], tmpl)
		r.mu.Unlock()
	}
	if len(factoryConfs) > 0 {
		for _, conf := range factoryConfs {
			r.applyFactoryConfiguration(tmpl, conf)
		}
		return cfg, nil
	}

	if conf := r.fetchConfiguration(pid); conf != nil && !conf.IsFactory() {
		cfg.mu.Lock()
		cfg.configuration = conf
		cfg.generation++
		cfg.mu.Unlock()
	}
	if requested {
		cfg.Enable()
	}
	return cfg, nil
}

// RemoveComponents disables and forgets every component of a bundle.
func (r *Runtime) RemoveComponents(b *bundle.Bundle) {
	r.mu.Lock()
	cfgs := r.byBundle[b.ID()]
	delete(r.byBundle, b.ID())
	for _, cfg := range cfgs {
		delete(r.configs, cfg.ID())
		pid := cfg.desc.PID()
		r.byName[pid] = slices.DeleteFunc(r.byName[pid], func(c *Config) bool { return c == cfg })
		if len(r.byName[pid]) == 0 {
			delete(r.byName, pid)
		}
		r.templates[pid] = slices.DeleteFunc(r.templates[pid], func(t *factoryTemplate) bool { return t.proto.bundle == b })
		if len(r.templates[pid]) == 0 {
			delete(r.templates, pid)
		}
	}
	r.mu.Unlock()

	for i := len(cfgs) - 1; i >= 0; i-- {
		cfgs[i].dispose()
	}
	if len(cfgs) > 0 {
		r.logger.Debug("Bundle components removed", "bundle", b.SymbolicName(), "count", len(cfgs))
	}
}

// EnableComponent enables the named component of b, or all of them when
// name is empty.
func (r *Runtime) EnableComponent(b *bundle.Bundle, name string) error {
	cfgs, err := r.bundleConfigs(b, name)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		cfg.Enable()
	}
	return nil
}

// DisableComponent disables the named component of b, or all of them when
// name is empty.
func (r *Runtime) DisableComponent(b *bundle.Bundle, name string) error {
	cfgs, err := r.bundleConfigs(b, name)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		cfg.Disable()
	}
	return nil
}

func (r *Runtime) bundleConfigs(b *bundle.Bundle, name string) ([]*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Config
	for _, cfg := range r.byBundle[b.ID()] {
		if name == "" || cfg.Name() == name {
			out = append(out, cfg)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrComponentNotFound, name, b.SymbolicName())
	}
	return out, nil
}

// Config returns the component configuration with the given id.
func (r *Runtime) Config(id int64) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// ConfigsByName returns the configurations of the named component, ordered
// by id.
func (r *Runtime) ConfigsByName(name string) []*Config {
	r.mu.RLock()
	var out []*Config
	for _, cfg := range r.configs {
		if cfg.Name() == name {
			out = append(out, cfg)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FactoryInstances returns the configurations created for the factory
// configurations of factoryPID, keyed by pid. When several bundles declare
// the component, the instance of the earliest declaration is returned.
func (r *Runtime) FactoryInstances(factoryPID string) map[string]*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Config)
	for _, t := range r.templates[factoryPID] {
		for pid, cfg := range t.instances {
			if _, ok := out[pid]; !ok {
				out[pid] = cfg
			}
		}
	}
	return out
}

// BundleFactoryInstances returns the factory configuration instances of
// the component declared by b, keyed by pid.
func (r *Runtime) BundleFactoryInstances(b *bundle.Bundle, factoryPID string) map[string]*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.templates[factoryPID] {
		if t.proto.bundle == b {
			return maps.Clone(t.instances)
		}
	}
	return map[string]*Config{}
}

func (r *Runtime) addConfig(cfg *Config) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.configs[id] = cfg
	r.byBundle[cfg.bundle.ID()] = append(r.byBundle[cfg.bundle.ID()], cfg)
	r.mu.Unlock()

	cfg.mu.Lock()
	cfg.id = id
	cfg.properties[PropertyComponentID] = id
	cfg.mu.Unlock()
}

func (r *Runtime) removeConfig(cfg *Config) {
	id := cfg.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
	bid := cfg.bundle.ID()
	r.byBundle[bid] = slices.DeleteFunc(r.byBundle[bid], func(c *Config) bool { return c == cfg })
	if len(r.byBundle[bid]) == 0 {
		delete(r.byBundle, bid)
	}
}

func (r *Runtime) configEnabled(cfg *Config) {
	id := cfg.ID()
	r.mu.Lock()
	for _, iface := range cfg.desc.Services {
		if !slices.Contains(r.byInterface[iface], id) {
			r.byInterface[iface] = append(r.byInterface[iface], id)
		}
	}
	r.mu.Unlock()

	r.metrics.enabled()
	r.emit(EventTypeComponentEnabled, cfg.eventData(nil))
	if r.detectCycles && len(cfg.desc.Services) > 0 {
		r.checkCycles(cfg)
	}
}

func (r *Runtime) configDisabled(cfg *Config) {
	id := cfg.ID()
	r.mu.Lock()
	for _, iface := range cfg.desc.Services {
		r.byInterface[iface] = slices.DeleteFunc(r.byInterface[iface], func(e int64) bool { return e == id })
		if len(r.byInterface[iface]) == 0 {
			delete(r.byInterface, iface)
		}
	}
	for key, c := range r.cycles {
		if slices.Contains(c.ids, id) {
			delete(r.cycles, key)
		}
	}
	r.mu.Unlock()

	r.metrics.disabled()
	r.emit(EventTypeComponentDisabled, cfg.eventData(nil))
}

// configurationEvent bridges configuration store events into restarts.
func (r *Runtime) configurationEvent(ev cm.Event) {
	r.configMu.Lock()
	defer r.configMu.Unlock()

	r.metrics.configurationEvent(ev.Type.String())
	if ev.FactoryPID != "" {
		r.factoryConfigurationEvent(ev)
		return
	}
	r.singletonConfigurationEvent(ev)
}

// factoryTemplate holds the factory configuration instances of one
// component declaration. def is the unconfigured instance awaiting the next
// new pid.
type factoryTemplate struct {
	proto     *Config
	def       *Config
	instances map[string]*Config
}

func (r *Runtime) factoryConfigurationEvent(ev cm.Event) {
	r.mu.RLock()
	tmpls := slices.Clone(r.templates[ev.FactoryPID])
	var conflicts []*Config
	for _, cfg := range r.byName[ev.FactoryPID] {
		if cfg.desc.Factory != "" && cfg.desc.ConfigurationPolicy != ConfigurationIgnore {
			conflicts = append(conflicts, cfg)
		}
	}
	r.mu.RUnlock()
	for _, cfg := range conflicts {
		r.logger.Error("Ignoring factory configuration", "component", cfg.Name(), "pid", ev.PID, "error", ErrFactoryConfigurationConflict)
	}
	if len(tmpls) == 0 {
		return
	}

	switch ev.Type {
	case cm.EventDeleted:
		for _, t := range tmpls {
			r.deleteFactoryInstance(t, ev.PID)
		}

	case cm.EventUpdated:
		conf := r.fetchConfiguration(ev.PID)
		if conf == nil {
			return
		}
		for _, t := range tmpls {
			r.applyFactoryConfiguration(t, conf)
		}
	}
}

// deleteFactoryInstance drops the instance of t for pid. The last instance
// stays as the unconfigured default. Deleting the template's own instance
// while others remain hands the template role to the oldest survivor.
func (r *Runtime) deleteFactoryInstance(t *factoryTemplate, pid string) {
	r.mu.Lock()
	cfg := t.instances[pid]
	if cfg == nil {
		r.mu.Unlock()
		return
	}
	delete(t.instances, pid)
	if len(t.instances) == 0 {
		t.def = cfg
		r.mu.Unlock()
		r.logger.Info("Last factory configuration deleted, restarting with defaults", "component", cfg.Name(), "pid", pid)
		cfg.reconfigure(nil)
		return
	}
	if cfg == t.proto {
		var next *Config
		for _, c := range t.instances {
			if next == nil || c.ID() < next.ID() {
				next = c
			}
		}
		t.proto = next
		name := cfg.desc.PID()
		if i := slices.Index(r.byName[name], cfg); i >= 0 {
			r.byName[name][i] = next
		}
	}
	r.mu.Unlock()

	r.logger.Info("Factory configuration deleted, disabling instance", "component", cfg.Name(), "pid", pid)
	cfg.dispose()
	r.removeConfig(cfg)
}

// applyFactoryConfiguration routes conf to the instance of t for its pid.
// A new pid takes over the unconfigured default instance when there is one
// and otherwise clones the template.
func (r *Runtime) applyFactoryConfiguration(t *factoryTemplate, conf *cm.Configuration) {
	r.mu.Lock()
	target := t.instances[conf.PID]
	if target == nil && t.def != nil {
		target, t.def = t.def, nil
	}
	proto := t.proto
	r.mu.Unlock()

	if target == nil {
		target = proto.Copy()
		target.mu.Lock()
		target.requested = !proto.desc.Disabled
		target.mu.Unlock()
	}

	r.mu.Lock()
	t.instances[conf.PID] = target
	r.mu.Unlock()

	r.logger.Debug("Applying factory configuration", "component", target.Name(), "pid", conf.PID)
	target.reconfigure(conf)
}

func (r *Runtime) singletonConfigurationEvent(ev cm.Event) {
	r.mu.RLock()
	cfgs := slices.Clone(r.byName[ev.PID])
	r.mu.RUnlock()

	var conf *cm.Configuration
	if ev.Type == cm.EventUpdated {
		conf = r.fetchConfiguration(ev.PID)
	}
	for _, cfg := range cfgs {
		if cfg.desc.ConfigurationPolicy == ConfigurationIgnore {
			continue
		}
		if current := cfg.Configuration(); current != nil && current.IsFactory() {
			continue
		}
		r.logger.Debug("Applying configuration", "component", cfg.Name(), "pid", ev.PID, "event", ev.Type)
		cfg.reconfigure(conf)
	}
}

// fetchConfiguration reads one configuration. Denied or failing reads count
// as no configuration.
func (r *Runtime) fetchConfiguration(pid string) *cm.Configuration {
	confs := r.listConfigurations(filter.Equal(cm.PropertyPID, pid))
	if len(confs) == 0 {
		return nil
	}
	return confs[0]
}

func (r *Runtime) listConfigurations(f *filter.Filter) []*cm.Configuration {
	confs, err := r.store.ListConfigurations(f)
	if err != nil {
		if errors.Is(err, cm.ErrPermissionDenied) {
			r.logger.Debug("Configuration not readable, using defaults", "filter", f.String(), "error", err)
		} else {
			r.logger.Warn("Failed to list configurations", "filter", f.String(), "error", err)
		}
		return nil
	}
	return confs
}
