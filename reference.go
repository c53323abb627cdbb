package scr

import (
	"slices"
	"sync"

	"github.com/GoCodeAlone/scr/filter"
	"github.com/GoCodeAlone/scr/registry"
)

type boundService struct {
	ref     *registry.ServiceReference
	service any
}

// Reference tracks the providers of one declared dependency of a Config and
// binds them to the Config's implementation instances. Provider events are
// handled on the owning Config's executor.
type Reference struct {
	desc ReferenceDescription
	cfg  *Config

	mu      sync.Mutex
	target  *filter.Filter
	opened  bool
	gen     int
	sub     *registry.Subscription
	tracked []*registry.ServiceReference
	bound   map[*instance][]boundService
}

func newReference(cfg *Config, desc ReferenceDescription) *Reference {
	return &Reference{
		desc:  desc,
		cfg:   cfg,
		bound: make(map[*instance][]boundService),
	}
}

// Name returns the reference name.
func (r *Reference) Name() string { return r.desc.Name }

// Description returns the declared reference.
func (r *Reference) Description() ReferenceDescription { return r.desc }

// Target returns the target filter in effect, or nil.
func (r *Reference) Target() *filter.Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Satisfied reports whether the reference allows its Config to be
// satisfied: it is optional or at least one provider is available.
func (r *Reference) Satisfied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.satisfiedLocked()
}

func (r *Reference) satisfiedLocked() bool {
	return r.desc.Optional() || len(r.tracked) > 0
}

// Tracked returns the matching providers, best ranked first.
func (r *Reference) Tracked() []*registry.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tracked)
}

// Bound returns the providers bound to any instance.
func (r *Reference) Bound() []*registry.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*registry.ServiceReference
	for _, bs := range r.bound {
		for _, b := range bs {
			if !slices.Contains(out, b.ref) {
				out = append(out, b.ref)
			}
		}
	}
	registry.SortReferences(out)
	return out
}

func (r *Reference) open(target *filter.Filter) {
	reg := r.cfg.runtime.registry

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.opened = true
	r.target = target
	r.mu.Unlock()

	sub := reg.Subscribe(r.desc.Interface, target, func(ev registry.ServiceEvent) {
		r.cfg.exec.submit(func() { r.serviceChanged(gen, ev) })
	})
	// Events racing with this lookup are queued behind the current task and
	// reconciled against the tracked list.
	refs := reg.References(r.desc.Interface, target)

	r.mu.Lock()
	r.sub = sub
	r.tracked = refs
	r.mu.Unlock()
}

func (r *Reference) close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.opened = false
	r.gen++
	r.tracked = nil
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Cancel()
	}
}

func (r *Reference) serviceChanged(gen int, ev registry.ServiceEvent) {
	r.mu.Lock()
	current := r.opened && gen == r.gen
	r.mu.Unlock()
	if !current {
		return
	}

	switch ev.Type {
	case registry.EventRegistered:
		r.added(ev.Reference)
	case registry.EventModified:
		r.modified(ev.Reference)
	case registry.EventModifiedEndMatch, registry.EventUnregistering:
		r.removed(ev.Reference)
	}
}

func (r *Reference) added(ref *registry.ServiceReference) {
	r.mu.Lock()
	if slices.Contains(r.tracked, ref) {
		r.mu.Unlock()
		r.modified(ref)
		return
	}
	wasSatisfied := r.satisfiedLocked()
	r.tracked = append(r.tracked, ref)
	registry.SortReferences(r.tracked)
	r.mu.Unlock()

	r.cfg.logger().Debug("Service added to reference", "component", r.cfg.Name(), "reference", r.desc.Name, "service", ref.ID())

	if !wasSatisfied {
		r.cfg.referenceSatisfied(r)
		return
	}

	instances := r.cfg.activeInstances()
	if len(instances) == 0 {
		return
	}
	if r.desc.Multiple() {
		for _, inst := range instances {
			r.bindOne(inst, ref)
		}
		return
	}
	r.rebindUnary(instances)
}

func (r *Reference) modified(ref *registry.ServiceReference) {
	r.mu.Lock()
	if !slices.Contains(r.tracked, ref) {
		r.mu.Unlock()
		r.added(ref)
		return
	}
	registry.SortReferences(r.tracked)
	r.mu.Unlock()

	instances := r.cfg.activeInstances()
	if r.desc.Updated != "" {
		for _, inst := range instances {
			if b, ok := r.binding(inst, ref); ok {
				r.invoke(inst, r.desc.Updated, b.ref, b.service)
			}
		}
	}
	if !r.desc.Multiple() && len(instances) > 0 {
		r.rebindUnary(instances)
	}
}

func (r *Reference) removed(ref *registry.ServiceReference) {
	r.mu.Lock()
	idx := slices.Index(r.tracked, ref)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	wasSatisfied := r.satisfiedLocked()
	r.tracked = slices.Delete(r.tracked, idx, idx+1)
	nowSatisfied := r.satisfiedLocked()
	r.mu.Unlock()

	r.cfg.logger().Debug("Service removed from reference", "component", r.cfg.Name(), "reference", r.desc.Name, "service", ref.ID())

	if wasSatisfied && !nowSatisfied {
		// Deactivates while the departing service can still be obtained.
		r.cfg.referenceUnsatisfied(r)
		return
	}

	for _, inst := range r.cfg.activeInstances() {
		if _, ok := r.binding(inst, ref); !ok {
			continue
		}
		if r.desc.Multiple() {
			r.unbindOne(inst, ref)
			continue
		}
		if !r.desc.Dynamic() {
			r.cfg.reactivate()
			return
		}
		r.unbindOne(inst, ref)
		if best := r.best(); best != nil {
			r.bindOne(inst, best)
		}
	}
}

// rebindUnary moves unary bindings to the best ranked provider. Empty
// bindings are filled live; replacing a bound provider swaps it live for
// dynamic references and reactivates the component for static ones.
func (r *Reference) rebindUnary(instances []*instance) {
	best := r.best()
	if best == nil {
		return
	}
	for _, inst := range instances {
		current := r.current(inst)
		if current == best {
			continue
		}
		if current == nil {
			r.bindOne(inst, best)
			continue
		}
		if current.Available() && current.Compare(best) <= 0 {
			continue
		}
		if !r.desc.Dynamic() {
			r.cfg.reactivate()
			return
		}
		r.unbindOne(inst, current)
		r.bindOne(inst, best)
	}
}

func (r *Reference) best() *registry.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tracked) == 0 {
		return nil
	}
	return r.tracked[0]
}

func (r *Reference) current(inst *instance) *registry.ServiceReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bs := r.bound[inst]; len(bs) > 0 {
		return bs[0].ref
	}
	return nil
}

func (r *Reference) binding(inst *instance, ref *registry.ServiceReference) (boundService, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bound[inst] {
		if b.ref == ref {
			return b, true
		}
	}
	return boundService{}, false
}

func (r *Reference) services(inst *instance) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.bound[inst]))
	for _, b := range r.bound[inst] {
		out = append(out, b.service)
	}
	return out
}

// bindInstance binds the current providers to a new instance. It reports
// false when a mandatory reference could not bind anything.
func (r *Reference) bindInstance(inst *instance) bool {
	candidates := r.Tracked()
	count := 0
	for _, ref := range candidates {
		if r.bindOne(inst, ref) {
			count++
			if !r.desc.Multiple() {
				break
			}
		}
	}
	return count > 0 || r.desc.Optional()
}

func (r *Reference) unbindInstance(inst *instance) {
	r.mu.Lock()
	bs := slices.Clone(r.bound[inst])
	r.mu.Unlock()

	for i := len(bs) - 1; i >= 0; i-- {
		r.unbindOne(inst, bs[i].ref)
	}

	r.mu.Lock()
	delete(r.bound, inst)
	r.mu.Unlock()
}

func (r *Reference) bindOne(inst *instance, ref *registry.ServiceReference) bool {
	rt := r.cfg.runtime
	svc, err := rt.registry.GetService(r.cfg.bundle, ref)
	if err != nil {
		rt.logger.Warn("Failed to get service for reference",
			"component", r.cfg.Name(), "reference", r.desc.Name, "service", ref.ID(), "error", err)
		return false
	}

	r.mu.Lock()
	r.bound[inst] = append(r.bound[inst], boundService{ref: ref, service: svc})
	r.mu.Unlock()

	r.invoke(inst, r.desc.Bind, ref, svc)
	rt.metrics.bound(r.cfg.Name(), r.desc.Name)
	return true
}

func (r *Reference) unbindOne(inst *instance, ref *registry.ServiceReference) {
	r.mu.Lock()
	bs := r.bound[inst]
	idx := slices.IndexFunc(bs, func(b boundService) bool { return b.ref == ref })
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	b := bs[idx]
	r.bound[inst] = slices.Delete(bs, idx, idx+1)
	r.mu.Unlock()

	r.invoke(inst, r.desc.Unbind, b.ref, b.service)
	r.cfg.runtime.registry.UngetService(r.cfg.bundle, b.ref)
	r.cfg.runtime.metrics.unbound(r.cfg.Name(), r.desc.Name)
}

// invoke calls a bind, unbind or updated method. Failures are logged and
// never abort the binding.
func (r *Reference) invoke(inst *instance, method string, ref *registry.ServiceReference, svc any) {
	if method == "" {
		return
	}
	logger := r.cfg.logger()
	fn, ok := r.cfg.typ.bindMethod(inst.object, method)
	if !ok {
		logger.Error("Bind method not found",
			"component", r.cfg.Name(), "reference", r.desc.Name, "method", method, "error", ErrBindMethodNotFound)
		return
	}
	if err := safeInvoke(func() error { return fn(inst.object, ref, svc) }); err != nil {
		logger.Error("Bind method failed",
			"component", r.cfg.Name(), "reference", r.desc.Name, "method", method, "error", err)
	}
}
