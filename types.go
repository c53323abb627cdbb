package scr

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/GoCodeAlone/scr/registry"
)

// LifecycleFunc invokes an activate, deactivate or modified method on an
// implementation instance.
type LifecycleFunc func(instance any, ctx *ComponentContext) error

// BindFunc invokes a bind, unbind or updated method on an implementation
// instance.
type BindFunc func(instance any, ref *registry.ServiceReference, service any) error

// ImplementationType tells the runtime how to construct a component
// implementation and which function serves each method name a description
// refers to. Methods not in the table can optionally be resolved by
// reflection; each name is resolved once and cached.
type ImplementationType struct {
	name       string
	newFn      func() any
	lifecycle  map[string]LifecycleFunc
	binds      map[string]BindFunc
	reflective bool

	mu            sync.Mutex
	reflLifecycle map[string]LifecycleFunc
	reflBind      map[string]BindFunc
}

// NewType creates an implementation type constructed by newFn.
func NewType(name string, newFn func() any) *ImplementationType {
	return &ImplementationType{
		name:          name,
		newFn:         newFn,
		lifecycle:     make(map[string]LifecycleFunc),
		binds:         make(map[string]BindFunc),
		reflLifecycle: make(map[string]LifecycleFunc),
		reflBind:      make(map[string]BindFunc),
	}
}

// Name returns the implementation type name descriptions refer to.
func (t *ImplementationType) Name() string { return t.name }

// WithLifecycle registers fn as the activate/deactivate/modified method
// called method.
func (t *ImplementationType) WithLifecycle(method string, fn LifecycleFunc) *ImplementationType {
	t.lifecycle[method] = fn
	return t
}

// WithBind registers fn as the bind/unbind/updated method called method.
func (t *ImplementationType) WithBind(method string, fn BindFunc) *ImplementationType {
	t.binds[method] = fn
	return t
}

// WithReflection enables resolving methods missing from the table against
// the exported methods of the instance, including promoted methods of
// embedded types. A lower-case method name also matches its capitalized
// form.
//
// Lifecycle methods may take no argument, a *ComponentContext or a
// map[string]any of component properties. Bind methods may take a
// *registry.ServiceReference, a value the service is assignable to, or that
// value followed by a map[string]any of service properties. Either may
// return an error.
func (t *ImplementationType) WithReflection() *ImplementationType {
	t.reflective = true
	return t
}

func (t *ImplementationType) newInstance() (obj any, err error) {
	err = safeInvoke(func() error {
		obj = t.newFn()
		return nil
	})
	if err == nil && obj == nil {
		err = fmt.Errorf("%w: %s returned nil", ErrNilFactory, t.name)
	}
	return obj, err
}

func (t *ImplementationType) lifecycleMethod(instance any, name string) (LifecycleFunc, bool) {
	if fn, ok := t.lifecycle[name]; ok {
		return fn, true
	}
	if !t.reflective {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fn, cached := t.reflLifecycle[name]
	if !cached {
		fn = reflectLifecycle(reflect.TypeOf(instance), name)
		t.reflLifecycle[name] = fn
	}
	return fn, fn != nil
}

func (t *ImplementationType) bindMethod(instance any, name string) (BindFunc, bool) {
	if fn, ok := t.binds[name]; ok {
		return fn, true
	}
	if !t.reflective {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fn, cached := t.reflBind[name]
	if !cached {
		fn = reflectBind(reflect.TypeOf(instance), name)
		t.reflBind[name] = fn
	}
	return fn, fn != nil
}

// Lifecycle adapts a typed function to a LifecycleFunc.
func Lifecycle[T any](fn func(T, *ComponentContext) error) LifecycleFunc {
	return func(instance any, ctx *ComponentContext) error {
		impl, ok := instance.(T)
		if !ok {
			return fmt.Errorf("%w: instance is %T", ErrBindArgument, instance)
		}
		return fn(impl, ctx)
	}
}

// Bind adapts a typed function receiving the service object to a BindFunc.
func Bind[T, S any](fn func(T, S)) BindFunc {
	return func(instance any, _ *registry.ServiceReference, service any) error {
		impl, ok := instance.(T)
		if !ok {
			return fmt.Errorf("%w: instance is %T", ErrBindArgument, instance)
		}
		svc, ok := service.(S)
		if !ok {
			return fmt.Errorf("%w: service is %T", ErrBindArgument, service)
		}
		fn(impl, svc)
		return nil
	}
}

// BindReference adapts a typed function receiving the service reference to
// a BindFunc.
func BindReference[T any](fn func(T, *registry.ServiceReference)) BindFunc {
	return func(instance any, ref *registry.ServiceReference, _ any) error {
		impl, ok := instance.(T)
		if !ok {
			return fmt.Errorf("%w: instance is %T", ErrBindArgument, instance)
		}
		fn(impl, ref)
		return nil
	}
}

var (
	errorType     = reflect.TypeFor[error]()
	contextType   = reflect.TypeFor[*ComponentContext]()
	propsType     = reflect.TypeFor[map[string]any]()
	referenceType = reflect.TypeFor[*registry.ServiceReference]()
)

func findMethod(typ reflect.Type, name string) (reflect.Method, bool) {
	if typ == nil || name == "" {
		return reflect.Method{}, false
	}
	if m, ok := typ.MethodByName(name); ok {
		return m, true
	}
	r, size := utf8.DecodeRuneInString(name)
	if unicode.IsUpper(r) {
		return reflect.Method{}, false
	}
	return typ.MethodByName(string(unicode.ToUpper(r)) + name[size:])
}

func validResults(mt reflect.Type) bool {
	switch mt.NumOut() {
	case 0:
		return true
	case 1:
		return mt.Out(0) == errorType
	}
	return false
}

func resultError(out []reflect.Value) error {
	if len(out) == 1 && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

func reflectLifecycle(typ reflect.Type, name string) LifecycleFunc {
	m, ok := findMethod(typ, name)
	if !ok || !validResults(m.Type) {
		return nil
	}
	idx := m.Index
	switch m.Type.NumIn() {
	case 1:
		return func(instance any, _ *ComponentContext) error {
			return resultError(reflect.ValueOf(instance).Method(idx).Call(nil))
		}
	case 2:
		switch m.Type.In(1) {
		case contextType:
			return func(instance any, ctx *ComponentContext) error {
				return resultError(reflect.ValueOf(instance).Method(idx).Call([]reflect.Value{reflect.ValueOf(ctx)}))
			}
		case propsType:
			return func(instance any, ctx *ComponentContext) error {
				return resultError(reflect.ValueOf(instance).Method(idx).Call([]reflect.Value{reflect.ValueOf(ctx.Properties())}))
			}
		}
	}
	return nil
}

func reflectBind(typ reflect.Type, name string) BindFunc {
	m, ok := findMethod(typ, name)
	if !ok || !validResults(m.Type) {
		return nil
	}
	idx := m.Index
	switch m.Type.NumIn() {
	case 2:
		param := m.Type.In(1)
		if param == referenceType {
			return func(instance any, ref *registry.ServiceReference, _ any) error {
				return resultError(reflect.ValueOf(instance).Method(idx).Call([]reflect.Value{reflect.ValueOf(ref)}))
			}
		}
		return func(instance any, _ *registry.ServiceReference, service any) error {
			arg, err := assignable(service, param)
			if err != nil {
				return err
			}
			return resultError(reflect.ValueOf(instance).Method(idx).Call([]reflect.Value{arg}))
		}
	case 3:
		param := m.Type.In(1)
		if m.Type.In(2) != propsType {
			return nil
		}
		return func(instance any, ref *registry.ServiceReference, service any) error {
			arg, err := assignable(service, param)
			if err != nil {
				return err
			}
			return resultError(reflect.ValueOf(instance).Method(idx).Call([]reflect.Value{arg, reflect.ValueOf(ref.Properties())}))
		}
	}
	return nil
}

func assignable(service any, param reflect.Type) (reflect.Value, error) {
	v := reflect.ValueOf(service)
	if !v.IsValid() || !v.Type().AssignableTo(param) {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s", ErrBindArgument, service, param)
	}
	return v, nil
}

// safeInvoke runs fn, converting a panic into an error.
func safeInvoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMethodPanicked, r)
		}
	}()
	return fn()
}

// TypeRegistry maps implementation type names to their types.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*ImplementationType
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*ImplementationType)}
}

// Register adds implementation types.
func (r *TypeRegistry) Register(types ...*ImplementationType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		if t.newFn == nil {
			return fmt.Errorf("%w: %s", ErrNilFactory, t.name)
		}
		if _, exists := r.types[t.name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateType, t.name)
		}
		r.types[t.name] = t
	}
	return nil
}

// Lookup returns the implementation type with the given name.
func (r *TypeRegistry) Lookup(name string) (*ImplementationType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names in sorted order.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
