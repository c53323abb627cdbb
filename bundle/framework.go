package bundle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Static errors for bundle package
var (
	ErrBundleUninstalled   = errors.New("bundle is uninstalled")
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrDuplicateBundle     = errors.New("bundle with this symbolic name already installed")
	ErrSystemBundle        = errors.New("operation not permitted on the system bundle")
	ErrInvalidSymbolicName = errors.New("bundle symbolic name must not be empty")
)

// Bundle is an installed unit contributing component descriptors and
// services.
type Bundle struct {
	id      int64
	name    string
	version string
	headers map[string]string
	entries map[string][]byte

	mu    sync.RWMutex
	state State
	// transition serializes Start/Stop/Uninstall of this bundle.
	transition sync.Mutex
}

// InstallOption customizes a bundle at install time.
type InstallOption func(*Bundle)

// WithVersion sets the bundle version.
func WithVersion(v string) InstallOption {
	return func(b *Bundle) { b.version = v }
}

// WithHeader sets a manifest header.
func WithHeader(key, value string) InstallOption {
	return func(b *Bundle) { b.headers[key] = value }
}

// WithEntry adds a resource entry, typically a component descriptor.
func WithEntry(path string, data []byte) InstallOption {
	return func(b *Bundle) { b.entries[path] = data }
}

// ID returns the bundle id. The system bundle has id 0.
func (b *Bundle) ID() int64 { return b.id }

// SymbolicName returns the bundle's symbolic name.
func (b *Bundle) SymbolicName() string { return b.name }

// Version returns the bundle version.
func (b *Bundle) Version() string { return b.version }

// Header returns a manifest header value.
func (b *Bundle) Header(key string) string { return b.headers[key] }

// Entry returns the contents of a resource entry.
func (b *Bundle) Entry(path string) ([]byte, bool) {
	data, ok := b.entries[path]
	return data, ok
}

// State returns the current lifecycle state.
func (b *Bundle) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bundle) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// String implements fmt.Stringer.
func (b *Bundle) String() string {
	return fmt.Sprintf("%s [%d]", b.name, b.id)
}

// Framework owns the installed bundles and dispatches their lifecycle events.
type Framework struct {
	mu        sync.RWMutex
	bundles   map[int64]*Bundle
	byName    map[string]*Bundle
	nextID    int64
	listeners map[int64]Listener
	nextLID   int64
	system    *Bundle
}

// NewFramework creates a framework containing only the active system bundle.
func NewFramework() *Framework {
	system := &Bundle{
		id:      0,
		name:    SystemBundleName,
		headers: map[string]string{},
		entries: map[string][]byte{},
		state:   StateActive,
	}
	return &Framework{
		bundles:   map[int64]*Bundle{0: system},
		byName:    map[string]*Bundle{SystemBundleName: system},
		nextID:    1,
		listeners: make(map[int64]Listener),
		system:    system,
	}
}

// SystemBundle returns bundle 0.
func (f *Framework) SystemBundle() *Bundle { return f.system }

// AddListener registers a listener and returns a function removing it.
// Listeners are invoked in registration order.
func (f *Framework) AddListener(l Listener) (remove func()) {
	f.mu.Lock()
	id := f.nextLID
	f.nextLID++
	f.listeners[id] = l
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// Install adds a bundle in the installed state.
func (f *Framework) Install(name string, opts ...InstallOption) (*Bundle, error) {
	if name == "" {
		return nil, ErrInvalidSymbolicName
	}
	b := &Bundle{
		name:    name,
		headers: map[string]string{},
		entries: map[string][]byte{},
		state:   StateInstalled,
	}
	for _, opt := range opts {
		opt(b)
	}

	f.mu.Lock()
	if _, exists := f.byName[name]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBundle, name)
	}
	b.id = f.nextID
	f.nextID++
	f.bundles[b.id] = b
	f.byName[name] = b
	f.mu.Unlock()

	f.dispatch(EventInstalled, b)
	return b, nil
}

// Start moves a bundle to the active state. Starting an active bundle is a
// no-op.
func (f *Framework) Start(b *Bundle) error {
	if b == f.system {
		return nil
	}
	b.transition.Lock()
	defer b.transition.Unlock()

	switch b.State() {
	case StateUninstalled:
		return fmt.Errorf("%w: %s", ErrBundleUninstalled, b)
	case StateActive:
		return nil
	}

	b.setState(StateStarting)
	f.dispatch(EventStarting, b)
	b.setState(StateActive)
	f.dispatch(EventStarted, b)
	return nil
}

// Stop moves an active bundle to the resolved state.
func (f *Framework) Stop(b *Bundle) error {
	if b == f.system {
		return ErrSystemBundle
	}
	b.transition.Lock()
	defer b.transition.Unlock()

	switch b.State() {
	case StateUninstalled:
		return fmt.Errorf("%w: %s", ErrBundleUninstalled, b)
	case StateActive:
	default:
		return nil
	}

	b.setState(StateStopping)
	f.dispatch(EventStopping, b)
	b.setState(StateResolved)
	f.dispatch(EventStopped, b)
	return nil
}

// Uninstall stops the bundle if needed and removes it from the framework.
func (f *Framework) Uninstall(b *Bundle) error {
	if b == f.system {
		return ErrSystemBundle
	}
	if err := f.Stop(b); err != nil {
		return err
	}

	b.transition.Lock()
	defer b.transition.Unlock()

	f.mu.Lock()
	delete(f.bundles, b.id)
	delete(f.byName, b.name)
	f.mu.Unlock()

	b.setState(StateUninstalled)
	f.dispatch(EventUninstalled, b)
	return nil
}

// Bundle looks up an installed bundle by id.
func (f *Framework) Bundle(id int64) (*Bundle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBundleNotFound, id)
	}
	return b, nil
}

// Bundles returns all installed bundles ordered by id.
func (f *Framework) Bundles() []*Bundle {
	f.mu.RLock()
	out := make([]*Bundle, 0, len(f.bundles))
	for _, b := range f.bundles {
		out = append(out, b)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown stops every active bundle in reverse install order.
func (f *Framework) Shutdown() error {
	var errs []error
	bundles := f.Bundles()
	for i := len(bundles) - 1; i >= 0; i-- {
		b := bundles[i]
		if b == f.system || b.State() != StateActive {
			continue
		}
		if err := f.Stop(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Framework) dispatch(t EventType, b *Bundle) {
	f.mu.RLock()
	ids := make([]int64, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, f.listeners[id])
	}
	f.mu.RUnlock()

	ev := Event{Type: t, Bundle: b, Timestamp: time.Now()}
	for _, l := range listeners {
		l(ev)
	}
}
