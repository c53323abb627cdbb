package cm

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/scr/filter"
)

// Static errors for configuration package
var (
	ErrConfigurationNotFound = errors.New("configuration not found")
	ErrInvalidPID            = errors.New("invalid pid")
	ErrPermissionDenied      = errors.New("permission to read configuration denied")
	ErrStoreClosed           = errors.New("configuration store closed")
)

// StoreOption configures a MemoryStore
type StoreOption func(*MemoryStore)

// WithReadAuthorizer installs a check consulted for every configuration a
// listing would return. A non-nil error denies the listing.
func WithReadAuthorizer(authorize func(pid string) error) StoreOption {
	return func(s *MemoryStore) { s.authorize = authorize }
}

// WithAsyncDelivery delivers events from a dedicated goroutine through a
// buffered queue instead of on the updating goroutine. Close stops it.
func WithAsyncDelivery(buffer int) StoreOption {
	return func(s *MemoryStore) {
		s.queue = make(chan Event, buffer)
		s.done = make(chan struct{})
	}
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	configs   map[string]*Configuration
	revision  int64
	listeners map[int64]Listener
	nextLID   int64
	authorize func(pid string) error

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewMemoryStore creates an empty configuration store
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		configs:   make(map[string]*Configuration),
		listeners: make(map[int64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue != nil {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *MemoryStore) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.notify(ev)
		case <-s.done:
			// Drain what was queued before Close.
			for {
				select {
				case ev := <-s.queue:
					s.notify(ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops asynchronous delivery after flushing queued events.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.done != nil {
		close(s.done)
		s.wg.Wait()
	}
	return nil
}

// Update creates or replaces the singleton configuration pid.
func (s *MemoryStore) Update(pid string, props map[string]any) error {
	if pid == "" || strings.Contains(pid, FactorySeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidPID, pid)
	}
	_, err := s.Put(pid, "", props)
	return err
}

// CreateFactoryConfiguration adds a configuration for factoryPID. The pid is
// factoryPID~name; an empty name is replaced by a random one.
func (s *MemoryStore) CreateFactoryConfiguration(factoryPID, name string, props map[string]any) (string, error) {
	if factoryPID == "" || strings.Contains(factoryPID, FactorySeparator) {
		return "", fmt.Errorf("%w: factory pid %q", ErrInvalidPID, factoryPID)
	}
	if name == "" {
		name = uuid.NewString()
	}
	pid := factoryPID + FactorySeparator + name
	if _, err := s.Put(pid, factoryPID, props); err != nil {
		return "", err
	}
	return pid, nil
}

// Put creates or replaces a configuration. It reports whether anything
// changed; an identical update emits no event.
func (s *MemoryStore) Put(pid, factoryPID string, props map[string]any) (bool, error) {
	if pid == "" {
		return false, ErrInvalidPID
	}

	clean := make(map[string]any, len(props)+2)
	maps.Copy(clean, props)
	clean[PropertyPID] = pid
	if factoryPID != "" {
		clean[PropertyFactoryPID] = factoryPID
	} else {
		delete(clean, PropertyFactoryPID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	if existing, ok := s.configs[pid]; ok && existing.FactoryPID == factoryPID && reflect.DeepEqual(existing.Properties, clean) {
		s.mu.Unlock()
		return false, nil
	}
	s.revision++
	s.configs[pid] = &Configuration{PID: pid, FactoryPID: factoryPID, Properties: clean, Revision: s.revision}
	s.mu.Unlock()

	s.publish(Event{Type: EventUpdated, PID: pid, FactoryPID: factoryPID, Properties: maps.Clone(clean)})
	return true, nil
}

// Delete removes a configuration.
func (s *MemoryStore) Delete(pid string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	existing, ok := s.configs[pid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConfigurationNotFound, pid)
	}
	delete(s.configs, pid)
	s.mu.Unlock()

	s.publish(Event{Type: EventDeleted, PID: pid, FactoryPID: existing.FactoryPID})
	return nil
}

// Get returns a copy of one configuration.
func (s *MemoryStore) Get(pid string) (*Configuration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[pid]
	if !ok {
		return nil, false
	}
	return cloneConfiguration(c), true
}

// ListConfigurations implements Store.
func (s *MemoryStore) ListConfigurations(f *filter.Filter) ([]*Configuration, error) {
	s.mu.RLock()
	var out []*Configuration
	for _, c := range s.configs {
		if f.Match(c.Properties) {
			out = append(out, cloneConfiguration(c))
		}
	}
	s.mu.RUnlock()

	if s.authorize != nil {
		for _, c := range out {
			if err := s.authorize(c.PID); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrPermissionDenied, c.PID, err)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// PIDs returns every stored pid in sorted order.
func (s *MemoryStore) PIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := slices.Collect(maps.Keys(s.configs))
	sort.Strings(pids)
	return pids
}

// Listen implements Store.
func (s *MemoryStore) Listen(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) publish(ev Event) {
	if s.queue != nil {
		s.queue <- ev
		return
	}
	s.notify(ev)
}

func (s *MemoryStore) notify(ev Event) {
	s.mu.RLock()
	ids := slices.Collect(maps.Keys(s.listeners))
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func cloneConfiguration(c *Configuration) *Configuration {
	return &Configuration{
		PID:        c.PID,
		FactoryPID: c.FactoryPID,
		Properties: maps.Clone(c.Properties),
		Revision:   c.Revision,
	}
}
