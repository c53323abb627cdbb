package registry

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/GoCodeAlone/scr/bundle"
)

type regState int

const (
	stateRegistered regState = iota
	stateUnregistering
	stateUnregistered
)

type usage struct {
	count   int
	service any
}

// registration is the registry's record of one published service.
type registration struct {
	id         int64
	owner      *bundle.Bundle
	interfaces []string
	service    any
	ref        *ServiceReference
	handle     *Registration

	mu      sync.RWMutex
	props   map[string]any
	ranking int
	state   regState
	users   map[*bundle.Bundle]*usage
}

func (r *registration) snapshot() (map[string]any, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props, r.ranking
}

// ServiceReference is a handle on a registered service. References stay
// valid after unregistration; GetService then fails.
type ServiceReference struct {
	reg *registration
}

// ID returns the registry-assigned service id.
func (s *ServiceReference) ID() int64 { return s.reg.id }

// Bundle returns the bundle that registered the service.
func (s *ServiceReference) Bundle() *bundle.Bundle { return s.reg.owner }

// Interfaces returns the interface names the service was registered under.
func (s *ServiceReference) Interfaces() []string { return slices.Clone(s.reg.interfaces) }

// Property returns a single service property.
func (s *ServiceReference) Property(key string) any {
	props, _ := s.reg.snapshot()
	return props[key]
}

// Properties returns a copy of the service properties.
func (s *ServiceReference) Properties() map[string]any {
	props, _ := s.reg.snapshot()
	return maps.Clone(props)
}

// Ranking returns the service.ranking property, 0 when absent.
func (s *ServiceReference) Ranking() int {
	_, ranking := s.reg.snapshot()
	return ranking
}

// Available reports whether the service is still registered.
func (s *ServiceReference) Available() bool {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	return s.reg.state == stateRegistered
}

// Compare orders references by preference: higher ranking first, then lower
// service id. It returns a negative number when s is preferred over other.
func (s *ServiceReference) Compare(other *ServiceReference) int {
	a, b := s.Ranking(), other.Ranking()
	if a != b {
		if a > b {
			return -1
		}
		return 1
	}
	switch {
	case s.ID() < other.ID():
		return -1
	case s.ID() > other.ID():
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (s *ServiceReference) String() string {
	return fmt.Sprintf("%v [%d]", s.reg.interfaces, s.reg.id)
}

// SortReferences orders references by preference in place.
func SortReferences(refs []*ServiceReference) {
	slices.SortStableFunc(refs, func(a, b *ServiceReference) int { return a.Compare(b) })
}

func rankingOf(props map[string]any) int {
	switch v := props[ServiceRanking].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}
