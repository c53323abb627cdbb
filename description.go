package scr

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/GoCodeAlone/scr/filter"
)

// Cardinality of a reference: optional/mandatory and unary/multiple.
type Cardinality string

const (
	CardinalityOptional   Cardinality = "0..1"
	CardinalityMandatory  Cardinality = "1..1"
	CardinalityMultiple   Cardinality = "0..n"
	CardinalityAtLeastOne Cardinality = "1..n"
)

// ParseCardinality validates s. An empty string means 1..1.
func ParseCardinality(s string) (Cardinality, error) {
	switch c := Cardinality(s); c {
	case "":
		return CardinalityMandatory, nil
	case CardinalityOptional, CardinalityMandatory, CardinalityMultiple, CardinalityAtLeastOne:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCardinality, s)
}

// Optional reports whether the reference may stay unbound.
func (c Cardinality) Optional() bool {
	return c == CardinalityOptional || c == CardinalityMultiple
}

// Multiple reports whether every matching provider is bound.
func (c Cardinality) Multiple() bool {
	return c == CardinalityMultiple || c == CardinalityAtLeastOne
}

// Policy controls whether a reference can be rebound while the component is
// active.
type Policy string

const (
	PolicyStatic  Policy = "static"
	PolicyDynamic Policy = "dynamic"
)

// ConfigurationPolicy controls how the configuration store affects a
// component.
type ConfigurationPolicy string

const (
	ConfigurationOptional ConfigurationPolicy = "optional"
	ConfigurationRequire  ConfigurationPolicy = "require"
	ConfigurationIgnore   ConfigurationPolicy = "ignore"
)

// Property is a declared component property with a typed default value.
type Property struct {
	Name  string
	Value any
}

// ReferenceDescription declares one dependency of a component.
type ReferenceDescription struct {
	Name        string
	Interface   string
	Cardinality Cardinality
	Policy      Policy
	Target      string
	Bind        string
	Unbind      string
	Updated     string
}

// Optional reports whether the reference may stay unbound.
func (r ReferenceDescription) Optional() bool { return r.Cardinality.Optional() }

// Multiple reports whether every matching provider is bound.
func (r ReferenceDescription) Multiple() bool { return r.Cardinality.Multiple() }

// Dynamic reports whether bound providers can be swapped without
// reactivating the component.
func (r ReferenceDescription) Dynamic() bool { return r.Policy == PolicyDynamic }

// ComponentDescription is the immutable declaration of a component as
// produced by a descriptor parser.
type ComponentDescription struct {
	Name           string
	Implementation string

	// Factory makes the component a component factory with this factory id.
	Factory string
	// Disabled components are not enabled when their bundle starts.
	Disabled bool
	// Immediate components providing services are activated as soon as they
	// are satisfied instead of on first use.
	Immediate bool
	// ServiceFactory creates one implementation instance per consuming bundle.
	ServiceFactory bool

	Activate   string
	Deactivate string
	Modified   string

	ConfigurationPolicy ConfigurationPolicy
	// ConfigurationPID defaults to Name.
	ConfigurationPID string

	Properties []Property
	Services   []string
	References []ReferenceDescription
}

// Kind returns the activation strategy the description selects.
func (d *ComponentDescription) Kind() Kind {
	switch {
	case d.Factory != "":
		return KindFactory
	case d.ServiceFactory:
		return KindServiceFactory
	case len(d.Services) > 0 && !d.Immediate:
		return KindDelayed
	default:
		return KindImmediate
	}
}

// PID returns the configuration pid of the component.
func (d *ComponentDescription) PID() string {
	if d.ConfigurationPID != "" {
		return d.ConfigurationPID
	}
	return d.Name
}

// Reference returns the reference description with the given name.
func (d *ComponentDescription) Reference(name string) (ReferenceDescription, bool) {
	for _, r := range d.References {
		if r.Name == name {
			return r, true
		}
	}
	return ReferenceDescription{}, false
}

// Validate checks the description and normalizes defaulted fields.
func (d *ComponentDescription) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, ErrMissingName)
	}
	if d.Implementation == "" {
		errs = append(errs, ErrMissingImplementation)
	}

	switch d.ConfigurationPolicy {
	case "":
		d.ConfigurationPolicy = ConfigurationOptional
	case ConfigurationOptional, ConfigurationRequire, ConfigurationIgnore:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidConfigPolicy, d.ConfigurationPolicy))
	}

	if d.ServiceFactory {
		if len(d.Services) == 0 {
			errs = append(errs, ErrNoServicesForFactory)
		}
		if d.Factory != "" || d.Immediate {
			errs = append(errs, fmt.Errorf("%w: servicefactory with factory or immediate", ErrConflictingKind))
		}
	}
	if d.Factory != "" && d.Immediate {
		errs = append(errs, fmt.Errorf("%w: factory with immediate", ErrConflictingKind))
	}

	seen := make(map[string]bool, len(d.References))
	for i := range d.References {
		ref := &d.References[i]
		if ref.Interface == "" {
			errs = append(errs, fmt.Errorf("%w: reference %q has no interface", ErrInvalidReference, ref.Name))
		}
		if ref.Name == "" {
			ref.Name = ref.Interface
		}
		if seen[ref.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateReference, ref.Name))
		}
		seen[ref.Name] = true

		c, err := ParseCardinality(string(ref.Cardinality))
		if err != nil {
			errs = append(errs, fmt.Errorf("reference %q: %w", ref.Name, err))
		}
		ref.Cardinality = c

		switch ref.Policy {
		case "":
			ref.Policy = PolicyStatic
		case PolicyStatic, PolicyDynamic:
		default:
			errs = append(errs, fmt.Errorf("%w: reference %q: %q", ErrInvalidPolicy, ref.Name, ref.Policy))
		}

		if ref.Target != "" {
			if _, err := filter.Parse(ref.Target); err != nil {
				errs = append(errs, fmt.Errorf("%w: reference %q: %w", ErrInvalidTarget, ref.Name, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: component %q: %w", ErrInvalidDescription, d.Name, errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy of the description.
func (d *ComponentDescription) Clone() *ComponentDescription {
	c := *d
	c.Properties = make([]Property, len(d.Properties))
	for i, p := range d.Properties {
		c.Properties[i] = Property{Name: p.Name, Value: cloneValue(p.Value)}
	}
	c.Services = slices.Clone(d.Services)
	c.References = slices.Clone(d.References)
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []int:
		return slices.Clone(t)
	case []int64:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	case []bool:
		return slices.Clone(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

// targetKey is the property overriding the target filter of a reference.
func targetKey(reference string) string {
	return reference + ".target"
}

// isPrivate reports whether a property is kept out of service properties.
func isPrivate(key string) bool {
	return strings.HasPrefix(key, ".")
}
