// Package descriptor reads component descriptors: YAML, TOML or JSON
// documents listing the components a bundle declares.
//
//	components:
//	  - name: greeting
//	    implementation: greeting.Consumer
//	    properties:
//	      - name: port
//	        type: Integer
//	        value: "8080"
//	    references:
//	      - name: greeter
//	        interface: greeting.Greeter
//	        cardinality: 1..1
//	        bind: SetGreeter
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/scr"
)

// Static errors for descriptor parsing
var (
	ErrUnsupportedFormat   = errors.New("unsupported descriptor format")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	ErrUnknownPropertyType = errors.New("unknown property type")
	ErrInvalidProperty     = errors.New("invalid property value")
)

// Format is a descriptor document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatOf returns the format implied by a file extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Document is the top-level descriptor structure.
type Document struct {
	Components []Component `yaml:"components" toml:"components" json:"components"`
}

// Component declares one component.
type Component struct {
	Name                string      `yaml:"name" toml:"name" json:"name"`
	Implementation      string      `yaml:"implementation" toml:"implementation" json:"implementation"`
	Enabled             *bool       `yaml:"enabled" toml:"enabled" json:"enabled"`
	Immediate           bool        `yaml:"immediate" toml:"immediate" json:"immediate"`
	Factory             string      `yaml:"factory" toml:"factory" json:"factory"`
	ServiceFactory      bool        `yaml:"servicefactory" toml:"servicefactory" json:"servicefactory"`
	Activate            string      `yaml:"activate" toml:"activate" json:"activate"`
	Deactivate          string      `yaml:"deactivate" toml:"deactivate" json:"deactivate"`
	Modified            string      `yaml:"modified" toml:"modified" json:"modified"`
	ConfigurationPolicy string      `yaml:"configuration-policy" toml:"configuration-policy" json:"configuration-policy"`
	ConfigurationPID    string      `yaml:"configuration-pid" toml:"configuration-pid" json:"configuration-pid"`
	Properties          []Property  `yaml:"properties" toml:"properties" json:"properties"`
	Services            []string    `yaml:"services" toml:"services" json:"services"`
	References          []Reference `yaml:"references" toml:"references" json:"references"`
}

// Property is a component property. Type names a value type (String, Long,
// Integer, Short, Byte, Double, Float, Boolean); values of typed properties
// are converted from their textual form, and a list value yields a slice of
// that type.
type Property struct {
	Name  string `yaml:"name" toml:"name" json:"name"`
	Type  string `yaml:"type" toml:"type" json:"type"`
	Value any    `yaml:"value" toml:"value" json:"value"`
}

// Reference declares one dependency.
type Reference struct {
	Name        string `yaml:"name" toml:"name" json:"name"`
	Interface   string `yaml:"interface" toml:"interface" json:"interface"`
	Cardinality string `yaml:"cardinality" toml:"cardinality" json:"cardinality"`
	Policy      string `yaml:"policy" toml:"policy" json:"policy"`
	Target      string `yaml:"target" toml:"target" json:"target"`
	Bind        string `yaml:"bind" toml:"bind" json:"bind"`
	Unbind      string `yaml:"unbind" toml:"unbind" json:"unbind"`
	Updated     string `yaml:"updated" toml:"updated" json:"updated"`
}

var propertyTypes = map[string]reflect.Type{
	"string":  reflect.TypeFor[string](),
	"long":    reflect.TypeFor[int64](),
	"integer": reflect.TypeFor[int](),
	"short":   reflect.TypeFor[int16](),
	"byte":    reflect.TypeFor[int8](),
	"double":  reflect.TypeFor[float64](),
	"float":   reflect.TypeFor[float32](),
	"boolean": reflect.TypeFor[bool](),
}

// Decode unmarshals a descriptor document.
func Decode(data []byte, format Format) (*Document, error) {
	var (
		doc Document
		err error
	)
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	return &doc, nil
}

// Parse decodes a document and converts every component into a validated
// description. Invalid components are left out and reported in the
// returned error; the valid ones are still returned.
func Parse(data []byte, format Format) ([]*scr.ComponentDescription, error) {
	doc, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return doc.Descriptions()
}

// Descriptions converts the document's components.
func (d *Document) Descriptions() ([]*scr.ComponentDescription, error) {
	var (
		out  []*scr.ComponentDescription
		errs []error
	)
	for _, c := range d.Components {
		desc, err := c.Description()
		if err == nil {
			err = desc.Validate()
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, desc)
	}
	return out, errors.Join(errs...)
}

// Description converts the component into a ComponentDescription without
// validating it.
func (c Component) Description() (*scr.ComponentDescription, error) {
	desc := &scr.ComponentDescription{
		Name:                c.Name,
		Implementation:      c.Implementation,
		Disabled:            c.Enabled != nil && !*c.Enabled,
		Immediate:           c.Immediate,
		Factory:             c.Factory,
		ServiceFactory:      c.ServiceFactory,
		Activate:            c.Activate,
		Deactivate:          c.Deactivate,
		Modified:            c.Modified,
		ConfigurationPolicy: scr.ConfigurationPolicy(c.ConfigurationPolicy),
		ConfigurationPID:    c.ConfigurationPID,
		Services:            c.Services,
	}
	for _, p := range c.Properties {
		v, err := p.Convert()
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", c.Name, err)
		}
		desc.Properties = append(desc.Properties, scr.Property{Name: p.Name, Value: v})
	}
	for _, r := range c.References {
		desc.References = append(desc.References, scr.ReferenceDescription{
			Name:        r.Name,
			Interface:   r.Interface,
			Cardinality: scr.Cardinality(r.Cardinality),
			Policy:      scr.Policy(r.Policy),
			Target:      r.Target,
			Bind:        r.Bind,
			Unbind:      r.Unbind,
			Updated:     r.Updated,
		})
	}
	return desc, nil
}

// Convert returns the typed property value.
func (p Property) Convert() (any, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: property without name", ErrInvalidProperty)
	}
	if p.Type == "" {
		return normalize(p.Value), nil
	}
	typ, ok := propertyTypes[strings.ToLower(p.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %q", ErrUnknownPropertyType, p.Name, p.Type)
	}

	switch v := p.Value.(type) {
	case []any:
		out := reflect.MakeSlice(reflect.SliceOf(typ), 0, len(v))
		for _, e := range v {
			cv, err := convert(e, typ)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProperty, p.Name, err)
			}
			out = reflect.Append(out, reflect.ValueOf(cv))
		}
		return out.Interface(), nil
	default:
		cv, err := convert(v, typ)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProperty, p.Name, err)
		}
		return cv, nil
	}
}

func convert(v any, typ reflect.Type) (any, error) {
	if v == nil {
		return nil, errors.New("missing value")
	}
	return cast.FromType(strings.TrimSpace(fmt.Sprint(v)), typ)
}

// normalize maps decoder specific shapes onto plain Go values: TOML and
// YAML tables become map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}
