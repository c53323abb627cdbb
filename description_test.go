package scr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCardinality(t *testing.T) {
	tests := []struct {
		in       string
		want     Cardinality
		optional bool
		multiple bool
	}{
		{"", CardinalityMandatory, false, false},
		{"0..1", CardinalityOptional, true, false},
		{"1..1", CardinalityMandatory, false, false},
		{"0..n", CardinalityMultiple, true, true},
		{"1..n", CardinalityAtLeastOne, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ParseCardinality(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)
			assert.Equal(t, tt.optional, c.Optional())
			assert.Equal(t, tt.multiple, c.Multiple())
		})
	}

	_, err := ParseCardinality("1..2")
	assert.ErrorIs(t, err, ErrInvalidCardinality)
}

func TestValidate_Defaults(t *testing.T) {
	d := &ComponentDescription{
		Name:           "c",
		Implementation: "impl",
		References:     []ReferenceDescription{{Interface: "x.Service"}},
	}
	require.NoError(t, d.Validate())

	assert.Equal(t, ConfigurationOptional, d.ConfigurationPolicy)
	ref := d.References[0]
	assert.Equal(t, "x.Service", ref.Name, "name defaults to the interface")
	assert.Equal(t, CardinalityMandatory, ref.Cardinality)
	assert.Equal(t, PolicyStatic, ref.Policy)
	assert.False(t, ref.Dynamic())

	got, ok := d.Reference("x.Service")
	require.True(t, ok)
	assert.Equal(t, ref, got)
	_, ok = d.Reference("missing")
	assert.False(t, ok)
	assert.Equal(t, "c", d.PID())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		desc ComponentDescription
		want []error
	}{
		{"missing name and implementation", ComponentDescription{}, []error{ErrMissingName, ErrMissingImplementation}},
		{"bad config policy", ComponentDescription{Name: "c", Implementation: "i", ConfigurationPolicy: "sometimes"}, []error{ErrInvalidConfigPolicy}},
		{"reference without interface", ComponentDescription{Name: "c", Implementation: "i", References: []ReferenceDescription{{Name: "r"}}}, []error{ErrInvalidReference}},
		{"duplicate references", ComponentDescription{Name: "c", Implementation: "i", References: []ReferenceDescription{
			{Name: "r", Interface: "a"}, {Name: "r", Interface: "b"},
		}}, []error{ErrDuplicateReference}},
		{"bad policy", ComponentDescription{Name: "c", Implementation: "i", References: []ReferenceDescription{{Interface: "a", Policy: "greedy"}}}, []error{ErrInvalidPolicy}},
		{"bad target", ComponentDescription{Name: "c", Implementation: "i", References: []ReferenceDescription{{Interface: "a", Target: "(lang=en"}}}, []error{ErrInvalidTarget}},
		{"service factory without services", ComponentDescription{Name: "c", Implementation: "i", ServiceFactory: true}, []error{ErrNoServicesForFactory}},
		{"immediate factory", ComponentDescription{Name: "c", Implementation: "i", Factory: "f", Immediate: true}, []error{ErrConflictingKind}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDescription)
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindImmediate, (&ComponentDescription{}).Kind())
	assert.Equal(t, KindImmediate, (&ComponentDescription{Services: []string{"s"}, Immediate: true}).Kind())
	assert.Equal(t, KindDelayed, (&ComponentDescription{Services: []string{"s"}}).Kind())
	assert.Equal(t, KindServiceFactory, (&ComponentDescription{Services: []string{"s"}, ServiceFactory: true}).Kind())
	assert.Equal(t, KindFactory, (&ComponentDescription{Services: []string{"s"}, Factory: "f"}).Kind())
}

func TestClone_IsDeep(t *testing.T) {
	d := &ComponentDescription{
		Name:       "c",
		Services:   []string{"s"},
		Properties: []Property{{Name: "nested", Value: map[string]any{"list": []any{"a"}}}},
		References: []ReferenceDescription{{Name: "r", Interface: "i"}},
	}
	c := d.Clone()
	assert.Equal(t, d, c)

	c.Services[0] = "changed"
	c.References[0].Name = "changed"
	c.Properties[0].Value.(map[string]any)["list"].([]any)[0] = "changed"
	assert.Equal(t, "s", d.Services[0])
	assert.Equal(t, "r", d.References[0].Name)
	assert.Equal(t, "a", d.Properties[0].Value.(map[string]any)["list"].([]any)[0])
}
