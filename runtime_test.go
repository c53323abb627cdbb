package scr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/cm"
	"github.com/GoCodeAlone/scr/registry"
)

const greeterInterface = "test.Greeter"

// callLog records lifecycle and binding calls across instances.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// take returns the recorded entries and clears the log.
func (l *callLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// consumer is a reflective implementation recording every callback.
type consumer struct {
	log   *callLog
	ctx   *ComponentContext
	props map[string]any
}

func (c *consumer) Activate(ctx *ComponentContext) {
	c.ctx = ctx
	c.props = ctx.Properties()
	c.log.add("activate")
}

func (c *consumer) Deactivate() { c.log.add("deactivate") }

func (c *consumer) Modified(props map[string]any) {
	c.props = props
	c.log.add("modified")
}

func (c *consumer) Bind(ref *registry.ServiceReference)    { c.log.add("bind %d", ref.ID()) }
func (c *consumer) Unbind(ref *registry.ServiceReference)  { c.log.add("unbind %d", ref.ID()) }
func (c *consumer) Updated(ref *registry.ServiceReference) { c.log.add("updated %d", ref.ID()) }

// greeter is a plain service object.
type greeter struct{ lang string }

func (g *greeter) Greet(name string) string { return g.lang + ": hello " + name }

type harness struct {
	t        *testing.T
	fw       *bundle.Framework
	registry *registry.Registry
	store    *cm.MemoryStore
	runtime  *Runtime
	bundle   *bundle.Bundle
	log      *callLog
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		fw:       bundle.NewFramework(),
		registry: registry.NewRegistry(),
		store:    cm.NewMemoryStore(),
		log:      &callLog{},
	}
	h.fw.AddListener(h.registry.BundleChanged)

	b, err := h.fw.Install("test.bundle")
	require.NoError(t, err)
	require.NoError(t, h.fw.Start(b))
	h.bundle = b

	log := h.log
	base := []Option{
		WithLogger(newTestLogger()),
		WithConfigurationStore(h.store),
		WithTypes(
			NewType("consumer", func() any { return &consumer{log: log} }).WithReflection(),
			NewType("greeter", func() any { return &greeter{lang: "en"} }),
		),
	}
	rt, err := NewRuntime(h.fw, h.registry, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { _ = rt.Stop() })
	h.runtime = rt
	return h
}

func (h *harness) add(desc *ComponentDescription) *Config {
	h.t.Helper()
	require.NoError(h.t, h.runtime.AddComponents(h.bundle, desc))
	cfgs := h.runtime.ConfigsByName(desc.Name)
	require.NotEmpty(h.t, cfgs)
	return cfgs[0]
}

func (h *harness) provide(props map[string]any) *registry.Registration {
	h.t.Helper()
	reg, err := h.registry.Register(h.bundle, []string{greeterInterface}, &greeter{lang: "en"}, props)
	require.NoError(h.t, err)
	return reg
}

func consumerDesc(name string, refs ...ReferenceDescription) *ComponentDescription {
	return &ComponentDescription{
		Name:           name,
		Implementation: "consumer",
		References:     refs,
	}
}

func greeterRef(cardinality Cardinality, policy Policy) ReferenceDescription {
	return ReferenceDescription{
		Name:        "greeter",
		Interface:   greeterInterface,
		Cardinality: cardinality,
		Policy:      policy,
		Bind:        "bind",
		Unbind:      "unbind",
		Updated:     "updated",
	}
}

func TestNewRuntime_Options(t *testing.T) {
	fw := bundle.NewFramework()
	reg := registry.NewRegistry()

	_, err := NewRuntime(fw, reg, WithLogger(nil))
	assert.ErrorIs(t, err, ErrNilOption)

	dup := NewType("dup", func() any { return &greeter{} })
	_, err = NewRuntime(fw, reg, WithTypes(dup, dup))
	assert.ErrorIs(t, err, ErrDuplicateType)

	rt, err := NewRuntime(fw, reg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	assert.ErrorIs(t, rt.Start(), ErrRuntimeStarted)
	require.NoError(t, rt.Stop())
	require.NoError(t, rt.Stop())
}

func TestRuntime_AddComponentsRejectsInvalid(t *testing.T) {
	h := newHarness(t)

	err := h.runtime.AddComponents(h.bundle,
		&ComponentDescription{Name: "bad", Implementation: "consumer", References: []ReferenceDescription{{Interface: "x", Cardinality: "2..3"}}},
		&ComponentDescription{Name: "unknown", Implementation: "nope"},
		&ComponentDescription{Name: "good", Implementation: "consumer"},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCardinality)
	assert.ErrorIs(t, err, ErrUnknownImplementation)

	assert.Empty(t, h.runtime.ConfigsByName("bad"))
	assert.Empty(t, h.runtime.ConfigsByName("unknown"))
	require.Len(t, h.runtime.ConfigsByName("good"), 1)
	assert.Equal(t, StateActive, h.runtime.ConfigsByName("good")[0].State())
}

func TestRuntime_ComponentIDsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	a := h.add(consumerDesc("a"))
	b := h.add(consumerDesc("b"))
	assert.Less(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), a.Properties()[PropertyComponentID])
	assert.Equal(t, "a", a.Properties()[PropertyComponentName])

	got, ok := h.runtime.Config(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRuntime_DisabledByDefault(t *testing.T) {
	h := newHarness(t)
	desc := consumerDesc("lazy")
	desc.Disabled = true
	cfg := h.add(desc)
	assert.Equal(t, StateDisabled, cfg.State())

	require.NoError(t, h.runtime.EnableComponent(h.bundle, "lazy"))
	assert.Equal(t, StateActive, cfg.State())

	require.NoError(t, h.runtime.DisableComponent(h.bundle, "lazy"))
	assert.Equal(t, StateDisabled, cfg.State())
	assert.Equal(t, []string{"activate", "deactivate"}, h.log.all())

	assert.ErrorIs(t, h.runtime.EnableComponent(h.bundle, "missing"), ErrComponentNotFound)
}

func TestRuntime_BundleLifecycle(t *testing.T) {
	fw := bundle.NewFramework()
	reg := registry.NewRegistry()
	fw.AddListener(reg.BundleChanged)
	log := &callLog{}

	source := DescriptionSourceFunc(func(b *bundle.Bundle) ([]*ComponentDescription, error) {
		if b.SymbolicName() != "app" {
			return nil, nil
		}
		return []*ComponentDescription{
			{Name: "provider", Implementation: "greeter", Services: []string{greeterInterface}, Immediate: true},
			consumerDesc("consumer", greeterRef(CardinalityMandatory, PolicyStatic)),
		}, nil
	})
	rt, err := NewRuntime(fw, reg,
		WithLogger(newTestLogger()),
		WithDescriptionSource(source),
		WithTypes(
			NewType("consumer", func() any { return &consumer{log: log} }).WithReflection(),
			NewType("greeter", func() any { return &greeter{lang: "en"} }),
		),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	app, err := fw.Install("app")
	require.NoError(t, err)
	require.NoError(t, fw.Start(app))

	comps := rt.Components()
	require.Len(t, comps, 2)
	assert.Equal(t, "active", comps[0].State)
	assert.Equal(t, "active", comps[1].State)
	assert.Equal(t, "app", comps[1].Bundle)
	require.Len(t, comps[1].References, 1)
	assert.True(t, comps[1].References[0].Satisfied)
	assert.Len(t, comps[1].References[0].Bound, 1)

	require.NoError(t, fw.Stop(app))
	assert.Empty(t, rt.Components())
	assert.Equal(t, 1, log.count("deactivate"))
	assert.Equal(t, 1, log.count("unbind"))
	assert.Empty(t, reg.Services())

	require.NoError(t, rt.Stop())
}

func TestRuntime_StartPicksUpActiveBundles(t *testing.T) {
	fw := bundle.NewFramework()
	reg := registry.NewRegistry()
	app, err := fw.Install("app")
	require.NoError(t, err)
	require.NoError(t, fw.Start(app))

	rt, err := NewRuntime(fw, reg,
		WithDescriptionSource(DescriptionSourceFunc(func(b *bundle.Bundle) ([]*ComponentDescription, error) {
			if b != app {
				return nil, nil
			}
			return []*ComponentDescription{{Name: "p", Implementation: "greeter", Services: []string{greeterInterface}}}, nil
		})),
		WithTypes(NewType("greeter", func() any { return &greeter{} })),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	require.Len(t, rt.ConfigsByName("p"), 1)
	assert.Equal(t, StateSatisfied, rt.ConfigsByName("p")[0].State(), "delayed component waits for first use")

	require.NoError(t, rt.Stop())
	assert.Empty(t, rt.Components())
}

func TestRuntime_Observers(t *testing.T) {
	var (
		mu     sync.Mutex
		events []cloudevents.Event
	)
	obs := NewFunctionalObserver("recorder", func(_ context.Context, ev cloudevents.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	h := newHarness(t, WithObserver(obs))
	cfg := h.add(consumerDesc("watched", greeterRef(CardinalityMandatory, PolicyStatic)))
	reg := h.provide(nil)
	require.NoError(t, reg.Unregister())
	cfg.Disable()

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, ev := range events {
		if ev.Type() == EventTypeRuntimeStarted {
			continue
		}
		var data ComponentEventData
		require.NoError(t, ev.DataAs(&data))
		assert.Equal(t, "watched", data.Name)
		assert.Equal(t, EventSource, ev.Source())
		assert.NotEmpty(t, ev.ID())
		types = append(types, ev.Type())
	}
	assert.Equal(t, []string{
		EventTypeComponentEnabled,
		EventTypeComponentSatisfied,
		EventTypeComponentActivated,
		EventTypeComponentUnsatisfied,
		EventTypeComponentDeactivated,
		EventTypeComponentDisabled,
	}, types)
}

func TestRuntime_ObserverErrorsAreIgnored(t *testing.T) {
	obs := NewFunctionalObserver("failing", func(context.Context, cloudevents.Event) error {
		return fmt.Errorf("observer down")
	})
	h := newHarness(t, WithObserver(obs))
	cfg := h.add(consumerDesc("c"))
	assert.Equal(t, StateActive, cfg.State())
	assert.Equal(t, "failing", obs.ObserverID())
}
