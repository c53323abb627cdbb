package scr

import (
	"errors"
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/scr/cm"
)

func workerDesc() *ComponentDescription {
	return &ComponentDescription{
		Name:           "worker",
		Implementation: "consumer",
		Properties:     []Property{{Name: "size", Value: 1}},
	}
}

func TestFactoryConfigurations_FanOut(t *testing.T) {
	h := newHarness(t)
	var pids []string
	for _, name := range []string{"a", "b", "c"} {
		pid, err := h.store.CreateFactoryConfiguration("worker", name, map[string]any{"size": 10, "name": name})
		require.NoError(t, err)
		pids = append(pids, pid)
	}

	h.add(workerDesc())

	instances := h.runtime.FactoryInstances("worker")
	require.Len(t, instances, 3)
	seen := make(map[int64]bool)
	for _, pid := range pids {
		cfg, ok := instances[pid]
		require.True(t, ok, pid)
		assert.False(t, seen[cfg.ID()], "each pid has its own configuration")
		seen[cfg.ID()] = true
		assert.Equal(t, StateActive, cfg.State())
		assert.Equal(t, pid, cfg.Configuration().PID)
		assert.Equal(t, 10, cfg.Properties()["size"])
		assert.Equal(t, pid, cfg.Properties()[cm.PropertyPID])
		assert.Equal(t, "worker", cfg.Properties()[cm.PropertyFactoryPID])
	}
	assert.Len(t, h.runtime.ConfigsByName("worker"), 3)
	assert.Equal(t, 3, h.log.count("activate"))
}

func TestFactoryConfigurations_DeleteOneOfMany(t *testing.T) {
	h := newHarness(t)
	h.add(workerDesc())
	require.Len(t, h.runtime.ConfigsByName("worker"), 1)

	pidA, err := h.store.CreateFactoryConfiguration("worker", "a", map[string]any{"size": 2})
	require.NoError(t, err)
	pidB, err := h.store.CreateFactoryConfiguration("worker", "b", map[string]any{"size": 3})
	require.NoError(t, err)

	instances := h.runtime.FactoryInstances("worker")
	require.Len(t, instances, 2)
	assert.Len(t, h.runtime.ConfigsByName("worker"), 2, "first pid takes over the default instance")
	a, b := instances[pidA], instances[pidB]
	h.log.take()

	require.NoError(t, h.store.Delete(pidB))
	assert.Equal(t, []string{"deactivate"}, h.log.take(), "only that instance is disabled")
	assert.Equal(t, StateDisabled, b.State())
	assert.Equal(t, StateActive, a.State())
	assert.Len(t, h.runtime.FactoryInstances("worker"), 1)
	assert.Len(t, h.runtime.ConfigsByName("worker"), 1)
}

func TestFactoryConfigurations_DeleteTemplateInstance(t *testing.T) {
	h := newHarness(t)
	template := h.add(workerDesc())

	pidA, err := h.store.CreateFactoryConfiguration("worker", "a", map[string]any{"size": 2})
	require.NoError(t, err)
	pidB, err := h.store.CreateFactoryConfiguration("worker", "b", map[string]any{"size": 3})
	require.NoError(t, err)
	require.Same(t, template, h.runtime.FactoryInstances("worker")[pidA])
	b := h.runtime.FactoryInstances("worker")[pidB]

	require.NoError(t, h.store.Delete(pidA))
	assert.Equal(t, StateDisabled, template.State())
	_, ok := h.runtime.Config(template.ID())
	assert.False(t, ok, "deleted instance is forgotten")
	assert.Equal(t, []*Config{b}, h.runtime.ConfigsByName("worker"))
	assert.Len(t, h.runtime.FactoryInstances("worker"), 1)
	assert.Equal(t, StateActive, b.State())

	pidC, err := h.store.CreateFactoryConfiguration("worker", "c", map[string]any{"size": 4})
	require.NoError(t, err)
	c := h.runtime.FactoryInstances("worker")[pidC]
	require.NotNil(t, c)
	assert.NotSame(t, b, c)
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 4, c.Properties()["size"])
	assert.Len(t, h.runtime.ConfigsByName("worker"), 2)

	require.NoError(t, h.store.Delete(pidB))
	require.NoError(t, h.store.Delete(pidC))
	assert.Equal(t, []*Config{c}, h.runtime.ConfigsByName("worker"), "last instance stays with defaults")
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 1, c.Properties()["size"])
}

func TestFactoryConfigurations_PerBundleInstances(t *testing.T) {
	h := newHarness(t)
	pidA, err := h.store.CreateFactoryConfiguration("worker", "a", map[string]any{"size": 2})
	require.NoError(t, err)
	first := h.add(workerDesc())

	second, err := h.fw.Install("second.bundle")
	require.NoError(t, err)
	require.NoError(t, h.fw.Start(second))
	require.NoError(t, h.runtime.AddComponents(second, workerDesc()))

	cfgs := h.runtime.ConfigsByName("worker")
	require.Len(t, cfgs, 2)
	other := cfgs[1]
	assert.Same(t, second, other.Bundle())
	assert.Equal(t, StateActive, first.State())
	assert.Equal(t, StateActive, other.State())
	assert.Equal(t, 2, other.Properties()["size"])
	assert.Equal(t, 2, h.log.count("activate"), "first bundle's instance is not restarted")
	assert.Same(t, other, h.runtime.BundleFactoryInstances(second, "worker")[pidA])
	assert.Same(t, first, h.runtime.BundleFactoryInstances(h.bundle, "worker")[pidA])

	pidB, err := h.store.CreateFactoryConfiguration("worker", "b", map[string]any{"size": 3})
	require.NoError(t, err)
	assert.Len(t, h.runtime.ConfigsByName("worker"), 4)
	assert.Len(t, h.runtime.BundleFactoryInstances(second, "worker"), 2)

	require.NoError(t, h.store.Delete(pidA))
	cfgs = h.runtime.ConfigsByName("worker")
	require.Len(t, cfgs, 2)
	for _, cfg := range cfgs {
		assert.Equal(t, StateActive, cfg.State())
		assert.Equal(t, pidB, cfg.Configuration().PID)
	}

	h.runtime.RemoveComponents(second)
	assert.Empty(t, h.runtime.BundleFactoryInstances(second, "worker"))
	assert.Len(t, h.runtime.FactoryInstances("worker"), 1)
	assert.Len(t, h.runtime.ConfigsByName("worker"), 1)
}

func TestFactoryConfigurations_DeleteLastRestartsWithDefaults(t *testing.T) {
	h := newHarness(t)
	pid, err := h.store.CreateFactoryConfiguration("worker", "only", map[string]any{"size": 7, "extra": true})
	require.NoError(t, err)
	h.add(workerDesc())

	cfg := h.runtime.FactoryInstances("worker")[pid]
	require.NotNil(t, cfg)
	assert.Equal(t, 7, cfg.Properties()["size"])
	gen := cfg.Generation()
	h.log.take()

	require.NoError(t, h.store.Delete(pid))
	assert.Equal(t, []string{"deactivate", "activate"}, h.log.take())
	assert.Equal(t, StateActive, cfg.State())
	assert.Nil(t, cfg.Configuration())
	assert.Equal(t, 1, cfg.Properties()["size"])
	assert.NotContains(t, cfg.Properties(), "extra")
	assert.Equal(t, gen+1, cfg.Generation())
	assert.Empty(t, h.runtime.FactoryInstances("worker"))

	// A new factory configuration takes the default instance over again.
	pid2, err := h.store.CreateFactoryConfiguration("worker", "again", map[string]any{"size": 8})
	require.NoError(t, err)
	assert.Same(t, cfg, h.runtime.FactoryInstances("worker")[pid2])
	assert.Len(t, h.runtime.ConfigsByName("worker"), 1)
}

func TestFactoryConfigurations_UpdateRestartsInstance(t *testing.T) {
	h := newHarness(t)
	pid, err := h.store.CreateFactoryConfiguration("worker", "x", map[string]any{"size": 2})
	require.NoError(t, err)
	h.add(workerDesc())
	cfg := h.runtime.FactoryInstances("worker")[pid]
	h.log.take()

	_, err = h.store.Put(pid, "worker", map[string]any{"size": 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"deactivate", "activate"}, h.log.take())
	assert.Equal(t, 5, cfg.Properties()["size"])
	assert.Same(t, cfg, h.runtime.FactoryInstances("worker")[pid])
}

func TestFactoryConfigurations_RejectedForComponentFactory(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.CreateFactoryConfiguration("widget", "x", map[string]any{"size": 2})
	require.NoError(t, err)

	desc := consumerDesc("widget")
	desc.Factory = "widget.factory"
	h.add(desc)
	assert.Empty(t, h.runtime.FactoryInstances("widget"))

	_, err = h.store.CreateFactoryConfiguration("widget", "y", nil)
	require.NoError(t, err)
	assert.Empty(t, h.runtime.FactoryInstances("widget"))
	assert.Len(t, h.runtime.ConfigsByName("widget"), 1)
}

func TestSingletonConfiguration_Lifecycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Update("worker", map[string]any{"size": 4}))
	cfg := h.add(workerDesc())
	assert.Equal(t, 4, cfg.Properties()["size"])
	assert.Equal(t, int64(1), cfg.Generation())
	h.log.take()

	require.NoError(t, h.store.Update("worker", map[string]any{"size": 6}))
	assert.Equal(t, []string{"deactivate", "activate"}, h.log.take())
	assert.Equal(t, 6, cfg.Instance().(*consumer).props["size"])
	assert.Equal(t, int64(2), cfg.Generation())

	require.NoError(t, h.store.Delete("worker"))
	assert.Equal(t, []string{"deactivate", "activate"}, h.log.take())
	assert.Equal(t, 1, cfg.Properties()["size"])
	assert.Nil(t, cfg.Configuration())
}

func TestConfigurationPID_Override(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Update("shared.settings", map[string]any{"size": 9}))
	desc := workerDesc()
	desc.ConfigurationPID = "shared.settings"
	cfg := h.add(desc)
	assert.Equal(t, 9, cfg.Properties()["size"])
}

func TestConfigurationPolicy_Require(t *testing.T) {
	h := newHarness(t)
	desc := workerDesc()
	desc.ConfigurationPolicy = ConfigurationRequire
	cfg := h.add(desc)
	assert.Equal(t, StateDisabled, cfg.State())
	assert.Empty(t, h.log.all())

	require.NoError(t, h.store.Update("worker", map[string]any{"size": 2}))
	assert.Equal(t, StateActive, cfg.State())
	assert.Equal(t, 2, cfg.Properties()["size"])

	require.NoError(t, h.store.Delete("worker"))
	assert.Equal(t, StateDisabled, cfg.State())
	assert.Equal(t, []string{"activate", "deactivate"}, h.log.all())
}

func TestConfigurationPolicy_Ignore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Update("worker", map[string]any{"size": 2}))
	desc := workerDesc()
	desc.ConfigurationPolicy = ConfigurationIgnore
	cfg := h.add(desc)
	assert.Equal(t, 1, cfg.Properties()["size"])

	require.NoError(t, h.store.Update("worker", map[string]any{"size": 3}))
	assert.Equal(t, 1, cfg.Properties()["size"])
	assert.Equal(t, []string{"activate"}, h.log.all())
}

func TestModifiedMethod_UpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	desc := workerDesc()
	desc.Modified = "modified"
	desc.Services = []string{greeterInterface}
	desc.Immediate = true
	cfg := h.add(desc)
	h.log.take()

	require.NoError(t, h.store.Update("worker", map[string]any{"size": 12}))
	assert.Equal(t, []string{"modified"}, h.log.take())
	assert.Equal(t, 12, cfg.Instance().(*consumer).props["size"])
	assert.Equal(t, 12, h.registry.Reference(greeterInterface, nil).Property("size"))

	// Deleting the configuration is a full restart.
	require.NoError(t, h.store.Delete("worker"))
	assert.Equal(t, []string{"deactivate", "activate"}, h.log.take())
}

func TestModifiedMethod_TargetChangeRestarts(t *testing.T) {
	h := newHarness(t)
	h.provide(map[string]any{"lang": "en"})
	fr := h.provide(map[string]any{"lang": "fr"})
	desc := consumerDesc("picky", greeterRef(CardinalityMandatory, PolicyStatic))
	desc.Modified = "modified"
	cfg := h.add(desc)
	h.log.take()

	require.NoError(t, h.store.Update("picky", map[string]any{"greeter.target": "(lang=fr)"}))
	log := h.log.take()
	assert.NotContains(t, log, "modified")
	assert.Contains(t, log, "activate")
	assert.Equal(t, "(lang=fr)", cfg.References()[0].Target().String())
	assert.Equal(t, fr.Reference(), cfg.References()[0].Bound()[0])
}

func TestConfigurationReadDenied_UsesDefaults(t *testing.T) {
	errDenied := errors.New("not allowed")
	h := newHarness(t)
	h.store = cm.NewMemoryStore(cm.WithReadAuthorizer(func(pid string) error {
		if pid == "worker" {
			return errDenied
		}
		return nil
	}))
	require.NoError(t, h.store.Update("worker", map[string]any{"size": 5}))
	rt, err := NewRuntime(h.fw, h.registry,
		WithConfigurationStore(h.store),
		WithLogger(newTestLogger()),
		WithTypes(NewType("consumer", func() any { return &consumer{log: h.log} }).WithReflection()),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer func() { _ = rt.Stop() }()

	require.NoError(t, rt.AddComponents(h.bundle, workerDesc()))
	cfg := rt.ConfigsByName("worker")[0]
	assert.Equal(t, StateActive, cfg.State())
	assert.Equal(t, 1, cfg.Properties()["size"])

	required := workerDesc()
	required.Name = "guarded"
	required.ConfigurationPID = "worker"
	required.ConfigurationPolicy = ConfigurationRequire
	require.NoError(t, rt.AddComponents(h.bundle, required))
	assert.Equal(t, StateDisabled, rt.ConfigsByName("guarded")[0].State())
}

func TestConfig_CopyRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.provide(nil)
	desc := consumerDesc("template", greeterRef(CardinalityMandatory, PolicyStatic))
	desc.Services = []string{"test.Other"}
	desc.Properties = []Property{{Name: "tags", Value: []string{"a", "b"}}, {Name: "size", Value: 2}}
	cfg := h.add(desc)

	cp := cfg.Copy()
	assert.Equal(t, StateDisabled, cp.State())
	assert.NotEqual(t, cfg.ID(), cp.ID())
	cp.Enable()
	assert.Equal(t, cfg.State(), cp.State())

	assert.Equal(t, cfg.Description(), cp.Description())
	assert.NotSame(t, cfg.Description(), cp.Description())
	assert.Equal(t, cfg.Services(), cp.Services())
	require.Len(t, cp.References(), 1)
	assert.Equal(t, cfg.References()[0].Description(), cp.References()[0].Description())

	strip := func(m map[string]any) map[string]any {
		out := maps.Clone(m)
		delete(out, PropertyComponentID)
		return out
	}
	assert.Equal(t, strip(cfg.Properties()), strip(cp.Properties()))

	// Deep copies do not share mutable values.
	cp.Description().Properties[0].Value.([]string)[0] = "changed"
	assert.Equal(t, "a", cfg.Description().Properties[0].Value.([]string)[0])
}
