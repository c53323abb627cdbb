package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/scr"
	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/cm"
	"github.com/GoCodeAlone/scr/descriptor"
	"github.com/GoCodeAlone/scr/example/greeting"
	"github.com/GoCodeAlone/scr/registry"
)

// Options configures the daemon. Values are layered: defaults, the YAML
// file, SCRD_* environment variables, then explicitly set flags.
type Options struct {
	Components []string `yaml:"components" env:"COMPONENTS"`
	ConfigDir  string   `yaml:"configDir" env:"CONFIG_DIR"`
	Rescan     string   `yaml:"rescan" env:"RESCAN"`
	Listen     string   `yaml:"listen" env:"LISTEN"`
	LogLevel   string   `yaml:"logLevel" env:"LOG_LEVEL"`
	Example    bool     `yaml:"example" env:"EXAMPLE"`
	// EventBuffer sizes the configuration event queue.
	EventBuffer int `yaml:"eventBuffer" env:"EVENT_BUFFER"`
}

// DefaultOptions returns the daemon defaults.
func DefaultOptions() Options {
	return Options{
		Listen:      ":8080",
		LogLevel:    "info",
		EventBuffer: 64,
	}
}

// LoadOptions reads a YAML options file on top of opts.
func LoadOptions(path string, opts Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", path, err)
	}
	return opts, nil
}

// Daemon hosts a component runtime with file based descriptors and
// configuration.
type Daemon struct {
	opts     Options
	logger   scr.Logger
	fw       *bundle.Framework
	registry *registry.Registry
	store    *cm.MemoryStore
	watcher  *cm.FileWatcher
	runtime  *scr.Runtime
	metrics  *prometheus.Registry
}

// NewDaemon builds the framework, registry, configuration store and
// runtime. Nothing runs until Start.
func NewDaemon(opts Options, logger scr.Logger) (*Daemon, error) {
	d := &Daemon{
		opts:     opts,
		logger:   logger,
		fw:       bundle.NewFramework(),
		registry: registry.NewRegistry(),
		store:    cm.NewMemoryStore(cm.WithAsyncDelivery(opts.EventBuffer)),
		metrics:  prometheus.NewRegistry(),
	}
	d.fw.AddListener(d.registry.BundleChanged)

	m := scr.NewMetrics()
	if err := m.Register(d.metrics); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	d.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := scr.NewRuntime(d.fw, d.registry,
		scr.WithLogger(logger),
		scr.WithConfigurationStore(d.store),
		scr.WithDescriptionSource(descriptor.NewBundleSource()),
		scr.WithTypes(greeting.Types()...),
		scr.WithMetrics(m),
		scr.WithObserver(scr.NewFunctionalObserver("scrd.log", d.logEvent)),
	)
	if err != nil {
		return nil, err
	}
	d.runtime = rt

	if opts.ConfigDir != "" {
		fileOpts := []cm.FileOption{cm.WithFileLogger(logger)}
		if opts.Rescan != "" {
			fileOpts = append(fileOpts, cm.WithRescanSchedule(opts.Rescan))
		}
		d.watcher = cm.NewFileWatcher(opts.ConfigDir, d.store, fileOpts...)
	}
	return d, nil
}

// Runtime returns the hosted runtime.
func (d *Daemon) Runtime() *scr.Runtime { return d.runtime }

// Gatherer returns the metrics registry.
func (d *Daemon) Gatherer() prometheus.Gatherer { return d.metrics }

// Start starts the runtime, the configuration watcher and every component
// bundle.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.runtime.Start(); err != nil {
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting configuration watcher: %w", err)
		}
	}

	var errs []error
	if d.opts.Example {
		b, err := greeting.Install(d.fw)
		if err == nil {
			err = d.fw.Start(b)
		}
		errs = append(errs, err)
	}
	files, err := descriptorFiles(d.opts.Components)
	errs = append(errs, err)
	for _, file := range files {
		errs = append(errs, d.installDescriptor(file))
	}
	return errors.Join(errs...)
}

// installDescriptor installs and starts a bundle carrying one descriptor
// file.
func (d *Daemon) installDescriptor(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	entry := "OSGI-INF/" + filepath.Base(path)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	b, err := d.fw.Install(name,
		bundle.WithHeader(descriptor.HeaderServiceComponent, entry),
		bundle.WithEntry(entry, data),
	)
	if err != nil {
		return err
	}
	d.logger.Info("Installed component bundle", "bundle", name, "descriptor", path)
	return d.fw.Start(b)
}

// Stop shuts the framework down, which removes every component, then stops
// the watcher and the configuration store.
func (d *Daemon) Stop() error {
	var errs []error
	if d.watcher != nil {
		errs = append(errs, d.watcher.Stop())
	}
	errs = append(errs, d.fw.Shutdown(), d.runtime.Stop(), d.store.Close())
	return errors.Join(errs...)
}

func (d *Daemon) logEvent(_ context.Context, ev cloudevents.Event) error {
	switch ev.Type() {
	case scr.EventTypeComponentFailed, scr.EventTypeCycleDetected:
		d.logger.Warn("Runtime event", "type", ev.Type(), "id", ev.ID(), "data", string(ev.Data()))
	default:
		d.logger.Debug("Runtime event", "type", ev.Type(), "id", ev.ID())
	}
	return nil
}

// descriptorFiles expands directories into the descriptor files they
// contain.
func descriptorFiles(paths []string) ([]string, error) {
	var (
		out  []string
		errs []error
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, err := descriptor.FormatOf(e.Name()); err == nil {
				out = append(out, filepath.Join(p, e.Name()))
			}
		}
	}
	slices.Sort(out)
	return out, errors.Join(errs...)
}
