// Package greeting is a sample bundle: language specific Greeter providers
// and a Greeting consumer that collects every available Greeter.
package greeting

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/GoCodeAlone/scr"
	"github.com/GoCodeAlone/scr/bundle"
	"github.com/GoCodeAlone/scr/descriptor"
)

// Service interface names
const (
	GreeterInterface  = "greeting.Greeter"
	GreetingInterface = "greeting.Greeting"
)

// Implementation type names
const (
	ProviderType = "greeting.Provider"
	ConsumerType = "greeting.Consumer"
)

// BundleName is the symbolic name of the sample bundle.
const BundleName = "greeting"

//go:embed components.yaml
var components []byte

// Greeter greets in one language.
type Greeter interface {
	Language() string
	Greet(name string) string
}

var salutations = map[string]string{
	"en": "Hello",
	"fr": "Bonjour",
	"de": "Hallo",
	"es": "Hola",
}

// Provider is a Greeter configured through its "lang" property.
type Provider struct {
	lang string
}

// Activate reads the language from the component properties.
func (p *Provider) Activate(props map[string]any) error {
	lang, _ := props["lang"].(string)
	if _, ok := salutations[lang]; !ok {
		return fmt.Errorf("unsupported language %q", lang)
	}
	p.lang = lang
	return nil
}

// Modified switches language without reactivation.
func (p *Provider) Modified(props map[string]any) error { return p.Activate(props) }

// Language implements Greeter.
func (p *Provider) Language() string { return p.lang }

// Greet implements Greeter.
func (p *Provider) Greet(name string) string {
	return salutations[p.lang] + ", " + name
}

// Consumer greets with every bound Greeter.
type Consumer struct {
	mu       sync.Mutex
	greeters []Greeter
	name     string
}

func (c *Consumer) activate(ctx *scr.ComponentContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name, _ = ctx.Properties()["name"].(string)
	if c.name == "" {
		c.name = "world"
	}
	return nil
}

func (c *Consumer) addGreeter(g Greeter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greeters = append(c.greeters, g)
}

func (c *Consumer) removeGreeter(g Greeter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greeters = slices.DeleteFunc(c.greeters, func(e Greeter) bool { return e == g })
}

// Greetings returns one greeting per bound Greeter, sorted by language.
func (c *Consumer) Greetings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs := slices.Clone(c.greeters)
	slices.SortFunc(gs, func(a, b Greeter) int { return strings.Compare(a.Language(), b.Language()) })
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.Greet(c.name))
	}
	return out
}

// Types returns the implementation types of the sample bundle. The provider
// is resolved reflectively, the consumer through a method table.
func Types() []*scr.ImplementationType {
	return []*scr.ImplementationType{
		scr.NewType(ProviderType, func() any { return &Provider{} }).WithReflection(),
		scr.NewType(ConsumerType, func() any { return &Consumer{} }).
			WithLifecycle("activate", scr.Lifecycle((*Consumer).activate)).
			WithBind("addGreeter", scr.Bind((*Consumer).addGreeter)).
			WithBind("removeGreeter", scr.Bind((*Consumer).removeGreeter)),
	}
}

// Descriptor returns the component descriptor packaged in the bundle.
func Descriptor() []byte { return slices.Clone(components) }

// Install installs the sample bundle with its descriptor entry.
func Install(fw *bundle.Framework) (*bundle.Bundle, error) {
	return fw.Install(BundleName,
		bundle.WithVersion("1.0.0"),
		bundle.WithHeader(descriptor.HeaderServiceComponent, "OSGI-INF/greeting.yaml"),
		bundle.WithEntry("OSGI-INF/greeting.yaml", components),
	)
}
