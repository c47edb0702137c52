package workflow

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"tg-imagebot/internal/config"
)

var (
	ErrUnknownResolution = errors.New("unknown resolution")
	ErrUnknownAdapter    = errors.New("unknown adapter")
	ErrInvalidUpscale    = errors.New("upscale factor must be between 1 and 4")
	ErrTemplate          = errors.New("invalid workflow template")
)

const (
	MinUpscale = 1
	MaxUpscale = 4

	seedSpace = 1 << 32
)

// numbers stay json.Number so untouched template values survive the round trip
var codec = sonic.Config{UseNumber: true}.Froze()

// Catalog holds the choices a user can make. It is replaced wholesale on reload.
type Catalog struct {
	DefaultResolution string
	Resolutions       map[string]config.Resolution
	Adapters          map[string]config.Adapter
	// AdapterOrder keeps the configured order for menus
	AdapterOrder []string
}

func CatalogFromConfig(cfg config.GenerationConfig) *Catalog {
	c := &Catalog{
		DefaultResolution: cfg.DefaultResolution,
		Resolutions:       make(map[string]config.Resolution, len(cfg.Resolutions)),
		Adapters:          make(map[string]config.Adapter, len(cfg.Adapters)),
	}
	for name, r := range cfg.Resolutions {
		c.Resolutions[name] = r
	}
	for _, a := range cfg.Adapters {
		if _, dup := c.Adapters[a.Name]; dup {
			continue
		}
		c.Adapters[a.Name] = a
		c.AdapterOrder = append(c.AdapterOrder, a.Name)
	}
	return c
}

// Params are the user's choices for one image
type Params struct {
	Prompt        string
	Resolution    string
	Adapters      []string
	UpscaleFactor int
	// Seed is drawn at random when nil
	Seed *int64
}

// Job is a fully materialized render job; it shares nothing with the template
type Job struct {
	Nodes      map[string]any
	Prompt     string
	Resolution string
	Width      int
	Height     int
	Seed       int64
	Upscale    int
	Adapters   []string
}

// JSON serializes the node graph in the renderer's API format
func (j *Job) JSON() ([]byte, error) {
	return codec.Marshal(j.Nodes)
}

// Builder turns Params into Jobs from a base template
type Builder struct {
	template []byte
	nodes    config.NodeMap
	catalog  atomic.Pointer[Catalog]
}

// LoadTemplate reads a workflow exported in API format
func LoadTemplate(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow template: %w", err)
	}
	return raw, nil
}

// NewBuilder checks that every configured injection point exists in template
func NewBuilder(template []byte, nodes config.NodeMap, catalog *Catalog) (*Builder, error) {
	b := &Builder{template: append([]byte(nil), template...), nodes: nodes}

	graph, err := b.decode()
	if err != nil {
		return nil, err
	}
	for _, target := range []config.NodeInput{nodes.Prompt, nodes.Width, nodes.Height, nodes.Seed, nodes.Upscale} {
		if target.Node == "" {
			continue
		}
		if _, err := inputsOf(graph, target.Node); err != nil {
			return nil, err
		}
	}
	if nodes.Adapter != "" {
		if _, err := inputsOf(graph, nodes.Adapter); err != nil {
			return nil, err
		}
	}

	b.SetCatalog(catalog)
	return b, nil
}

func (b *Builder) SetCatalog(c *Catalog) {
	if c == nil {
		c = &Catalog{}
	}
	b.catalog.Store(c)
}

func (b *Builder) Catalog() *Catalog {
	return b.catalog.Load()
}

// Build materializes a job. The template is decoded afresh every time.
func (b *Builder) Build(p Params) (*Job, error) {
	catalog := b.Catalog()

	if p.UpscaleFactor == 0 {
		p.UpscaleFactor = MinUpscale
	}
	if p.UpscaleFactor < MinUpscale || p.UpscaleFactor > MaxUpscale {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidUpscale, p.UpscaleFactor)
	}

	resolution := p.Resolution
	if resolution == "" {
		resolution = catalog.DefaultResolution
	}
	dims, ok := catalog.Resolutions[resolution]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}

	adapters := make([]config.Adapter, 0, len(p.Adapters))
	names := make([]string, 0, len(p.Adapters))
	seen := make(map[string]bool, len(p.Adapters))
	for _, name := range p.Adapters {
		if seen[name] {
			continue
		}
		a, ok := catalog.Adapters[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
		}
		seen[name] = true
		adapters = append(adapters, a)
		names = append(names, name)
	}

	var seed int64
	if p.Seed != nil {
		seed = *p.Seed
	} else {
		seed = rand.Int64N(seedSpace)
	}

	prompt := ApplyTriggers(p.Prompt, adapters)

	graph, err := b.decode()
	if err != nil {
		return nil, err
	}

	sets := []struct {
		target config.NodeInput
		value  any
	}{
		{b.nodes.Prompt, prompt},
		{b.nodes.Width, dims.Width},
		{b.nodes.Height, dims.Height},
		{b.nodes.Seed, seed},
		{b.nodes.Upscale, p.UpscaleFactor},
	}
	for _, s := range sets {
		if s.target.Node == "" {
			continue
		}
		if err := setInput(graph, s.target, s.value); err != nil {
			return nil, err
		}
	}

	if b.nodes.Adapter != "" && len(adapters) > 0 {
		inputs, err := inputsOf(graph, b.nodes.Adapter)
		if err != nil {
			return nil, err
		}
		for i, a := range adapters {
			strength := a.Strength
			if strength == 0 {
				strength = 1.0
			}
			inputs[fmt.Sprintf("lora_%d", i+1)] = map[string]any{
				"on":       true,
				"lora":     a.File,
				"strength": strength,
			}
		}
	}

	return &Job{
		Nodes:      graph,
		Prompt:     prompt,
		Resolution: resolution,
		Width:      dims.Width,
		Height:     dims.Height,
		Seed:       seed,
		Upscale:    p.UpscaleFactor,
		Adapters:   names,
	}, nil
}

// ApplyTriggers appends each adapter's trigger text to prompt unless the
// prompt already contains it, ignoring case
func ApplyTriggers(prompt string, adapters []config.Adapter) string {
	out := strings.TrimSpace(prompt)
	for _, a := range adapters {
		trigger := strings.TrimSpace(a.Trigger)
		if trigger == "" || strings.Contains(strings.ToLower(out), strings.ToLower(trigger)) {
			continue
		}
		if out == "" {
			out = trigger
		} else {
			out += ", " + trigger
		}
	}
	return out
}

func (b *Builder) decode() (map[string]any, error) {
	var graph map[string]any
	if err := codec.Unmarshal(b.template, &graph); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return graph, nil
}

func inputsOf(graph map[string]any, node string) (map[string]any, error) {
	n, ok := graph[node].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: node %q not found", ErrTemplate, node)
	}
	inputs, ok := n["inputs"].(map[string]any)
	if !ok {
		inputs = make(map[string]any)
		n["inputs"] = inputs
	}
	return inputs, nil
}

func setInput(graph map[string]any, target config.NodeInput, value any) error {
	inputs, err := inputsOf(graph, target.Node)
	if err != nil {
		return err
	}
	inputs[target.Input] = value
	return nil
}
