package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/connector"
	"github.com/dshills/dataflow-go/graph/deploy"
)

// PipelineConfig is the YAML description of a local pipeline.
type PipelineConfig struct {
	Application string           `yaml:"application"`
	Engine      EngineConfig     `yaml:"engine"`
	Store       StoreConfig      `yaml:"store"`
	Resources   []ResourceConfig `yaml:"resources"`
	Vertices    []VertexConfig   `yaml:"vertices"`
	Edges       []EdgeConfig     `yaml:"edges"`
}

// EngineConfig maps onto graph.Options.
type EngineConfig struct {
	CooperativeThreads int           `yaml:"cooperativeThreads"`
	InboxBatchSize     int           `yaml:"inboxBatchSize"`
	QueueCapacity      int           `yaml:"queueCapacity"`
	IdleBackoffMin     time.Duration `yaml:"idleBackoffMin"`
	IdleBackoffMax     time.Duration `yaml:"idleBackoffMax"`
	InterruptTimeout   time.Duration `yaml:"interruptTimeout"`
}

// Options converts the config to engine options.
func (c EngineConfig) Options() graph.Options {
	return graph.Options{
		CooperativeThreads: c.CooperativeThreads,
		InboxBatchSize:     c.InboxBatchSize,
		QueueCapacity:      c.QueueCapacity,
		IdleBackoffMin:     c.IdleBackoffMin,
		IdleBackoffMax:     c.IdleBackoffMax,
		InterruptTimeout:   c.InterruptTimeout,
	}
}

// StoreConfig selects the transition history backend: "memory", "sqlite"
// or "mysql". Empty disables history unless the HTTP server is enabled.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ResourceConfig deploys a local file as a resource.
type ResourceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// VertexConfig declares one vertex. Type selects the processor:
//
//	items  emits Items
//	lines  emits the lines of Resource
//	upper  upper-cases strings
//	trim   trims spaces from strings
//	grep   keeps strings containing Match
//	log    logs every item
//	http   posts every item as JSON to URL
type VertexConfig struct {
	Name          string   `yaml:"name"`
	Type          string   `yaml:"type"`
	Parallelism   int      `yaml:"parallelism"`
	QueueCapacity int      `yaml:"queueCapacity"`
	Items         []any    `yaml:"items"`
	Resource      string   `yaml:"resource"`
	Resources     []string `yaml:"resources"`
	Match         string   `yaml:"match"`
	URL           string   `yaml:"url"`
}

// EdgeConfig connects an output ordinal of From to an input ordinal of To.
type EdgeConfig struct {
	From        string `yaml:"from"`
	FromOrdinal int    `yaml:"fromOrdinal"`
	To          string `yaml:"to"`
	ToOrdinal   int    `yaml:"toOrdinal"`
}

// LoadPipeline reads and validates a pipeline file.
func LoadPipeline(path string) (*PipelineConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}
	defer f.Close()
	return ParsePipeline(f)
}

// ParsePipeline decodes and validates a pipeline description.
func ParsePipeline(r io.Reader) (*PipelineConfig, error) {
	var cfg PipelineConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names, types and edges.
func (c *PipelineConfig) Validate() error {
	if len(c.Vertices) == 0 {
		return errors.New("pipeline has no vertices")
	}
	names := make(map[string]bool, len(c.Vertices))
	for _, v := range c.Vertices {
		if v.Name == "" {
			return errors.New("vertex without name")
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate vertex %q", v.Name)
		}
		names[v.Name] = true
		if _, err := supplierFor(v); err != nil {
			return err
		}
	}
	inputs := make(map[string]bool)
	for _, e := range c.Edges {
		if !names[e.From] || !names[e.To] {
			return fmt.Errorf("edge %s -> %s references an unknown vertex", e.From, e.To)
		}
		key := fmt.Sprintf("%s/%d", e.To, e.ToOrdinal)
		if inputs[key] {
			return fmt.Errorf("input %d of %s is connected twice", e.ToOrdinal, e.To)
		}
		inputs[key] = true
	}
	for _, r := range c.Resources {
		if _, err := deploy.ParseKind(r.Kind); err != nil {
			return fmt.Errorf("resource %s: %w", r.ID, err)
		}
	}
	_, err := c.order()
	return err
}

// order returns the vertices upstream first. Upstream runners must be
// started before the runners they feed.
func (c *PipelineConfig) order() ([]VertexConfig, error) {
	indegree := make(map[string]int, len(c.Vertices))
	next := make(map[string][]string)
	for _, e := range c.Edges {
		indegree[e.To]++
		next[e.From] = append(next[e.From], e.To)
	}

	byName := make(map[string]VertexConfig, len(c.Vertices))
	var ready []string
	for _, v := range c.Vertices {
		byName[v.Name] = v
		if indegree[v.Name] == 0 {
			ready = append(ready, v.Name)
		}
	}

	var out []VertexConfig
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, byName[name])
		for _, to := range next[name] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}
	if len(out) != len(c.Vertices) {
		return nil, errors.New("pipeline edges form a cycle")
	}
	return out, nil
}

func supplierFor(v VertexConfig) (graph.ProcessorSupplier, error) {
	switch v.Type {
	case "items":
		return connector.SliceSource(v.Items...), nil
	case "lines":
		if v.Resource == "" {
			return nil, fmt.Errorf("vertex %s: lines requires a resource", v.Name)
		}
		return connector.ResourceLines(v.Resource), nil
	case "upper":
		return connector.Map(stringMap(strings.ToUpper)), nil
	case "trim":
		return connector.Map(stringMap(strings.TrimSpace)), nil
	case "grep":
		return connector.Filter(func(item any) bool {
			return strings.Contains(fmt.Sprint(item), v.Match)
		}), nil
	case "log":
		return connector.WriteLogger(nil), nil
	case "http":
		if v.URL == "" {
			return nil, fmt.Errorf("vertex %s: http requires a url", v.Name)
		}
		return connector.HTTPPost(v.URL), nil
	default:
		return nil, fmt.Errorf("vertex %s: unknown type %q", v.Name, v.Type)
	}
}

func stringMap(fn func(string) string) func(any) (any, error) {
	return func(item any) (any, error) {
		return fn(fmt.Sprint(item)), nil
	}
}

// Build creates the runners of the pipeline, connected, in start order.
func (c *PipelineConfig) Build(app *graph.ApplicationContext, engine *graph.NodeEngine) ([]*graph.VertexRunner, error) {
	ordered, err := c.order()
	if err != nil {
		return nil, err
	}

	outputs := make(map[string][]int)
	for _, e := range c.Edges {
		if e.FromOrdinal < 0 {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, graph.ErrInvalidOrdinal)
		}
		for len(outputs[e.From]) <= e.FromOrdinal {
			outputs[e.From] = append(outputs[e.From], -1)
		}
		outputs[e.From][e.FromOrdinal] = 0
	}
	for name, caps := range outputs {
		for ordinal, c := range caps {
			// An unconnected output would fill up and never let its
			// vertex complete.
			if c < 0 {
				return nil, fmt.Errorf("output %d of %s is not connected", ordinal, name)
			}
		}
	}

	runners := make([]*graph.VertexRunner, 0, len(ordered))
	byName := make(map[string]*graph.VertexRunner, len(ordered))
	for _, v := range ordered {
		supplier, err := supplierFor(v)
		if err != nil {
			return nil, err
		}
		capacities := outputs[v.Name]
		for i := range capacities {
			capacities[i] = v.QueueCapacity
		}
		resources := append([]string(nil), v.Resources...)
		if v.Resource != "" {
			resources = append(resources, v.Resource)
		}
		r, err := graph.NewVertexRunner(app, engine, graph.Vertex{
			Name:        v.Name,
			Parallelism: v.Parallelism,
			Supplier:    supplier,
			Outputs:     capacities,
			Resources:   resources,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
		byName[v.Name] = r
	}

	for _, e := range c.Edges {
		if err := byName[e.To].Connect(e.ToOrdinal, byName[e.From], e.FromOrdinal); err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", e.From, e.To, err)
		}
	}
	return runners, nil
}

// partSize is the chunk size used when uploading resource files.
const partSize = 64 << 10

// Deploy uploads the configured resource files into store.
func (c *PipelineConfig) Deploy(store *deploy.FileStore, baseDir string) error {
	for _, rc := range c.Resources {
		kind, err := deploy.ParseKind(rc.Kind)
		if err != nil {
			return err
		}
		path := rc.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("resource %s: %w", rc.ID, err)
		}

		desc := deploy.Descriptor{ID: rc.ID, Kind: kind}
		for off := 0; off < len(data) || off == 0; off += partSize {
			end := off + partSize
			if end > len(data) {
				end = len(data)
			}
			if err := store.UpdateResource(deploy.Part{Descriptor: desc, Offset: int64(off), Bytes: data[off:end]}); err != nil {
				return err
			}
			if end == len(data) {
				break
			}
		}
		if err := store.CompleteResource(desc); err != nil {
			return err
		}
	}
	return nil
}
