// Package registry provides the read-once catalog of known MCP servers.
//
// Records are loaded from declarative YAML files at startup into read-only
// maps keyed by server name. Lookups never fail: unknown servers resolve to
// empty collections. After Load the registry is immutable, so unsynchronized
// concurrent reads are safe.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// Server is one catalog record. Immutable after load.
type Server struct {
	Name        string
	Title       string
	Description string
	Tools       []string
	Secrets     []string
	Config      []*jsonschema.Schema
}

// record is the on-disk YAML shape of a catalog entry.
type record struct {
	Name        string         `yaml:"name"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Tools       []string       `yaml:"tools"`
	Secrets     []string       `yaml:"secrets"`
	Config      []configSchema `yaml:"config"`
}

type configSchema struct {
	Type       string                    `yaml:"type"`
	Required   []string                  `yaml:"required"`
	Properties map[string]configProperty `yaml:"properties"`
}

type configProperty struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Registry is the immutable server catalog.
type Registry struct {
	servers      map[string]Server
	tools        map[string][]string
	secrets      map[string][]string
	configs      map[string][]*jsonschema.Schema
	descriptions map[string]string
}

// Load reads every *.yaml / *.yml record under dir into a new Registry.
// A directory with no records yields an empty, still-usable registry.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory %s: %w", dir, err)
	}

	r := newEmpty()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) // #nosec G304 -- catalog dir comes from config, not request input
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog record %s: %w", entry.Name(), err)
		}

		var rec record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse catalog record %s: %w", entry.Name(), err)
		}
		if rec.Name == "" {
			return nil, fmt.Errorf("catalog record %s has no server name", entry.Name())
		}

		r.add(rec)
	}

	return r, nil
}

// LoadRecords builds a registry from in-memory YAML documents, one per
// server. Used by tests and by deployments that embed their catalog.
func LoadRecords(docs ...[]byte) (*Registry, error) {
	r := newEmpty()
	for i, doc := range docs {
		var rec record
		if err := yaml.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse catalog record %d: %w", i, err)
		}
		if rec.Name == "" {
			return nil, fmt.Errorf("catalog record %d has no server name", i)
		}
		r.add(rec)
	}
	return r, nil
}

func newEmpty() *Registry {
	return &Registry{
		servers:      make(map[string]Server),
		tools:        make(map[string][]string),
		secrets:      make(map[string][]string),
		configs:      make(map[string][]*jsonschema.Schema),
		descriptions: make(map[string]string),
	}
}

func (r *Registry) add(rec record) {
	schemas := make([]*jsonschema.Schema, 0, len(rec.Config))
	for _, cs := range rec.Config {
		schemas = append(schemas, cs.toSchema())
	}

	srv := Server{
		Name:        rec.Name,
		Title:       rec.Title,
		Description: rec.Description,
		Tools:       rec.Tools,
		Secrets:     rec.Secrets,
		Config:      schemas,
	}

	r.servers[rec.Name] = srv
	r.tools[rec.Name] = rec.Tools
	r.secrets[rec.Name] = rec.Secrets
	r.configs[rec.Name] = schemas
	if rec.Description != "" {
		r.descriptions[rec.Name] = rec.Description
	} else {
		r.descriptions[rec.Name] = "No description"
	}
}

func (cs configSchema) toSchema() *jsonschema.Schema {
	typ := cs.Type
	if typ == "" {
		typ = "object"
	}
	s := &jsonschema.Schema{
		Type:     typ,
		Required: cs.Required,
	}
	if len(cs.Properties) > 0 {
		s.Properties = make(map[string]*jsonschema.Schema, len(cs.Properties))
		for key, prop := range cs.Properties {
			pt := prop.Type
			if pt == "" {
				pt = "string"
			}
			s.Properties[key] = &jsonschema.Schema{
				Type:        pt,
				Description: prop.Description,
			}
		}
	}
	return s
}

// Has reports whether the catalog declares the named server.
func (r *Registry) Has(server string) bool {
	_, ok := r.servers[server]
	return ok
}

// Get returns the catalog record for server. The zero Server and false
// when unknown.
func (r *Registry) Get(server string) (Server, bool) {
	srv, ok := r.servers[server]
	return srv, ok
}

// Names returns all declared server names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the tool names the catalog declares for server.
// Unknown servers yield an empty slice, never an error.
func (r *Registry) Tools(server string) []string {
	return r.tools[server]
}

// Secrets returns the secret keys the catalog declares for server.
func (r *Registry) Secrets(server string) []string {
	return r.secrets[server]
}

// ConfigSchemas returns the config schemas the catalog declares for server.
func (r *Registry) ConfigSchemas(server string) []*jsonschema.Schema {
	return r.configs[server]
}

// Description returns the server description, or "No description" for
// servers that declared none. Unknown servers yield the empty string.
func (r *Registry) Description(server string) string {
	return r.descriptions[server]
}
