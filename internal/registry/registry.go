// Package registry loads the declarative model registry document (spec
// §4.1, §6) and resolves (agent, call-site config) pairs into a concrete
// provider, model, and composed GenConfig. The registry is immutable after
// Load/Reload and safe for concurrent reads.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aerochat-ai/gateway/providers"
)

// Document is the on-disk shape of the model registry file (spec §6):
// providers, defaults, agent tier assignments, per-tier parameters, and
// optional per-agent overrides and per-environment overlays.
type Document struct {
	Providers        map[string]ProviderEntry    `yaml:"providers" json:"providers"`
	Defaults         Defaults                    `yaml:"defaults" json:"defaults"`
	AgentAssignments map[string][]string         `yaml:"agent_assignments" json:"agent_assignments"` // tier -> []agent
	Parameters       map[string]providers.GenConfig `yaml:"parameters" json:"parameters"`            // tier -> params
	AgentOverrides   map[string]providers.GenConfig `yaml:"agent_overrides" json:"agent_overrides"`  // agent -> params
	Environments     map[string]Overlay          `yaml:"environments" json:"environments"`
}

// ProviderEntry describes one provider's credential reference, endpoint, and
// tier->model mapping, matching ProviderDescriptor's data model (spec §3).
type ProviderEntry struct {
	Enabled    *bool             `yaml:"enabled" json:"enabled"`
	Credential string            `yaml:"credential" json:"credential"` // env-var name or inline value
	BaseURL    string            `yaml:"base_url" json:"base_url"`
	Models     providers.TierModels `yaml:"models" json:"models"`
	TimeoutSec int               `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Defaults holds the registry-wide default provider and fallback chain.
type Defaults struct {
	Provider      string   `yaml:"provider" json:"provider"`
	FallbackChain []string `yaml:"fallback_chain" json:"fallback_chain"`
}

// Overlay is a per-environment partial override of Defaults and Providers,
// applied on top of the base document at load time.
type Overlay struct {
	Defaults  *Defaults                `yaml:"defaults" json:"defaults"`
	Providers map[string]ProviderEntry `yaml:"providers" json:"providers"`
}

// Registry is the process-wide, read-mostly resolved view of a Document.
// It is immutable after Load/Reload; Reload is explicit, never implicit
// (spec §3 "Reload is explicit").
type Registry struct {
	mu  sync.RWMutex
	doc Document
	env string // active environment overlay name, "" for none
	path string
}

// New constructs an empty registry; call Load before use.
func New() *Registry {
	return &Registry{}
}

// Load reads path (YAML or JSON, sniffed by extension) and installs it as
// the active document, applying the named environment overlay if env is
// non-empty and present in the document.
func (r *Registry) Load(path, env string) error {
	doc, err := parseFile(path)
	if err != nil {
		return err
	}
	doc = applyOverlay(doc, env)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = doc
	r.env = env
	r.path = path
	return nil
}

// Reload re-reads the document from the path last given to Load. Callers
// must invoke this explicitly (e.g. from an operator signal or admin
// command); the registry never reloads itself.
func (r *Registry) Reload() error {
	r.mu.RLock()
	path, env := r.path, r.env
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("registry: Reload called before Load")
	}
	return r.Load(path, env)
}

func parseFile(path string) (Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return Document{}, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var doc Document
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("registry: parse YAML %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("registry: parse JSON %s: %w", path, err)
		}
	default:
		return Document{}, fmt.Errorf("registry: unsupported file extension %q: use .yaml, .yml, or .json", ext)
	}
	return doc, nil
}

func applyOverlay(doc Document, env string) Document {
	if env == "" {
		return doc
	}
	overlay, ok := doc.Environments[env]
	if !ok {
		return doc
	}
	if overlay.Defaults != nil {
		doc.Defaults = *overlay.Defaults
	}
	if len(overlay.Providers) > 0 {
		merged := make(map[string]ProviderEntry, len(doc.Providers))
		for k, v := range doc.Providers {
			merged[k] = v
		}
		for k, v := range overlay.Providers {
			merged[k] = v
		}
		doc.Providers = merged
	}
	return doc
}

// ProviderNames returns the configured provider identifiers, in the order
// yaml.v3 preserved them is not guaranteed by Go maps, so callers needing a
// stable order should sort the result.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.doc.Providers))
	for name := range r.doc.Providers {
		names = append(names, name)
	}
	return names
}

// Provider returns the raw ProviderEntry for name.
func (r *Registry) Provider(name string) (ProviderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.doc.Providers[name]
	return entry, ok
}

func (e ProviderEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}
