package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Factory builds a plugin from its definition.
type Factory func(def config.PluginDefinition) (Plugin, error)

// Entry is a registered plugin and the definition it was built from.
type Entry struct {
	Plugin     Plugin
	Definition config.PluginDefinition
}

// Registry holds the plugins available to the runtime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a plugin. Missing definition fields are filled from the
// plugin itself.
func (r *Registry) Register(p Plugin, def config.PluginDefinition) error {
	if p == nil {
		return errors.New("nil plugin")
	}
	name := p.Name()
	if name == "" {
		return errors.New("plugin without name")
	}
	if def.Name == "" {
		def.Name = name
	}
	if def.Type == "" {
		def.Type = p.InputType()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("plugin already registered: %s", name)
	}
	r.entries[name] = &Entry{Plugin: p, Definition: def}
	return nil
}

// Unregister removes a plugin
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("plugin not found: %s", name)
	}
	delete(r.entries, name)
	return nil
}

// Get returns a plugin by name. Unknown names are InvalidRequest.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[name]
	if !exists {
		return nil, faults.New(faults.KindInvalidRequest, "unknown plugin "+name)
	}
	return entry, nil
}

// List returns every registered plugin, sorted by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin.Name() < out[j].Plugin.Name() })
	return out
}

// Load builds and registers a plugin for every enabled definition. Every
// failing definition is reported; the ones that succeed stay registered.
func (r *Registry) Load(defs []config.PluginDefinition, factories map[string]Factory) error {
	var errs []error
	for _, def := range defs {
		if def.Disabled {
			continue
		}
		factory, ok := factories[def.Module]
		if !ok {
			errs = append(errs, fmt.Errorf("plugin %s: unknown module %q", def.Name, def.Module))
			continue
		}
		p, err := factory(def)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", def.Name, err))
			continue
		}
		if p.InputType() != def.Type {
			errs = append(errs, fmt.Errorf("plugin %s: module %s analyzes %s, definition says %s",
				def.Name, def.Module, p.InputType(), def.Type))
			continue
		}
		if err := r.Register(p, def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
