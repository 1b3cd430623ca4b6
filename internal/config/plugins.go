package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InputType is the kind of target a plugin accepts.
type InputType string

const (
	InputFile       InputType = "file"
	InputObservable InputType = "observable"
)

// PluginDefinition describes one configured analyzer. A single module may back
// several definitions with different parameters.
type PluginDefinition struct {
	Name                string            `yaml:"name"`
	Module              string            `yaml:"module"`
	Type                InputType         `yaml:"type"`
	Description         string            `yaml:"description,omitempty"`
	Disabled            bool              `yaml:"disabled,omitempty"`
	Timeout             time.Duration     `yaml:"timeout,omitempty"`
	ObservableSupported []string          `yaml:"observable_supported,omitempty"`
	Params              map[string]any    `yaml:"params,omitempty"`
	Secrets             map[string]string `yaml:"secrets,omitempty"` // param name -> environment variable
}

// pluginFile is the on-disk shape: either a single definition or a list under
// the "plugins" key.
type pluginFile struct {
	Plugins []PluginDefinition `yaml:"plugins"`
}

// LoadPluginDefinitions reads every *.yaml / *.yml file in dir. A missing
// directory yields no definitions.
func LoadPluginDefinitions(dir string) ([]PluginDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin config dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []PluginDefinition
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		parsed, err := ParsePluginDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, d := range parsed {
			if prev, dup := seen[d.Name]; dup {
				return nil, fmt.Errorf("plugin %q defined in both %s and %s", d.Name, prev, name)
			}
			seen[d.Name] = name
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// ParsePluginDefinitions decodes one file which may hold several YAML
// documents.
func ParsePluginDefinitions(data []byte) ([]PluginDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []PluginDefinition
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		var file pluginFile
		if err := node.Decode(&file); err == nil && len(file.Plugins) > 0 {
			defs = append(defs, file.Plugins...)
			continue
		}
		var single PluginDefinition
		if err := node.Decode(&single); err != nil {
			return nil, err
		}
		defs = append(defs, single)
	}
	for i := range defs {
		if err := defs[i].validate(); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (d *PluginDefinition) validate() error {
	if d.Name == "" {
		return errors.New("plugin definition without name")
	}
	if d.Module == "" {
		return fmt.Errorf("plugin %q: module is required", d.Name)
	}
	switch d.Type {
	case InputFile, InputObservable:
	case "":
		return fmt.Errorf("plugin %q: type is required", d.Name)
	default:
		return fmt.Errorf("plugin %q: unknown type %q", d.Name, d.Type)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("plugin %q: negative timeout", d.Name)
	}
	return nil
}

// Resolve merges definition params, secrets from the environment and per-run
// overrides into a Params set. lookupEnv is os.LookupEnv outside tests.
func (d PluginDefinition) Resolve(overrides map[string]any, lookupEnv func(string) (string, bool)) Params {
	values := make(map[string]any, len(d.Params)+len(overrides))
	for k, v := range d.Params {
		values[k] = v
	}
	secret := make(map[string]bool, len(d.Secrets))
	for param, env := range d.Secrets {
		secret[param] = true
		if lookupEnv == nil {
			continue
		}
		if v, ok := lookupEnv(env); ok {
			values[param] = v
		}
	}
	for k, v := range overrides {
		values[k] = v
	}
	return Params{values: values, secret: secret}
}
