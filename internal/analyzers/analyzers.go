// Package analyzers holds the concrete analyzer plugins and the module table
// used to build them from definition files.
package analyzers

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
)

// Module names accepted in plugin definitions.
const (
	ModuleCapa                 = "capa"
	ModuleYaraX                = "yarax"
	ModuleFloss                = "floss"
	ModuleJoeSandboxFile       = "joesandbox_file"
	ModuleJoeSandboxObservable = "joesandbox_observable"
	ModuleQuad9DNS             = "quad9_dns"
	ModuleGoogleDNS            = "google_dns"
	ModuleCloudflareDNS        = "cloudflare_dns"
	ModuleWhois                = "whois"
)

// Deps are the shared clients analyzers are built with.
type Deps struct {
	Tools    config.ToolsConfig
	Registry resource.Registry
	Process  invoker.Runner
	HTTP     *invoker.HTTPClient
	// Cache stores lookup answers for observable analyzers. May be nil.
	Cache  cache.Cache
	Whois  WhoisLookup
	Logger zerolog.Logger
}

// Factories returns the module table for deps.
func Factories(deps Deps) map[string]plugins.Factory {
	return map[string]plugins.Factory{
		ModuleCapa:  func(def config.PluginDefinition) (plugins.Plugin, error) { return NewCapa(def, deps) },
		ModuleYaraX: func(def config.PluginDefinition) (plugins.Plugin, error) { return NewYaraX(def, deps) },
		ModuleFloss: func(def config.PluginDefinition) (plugins.Plugin, error) { return NewFloss(def, deps) },
		ModuleJoeSandboxFile: func(def config.PluginDefinition) (plugins.Plugin, error) {
			return NewJoeSandbox(def, deps, config.InputFile)
		},
		ModuleJoeSandboxObservable: func(def config.PluginDefinition) (plugins.Plugin, error) {
			return NewJoeSandbox(def, deps, config.InputObservable)
		},
		ModuleQuad9DNS:      func(def config.PluginDefinition) (plugins.Plugin, error) { return NewDoH(def, deps, Quad9) },
		ModuleGoogleDNS:     func(def config.PluginDefinition) (plugins.Plugin, error) { return NewDoH(def, deps, Google) },
		ModuleCloudflareDNS: func(def config.PluginDefinition) (plugins.Plugin, error) { return NewDoH(def, deps, Cloudflare) },
		ModuleWhois:         func(def config.PluginDefinition) (plugins.Plugin, error) { return NewWhois(def, deps) },
	}
}

// base carries the identity every analyzer shares.
type base struct {
	def    config.PluginDefinition
	logger zerolog.Logger
}

func newBase(def config.PluginDefinition, deps Deps) base {
	return base{def: def, logger: deps.Logger.With().Str("plugin", def.Name).Str("module", def.Module).Logger()}
}

func (b base) Name() string { return b.def.Name }

func (b base) Description() string { return b.def.Description }

var errNoHTTP = errors.New("no HTTP client configured")
