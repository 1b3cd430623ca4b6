package plugins

import (
	"context"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
)

// Plugin defines the contract every analyzer implements. The runtime drives
// the calls in order: Prepare, then Invoke, then Normalize.
type Plugin interface {
	// Name returns the configured plugin name
	Name() string

	// Description returns a brief description of the plugin
	Description() string

	// InputType reports whether the plugin analyzes files or observables
	InputType() config.InputType

	// Prepare validates the resolved parameters before anything runs
	Prepare(req ExecutionRequest) error

	// Invoke runs the external tool or service and returns its raw output
	Invoke(ctx context.Context, req ExecutionRequest, res Resources) (*RawOutput, error)

	// Normalize turns raw tool output into the report payload
	Normalize(ctx context.Context, req ExecutionRequest, raw *RawOutput) (any, error)
}

// ResourceBacked is implemented by plugins that need versioned resources on
// disk before they can run.
type ResourceBacked interface {
	Plugin

	// Resources lists the dependencies for a run with the given parameters.
	Resources(params config.Params) []Dependency
}

// ServiceBacked is implemented by plugins that delegate to a network service.
type ServiceBacked interface {
	Plugin

	HealthCheck(ctx context.Context) error
}

// TimeoutDefaulter lets a plugin choose the timeout used when neither the
// definition nor the request sets one.
type TimeoutDefaulter interface {
	DefaultTimeout() time.Duration
}

// Dependency is one resource a run needs. Force refreshes it even when the
// stored version already matches the registry.
type Dependency struct {
	Spec  resource.Spec
	Force bool
}

// ResolvedResource is a pinned local copy handed to Invoke.
type ResolvedResource struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	// Stale is set when the registry could not confirm this is the latest
	// version, or a refresh failed and the previous copy is being reused.
	Stale bool `json:"stale,omitempty"`
}

// Resources maps a resource kind to its pinned copy.
type Resources map[string]ResolvedResource

// Path returns the local directory for kind, or "".
func (r Resources) Path(kind string) string {
	return r[kind].Path
}

// Version returns the installed version for kind, or "".
func (r Resources) Version(kind string) string {
	return r[kind].Version
}

// RawOutput is what an invocation produced, before normalization.
type RawOutput struct {
	Data []byte
	// Command is the argv that produced Data, when a local process ran.
	Command []string
	Meta    map[string]string
}
