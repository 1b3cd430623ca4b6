// Package plugins runs analyzer plugins. A run moves through init, version
// check, an optional resource refresh, invocation and normalization; a
// failure in any phase ends the run with a tagged error.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
)

// VersionGate reports whether a resource's stored version is current.
type VersionGate interface {
	IsCurrent(ctx context.Context, plugin, kind, remoteVersion string) (bool, error)
	StoredVersion(ctx context.Context, plugin, kind string) (string, bool, error)
}

// ResourceFetcher installs and pins resource copies.
type ResourceFetcher interface {
	Present(plugin, kind string) bool
	Fetch(ctx context.Context, spec resource.Spec, rel *resource.Release, force bool) (*resource.FetchResult, error)
	Acquire(plugin, kind string) (*resource.Lease, error)
}

const (
	DefaultRunTimeout  = 60 * time.Second
	DefaultInvokeGrace = 5 * time.Second
)

// Options tunes a Runtime. Zero values pick the defaults.
type Options struct {
	// DefaultTimeout applies when neither the request, the definition nor
	// the plugin sets a timeout.
	DefaultTimeout time.Duration
	// InvokeGrace is added to the run timeout to form the hard deadline of
	// the invoke phase. Invokers enforce the timeout itself.
	InvokeGrace time.Duration
	LookupEnv   func(string) (string, bool)
}

// Runtime sequences plugin runs and resource updates.
type Runtime struct {
	registry *Registry
	gate     VersionGate
	fetcher  ResourceFetcher
	metrics  *Metrics
	logger   zerolog.Logger

	defaultTimeout time.Duration
	invokeGrace    time.Duration
	lookupEnv      func(string) (string, bool)
	now            func() time.Time
}

func NewRuntime(registry *Registry, gate VersionGate, fetcher ResourceFetcher, logger zerolog.Logger, opts Options) *Runtime {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRunTimeout
	}
	if opts.InvokeGrace <= 0 {
		opts.InvokeGrace = DefaultInvokeGrace
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	return &Runtime{
		registry:       registry,
		gate:           gate,
		fetcher:        fetcher,
		metrics:        NewMetrics(),
		logger:         logger,
		defaultTimeout: opts.DefaultTimeout,
		invokeGrace:    opts.InvokeGrace,
		lookupEnv:      opts.LookupEnv,
		now:            time.Now,
	}
}

func (r *Runtime) Registry() *Registry { return r.registry }

func (r *Runtime) Metrics() *Metrics { return r.metrics }

// Run executes one plugin against target. overrides replace definition
// parameters for this run only. The returned result is never nil.
func (r *Runtime) Run(ctx context.Context, name string, target Target, overrides map[string]any) *ExecutionResult {
	res := &ExecutionResult{
		RunID:     "run_" + uuid.New().String(),
		Plugin:    name,
		Target:    target.Identity(),
		StartedAt: r.now(),
	}
	log := r.logger.With().Str("run_id", res.RunID).Str("plugin", name).Str("target", res.Target).Logger()

	defer func() {
		res.Duration = r.now().Sub(res.StartedAt)
		r.metrics.Record(res)
		if res.Error != nil {
			log.Error().Str("phase", string(res.Error.Phase)).Str("kind", string(res.Error.Kind)).
				Err(res.Error).Dur("duration", res.Duration).Msg("run failed")
			return
		}
		log.Info().Bool("stale", res.Stale).Dur("duration", res.Duration).Msg("run finished")
	}()

	entry, req, err := r.init(res.RunID, name, target, overrides)
	if err != nil {
		res.fail(faults.Tag(err, faults.KindInvalidRequest, faults.PhaseInit, name, res.Target))
		return res
	}
	p := entry.Plugin

	resources, release, err := r.prepare(ctx, p, req, log)
	defer release()
	if err != nil {
		res.fail(faults.Tag(err, faults.KindResourceUnavailable, faults.PhaseRefresh, name, res.Target))
		return res
	}
	if len(resources) > 0 {
		res.ResourceVersions = make(map[string]string, len(resources))
		for kind, rr := range resources {
			res.ResourceVersions[kind] = rr.Version
			res.Stale = res.Stale || rr.Stale
		}
	}

	if err := checkpoint(ctx); err != nil {
		res.fail(faults.Tag(err, faults.KindExecutionFailed, faults.PhaseInvoke, name, res.Target))
		return res
	}
	raw, err := r.invoke(ctx, p, req, resources)
	if err != nil {
		res.fail(faults.Tag(err, faults.KindExecutionFailed, faults.PhaseInvoke, name, res.Target))
		return res
	}

	if err := checkpoint(ctx); err != nil {
		res.fail(faults.Tag(err, faults.KindExecutionFailed, faults.PhaseNormalize, name, res.Target))
		return res
	}
	report, err := p.Normalize(ctx, req, raw)
	if err == nil && report == nil {
		err = faults.New(faults.KindNormalizationFailed, "normalizer returned no report")
	}
	if err != nil {
		res.fail(faults.Tag(err, faults.KindNormalizationFailed, faults.PhaseNormalize, name, res.Target))
		return res
	}
	res.succeed(report)
	return res
}

// init resolves the plugin and builds the immutable request.
func (r *Runtime) init(runID, name string, target Target, overrides map[string]any) (*Entry, ExecutionRequest, error) {
	entry, err := r.registry.Get(name)
	if err != nil {
		return nil, ExecutionRequest{}, err
	}
	def := entry.Definition
	if err := target.Validate(); err != nil {
		return nil, ExecutionRequest{}, faults.Wrap(faults.KindInvalidRequest, "invalid target", err)
	}
	if target.Type != def.Type {
		return nil, ExecutionRequest{}, faults.New(faults.KindInvalidRequest,
			fmt.Sprintf("%s analyzes %s targets, got %s", name, def.Type, target.Type))
	}
	if target.Type == config.InputObservable && len(def.ObservableSupported) > 0 &&
		!contains(def.ObservableSupported, target.Classification) {
		return nil, ExecutionRequest{}, faults.New(faults.KindInvalidRequest,
			fmt.Sprintf("%s does not support %s observables", name, target.Classification))
	}
	if target.Type == config.InputFile {
		if _, err := os.Stat(target.Path); err != nil {
			return nil, ExecutionRequest{}, faults.Wrap(faults.KindInvalidRequest, "target file", err)
		}
	}

	params := def.Resolve(overrides, r.lookupEnv)
	timeout := params.Duration("timeout", def.Timeout)
	if timeout <= 0 {
		if td, ok := entry.Plugin.(TimeoutDefaulter); ok {
			timeout = td.DefaultTimeout()
		}
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	req := ExecutionRequest{RunID: runID, Plugin: name, Target: target, Params: params, Timeout: timeout}
	if err := entry.Plugin.Prepare(req); err != nil {
		return nil, ExecutionRequest{}, faults.Tag(err, faults.KindInvalidRequest, faults.PhaseInit, name, target.Identity())
	}
	return entry, req, nil
}

// prepare runs version check and refresh for every dependency, then pins
// each resource. The returned release func is always safe to call.
func (r *Runtime) prepare(ctx context.Context, p Plugin, req ExecutionRequest, log zerolog.Logger) (Resources, func(), error) {
	var leases []*resource.Lease
	release := func() {
		for _, l := range leases {
			l.Release()
		}
	}
	rb, ok := p.(ResourceBacked)
	if !ok {
		return nil, release, nil
	}

	out := make(Resources)
	for _, dep := range rb.Resources(req.Params) {
		if err := checkpoint(ctx); err != nil {
			return nil, release, faults.Tag(err, faults.KindExecutionFailed, faults.PhaseVersionCheck, req.Plugin, req.Target.Identity())
		}
		rr, lease, err := r.resolve(ctx, dep, log)
		if err != nil {
			return nil, release, err
		}
		leases = append(leases, lease)
		out[dep.Spec.Kind] = rr
	}
	return out, release, nil
}

// resolve makes one dependency usable. Registry and refresh failures degrade
// to the local copy when there is one.
func (r *Runtime) resolve(ctx context.Context, dep Dependency, log zerolog.Logger) (ResolvedResource, *resource.Lease, error) {
	spec := dep.Spec
	log = log.With().Str("resource", spec.ID()).Logger()
	present := r.fetcher.Present(spec.Plugin, spec.Kind)

	version, _, err := r.gate.StoredVersion(ctx, spec.Plugin, spec.Kind)
	if err != nil {
		log.Warn().Err(err).Msg("could not read stored resource version")
	}
	rr := ResolvedResource{Kind: spec.Kind, Version: version}

	rel, err := spec.Locator.Locate(ctx)
	if err != nil {
		if !present {
			return rr, nil, faults.Tag(faults.Wrap(faults.KindResourceUnavailable,
				spec.ID()+" has no local copy and the registry is unreachable", err),
				faults.KindResourceUnavailable, faults.PhaseVersionCheck, "", "")
		}
		log.Warn().Err(err).Str("version", version).Msg("version check failed, using local copy")
		rr.Stale = true
	} else {
		current, gerr := r.gate.IsCurrent(ctx, spec.Plugin, spec.Kind, rel.Version)
		if gerr != nil {
			log.Warn().Err(gerr).Msg("version gate failed, refreshing")
		}
		if !current || !present || dep.Force {
			fr, ferr := r.fetcher.Fetch(ctx, spec, rel, dep.Force)
			switch {
			case ferr == nil:
				rr.Version = fr.Version
			case !present:
				return rr, nil, faults.Tag(faults.Wrap(faults.KindResourceUnavailable,
					spec.ID()+" has no local copy and refresh failed", ferr),
					faults.KindResourceUnavailable, faults.PhaseRefresh, "", "")
			default:
				log.Warn().Err(ferr).Str("version", version).Str("latest", rel.Version).Msg("refresh failed, using local copy")
				rr.Stale = true
			}
		}
	}

	lease, err := r.fetcher.Acquire(spec.Plugin, spec.Kind)
	if err != nil {
		return rr, nil, faults.Tag(err, faults.KindResourceUnavailable, faults.PhaseRefresh, "", "")
	}
	rr.Path = lease.Path
	return rr, lease, nil
}

// invoke calls the plugin under a hard deadline slightly past the run
// timeout.
func (r *Runtime) invoke(ctx context.Context, p Plugin, req ExecutionRequest, res Resources) (*RawOutput, error) {
	ictx, cancel := context.WithTimeout(ctx, req.Timeout+r.invokeGrace)
	defer cancel()

	raw, err := p.Invoke(ictx, req, res)
	if err != nil {
		if errors.Is(ictx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, faults.ErrExecutionTimeout) {
			return nil, faults.Wrap(faults.KindExecutionTimeout,
				fmt.Sprintf("no result within %s", req.Timeout), err)
		}
		return nil, err
	}
	if raw == nil {
		return nil, faults.New(faults.KindExecutionFailed, "invoker returned no output")
	}
	return raw, nil
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return faults.Wrap(faults.KindExecutionFailed, "run cancelled", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
