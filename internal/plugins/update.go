package plugins

import (
	"context"
	"errors"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// UpdateOutcome is the result of refreshing one resource.
type UpdateOutcome struct {
	Plugin   string `json:"plugin"`
	Resource string `json:"resource"`
	Version  string `json:"version,omitempty"`
	Updated  bool   `json:"updated"`
	Err      error  `json:"-"`
}

// Update refreshes every resource the named plugin depends on, using the
// definition's own parameters. With force set, resources are downloaded again
// even when the stored version matches. Plugins without resources return no
// outcomes.
func (r *Runtime) Update(ctx context.Context, name string, force bool) ([]UpdateOutcome, error) {
	entry, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return r.update(ctx, entry, force, make(map[string]bool))
}

// UpdateAll refreshes the resources of every registered plugin. A resource
// shared by several plugins is refreshed once.
func (r *Runtime) UpdateAll(ctx context.Context, force bool) ([]UpdateOutcome, error) {
	seen := make(map[string]bool)
	var all []UpdateOutcome
	var errs []error
	for _, entry := range r.registry.List() {
		outcomes, err := r.update(ctx, entry, force, seen)
		all = append(all, outcomes...)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return all, errors.Join(errs...)
}

func (r *Runtime) update(ctx context.Context, entry *Entry, force bool, seen map[string]bool) ([]UpdateOutcome, error) {
	rb, ok := entry.Plugin.(ResourceBacked)
	if !ok {
		return nil, nil
	}
	params := entry.Definition.Resolve(nil, r.lookupEnv)
	name := entry.Plugin.Name()

	var outcomes []UpdateOutcome
	var errs []error
	for _, dep := range rb.Resources(params) {
		spec := dep.Spec
		if seen[spec.ID()] {
			continue
		}
		seen[spec.ID()] = true

		out := UpdateOutcome{Plugin: spec.Plugin, Resource: spec.Kind}
		rel, err := spec.Locator.Locate(ctx)
		if err == nil {
			fr, ferr := r.fetcher.Fetch(ctx, spec, rel, force || dep.Force)
			if ferr == nil {
				out.Version = fr.Version
				out.Updated = fr.Updated
			}
			err = ferr
		}
		if err != nil {
			out.Err = faults.Tag(faults.Wrap(faults.KindResourceUpdateFailed, "update "+spec.ID(), err),
				faults.KindResourceUpdateFailed, faults.PhaseRefresh, name, "")
			errs = append(errs, out.Err)
			r.logger.Warn().Err(err).Str("plugin", name).Str("resource", spec.ID()).Msg("resource update failed")
		} else {
			r.logger.Info().Str("plugin", name).Str("resource", spec.ID()).Str("version", out.Version).
				Bool("updated", out.Updated).Msg("resource checked")
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// HealthCheck probes every service-backed plugin. Plugins without a service
// are not included.
func (r *Runtime) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)
	for _, entry := range r.registry.List() {
		sb, ok := entry.Plugin.(ServiceBacked)
		if !ok {
			continue
		}
		health[entry.Plugin.Name()] = sb.HealthCheck(ctx)
	}
	return health
}
