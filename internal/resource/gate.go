package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ashfaaq98/owl-runtime/internal/store"
)

// VersionStore persists ResourceVersion records.
type VersionStore interface {
	GetResourceVersion(ctx context.Context, plugin, resource string) (*store.ResourceVersion, error)
	SaveResourceVersion(ctx context.Context, rv store.ResourceVersion) error
}

// Gate decides whether the installed copy of a resource is current.
type Gate struct {
	versions VersionStore
}

func NewGate(versions VersionStore) *Gate {
	return &Gate{versions: versions}
}

// IsCurrent reports whether the stored version of (plugin, kind) equals
// remoteVersion. A missing record is not current. Store failures are
// returned, never treated as current.
func (g *Gate) IsCurrent(ctx context.Context, plugin, kind, remoteVersion string) (bool, error) {
	v, ok, err := g.StoredVersion(ctx, plugin, kind)
	if err != nil || !ok {
		return false, err
	}
	return v == remoteVersion, nil
}

// StoredVersion returns the recorded version, if any.
func (g *Gate) StoredVersion(ctx context.Context, plugin, kind string) (string, bool, error) {
	rv, err := g.versions.GetResourceVersion(ctx, plugin, kind)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s/%s version: %w", plugin, kind, err)
	}
	return rv.Version, true, nil
}
