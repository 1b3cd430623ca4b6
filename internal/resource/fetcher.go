// Package resource keeps versioned external resources (rule packs, signature
// bundles) installed on local disk. A refresh installs a complete new
// generation next to the live one and swaps a symlink, so readers see either
// the old tree or the new tree.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Ashfaaq98/owl-runtime/internal/archive"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/store"
)

// Downloader streams a remote asset.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// UpdateRecorder receives one entry per refresh attempt.
type UpdateRecorder interface {
	RecordUpdate(ctx context.Context, entry store.UpdateEntry) error
}

// FetchResult describes the live copy after a Fetch.
type FetchResult struct {
	Version    string
	Path       string
	Generation string
	// Updated is false when the requested version was already installed.
	Updated bool
}

// Fetcher downloads, installs and swaps resource generations.
type Fetcher struct {
	layout     Layout
	versions   VersionStore
	downloader Downloader
	audit      UpdateRecorder
	logger     zerolog.Logger

	group singleflight.Group

	// RefreshTimeout bounds a shared refresh once no caller deadline
	// applies to it.
	RefreshTimeout time.Duration

	mu      sync.Mutex
	locks   map[string]chan struct{}
	flights map[string]*flight
	leases  map[string]int

	now func() time.Time
}

// NewFetcher returns a fetcher rooted at layout.Base. audit may be nil.
func NewFetcher(layout Layout, versions VersionStore, downloader Downloader, audit UpdateRecorder, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		layout:     layout,
		versions:   versions,
		downloader: downloader,
		audit:      audit,
		logger:     logger,
		locks:      make(map[string]chan struct{}),
		flights:    make(map[string]*flight),
		leases:     make(map[string]int),
		now:        time.Now,

		RefreshTimeout: DefaultRefreshTimeout,
	}
}

// Layout returns the filesystem layout.
func (f *Fetcher) Layout() Layout { return f.layout }

// Present reports whether a usable local copy of the resource exists.
func (f *Fetcher) Present(plugin, kind string) bool {
	return f.layout.Present(plugin, kind)
}

// DefaultRefreshTimeout bounds one download-install-swap cycle.
const DefaultRefreshTimeout = 30 * time.Minute

// Fetch installs rel as the live copy of spec. Unless force is set, a version
// that is already installed and present is not downloaded again. Concurrent
// calls for the same resource and version share one refresh, which keeps
// running while at least one caller still waits for it; a caller whose ctx
// ends returns at once. Any failure before the swap leaves the live copy
// untouched and is reported as ResourceUpdateFailed; the version record is
// saved only after the new tree is synced and live.
func (f *Fetcher) Fetch(ctx context.Context, spec Spec, rel *Release, force bool) (*FetchResult, error) {
	if rel == nil || rel.Version == "" || len(rel.Assets) == 0 {
		return nil, faults.New(faults.KindResourceUpdateFailed, fmt.Sprintf("%s: release without version or assets", spec.ID()))
	}
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" refresh cancelled", err)
	}
	key := spec.ID() + "@" + rel.Version
	if force {
		key += "!"
	}

	for {
		fl := f.join(ctx, key)
		ch := f.group.DoChan(key, func() (interface{}, error) {
			if err := f.acquireLock(fl.ctx, spec.ID()); err != nil {
				return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" waiting for refresh lock", err)
			}
			defer f.releaseLock(spec.ID())
			return f.fetchLocked(fl.ctx, spec, rel, force)
		})

		select {
		case r := <-ch:
			f.leave(key, fl)
			if r.Err != nil {
				// A refresh abandoned by its other callers is retried for
				// this one.
				if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return nil, r.Err
			}
			res := *r.Val.(*FetchResult)
			return &res, nil
		case <-ctx.Done():
			// The last waiter to leave cancels the refresh and waits for its
			// staging generation to be removed.
			if f.leave(key, fl) {
				<-ch
			}
			return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" refresh abandoned", ctx.Err())
		}
	}
}

// flight is the context shared by every caller of one refresh.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (f *Fetcher) join(ctx context.Context, key string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.RefreshTimeout)
		fl = &flight{ctx: fctx, cancel: cancel}
		f.flights[key] = fl
	}
	fl.waiters++
	return fl
}

// leave drops one waiter and reports whether it was the last, in which case
// the flight's context is cancelled.
func (f *Fetcher) leave(key string, fl *flight) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return false
	}
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
	fl.cancel()
	return true
}

// acquireLock takes the per-resource refresh slot, giving up when ctx ends.
func (f *Fetcher) acquireLock(ctx context.Context, id string) error {
	f.mu.Lock()
	sem, ok := f.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		f.locks[id] = sem
	}
	f.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) releaseLock(id string) {
	f.mu.Lock()
	sem := f.locks[id]
	f.mu.Unlock()
	<-sem
}

func (f *Fetcher) fetchLocked(ctx context.Context, spec Spec, rel *Release, force bool) (res *FetchResult, err error) {
	start := f.now()
	log := f.logger.With().Str("plugin", spec.Plugin).Str("resource", spec.Kind).Str("version", rel.Version).Logger()

	defer func() {
		entry := store.UpdateEntry{
			Plugin:   spec.Plugin,
			Resource: spec.Kind,
			Version:  rel.Version,
			Duration: f.now().Sub(start),
		}
		switch {
		case err != nil:
			entry.Outcome = store.OutcomeFailed
			entry.Error = err.Error()
		case res.Updated:
			entry.Outcome = store.OutcomeUpdated
		default:
			entry.Outcome = store.OutcomeCurrent
		}
		f.record(entry)
	}()

	// Another caller may have installed this version while we waited.
	if stored, serr := f.versions.GetResourceVersion(ctx, spec.Plugin, spec.Kind); !force && serr == nil &&
		stored.Version == rel.Version && f.layout.Present(spec.Plugin, spec.Kind) {
		path, _, _ := f.layout.Resolve(spec.Plugin, spec.Kind)
		return &FetchResult{Version: rel.Version, Path: path, Generation: filepath.Base(path)}, nil
	}

	if err := os.MkdirAll(f.layout.Dir(spec.Plugin), 0o755); err != nil {
		return nil, faults.Wrap(faults.KindResourceUpdateFailed, "create plugin directory", err)
	}

	genDir := f.layout.generation(spec.Plugin, spec.Kind, uuid.New().String())
	swapped := false
	defer func() {
		if !swapped {
			os.RemoveAll(genDir)
		}
	}()

	log.Info().Int("assets", len(rel.Assets)).Msg("refreshing resource")
	if rel.Archive {
		err = f.installArchive(ctx, spec, rel.Assets[0], genDir)
	} else {
		err = f.installFiles(ctx, rel.Assets, genDir)
	}
	if err == nil {
		err = syncTree(genDir)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" "+rel.Version, err)
	}

	previous, err := f.swap(spec, genDir)
	if err != nil {
		return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" swap", err)
	}
	swapped = true

	record := store.ResourceVersion{
		Plugin:       spec.Plugin,
		Resource:     spec.Kind,
		Version:      rel.Version,
		DownloadURL:  rel.Assets[0].DownloadURL,
		Generation:   filepath.Base(genDir),
		DownloadedAt: f.now(),
	}
	if len(rel.Assets) > 1 {
		record.Assets = rel.Assets
	}
	// The record write does not honor cancellation: once the tree is live the
	// record must follow it.
	if err := f.versions.SaveResourceVersion(context.WithoutCancel(ctx), record); err != nil {
		if previous != "" {
			if _, rerr := f.swap(spec, previous); rerr != nil {
				log.Error().Err(rerr).Msg("failed to roll back generation swap")
			} else {
				swapped = false
			}
		}
		return nil, faults.Wrap(faults.KindResourceUpdateFailed, spec.ID()+" persist version", err)
	}

	f.collect(spec, genDir, previous)
	log.Info().Str("generation", record.Generation).Int64("duration_ms", f.now().Sub(start).Milliseconds()).Msg("resource updated")
	return &FetchResult{Version: rel.Version, Path: genDir, Generation: record.Generation, Updated: true}, nil
}

func (f *Fetcher) installArchive(ctx context.Context, spec Spec, asset store.RemoteAsset, genDir string) error {
	zipPath := f.layout.Archive(spec.Plugin, spec.Kind)
	part := zipPath + ".part-" + uuid.New().String()[:8]
	defer os.Remove(part)
	if err := f.download(ctx, asset.DownloadURL, part); err != nil {
		return err
	}
	if err := os.Rename(part, zipPath); err != nil {
		return fmt.Errorf("stage archive: %w", err)
	}
	defer os.Remove(zipPath)
	return archive.Install(ctx, zipPath, genDir)
}

func (f *Fetcher) installFiles(ctx context.Context, assets []store.RemoteAsset, genDir string) error {
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return err
	}
	for _, a := range assets {
		name := filepath.Base(filepath.Clean("/" + a.Name))
		if name == "/" || name == "." || strings.HasPrefix(name, ".") {
			return fmt.Errorf("invalid asset name %q", a.Name)
		}
		if err := f.download(ctx, a.DownloadURL, filepath.Join(genDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, path string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := f.downloader.Download(ctx, url, out)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("empty download from %s", url)
	}
	return nil
}

// swap points the live path at target and returns the previous target. A
// legacy plain directory is first moved aside as an ordinary generation.
func (f *Fetcher) swap(spec Spec, target string) (string, error) {
	live := f.layout.Live(spec.Plugin, spec.Kind)
	previous, legacy, err := f.layout.Resolve(spec.Plugin, spec.Kind)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		previous = ""
	case err != nil:
		return "", err
	case legacy:
		moved := filepath.Join(f.layout.Dir(spec.Plugin), "."+spec.Kind+legacyMarker+uuid.New().String()[:8])
		if err := os.Rename(live, moved); err != nil {
			return "", fmt.Errorf("move legacy directory aside: %w", err)
		}
		previous = moved
	}

	tmp := f.layout.tempLink(spec.Plugin, spec.Kind, uuid.New().String()[:8])
	if err := os.Symlink(filepath.Base(target), tmp); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, live); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return previous, nil
}

// collect removes generations that are neither live, previous nor leased.
func (f *Fetcher) collect(spec Spec, current, previous string) {
	gens, err := f.layout.generations(spec.Plugin, spec.Kind)
	if err != nil {
		f.logger.Warn().Err(err).Str("resource", spec.ID()).Msg("list generations failed")
		return
	}
	f.mu.Lock()
	var doomed []string
	for _, g := range gens {
		if g == current || g == previous || f.leases[g] > 0 {
			continue
		}
		doomed = append(doomed, g)
	}
	f.mu.Unlock()
	for _, g := range doomed {
		if err := os.RemoveAll(g); err != nil {
			f.logger.Warn().Err(err).Str("generation", g).Msg("remove old generation failed")
		}
	}
}

func (f *Fetcher) record(entry store.UpdateEntry) {
	if f.audit == nil {
		return
	}
	if err := f.audit.RecordUpdate(context.Background(), entry); err != nil {
		f.logger.Warn().Err(err).Str("plugin", entry.Plugin).Str("resource", entry.Resource).Msg("record update failed")
	}
}

// Lease pins one generation of a resource for the duration of a run.
type Lease struct {
	Path string
	once sync.Once
	done func()
}

// Release unpins the generation. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.done != nil {
			l.done()
		}
	})
}

// Acquire resolves the live path once and pins the generation it points at,
// so a refresh finishing mid-run cannot delete files the run is reading.
// Missing resources are ResourceUnavailable.
func (f *Fetcher) Acquire(plugin, kind string) (*Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, _, err := f.layout.Resolve(plugin, kind)
	if err != nil {
		return nil, faults.Wrap(faults.KindResourceUnavailable, plugin+"/"+kind+" is not installed", err)
	}
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return nil, faults.Wrap(faults.KindResourceUnavailable, plugin+"/"+kind+" points at a missing generation", err)
	}
	f.leases[path]++
	return &Lease{Path: path, done: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.leases[path]--; f.leases[path] <= 0 {
			delete(f.leases, path)
		}
	}}, nil
}

// Leased returns the number of active leases on path, for tests and the list
// command.
func (f *Fetcher) Leased(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[path]
}

// syncTree fsyncs every regular file below root.
func syncTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		serr := fh.Sync()
		fh.Close()
		return serr
	})
}
