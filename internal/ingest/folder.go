// Package ingest feeds sample files dropped into a folder to the file
// analyzers.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SubmitFunc analyzes one sample.
type SubmitFunc func(ctx context.Context, path string) error

// FolderOptions controls folder ingestion.
type FolderOptions struct {
	Dir   string
	Watch bool
	// Patterns are matched against the base name, case insensitively.
	Patterns []string
	// Settle is how long a file must stay unchanged before it is submitted,
	// so samples still being copied in are not analyzed half written.
	Settle time.Duration
	// SkipExisting ignores files already present when watching starts.
	SkipExisting bool
	Logger       zerolog.Logger
}

type fileState struct {
	size    int64
	modTime time.Time
	seen    time.Time
}

// FolderIngestor submits matching files from a directory (one-shot or watch mode).
type FolderIngestor struct {
	submit SubmitFunc
	opts   FolderOptions
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]fileState
	done    map[string]fileState

	submitted int
	errors    int
}

func NewFolderIngestor(submit SubmitFunc, opts FolderOptions) *FolderIngestor {
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*"}
	}
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	return &FolderIngestor{
		submit:  submit,
		opts:    opts,
		now:     time.Now,
		pending: make(map[string]fileState),
		done:    make(map[string]fileState),
	}
}

// Run executes the ingestion per options (one-shot or watch).
func (fi *FolderIngestor) Run(ctx context.Context) error {
	if fi.opts.Watch && fi.opts.SkipExisting {
		if err := fi.markExisting(); err != nil {
			return err
		}
	} else if err := fi.scanOnce(ctx); err != nil {
		return err
	}
	if !fi.opts.Watch {
		fi.opts.Logger.Info().Int("submitted", fi.submitted).Int("errors", fi.errors).Msg("completed one-shot ingest")
		return nil
	}
	return fi.watchLoop(ctx)
}

// Counts reports how many samples were submitted and how many failed.
func (fi *FolderIngestor) Counts() (submitted, errors int) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.submitted, fi.errors
}

func (fi *FolderIngestor) matches(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, ".") {
		return false
	}
	for _, pat := range fi.opts.Patterns {
		if ok, _ := filepath.Match(strings.ToLower(strings.TrimSpace(pat)), lower); ok {
			return true
		}
	}
	return false
}

func (fi *FolderIngestor) entries() ([]string, error) {
	entries, err := os.ReadDir(fi.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && fi.matches(e.Name()) {
			paths = append(paths, filepath.Join(fi.opts.Dir, e.Name()))
		}
	}
	return paths, nil
}

func (fi *FolderIngestor) markExisting() error {
	paths, err := fi.entries()
	if err != nil {
		return err
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil {
			fi.done[p] = fileState{size: st.Size(), modTime: st.ModTime()}
		}
	}
	return nil
}

func (fi *FolderIngestor) scanOnce(ctx context.Context) error {
	paths, err := fi.entries()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		fi.process(ctx, p, fileState{size: st.Size(), modTime: st.ModTime()})
	}
	return nil
}

func (fi *FolderIngestor) process(ctx context.Context, path string, st fileState) {
	log := fi.opts.Logger.With().Str("path", path).Logger()
	err := fi.submit(ctx, path)
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.done[path] = st
	if err != nil {
		fi.errors++
		log.Error().Err(err).Msg("sample failed")
		return
	}
	fi.submitted++
	log.Info().Msg("sample submitted")
}

// observe records a create or write. The file is submitted once it has
// settled.
func (fi *FolderIngestor) observe(path string) {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if prev, ok := fi.done[path]; ok && prev.size == st.Size() && prev.modTime.Equal(st.ModTime()) {
		return
	}
	fi.pending[path] = fileState{size: st.Size(), modTime: st.ModTime(), seen: fi.now()}
}

// settled returns pending files unchanged for at least Settle.
func (fi *FolderIngestor) settled() map[string]fileState {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	ready := map[string]fileState{}
	for path, p := range fi.pending {
		st, err := os.Stat(path)
		if err != nil {
			delete(fi.pending, path)
			continue
		}
		if st.Size() != p.size || !st.ModTime().Equal(p.modTime) {
			fi.pending[path] = fileState{size: st.Size(), modTime: st.ModTime(), seen: fi.now()}
			continue
		}
		if fi.now().Sub(p.seen) >= fi.opts.Settle {
			ready[path] = p
			delete(fi.pending, path)
		}
	}
	return ready
}

func (fi *FolderIngestor) forget(path string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	delete(fi.pending, path)
	delete(fi.done, path)
}

func (fi *FolderIngestor) watchLoop(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(fi.opts.Dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}
	fi.opts.Logger.Info().Str("dir", fi.opts.Dir).Strs("patterns", fi.opts.Patterns).Msg("watching directory")

	tick := fi.opts.Settle / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			submitted, errs := fi.Counts()
			fi.opts.Logger.Info().Int("submitted", submitted).Int("errors", errs).Msg("watch stopping")
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !fi.matches(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				fi.observe(ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				fi.forget(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fi.opts.Logger.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			for path, st := range fi.settled() {
				fi.process(ctx, path, st)
			}
		}
	}
}
