package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
	"github.com/Ashfaaq98/owl-runtime/internal/store"
	"pgregory.net/rapid"
)

type fakePlugin struct {
	name      string
	typ       config.InputType
	deps      func(config.Params) []Dependency
	prepare   func(ExecutionRequest) error
	invoke    func(ctx context.Context, req ExecutionRequest, res Resources) (*RawOutput, error)
	normalize func(ctx context.Context, req ExecutionRequest, raw *RawOutput) (any, error)
}

func (p *fakePlugin) Name() string                { return p.name }
func (p *fakePlugin) Description() string         { return "test plugin" }
func (p *fakePlugin) InputType() config.InputType { return p.typ }

func (p *fakePlugin) Prepare(req ExecutionRequest) error {
	if p.prepare != nil {
		return p.prepare(req)
	}
	return nil
}

func (p *fakePlugin) Resources(params config.Params) []Dependency {
	if p.deps == nil {
		return nil
	}
	return p.deps(params)
}

func (p *fakePlugin) Invoke(ctx context.Context, req ExecutionRequest, res Resources) (*RawOutput, error) {
	if p.invoke != nil {
		return p.invoke(ctx, req, res)
	}
	return &RawOutput{Data: []byte(`{}`)}, nil
}

func (p *fakePlugin) Normalize(ctx context.Context, req ExecutionRequest, raw *RawOutput) (any, error) {
	if p.normalize != nil {
		return p.normalize(ctx, req, raw)
	}
	return map[string]any{"raw": string(raw.Data)}, nil
}

type fakeLocator struct {
	version string
	err     error
	calls   int
}

func (l *fakeLocator) Locate(context.Context) (*resource.Release, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &resource.Release{
		Version: l.version,
		Assets:  []store.RemoteAsset{{Name: "rules.zip", DownloadURL: "https://example.test/" + l.version + ".zip"}},
		Archive: true,
	}, nil
}

// fakeFetcher tracks installed resources in memory; dir is the path leases
// point at.
type fakeFetcher struct {
	mu       sync.Mutex
	dir      string
	versions map[string]string
	present  map[string]bool
	fetchErr error
	fetches  []string
	forced   []bool
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{
		dir:      t.TempDir(),
		versions: make(map[string]string),
		present:  make(map[string]bool),
	}
}

func (f *fakeFetcher) install(id, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[id] = version
	f.present[id] = true
}

func (f *fakeFetcher) Present(plugin, kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[plugin+"/"+kind]
}

func (f *fakeFetcher) Fetch(_ context.Context, spec resource.Spec, rel *resource.Release, force bool) (*resource.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, spec.ID()+"@"+rel.Version)
	f.forced = append(f.forced, force)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.versions[spec.ID()] = rel.Version
	f.present[spec.ID()] = true
	return &resource.FetchResult{Version: rel.Version, Path: f.dir, Updated: true}, nil
}

func (f *fakeFetcher) Acquire(plugin, kind string) (*resource.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[plugin+"/"+kind] {
		return nil, faults.New(faults.KindResourceUnavailable, plugin+"/"+kind+" is not installed")
	}
	return &resource.Lease{Path: f.dir}, nil
}

// fakeGate reads versions from the fake fetcher.
type fakeGate struct {
	f   *fakeFetcher
	err error
}

func (g fakeGate) StoredVersion(_ context.Context, plugin, kind string) (string, bool, error) {
	if g.err != nil {
		return "", false, g.err
	}
	g.f.mu.Lock()
	defer g.f.mu.Unlock()
	v, ok := g.f.versions[plugin+"/"+kind]
	return v, ok, nil
}

func (g fakeGate) IsCurrent(ctx context.Context, plugin, kind, remote string) (bool, error) {
	v, ok, err := g.StoredVersion(ctx, plugin, kind)
	return ok && v == remote, err
}

func sampleFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ sample"), 0o644))
	return path
}

func fileTarget(t testing.TB) Target {
	t.Helper()
	target, err := FileTarget(sampleFile(t))
	require.NoError(t, err)
	return target
}

func newRuntime(t testing.TB, f *fakeFetcher, plugins ...*fakePlugin) *Runtime {
	t.Helper()
	reg := NewRegistry()
	for _, p := range plugins {
		require.NoError(t, reg.Register(p, config.PluginDefinition{}))
	}
	return NewRuntime(reg, fakeGate{f: f}, f, zerolog.Nop(), Options{LookupEnv: func(string) (string, bool) { return "", false }})
}

func rulesPlugin(loc resource.Locator) *fakePlugin {
	return &fakePlugin{
		name: "Capa_Info",
		typ:  config.InputFile,
		deps: func(config.Params) []Dependency {
			return []Dependency{{Spec: resource.Spec{Plugin: "capa", Kind: "rules", Locator: loc}}}
		},
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	loc := &fakeLocator{version: "v1"}
	rt := newRuntime(t, f, rulesPlugin(loc))

	res := rt.Run(context.Background(), "Capa_Info", fileTarget(t), nil)
	require.NoError(t, res.Err())
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotNil(t, res.Report)
	assert.False(t, res.Stale)
	assert.Equal(t, "v1", res.ResourceVersions["rules"])
	assert.Empty(t, f.fetches, "current resource must not be fetched again")
	assert.Equal(t, int64(1), rt.Metrics().Get("Capa_Info").Runs)
}

func TestRunRefreshesOutdatedResource(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	rt := newRuntime(t, f, rulesPlugin(&fakeLocator{version: "v2"}))

	res := rt.Run(context.Background(), "Capa_Info", fileTarget(t), nil)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"capa/rules@v2"}, f.fetches)
	assert.Equal(t, "v2", res.ResourceVersions["rules"])
}

func TestRunDegradesToStaleCopyWhenRegistryFails(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	rt := newRuntime(t, f, rulesPlugin(&fakeLocator{err: faults.New(faults.KindRegistry, "no route to host")}))

	res := rt.Run(context.Background(), "Capa_Info", fileTarget(t), nil)
	require.NoError(t, res.Err())
	assert.True(t, res.Stale)
	assert.Equal(t, "v1", res.ResourceVersions["rules"])
	assert.Equal(t, int64(1), rt.Metrics().Get("Capa_Info").StaleRuns)
}

func TestRunDegradesWhenRefreshFails(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	f.fetchErr = faults.New(faults.KindResourceUpdateFailed, "download failed")
	rt := newRuntime(t, f, rulesPlugin(&fakeLocator{version: "v2"}))

	res := rt.Run(context.Background(), "Capa_Info", fileTarget(t), nil)
	require.NoError(t, res.Err())
	assert.True(t, res.Stale)
	assert.Equal(t, "v1", res.ResourceVersions["rules"])
}

func TestRunWithoutLocalCopyIsUnavailable(t *testing.T) {
	for name, setup := range map[string]func(*fakeFetcher, *fakeLocator){
		"registry": func(_ *fakeFetcher, l *fakeLocator) { l.err = faults.New(faults.KindRegistry, "timeout") },
		"download": func(f *fakeFetcher, _ *fakeLocator) {
			f.fetchErr = faults.New(faults.KindResourceUpdateFailed, "connection reset")
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFakeFetcher(t)
			loc := &fakeLocator{version: "v1"}
			setup(f, loc)
			invoked := false
			p := rulesPlugin(loc)
			p.invoke = func(context.Context, ExecutionRequest, Resources) (*RawOutput, error) {
				invoked = true
				return &RawOutput{}, nil
			}
			rt := newRuntime(t, f, p)

			target := fileTarget(t)
			res := rt.Run(context.Background(), "Capa_Info", target, nil)
			require.True(t, res.Failed())
			assert.Nil(t, res.Report)
			assert.Equal(t, faults.KindResourceUnavailable, res.Error.Kind)
			assert.Equal(t, "Capa_Info", res.Error.Plugin)
			assert.Equal(t, target.MD5, res.Error.Target)
			assert.False(t, invoked)
		})
	}
}

func TestRunAvailabilityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		present := rapid.Bool().Draw(rt, "present")
		registryDown := rapid.Bool().Draw(rt, "registryDown")
		fetchFails := rapid.Bool().Draw(rt, "fetchFails")
		sameVersion := rapid.Bool().Draw(rt, "sameVersion")

		f := newFakeFetcher(t)
		if present {
			f.install("capa/rules", "v1")
		}
		if fetchFails {
			f.fetchErr = faults.New(faults.KindResourceUpdateFailed, "boom")
		}
		loc := &fakeLocator{version: "v2"}
		if sameVersion {
			loc.version = "v1"
		}
		if registryDown {
			loc.err = faults.New(faults.KindRegistry, "down")
		}
		runtime := newRuntime(t, f, rulesPlugin(loc))
		res := runtime.Run(context.Background(), "Capa_Info", fileTarget(t), nil)

		refreshNeeded := !present || !sameVersion
		switch {
		case present:
			if res.Failed() {
				rt.Fatalf("run with local copy failed: %v", res.Error)
			}
			wantStale := registryDown || (refreshNeeded && fetchFails)
			if res.Stale != wantStale {
				rt.Fatalf("stale = %v, want %v", res.Stale, wantStale)
			}
		case registryDown || fetchFails:
			if !res.Failed() || res.Error.Kind != faults.KindResourceUnavailable {
				rt.Fatalf("want ResourceUnavailable, got %+v", res.Error)
			}
		default:
			if res.Failed() {
				rt.Fatalf("fresh install failed: %v", res.Error)
			}
		}
		if (res.Report == nil) == (res.Error == nil) {
			rt.Fatalf("exactly one of report and error must be set: %+v", res)
		}
	})
}

func TestRunForceRefresh(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/sigs", "abc")
	loc := &fakeLocator{version: "abc"}
	p := &fakePlugin{
		name: "Capa_Info",
		typ:  config.InputFile,
		deps: func(params config.Params) []Dependency {
			return []Dependency{{
				Spec:  resource.Spec{Plugin: "capa", Kind: "sigs", Locator: loc},
				Force: params.Bool("force_pull_signatures", false),
			}}
		},
	}
	rt := newRuntime(t, f, p)

	res := rt.Run(context.Background(), "Capa_Info", fileTarget(t), map[string]any{"force_pull_signatures": true})
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"capa/sigs@abc"}, f.fetches)
	assert.Equal(t, []bool{true}, f.forced)
}

func TestRunInitFailures(t *testing.T) {
	f := newFakeFetcher(t)
	obs := &fakePlugin{name: "Quad9_DNS", typ: config.InputObservable}
	bad := &fakePlugin{name: "YARAX", typ: config.InputFile, prepare: func(req ExecutionRequest) error {
		return faults.New(faults.KindInvalidRequest, "rule_set must be core, extended or full")
	}}
	rt := newRuntime(t, f, obs, bad)

	cases := map[string]*ExecutionResult{
		"unknown":      rt.Run(context.Background(), "Nope", ObservableTarget("example.com", "domain"), nil),
		"wrong type":   rt.Run(context.Background(), "Quad9_DNS", fileTarget(t), nil),
		"bad class":    rt.Run(context.Background(), "Quad9_DNS", ObservableTarget("example.com", "mac"), nil),
		"missing file": rt.Run(context.Background(), "YARAX", Target{Type: config.InputFile, Path: "/does/not/exist"}, nil),
		"prepare":      rt.Run(context.Background(), "YARAX", fileTarget(t), nil),
	}
	for name, res := range cases {
		require.True(t, res.Failed(), name)
		assert.Equal(t, faults.KindInvalidRequest, res.Error.Kind, name)
		assert.Equal(t, faults.PhaseInit, res.Error.Phase, name)
	}
}

func TestRunObservableSupportedList(t *testing.T) {
	f := newFakeFetcher(t)
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakePlugin{name: "Whois", typ: config.InputObservable},
		config.PluginDefinition{ObservableSupported: []string{"domain"}}))
	rt := NewRuntime(reg, fakeGate{f: f}, f, zerolog.Nop(), Options{})

	assert.NoError(t, rt.Run(context.Background(), "Whois", ObservableTarget("example.com", "domain"), nil).Err())
	res := rt.Run(context.Background(), "Whois", ObservableTarget("1.1.1.1", "ip"), nil)
	require.True(t, res.Failed())
	assert.Equal(t, faults.KindInvalidRequest, res.Error.Kind)
}

func TestRunInvokeTimeoutIsEnforced(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	proc := invoker.NewProcess(zerolog.Nop())
	p := &fakePlugin{
		name: "Slow",
		typ:  config.InputFile,
		invoke: func(ctx context.Context, req ExecutionRequest, _ Resources) (*RawOutput, error) {
			out, err := proc.Run(ctx, invoker.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}, Timeout: req.Timeout})
			if err != nil {
				return nil, err
			}
			return &RawOutput{Data: out.Stdout}, nil
		},
	}
	rt := newRuntime(t, newFakeFetcher(t), p)

	start := time.Now()
	res := rt.Run(context.Background(), "Slow", fileTarget(t), map[string]any{"timeout": 1})
	elapsed := time.Since(start)

	require.True(t, res.Failed())
	assert.Equal(t, faults.KindExecutionTimeout, res.Error.Kind)
	assert.Equal(t, faults.PhaseInvoke, res.Error.Phase)
	assert.Less(t, elapsed, 4*time.Second)
}

func TestRunHardDeadlineBecomesTimeout(t *testing.T) {
	p := &fakePlugin{
		name: "Stuck",
		typ:  config.InputObservable,
		invoke: func(ctx context.Context, _ ExecutionRequest, _ Resources) (*RawOutput, error) {
			<-ctx.Done()
			return nil, faults.Wrap(faults.KindExecutionFailed, "request aborted", ctx.Err())
		},
	}
	f := newFakeFetcher(t)
	reg := NewRegistry()
	require.NoError(t, reg.Register(p, config.PluginDefinition{}))
	rt := NewRuntime(reg, fakeGate{f: f}, f, zerolog.Nop(), Options{InvokeGrace: 10 * time.Millisecond})

	res := rt.Run(context.Background(), "Stuck", ObservableTarget("example.com", "domain"), map[string]any{"timeout": "50ms"})
	require.True(t, res.Failed())
	assert.Equal(t, faults.KindExecutionTimeout, res.Error.Kind)
}

func TestRunInvokeAndNormalizeFailuresAreTerminal(t *testing.T) {
	f := newFakeFetcher(t)
	failing := &fakePlugin{
		name: "Broken",
		typ:  config.InputObservable,
		invoke: func(context.Context, ExecutionRequest, Resources) (*RawOutput, error) {
			return nil, errors.New("connection refused")
		},
	}
	garbage := &fakePlugin{
		name: "Garbage",
		typ:  config.InputObservable,
		normalize: func(context.Context, ExecutionRequest, *RawOutput) (any, error) {
			return nil, nil
		},
	}
	rt := newRuntime(t, f, failing, garbage)
	target := ObservableTarget("evil.example", "domain")

	res := rt.Run(context.Background(), "Broken", target, nil)
	require.True(t, res.Failed())
	assert.Equal(t, faults.KindExecutionFailed, res.Error.Kind)
	assert.Equal(t, faults.PhaseInvoke, res.Error.Phase)
	assert.Equal(t, "evil.example", res.Error.Target)
	assert.Contains(t, res.Error.Error(), "connection refused")

	res = rt.Run(context.Background(), "Garbage", target, nil)
	require.True(t, res.Failed())
	assert.Equal(t, faults.KindNormalizationFailed, res.Error.Kind)
	assert.Equal(t, faults.PhaseNormalize, res.Error.Phase)

	m := rt.Metrics().Get("Broken")
	assert.Equal(t, int64(1), m.Failures)
	assert.Equal(t, int64(1), m.FailuresByKind[faults.KindExecutionFailed])
}

func TestRunCancelledBeforeInvoke(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	invoked := false
	p := rulesPlugin(&fakeLocator{version: "v1"})
	p.invoke = func(context.Context, ExecutionRequest, Resources) (*RawOutput, error) {
		invoked = true
		return &RawOutput{}, nil
	}
	rt := newRuntime(t, f, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := rt.Run(ctx, "Capa_Info", fileTarget(t), nil)
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.False(t, invoked)
}

func TestUpdateAndUpdateAll(t *testing.T) {
	f := newFakeFetcher(t)
	f.install("capa/rules", "v1")
	loc := &fakeLocator{version: "v2"}
	shared := rulesPlugin(loc)
	twin := rulesPlugin(loc)
	twin.name = "Capa_Info_Shellcode"
	down := &fakePlugin{
		name: "YARAX",
		typ:  config.InputFile,
		deps: func(config.Params) []Dependency {
			return []Dependency{{Spec: resource.Spec{Plugin: "yarax", Kind: "core", Locator: &fakeLocator{err: errors.New("dns")}}}}
		},
	}
	plain := &fakePlugin{name: "Quad9_DNS", typ: config.InputObservable}
	rt := newRuntime(t, f, shared, twin, down, plain)

	outcomes, err := rt.Update(context.Background(), "Capa_Info", false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "v2", outcomes[0].Version)
	assert.True(t, outcomes[0].Updated)

	outcomes, err = rt.Update(context.Background(), "Quad9_DNS", false)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	f.fetches, f.forced = nil, nil
	all, err := rt.UpdateAll(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrResourceUpdateFailed))
	require.Len(t, all, 2, "shared capa rules are refreshed once")
	assert.Equal(t, []string{"capa/rules@v2"}, f.fetches)
	assert.True(t, f.forced[0])
}
