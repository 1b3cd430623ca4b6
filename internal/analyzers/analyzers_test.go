package analyzers

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
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

// fakeRunner records commands and answers with a canned output.
type fakeRunner struct {
	mu     sync.Mutex
	cmds   []invoker.Command
	stdout []byte
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd invoker.Command) (*invoker.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &invoker.Output{Stdout: f.stdout}, nil
}

func (f *fakeRunner) last() invoker.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmds[len(f.cmds)-1]
}

func testHTTP() *invoker.HTTPClient {
	return invoker.NewHTTPClient(invoker.HTTPOptions{
		AttemptTimeout: 2 * time.Second,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, zerolog.Nop())
}

func sampleTarget(t *testing.T) plugins.Target {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ sample"), 0o600))
	target, err := plugins.FileTarget(path)
	require.NoError(t, err)
	return target
}

func request(target plugins.Target, params map[string]any) plugins.ExecutionRequest {
	return plugins.ExecutionRequest{
		RunID:   "run_test",
		Target:  target,
		Params:  config.NewParams(params),
		Timeout: 30 * time.Second,
	}
}

func def(name, module string, typ config.InputType) config.PluginDefinition {
	return config.PluginDefinition{Name: name, Module: module, Type: typ}
}

func TestFactoriesCoverEveryModule(t *testing.T) {
	deps := Deps{
		Process:  &fakeRunner{},
		Registry: &stubRegistry{},
		HTTP:     testHTTP(),
		Whois:    &fakeWhois{},
		Logger:   zerolog.Nop(),
	}
	factories := Factories(deps)
	modules := []string{
		ModuleCapa, ModuleYaraX, ModuleFloss, ModuleJoeSandboxFile, ModuleJoeSandboxObservable,
		ModuleQuad9DNS, ModuleGoogleDNS, ModuleCloudflareDNS, ModuleWhois,
	}
	require.Len(t, factories, len(modules))
	for _, m := range modules {
		factory, ok := factories[m]
		require.True(t, ok, m)
		p, err := factory(config.PluginDefinition{Name: "p_" + m, Module: m})
		require.NoError(t, err, m)
		assert.Equal(t, "p_"+m, p.Name())
	}

	p, err := factories[ModuleJoeSandboxObservable](config.PluginDefinition{Name: "jso"})
	require.NoError(t, err)
	assert.Equal(t, config.InputObservable, p.InputType())
}

func TestFactoriesRequireClients(t *testing.T) {
	factories := Factories(Deps{Logger: zerolog.Nop()})
	for _, m := range []string{ModuleCapa, ModuleYaraX, ModuleFloss, ModuleJoeSandboxFile, ModuleQuad9DNS} {
		_, err := factories[m](config.PluginDefinition{Name: m})
		assert.Error(t, err, m)
	}
}

func TestCapaCommand(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(`{"meta": {"version": "7.0.1"}, "rules": {}}`)}
	c, err := NewCapa(def("Capa_Info", ModuleCapa, config.InputFile), Deps{
		Tools:    config.ToolsConfig{CapaPath: "/usr/local/bin/capa"},
		Process:  runner,
		Registry: &stubRegistry{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	res := plugins.Resources{
		capaRulesKind: {Kind: capaRulesKind, Path: "/media/capa/rules", Version: "v7.0.1"},
		capaSigsKind:  {Kind: capaSigsKind, Path: "/media/capa/sigs", Version: "v7.0.1"},
	}
	target := sampleTarget(t)

	tests := []struct {
		name   string
		params map[string]any
		format []string
	}{
		{"plain", nil, nil},
		{"shellcode 64", map[string]any{"shellcode": true}, []string{"-f", "sc64"}},
		{"shellcode 32", map[string]any{"shellcode": true, "arch": "32"}, []string{"-f", "sc32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(target, tt.params)
			require.NoError(t, c.Prepare(req))
			raw, err := c.Invoke(context.Background(), req, res)
			require.NoError(t, err)

			want := append([]string{"--quiet", "--json"}, tt.format...)
			want = append(want, "-r", "/media/capa/rules", "-s", "/media/capa/sigs", target.Path)
			assert.Equal(t, want, runner.last().Args)
			assert.Equal(t, 30*time.Second, runner.last().Timeout)

			report, err := c.Normalize(context.Background(), req, raw)
			require.NoError(t, err)
			doc := report.(map[string]any)
			assert.Equal(t, "v7.0.1", doc["rules_version"])
			assert.Equal(t, append([]string{"/usr/local/bin/capa"}, want...), doc["command_executed"])
		})
	}
}

func TestCapaPrepareRejectsArch(t *testing.T) {
	c, err := NewCapa(def("Capa_Info", ModuleCapa, config.InputFile), Deps{Process: &fakeRunner{}, Registry: &stubRegistry{}})
	require.NoError(t, err)
	err = c.Prepare(request(plugins.Target{}, map[string]any{"shellcode": true, "arch": "arm"}))
	assert.True(t, errors.Is(err, faults.ErrInvalidRequest))
}

func TestCapaForcesSignatures(t *testing.T) {
	c, err := NewCapa(def("Capa_Info", ModuleCapa, config.InputFile), Deps{Process: &fakeRunner{}, Registry: &stubRegistry{}})
	require.NoError(t, err)

	deps := c.Resources(config.NewParams(nil))
	require.Len(t, deps, 2)
	assert.False(t, deps[1].Force)
	assert.Equal(t, "capa/rules", deps[0].Spec.ID())

	deps = c.Resources(config.NewParams(map[string]any{"force_pull_signatures": true}))
	assert.False(t, deps[0].Force)
	assert.True(t, deps[1].Force)
	assert.Equal(t, "capa/sigs", deps[1].Spec.ID())
}

func TestYaraXScan(t *testing.T) {
	rulesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rulesDir, "packages", "core"), 0o755))
	rules := filepath.Join(rulesDir, "packages", "core", "yara-rules-core.yar")
	require.NoError(t, os.WriteFile(rules, []byte("rule x { condition: true }"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "README.md"), []byte("readme"), 0o600))

	runner := &fakeRunner{stdout: []byte(`{"path": "/tmp/s", "rules": [{"identifier": "x", "namespace": "default", "meta": [], "patterns": []}]}` + "\n")}
	y, err := NewYaraX(def("YaraX", ModuleYaraX, config.InputFile), Deps{
		Tools:    config.ToolsConfig{YaraXPath: "yr"},
		Process:  runner,
		Registry: &stubRegistry{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	target := sampleTarget(t)
	req := request(target, nil)
	require.NoError(t, y.Prepare(req))
	res := plugins.Resources{"core": {Kind: "core", Path: rulesDir, Version: "20240101"}}
	raw, err := y.Invoke(context.Background(), req, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"scan", "--output-format", "ndjson", rules, target.Path}, runner.last().Args)
	assert.Equal(t, "20240101", raw.Meta["rules_version"])

	report, err := y.Normalize(context.Background(), req, raw)
	require.NoError(t, err)
	assert.NotNil(t, report)
}

func TestYaraXRuleSets(t *testing.T) {
	y, err := NewYaraX(def("YaraX", ModuleYaraX, config.InputFile), Deps{Process: &fakeRunner{}, Registry: &stubRegistry{}})
	require.NoError(t, err)

	for _, set := range []string{"core", "extended", "FULL"} {
		req := request(plugins.Target{}, map[string]any{"rule_set": set})
		require.NoError(t, y.Prepare(req), set)
		deps := y.Resources(req.Params)
		require.Len(t, deps, 1)
		assert.Equal(t, "yarax/"+ruleSet(req.Params), deps[0].Spec.ID())
	}
	err = y.Prepare(request(plugins.Target{}, map[string]any{"rule_set": "huge"}))
	assert.True(t, errors.Is(err, faults.ErrInvalidRequest))
}

func TestYaraXMissingRules(t *testing.T) {
	y, err := NewYaraX(def("YaraX", ModuleYaraX, config.InputFile), Deps{Process: &fakeRunner{}, Registry: &stubRegistry{}})
	require.NoError(t, err)
	res := plugins.Resources{"core": {Kind: "core", Path: t.TempDir()}}
	_, err = y.Invoke(context.Background(), request(plugins.Target{}, nil), res)
	assert.True(t, errors.Is(err, faults.ErrResourceUnavailable))
}
