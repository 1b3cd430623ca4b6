package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakePlugin{name: "Floss", typ: config.InputFile}, config.PluginDefinition{}))
	err := reg.Register(&fakePlugin{name: "Floss", typ: config.InputFile}, config.PluginDefinition{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	entry, err := reg.Get("Floss")
	require.NoError(t, err)
	assert.Equal(t, config.InputFile, entry.Definition.Type)
	assert.Equal(t, "Floss", entry.Definition.Name)

	_, err = reg.Get("Missing")
	assert.True(t, errors.Is(err, faults.ErrInvalidRequest))

	require.NoError(t, reg.Unregister("Floss"))
	assert.Error(t, reg.Unregister("Floss"))
	assert.Empty(t, reg.List())
}

func TestRegistryLoad(t *testing.T) {
	factories := map[string]Factory{
		"dns": func(def config.PluginDefinition) (Plugin, error) {
			return &fakePlugin{name: def.Name, typ: config.InputObservable}, nil
		},
		"broken": func(def config.PluginDefinition) (Plugin, error) {
			return nil, errors.New("missing binary")
		},
	}
	defs := []config.PluginDefinition{
		{Name: "Quad9_DNS", Module: "dns", Type: config.InputObservable},
		{Name: "Google_DNS", Module: "dns", Type: config.InputObservable},
		{Name: "Off", Module: "dns", Type: config.InputObservable, Disabled: true},
		{Name: "Mystery", Module: "nope", Type: config.InputFile},
		{Name: "Bad", Module: "broken", Type: config.InputFile},
		{Name: "Mismatch", Module: "dns", Type: config.InputFile},
	}

	reg := NewRegistry()
	err := reg.Load(defs, factories)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mystery")
	assert.Contains(t, err.Error(), "missing binary")
	assert.Contains(t, err.Error(), "Mismatch")

	var names []string
	for _, e := range reg.List() {
		names = append(names, e.Plugin.Name())
	}
	assert.Equal(t, []string{"Google_DNS", "Quad9_DNS"}, names)
}

func TestFileTargetHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	target, err := FileTarget(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", target.MD5)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", target.SHA256)
	assert.Equal(t, target.MD5, target.Identity())
	assert.Equal(t, "hello.txt", target.Filename)

	_, err = FileTarget(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, faults.ErrInvalidRequest))
}

func TestObservableTarget(t *testing.T) {
	target := ObservableTarget(" example.com ", "DOMAIN")
	require.NoError(t, target.Validate())
	assert.Equal(t, "example.com", target.Identity())
	assert.Equal(t, "domain", target.Classification)

	assert.Error(t, ObservableTarget("", "domain").Validate())
	assert.Error(t, ObservableTarget("x", "pcap").Validate())
}

func TestMetricsAverages(t *testing.T) {
	m := NewMetrics()
	m.Record(&ExecutionResult{Plugin: "Floss", Duration: 100})
	m.Record(&ExecutionResult{Plugin: "Floss", Duration: 300, Stale: true,
		Error: faults.New(faults.KindExecutionTimeout, "slow")})

	got := m.Get("Floss")
	assert.Equal(t, int64(2), got.Runs)
	assert.Equal(t, int64(1), got.Failures)
	assert.Equal(t, int64(1), got.StaleRuns)
	assert.EqualValues(t, 200, got.AverageDuration)
	assert.EqualValues(t, 300, got.LastDuration)
	assert.Contains(t, got.LastError, "slow")
	assert.Equal(t, []string{"Floss"}, m.Names())

	got.FailuresByKind[faults.KindExecutionTimeout] = 99
	assert.Equal(t, int64(1), m.Get("Floss").FailuresByKind[faults.KindExecutionTimeout])
}
