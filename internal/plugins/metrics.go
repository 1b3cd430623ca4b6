package plugins

import (
	"sort"
	"sync"
	"time"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// PluginMetrics tracks plugin performance
type PluginMetrics struct {
	Runs            int64                 `json:"runs"`
	Failures        int64                 `json:"failures"`
	StaleRuns       int64                 `json:"stale_runs"`
	FailuresByKind  map[faults.Kind]int64 `json:"failures_by_kind,omitempty"`
	LastDuration    time.Duration         `json:"last_duration"`
	AverageDuration time.Duration         `json:"average_duration"`
	TotalDuration   time.Duration         `json:"total_duration"`
	LastRun         time.Time             `json:"last_run"`
	LastError       string                `json:"last_error,omitempty"`
}

// Metrics aggregates run outcomes per plugin.
type Metrics struct {
	mu      sync.Mutex
	plugins map[string]*PluginMetrics
}

func NewMetrics() *Metrics {
	return &Metrics{plugins: make(map[string]*PluginMetrics)}
}

// Record adds one finished run.
func (m *Metrics) Record(res *ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.plugins[res.Plugin]
	if !ok {
		pm = &PluginMetrics{}
		m.plugins[res.Plugin] = pm
	}
	pm.Runs++
	pm.LastRun = res.StartedAt.Add(res.Duration)
	pm.LastDuration = res.Duration
	pm.TotalDuration += res.Duration
	pm.AverageDuration = pm.TotalDuration / time.Duration(pm.Runs)
	if res.Stale {
		pm.StaleRuns++
	}
	if res.Error != nil {
		pm.Failures++
		pm.LastError = res.Error.Error()
		if pm.FailuresByKind == nil {
			pm.FailuresByKind = make(map[faults.Kind]int64)
		}
		pm.FailuresByKind[res.Error.Kind]++
	}
}

// Get returns a copy of the metrics for one plugin.
func (m *Metrics) Get(name string) PluginMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.plugins[name]
	if !ok {
		return PluginMetrics{}
	}
	return copyMetrics(pm)
}

// Names lists plugins with at least one recorded run.
func (m *Metrics) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.plugins))
	for n := range m.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func copyMetrics(pm *PluginMetrics) PluginMetrics {
	out := *pm
	if pm.FailuresByKind != nil {
		out.FailuresByKind = make(map[faults.Kind]int64, len(pm.FailuresByKind))
		for k, v := range pm.FailuresByKind {
			out.FailuresByKind[k] = v
		}
	}
	return out
}
