// Package dispatch runs jobs from the bus through the plugin runtime and
// publishes their reports.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/owl-runtime/internal/bus"
	"github.com/Ashfaaq98/owl-runtime/internal/faults"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

// Runner executes one plugin run.
type Runner interface {
	Run(ctx context.Context, name string, target plugins.Target, overrides map[string]any) *plugins.ExecutionResult
}

type Options struct {
	Workers  int
	Group    string
	Consumer string
}

// Stats are cumulative counters since start.
type Stats struct {
	Processed int64
	Failed    int64
}

// Dispatcher consumes the jobs stream with a fixed number of workers. Each
// worker is its own consumer in the group, so the stream spreads jobs
// across them.
type Dispatcher struct {
	runner Runner
	bus    bus.Bus
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	processed atomic.Int64
	failed    atomic.Int64
}

func New(runner Runner, b bus.Bus, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Group == "" {
		opts.Group = "owl-runtime"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker"
	}
	return &Dispatcher{runner: runner, bus: b, opts: opts, logger: logger, now: time.Now}
}

// Run blocks until ctx ends or a worker fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", d.opts.Consumer, i)
		g.Go(func() error {
			return d.bus.ConsumeJobs(gctx, d.opts.Group, consumer, d.Handle)
		})
	}
	d.logger.Info().Int("workers", d.opts.Workers).Str("group", d.opts.Group).Msg("dispatcher started")
	err := g.Wait()
	d.logger.Info().Int64("processed", d.processed.Load()).Int64("failed", d.failed.Load()).Msg("dispatcher stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Handle runs one job and publishes its report. A job interrupted by
// shutdown is not reported, so it stays pending for redelivery.
func (d *Dispatcher) Handle(ctx context.Context, job bus.Job) error {
	res := d.execute(ctx, job)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.processed.Add(1)
	if res.Failed() {
		d.failed.Add(1)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result of job %s: %w", job.ID, err)
	}
	return d.bus.PublishReport(ctx, bus.Report{
		JobID:     job.ID,
		RunID:     res.RunID,
		Plugin:    res.Plugin,
		Status:    res.Status,
		Result:    payload,
		Timestamp: d.now().Unix(),
	})
}

func (d *Dispatcher) execute(ctx context.Context, job bus.Job) *plugins.ExecutionResult {
	var target plugins.Target
	if job.File != "" {
		t, err := plugins.FileTarget(job.File)
		if err != nil {
			return &plugins.ExecutionResult{
				Plugin: job.Plugin,
				Target: job.File,
				Status: plugins.StatusFailed,
				Error:  faults.Tag(err, faults.KindInvalidRequest, faults.PhaseInit, job.Plugin, job.File),
			}
		}
		target = t
	} else {
		target = plugins.ObservableTarget(job.Observable, job.Classification)
	}
	d.logger.Debug().Str("job_id", job.ID).Str("plugin", job.Plugin).Str("target", target.Identity()).Msg("running job")
	return d.runner.Run(ctx, job.Plugin, target, job.Params)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Processed: d.processed.Load(), Failed: d.failed.Load()}
}
