package bus

import (
	"context"

	"github.com/rs/zerolog"
)

// NullBus is a no-op implementation of the bus interface for when Redis is disabled
type NullBus struct {
	logger zerolog.Logger
}

func NewNullBus(logger zerolog.Logger) *NullBus {
	return &NullBus{logger: logger}
}

func (nb *NullBus) Close() error { return nil }

// PublishJob logs the job but doesn't actually publish it
func (nb *NullBus) PublishJob(_ context.Context, job Job) error {
	nb.logger.Debug().Str("job_id", job.ID).Str("plugin", job.Plugin).Msg("would publish job (redis disabled)")
	return nil
}

func (nb *NullBus) PublishReport(_ context.Context, report Report) error {
	nb.logger.Debug().Str("job_id", report.JobID).Str("status", report.Status).Msg("would publish report (redis disabled)")
	return nil
}

// ConsumeJobs blocks until ctx is cancelled.
func (nb *NullBus) ConsumeJobs(ctx context.Context, group, consumer string, _ JobHandler) error {
	nb.logger.Debug().Str("group", group).Str("consumer", consumer).Msg("would consume jobs (redis disabled)")
	<-ctx.Done()
	return ctx.Err()
}

func (nb *NullBus) GetStats(context.Context) (map[string]any, error) {
	return map[string]any{"type": "null", "status": "disabled"}, nil
}

func (nb *NullBus) HealthCheck(context.Context) error { return nil }
