// Package bus carries analysis jobs to the runtime and reports back out over
// Redis Streams.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Stream names.
const (
	JobsStream    = "owl:jobs"
	ReportsStream = "owl:reports"
)

// Job asks for one plugin run. Exactly one of File and Observable is set.
type Job struct {
	ID             string         `json:"job_id"`
	Plugin         string         `json:"plugin"`
	File           string         `json:"file,omitempty"`
	Observable     string         `json:"observable,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

// Validate checks the job can be turned into a run.
func (j Job) Validate() error {
	var errs []error
	if strings.TrimSpace(j.Plugin) == "" {
		errs = append(errs, errors.New("job has no plugin"))
	}
	if (j.File == "") == (j.Observable == "") {
		errs = append(errs, errors.New("job needs exactly one of file and observable"))
	}
	return errors.Join(errs...)
}

// Report is the outcome of a Job. Result is the JSON encoded execution result.
type Report struct {
	JobID     string          `json:"job_id"`
	RunID     string          `json:"run_id"`
	Plugin    string          `json:"plugin"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Timestamp int64           `json:"timestamp"`
}

// JobHandler processes one job. A returned error leaves the message pending
// for redelivery.
type JobHandler func(ctx context.Context, job Job) error

// Bus defines the interface for job transport implementations
type Bus interface {
	PublishJob(ctx context.Context, job Job) error
	PublishReport(ctx context.Context, report Report) error
	// ConsumeJobs blocks reading the jobs stream until ctx ends.
	ConsumeJobs(ctx context.Context, group, consumer string, handler JobHandler) error
	GetStats(ctx context.Context) (map[string]any, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewBus returns a RedisBus for redisURL, or a NullBus when the URL is empty
// or Redis cannot be reached.
func NewBus(redisURL string, logger zerolog.Logger) Bus {
	if redisURL == "" {
		return NewNullBus(logger)
	}
	rb, err := NewRedisBus(redisURL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, jobs are disabled")
		return NewNullBus(logger)
	}
	return rb
}
