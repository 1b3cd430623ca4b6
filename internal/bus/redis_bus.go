package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisBus provides Redis Streams-based job transport
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
	// MaxLen caps both streams. Zero leaves them untrimmed.
	MaxLen int64
}

// StreamMessage represents a message in a Redis Stream
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// StreamHandler is a function that processes stream messages
type StreamHandler func(ctx context.Context, message StreamMessage) error

// NewRedisBus connects to redisURL and pings it.
func NewRedisBus(redisURL string, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusFromClient(client, logger), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger, MaxLen: 100000}
}

// Client exposes the connection so the registry cache can share it.
func (rb *RedisBus) Client() *redis.Client { return rb.client }

func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

func (rb *RedisBus) add(ctx context.Context, stream string, fields map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if rb.MaxLen > 0 {
		args.MaxLen = rb.MaxLen
		args.Approx = true
	}
	return rb.client.XAdd(ctx, args).Err()
}

// PublishJob publishes a job to the jobs stream
func (rb *RedisBus) PublishJob(ctx context.Context, job Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	if err := rb.add(ctx, JobsStream, fields); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	rb.logger.Debug().Str("job_id", job.ID).Str("plugin", job.Plugin).Msg("published job")
	return nil
}

// PublishReport publishes a report to the reports stream
func (rb *RedisBus) PublishReport(ctx context.Context, report Report) error {
	if err := rb.add(ctx, ReportsStream, reportFields(report)); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	rb.logger.Debug().Str("job_id", report.JobID).Str("status", report.Status).Msg("published report")
	return nil
}

// CreateConsumerGroup creates a consumer group for a stream if it doesn't exist
func (rb *RedisBus) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := rb.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s for stream %s: %w", group, stream, err)
	}
	return nil
}

// ReadStream reads messages from a stream using consumer groups. Messages
// are acknowledged only when handler succeeds.
func (rb *RedisBus) ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error {
	if err := rb.CreateConsumerGroup(ctx, stream, group); err != nil {
		return err
	}
	log := rb.logger.With().Str("stream", stream).Str("group", group).Str("consumer", consumer).Logger()
	log.Info().Msg("starting stream reader")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("stream reader stopping")
			return ctx.Err()
		}
		result, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("error reading from stream")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, s := range result {
			for _, message := range s.Messages {
				msg := StreamMessage{ID: message.ID, Fields: make(map[string]string, len(message.Values))}
				for key, value := range message.Values {
					if str, ok := value.(string); ok {
						msg.Fields[key] = str
					}
				}
				if err := handler(ctx, msg); err != nil {
					log.Error().Err(err).Str("message_id", message.ID).Msg("error processing message")
					continue
				}
				if err := rb.client.XAck(ctx, s.Stream, group, message.ID).Err(); err != nil {
					log.Error().Err(err).Str("message_id", message.ID).Msg("error acknowledging message")
				}
			}
		}
	}
}

// ConsumeJobs reads the jobs stream. Messages that do not decode to a valid
// job are logged and acknowledged so they are not redelivered forever.
func (rb *RedisBus) ConsumeJobs(ctx context.Context, group, consumer string, handler JobHandler) error {
	return rb.ReadStream(ctx, JobsStream, group, consumer, func(ctx context.Context, msg StreamMessage) error {
		job, err := parseJob(msg.Fields)
		if err != nil {
			rb.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed job")
			return nil
		}
		return handler(ctx, job)
	})
}

// GetStreamInfo returns information about a stream
func (rb *RedisBus) GetStreamInfo(ctx context.Context, stream string) (*redis.XInfoStream, error) {
	info, err := rb.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info for %s: %w", stream, err)
	}
	return info, nil
}

func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// GetStats returns basic statistics about the Redis streams
func (rb *RedisBus) GetStats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{"type": "redis"}
	for _, stream := range []string{JobsStream, ReportsStream} {
		info, err := rb.GetStreamInfo(ctx, stream)
		if err != nil {
			continue
		}
		entry := map[string]any{"length": info.Length, "last_entry_id": info.LastEntry.ID}
		if groups, err := rb.client.XInfoGroups(ctx, stream).Result(); err == nil {
			entry["consumer_groups"] = len(groups)
			var pending int64
			for _, g := range groups {
				pending += g.Pending
			}
			entry["pending"] = pending
		}
		stats[stream] = entry
	}
	return stats, nil
}

func jobFields(job Job) (map[string]any, error) {
	fields := map[string]any{
		"job_id":         job.ID,
		"plugin":         job.Plugin,
		"file":           job.File,
		"observable":     job.Observable,
		"classification": job.Classification,
		"timestamp":      job.Timestamp,
	}
	if len(job.Params) > 0 {
		params, err := json.Marshal(job.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job params: %w", err)
		}
		fields["params"] = string(params)
	}
	return fields, nil
}

func parseJob(fields map[string]string) (Job, error) {
	job := Job{
		ID:             fields["job_id"],
		Plugin:         fields["plugin"],
		File:           fields["file"],
		Observable:     fields["observable"],
		Classification: fields["classification"],
	}
	if raw := fields["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Params); err != nil {
			return Job{}, fmt.Errorf("job params: %w", err)
		}
	}
	if ts, err := parseTimestamp(fields["timestamp"]); err == nil {
		job.Timestamp = ts
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func reportFields(r Report) map[string]any {
	return map[string]any{
		"job_id":    r.JobID,
		"run_id":    r.RunID,
		"plugin":    r.Plugin,
		"status":    r.Status,
		"result":    string(r.Result),
		"timestamp": r.Timestamp,
	}
}

func parseReport(fields map[string]string) Report {
	r := Report{
		JobID:  fields["job_id"],
		RunID:  fields["run_id"],
		Plugin: fields["plugin"],
		Status: fields["status"],
		Result: json.RawMessage(fields["result"]),
	}
	if ts, err := parseTimestamp(fields["timestamp"]); err == nil {
		r.Timestamp = ts
	}
	return r
}

// ReadReports reads the reports stream, for callers waiting on job results.
func (rb *RedisBus) ReadReports(ctx context.Context, group, consumer string, handler func(ctx context.Context, r Report) error) error {
	return rb.ReadStream(ctx, ReportsStream, group, consumer, func(ctx context.Context, msg StreamMessage) error {
		return handler(ctx, parseReport(msg.Fields))
	})
}

// parseTimestamp parses epoch seconds, epoch milliseconds or RFC3339.
func parseTimestamp(timestamp string) (int64, error) {
	if timestamp == "" {
		return time.Now().Unix(), nil
	}
	if n, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		// 13+ digits is milliseconds
		if n > 1_000_000_000_000 {
			return n / 1000, nil
		}
		return n, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return ts.Unix(), nil
	}
	return time.Now().Unix(), fmt.Errorf("unable to parse timestamp: %s", timestamp)
}
