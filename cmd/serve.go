package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/owl-runtime/internal/bus"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/dispatch"
	"github.com/Ashfaaq98/owl-runtime/internal/logging"
)

var serveUpdateEvery time.Duration

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume analysis jobs from Redis Streams",
	Long: `Run as a worker: read jobs from the owl:jobs stream, run the requested
plugin and publish the execution result to owl:reports.

Jobs are acknowledged after their report is published. A job interrupted by
shutdown is left pending and is delivered again to the consumer group.

Examples:
  owl-runtime serve --redis redis://localhost:6379 --workers 4

  # Also refresh every plugin's resources once an hour
  owl-runtime serve --redis redis://localhost:6379 --update-every 1h`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("workers", config.Default().Serve.Workers, "Number of concurrent job consumers")
	serveCmd.Flags().String("group", config.Default().Serve.Group, "Redis consumer group")
	serveCmd.Flags().String("consumer", config.Default().Serve.Consumer, "Consumer name prefix")
	serveCmd.Flags().DurationVar(&serveUpdateEvery, "update-every", 0, "Refresh all plugin resources at this interval (0 disables)")

	v.BindPFlag("serve.workers", serveCmd.Flags().Lookup("workers"))
	v.BindPFlag("serve.group", serveCmd.Flags().Lookup("group"))
	v.BindPFlag("serve.consumer", serveCmd.Flags().Lookup("consumer"))
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Redis.URL == "" {
		return errors.New("serve needs redis.url (--redis or OWL_REDIS_URL)")
	}
	jobs, err := bus.NewRedisBus(a.cfg.Redis.URL, logging.Component(a.logger, "bus"))
	if err != nil {
		return err
	}
	defer jobs.Close()

	d := dispatch.New(a.runtime, jobs, dispatch.Options{
		Workers:  a.cfg.Serve.Workers,
		Group:    a.cfg.Serve.Group,
		Consumer: a.cfg.Serve.Consumer,
	}, logging.Component(a.logger, "dispatch"))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return d.Run(ctx) })
	if serveUpdateEvery > 0 {
		g.Go(func() error {
			refreshLoop(ctx, a, serveUpdateEvery)
			return nil
		})
	}

	a.logger.Info().Int("workers", a.cfg.Serve.Workers).Str("group", a.cfg.Serve.Group).Msg("serving jobs")
	err = g.Wait()
	stats := d.Stats()
	a.logger.Info().Int64("processed", stats.Processed).Int64("failed", stats.Failed).Msg("serve stopped")
	return err
}

// refreshLoop runs UpdateAll every interval until ctx is done. Failures are
// logged; runs keep using the installed copies.
func refreshLoop(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes, err := a.runtime.UpdateAll(ctx, false)
			updated := 0
			for _, o := range outcomes {
				if o.Updated {
					updated++
				}
			}
			var ev *zerolog.Event
			if err != nil {
				ev = a.logger.Warn().Err(err)
			} else {
				ev = a.logger.Info()
			}
			ev.Int("resources", len(outcomes)).Int("updated", updated).Msg("scheduled refresh")
		}
	}
}
