package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/ingest"
	"github.com/Ashfaaq98/owl-runtime/internal/logging"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

var (
	watchOnce         bool
	watchSettle       time.Duration
	watchSkipExisting bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Run file analyzers on samples dropped in a directory",
	Long: `Watch a directory and run the configured file plugins on every new
sample once it has stopped changing. Results are logged as JSON lines.

Examples:
  # Watch ./incoming with capa and yara-x
  owl-runtime watch ./incoming --plugins Capa_Info,Yara_Forge_Core

  # Analyze what is already there and exit
  owl-runtime watch ./incoming --plugins Capa_Info --once`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSlice("plugins", nil, "File plugins to run on each sample")
	watchCmd.Flags().StringSlice("pattern", []string{"*"}, "Glob patterns samples must match")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Process existing files and exit")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 2*time.Second, "How long a file must be unchanged before it is analyzed")
	watchCmd.Flags().BoolVar(&watchSkipExisting, "skip-existing", false, "Ignore files present at startup")

	v.BindPFlag("watch.plugins", watchCmd.Flags().Lookup("plugins"))
	v.BindPFlag("watch.patterns", watchCmd.Flags().Lookup("pattern"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.cfg.Watch.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return errors.New("no directory given (argument or watch.dir)")
	}
	names, err := watchPlugins(a.runtime.Registry(), a.cfg.Watch.Plugins)
	if err != nil {
		return err
	}

	log := logging.Component(a.logger, "watch")
	submit := func(ctx context.Context, path string) error {
		target, err := plugins.FileTarget(path)
		if err != nil {
			return err
		}
		var errs []error
		for _, name := range names {
			res := a.runtime.Run(ctx, name, target, nil)
			ev := log.Info()
			if res.Failed() {
				ev = log.Error().Err(res.Err())
				errs = append(errs, res.Err())
			}
			ev.Str("plugin", name).Str("path", path).Str("run_id", res.RunID).Str("status", res.Status).
				Interface("report", res.Report).Msg("analysis finished")
		}
		return errors.Join(errs...)
	}

	fi := ingest.NewFolderIngestor(submit, ingest.FolderOptions{
		Dir:          dir,
		Watch:        !watchOnce,
		Patterns:     a.cfg.Watch.Patterns,
		Settle:       watchSettle,
		SkipExisting: watchSkipExisting,
		Logger:       log,
	})
	err = fi.Run(cmd.Context())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchPlugins checks that every requested plugin is loaded and analyzes
// files.
func watchPlugins(reg *plugins.Registry, names []string) ([]string, error) {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		entry, err := reg.Get(n)
		if err != nil {
			return nil, err
		}
		if entry.Plugin.InputType() != config.InputFile {
			return nil, fmt.Errorf("plugin %s does not analyze files", n)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("no plugins to run (--plugins or watch.plugins)")
	}
	return out, nil
}
