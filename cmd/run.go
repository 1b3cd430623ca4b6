package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

var (
	runFile           string
	runObservable     string
	runClassification string
	runParams         []string
)

// runCmd executes one plugin against one target
var runCmd = &cobra.Command{
	Use:   "run <plugin>",
	Short: "Run an analyzer plugin against a file or an observable",
	Long: `Run one analyzer plugin and print the execution result as JSON.

Parameter values given with --param are parsed as JSON when they are valid
JSON (numbers, booleans, objects) and used as plain strings otherwise.

Examples:
  # Analyze a sample with capa
  owl-runtime run Capa_Info --file ./sample.exe

  # Shellcode analysis with a longer timeout
  owl-runtime run Capa_Info --file ./sc.bin --param shellcode=true --param timeout=60

  # Resolve a domain
  owl-runtime run Quad9_DNS --observable example.com --classification domain`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFile, "file", "", "Path of the file to analyze")
	runCmd.Flags().StringVar(&runObservable, "observable", "", "Observable value to analyze")
	runCmd.Flags().StringVar(&runClassification, "classification", "", "Observable classification (ip, url, domain, hash, generic)")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Parameter override as key=value (repeatable)")
	runCmd.MarkFlagsMutuallyExclusive("file", "observable")
}

func runRun(cmd *cobra.Command, args []string) error {
	overrides, err := parseParams(runParams)
	if err != nil {
		return err
	}
	target, err := buildTarget(runFile, runObservable, runClassification)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.runtime.Run(cmd.Context(), args[0], target, overrides)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return res.Err()
}

func buildTarget(file, observable, classification string) (plugins.Target, error) {
	switch {
	case file != "":
		return plugins.FileTarget(file)
	case observable != "":
		if classification == "" {
			return plugins.Target{}, errors.New("--classification is required with --observable")
		}
		return plugins.ObservableTarget(observable, classification), nil
	default:
		return plugins.Target{}, errors.New("one of --file or --observable is required")
	}
}

// parseParams turns key=value pairs into overrides.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		out[key] = val
	}
	return out, nil
}
