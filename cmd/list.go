package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/store"
)

var (
	listPlugin string
	listLimit  int
	listHealth bool
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list plugins|versions|updates",
	Short: "List plugins, installed resource versions or the update log",
	Long: `List loaded plugins, the installed version of every resource, or the
audit log of resource refreshes. Secret parameters are masked.

Examples:
  owl-runtime list plugins
  owl-runtime list plugins --health
  owl-runtime list versions
  owl-runtime list updates --plugin Capa_Info --limit 10`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"plugins", "versions", "updates"},
	RunE:      runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listPlugin, "plugin", "", "Only show updates of this plugin")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of updates to show")
	listCmd.Flags().BoolVar(&listHealth, "health", false, "Probe service-backed plugins")
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	switch strings.ToLower(args[0]) {
	case "plugins":
		var health map[string]error
		if listHealth {
			health = a.runtime.HealthCheck(ctx)
		}
		entries := a.runtime.Registry().List()
		if len(entries) == 0 {
			fmt.Printf("No plugins defined in %s.\n", a.cfg.Plugins.Config)
			return nil
		}
		fmt.Println(renderPlugins(entries, health))
	case "versions":
		versions, err := a.store.ListResourceVersions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list resource versions: %w", err)
		}
		if len(versions) == 0 {
			fmt.Println("No resources installed.")
			return nil
		}
		fmt.Println(renderVersions(versions))
	case "updates":
		updates, err := a.store.ListUpdates(ctx, listPlugin, listLimit)
		if err != nil {
			return fmt.Errorf("failed to list updates: %w", err)
		}
		if len(updates) == 0 {
			fmt.Println("No updates recorded.")
			return nil
		}
		fmt.Println(renderUpdates(updates))
	default:
		return fmt.Errorf("unknown list type: %s (use 'plugins', 'versions' or 'updates')", args[0])
	}
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderPlugins(entries []*plugins.Entry, health map[string]error) string {
	headers := []string{"NAME", "MODULE", "TYPE", "TIMEOUT", "PARAMS"}
	if health != nil {
		headers = append(headers, "HEALTH")
	}
	t := newTable(headers...)
	for _, e := range entries {
		def := e.Definition
		timeout := "-"
		if def.Timeout > 0 {
			timeout = def.Timeout.String()
		}
		row := []string{def.Name, def.Module, string(e.Plugin.InputType()), timeout,
			formatParams(def.Resolve(nil, os.LookupEnv).Redacted())}
		if health != nil {
			status := "-"
			if err, ok := health[def.Name]; ok {
				status = "ok"
				if err != nil {
					status = "down: " + err.Error()
				}
			}
			row = append(row, status)
		}
		t.Row(row...)
	}
	return t.Render()
}

func formatParams(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, values[k]))
	}
	return strings.Join(parts, "\n")
}

func renderVersions(versions []store.ResourceVersion) string {
	t := newTable("PLUGIN", "RESOURCE", "VERSION", "ASSETS", "DOWNLOADED")
	for _, rv := range versions {
		assets := len(rv.Assets)
		if assets == 0 && rv.DownloadURL != "" {
			assets = 1
		}
		t.Row(rv.Plugin, rv.Resource, rv.Version, fmt.Sprint(assets), rv.DownloadedAt.Format("2006-01-02 15:04:05"))
	}
	return t.Render()
}

func renderUpdates(updates []store.UpdateEntry) string {
	t := newTable("TIME", "PLUGIN", "RESOURCE", "VERSION", "OUTCOME", "DURATION", "ERROR")
	for _, u := range updates {
		t.Row(u.CreatedAt.Format("2006-01-02 15:04:05"), u.Plugin, u.Resource, u.Version, u.Outcome,
			u.Duration.Round(time.Millisecond).String(), u.Error)
	}
	return t.Render()
}
