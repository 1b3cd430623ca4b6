package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
)

var updateForce bool

var updateCmd = &cobra.Command{
	Use:   "update [plugin...]",
	Short: "Refresh the resources analyzer plugins depend on",
	Long: `Check the registry for new versions of rule packs and signatures and
install them. Without arguments every loaded plugin is refreshed; a resource
shared by several plugins is fetched once.

Examples:
  owl-runtime update
  owl-runtime update Capa_Info Yara_Forge_Core --force`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().BoolVar(&updateForce, "force", false, "Download again even when the installed version is current")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var outcomes []plugins.UpdateOutcome
	var errs []error
	if len(args) == 0 {
		outcomes, err = a.runtime.UpdateAll(ctx, updateForce)
		errs = append(errs, err)
	} else {
		for _, name := range args {
			out, err := a.runtime.Update(ctx, name, updateForce)
			outcomes = append(outcomes, out...)
			errs = append(errs, err)
		}
	}

	if len(outcomes) == 0 {
		fmt.Println("No resources to update.")
	} else {
		fmt.Println(renderOutcomes(outcomes))
	}
	return errors.Join(errs...)
}

func renderOutcomes(outcomes []plugins.UpdateOutcome) string {
	t := newTable("PLUGIN", "RESOURCE", "VERSION", "RESULT")
	for _, o := range outcomes {
		result := "current"
		switch {
		case o.Err != nil:
			result = "failed: " + o.Err.Error()
		case o.Updated:
			result = "updated"
		}
		t.Row(o.Plugin, o.Resource, o.Version, result)
	}
	return t.Render()
}
