package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
)

var (
	appVersion string
	buildTime  string
)

// SetVersion records build metadata; a non-empty version also enables --version.
func SetVersion(ver, bt string) {
	appVersion = ver
	buildTime = bt
	rootCmd.Version = ver
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information and the configured tool paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		ver := appVersion
		if ver == "" {
			ver = "dev"
		}
		fmt.Printf("owl-runtime %s (%s, %s/%s)\n", ver, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if buildTime != "" {
			fmt.Printf("built:        %s\n", buildTime)
		}
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		fmt.Printf("capa:         %s\n", cfg.Tools.CapaPath)
		fmt.Printf("yara-x:       %s\n", cfg.Tools.YaraXPath)
		fmt.Printf("floss:        %s\n", cfg.Tools.FlossPath)
		fmt.Printf("tool service: %s\n", cfg.Tools.ServiceURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
