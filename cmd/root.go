package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/logging"
)

var (
	cfgFile string
	v       = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "owl-runtime",
	Short: "Analyzer plugin runtime for files and observables",
	Long: `owl-runtime runs analyzer plugins against a file or an observable and
keeps the rule packs and signatures those analyzers need up to date.

Features:
- Local tool analyzers (capa, yara-x, floss) with versioned rule resources
- Remote analyzers (Joe Sandbox, DNS over HTTPS resolvers, whois)
- Atomic resource refresh with an audit log of every update
- Redis Streams job consumer for running analyses as a service
- Folder watch mode for samples dropped on disk`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.owl-runtime.yaml)")
	pf.String("media-root", config.Default().Media.Root, "Base directory for plugin resources")
	pf.String("db", config.Default().Database.Path, "SQLite database path")
	pf.String("redis", "", "Redis connection URL (empty disables Redis)")
	pf.String("log-level", config.Default().Log.Level, "Log level (debug, info, warn, error)")
	pf.String("log-format", config.Default().Log.Format, "Log format (console, json)")
	pf.String("plugins-config", config.Default().Plugins.Config, "Directory of plugin definition files")

	// Bind flags to viper
	v.BindPFlag("media.root", pf.Lookup("media-root"))
	v.BindPFlag("database.path", pf.Lookup("db"))
	v.BindPFlag("redis.url", pf.Lookup("redis"))
	v.BindPFlag("log.level", pf.Lookup("log-level"))
	v.BindPFlag("log.format", pf.Lookup("log-format"))
	v.BindPFlag("plugins.config", pf.Lookup("plugins-config"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".owl-runtime")
	}

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	} else if cfgFile != "" {
		cobra.CheckErr(fmt.Errorf("read config %s: %w", cfgFile, err))
	}
}

// loadConfig returns the validated configuration and a logger built from it.
func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, logger, nil
}
