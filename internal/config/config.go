package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the runtime configuration assembled from flags, environment and
// the optional config file.
type Config struct {
	Media    MediaConfig    `mapstructure:"media"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Registry RegistryConfig `mapstructure:"registry"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// MediaConfig holds the base directory under which plugin resources live.
type MediaConfig struct {
	Root string `mapstructure:"root"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PluginsConfig points at the directory of plugin definition files.
type PluginsConfig struct {
	Config string `mapstructure:"config"`
}

// RegistryConfig configures the remote release registry client.
type RegistryConfig struct {
	APIURL   string        `mapstructure:"api_url"`
	Token    string        `mapstructure:"token"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// DownloadTimeout bounds one resource download; a download that sends
	// nothing for Timeout is abandoned earlier.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// ToolsConfig holds binary locations and the tool service endpoint.
type ToolsConfig struct {
	CapaPath   string `mapstructure:"capa_path"`
	YaraXPath  string `mapstructure:"yarax_path"`
	FlossPath  string `mapstructure:"floss_path"`
	ServiceURL string `mapstructure:"service_url"`
	MaxConns   int    `mapstructure:"max_conns"`
}

type ServeConfig struct {
	Workers  int    `mapstructure:"workers"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type WatchConfig struct {
	Dir      string   `mapstructure:"dir"`
	Plugins  []string `mapstructure:"plugins"`
	Patterns []string `mapstructure:"patterns"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Media:    MediaConfig{Root: "./data/media"},
		Database: DatabaseConfig{Path: "./data/owl-runtime.db"},
		Redis:    RedisConfig{URL: ""},
		Log:      LogConfig{Level: "info", Format: "console"},
		Plugins:  PluginsConfig{Config: "./plugins.d"},
		Registry: RegistryConfig{
			APIURL:          "https://api.github.com",
			CacheTTL:        10 * time.Minute,
			Timeout:         30 * time.Second,
			DownloadTimeout: 30 * time.Minute,
		},
		Tools: ToolsConfig{
			CapaPath:   "/usr/local/bin/capa",
			YaraXPath:  "/usr/local/bin/yr",
			FlossPath:  "/usr/local/bin/floss",
			ServiceURL: "http://malware_tools_analyzers:4002",
			MaxConns:   8,
		},
		Serve: ServeConfig{Workers: 2, Group: "owl-runtime", Consumer: "worker"},
		Watch: WatchConfig{Patterns: []string{"*"}},
	}
}

// Validate checks the fields every command depends on.
func (c Config) Validate() error {
	var errs []error
	if c.Media.Root == "" {
		errs = append(errs, errors.New("media.root must not be empty"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}
	if c.Registry.APIURL == "" {
		errs = append(errs, errors.New("registry.api_url must not be empty"))
	}
	if c.Serve.Workers < 1 {
		errs = append(errs, fmt.Errorf("serve.workers must be >= 1, got %d", c.Serve.Workers))
	}
	if c.Tools.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("tools.max_conns must be >= 1, got %d", c.Tools.MaxConns))
	}
	return errors.Join(errs...)
}

// MediaPath joins elems under the media root.
func (c Config) MediaPath(elems ...string) string {
	return filepath.Join(append([]string{c.Media.Root}, elems...)...)
}
