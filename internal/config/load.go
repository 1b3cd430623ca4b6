package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. OWL_MEDIA_ROOT.
const EnvPrefix = "OWL"

// SetDefaults registers every key of Default on v. Viper only resolves
// environment overrides for keys it knows about.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("media.root", d.Media.Root)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("plugins.config", d.Plugins.Config)
	v.SetDefault("registry.api_url", d.Registry.APIURL)
	v.SetDefault("registry.token", d.Registry.Token)
	v.SetDefault("registry.cache_ttl", d.Registry.CacheTTL)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("registry.download_timeout", d.Registry.DownloadTimeout)
	v.SetDefault("tools.capa_path", d.Tools.CapaPath)
	v.SetDefault("tools.yarax_path", d.Tools.YaraXPath)
	v.SetDefault("tools.floss_path", d.Tools.FlossPath)
	v.SetDefault("tools.service_url", d.Tools.ServiceURL)
	v.SetDefault("tools.max_conns", d.Tools.MaxConns)
	v.SetDefault("serve.workers", d.Serve.Workers)
	v.SetDefault("serve.group", d.Serve.Group)
	v.SetDefault("serve.consumer", d.Serve.Consumer)
	v.SetDefault("watch.dir", d.Watch.Dir)
	v.SetDefault("watch.plugins", d.Watch.Plugins)
	v.SetDefault("watch.patterns", d.Watch.Patterns)
}

// BindEnv makes OWL_<SECTION>_<KEY> override <section>.<key>.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
