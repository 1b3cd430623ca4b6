package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ashfaaq98/owl-runtime/internal/analyzers"
	"github.com/Ashfaaq98/owl-runtime/internal/cache"
	"github.com/Ashfaaq98/owl-runtime/internal/config"
	"github.com/Ashfaaq98/owl-runtime/internal/invoker"
	"github.com/Ashfaaq98/owl-runtime/internal/logging"
	"github.com/Ashfaaq98/owl-runtime/internal/plugins"
	"github.com/Ashfaaq98/owl-runtime/internal/registry"
	"github.com/Ashfaaq98/owl-runtime/internal/resource"
	"github.com/Ashfaaq98/owl-runtime/internal/store"
)

const (
	cacheEntries = 4096
	whoisTimeout = 30 * time.Second
	whoisPerSec  = 2
)

// app is the wired runtime shared by the commands.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   *store.Store
	cache   *cache.Layered
	runtime *plugins.Runtime
	fetcher *resource.Fetcher
}

func newApp() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	c := cache.New(cfg.Redis.URL, cacheEntries, logging.Component(logger, "cache"))
	httpClient := invoker.NewHTTPClient(invoker.HTTPOptions{
		AttemptTimeout:  cfg.Registry.Timeout,
		DownloadTimeout: cfg.Registry.DownloadTimeout,
		MaxConnsPerHost: cfg.Tools.MaxConns,
	}, logging.Component(logger, "http"))
	reg := registry.New(registry.Options{
		APIURL:   cfg.Registry.APIURL,
		Token:    cfg.Registry.Token,
		CacheTTL: cfg.Registry.CacheTTL,
	}, httpClient, c, logging.Component(logger, "registry"))

	fetcher := resource.NewFetcher(resource.Layout{Base: cfg.Media.Root}, st, reg, st, logging.Component(logger, "fetcher"))
	if cfg.Registry.DownloadTimeout > 0 {
		fetcher.RefreshTimeout = cfg.Registry.DownloadTimeout
	}
	gate := resource.NewGate(st)

	whois := analyzers.NewNetWhois(whoisTimeout, whoisPerSec)
	deps := analyzers.Deps{
		Tools:    cfg.Tools,
		Registry: reg,
		Process:  invoker.NewProcess(logging.Component(logger, "process")),
		HTTP:     httpClient,
		Cache:    c,
		Whois:    whois,
		Logger:   logging.Component(logger, "analyzer"),
	}

	defs, err := config.LoadPluginDefinitions(cfg.Plugins.Config)
	if err != nil {
		st.Close()
		c.Close()
		return nil, err
	}
	pr := plugins.NewRegistry()
	if err := pr.Load(defs, analyzers.Factories(deps)); err != nil {
		logger.Warn().Err(err).Msg("some plugin definitions were not loaded")
	}
	logger.Debug().Int("plugins", len(pr.List())).Str("dir", cfg.Plugins.Config).Msg("plugins loaded")

	rt := plugins.NewRuntime(pr, gate, fetcher, logging.Component(logger, "runtime"), plugins.Options{LookupEnv: os.LookupEnv})
	return &app{cfg: cfg, logger: logger, store: st, cache: c, runtime: rt, fetcher: fetcher}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close cache")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
}
