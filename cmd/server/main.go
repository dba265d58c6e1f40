package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferrum-labs/iris/cache"
	"github.com/ferrum-labs/iris/config"
	"github.com/ferrum-labs/iris/driver"
	"github.com/ferrum-labs/iris/fetcher"
	"github.com/ferrum-labs/iris/logger"
	"github.com/ferrum-labs/iris/ratelimit"
	"github.com/ferrum-labs/iris/robots"
	api "github.com/ferrum-labs/iris/server"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := setupLogger(cfg.LogLevel)
	log.Info("starting iris fetch server", "addr", cfg.Addr, "log_level", cfg.LogLevel)

	store, redisStore, err := setupStore(cfg, log)
	if err != nil {
		log.Error("failed to set up cache store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	respCache := cache.NewResponseCache(store, func(op string, err error) {
		log.Warn("cache operation failed", "op", op, "error", err)
	})

	limiter := ratelimit.New(cfg.Default.RateLimit, redisStore)
	defer limiter.Close()

	robotsChecker := robots.New(
		cfg.Default.Fetch.GetHeaders()["User-Agent"],
		cfg.Default.Fetch.GetRobotsTxtCacheTTL(),
		&http.Client{Timeout: 10 * time.Second},
		store,
	)

	drv, browserType := setupDriver(cfg, log)
	defer drv.Close()

	f := fetcher.New(cfg, drv, respCache, limiter, robotsChecker, log)

	srv, err := api.NewServer(f, respCache, drv, log, &api.ServerConfig{
		RedisURL:    cfg.RedisURL,
		BrowserType: browserType,
		Version:     version,
	})
	if err != nil {
		log.Error("failed to build API server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := srv.StartWithShutdown(ctx, cfg.Addr); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server shutdown complete")
}

// setupStore builds the shared key/value store backing the response cache,
// rate limiter, and robots cache: Redis when IRIS_REDIS_URL is set, an
// in-process LRU otherwise. It returns the RedisStore separately (possibly
// nil) since the rate limiter's distributed token bucket needs the concrete
// type, not the Store interface.
func setupStore(cfg *config.Config, log logger.Logger) (cache.Store, *cache.RedisStore, error) {
	if cfg.RedisURL == "" {
		log.Info("no redis URL configured, using in-process cache store")
		return cache.NewMemoryStore(cache.DefaultStoreConfig()), nil, nil
	}

	redisStore, err := cache.NewRedisStore(cfg.RedisURL, cache.DefaultStoreConfig())
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to redis cache store", "url", cfg.RedisURL)
	return redisStore, redisStore, nil
}

// setupDriver selects the real Chrome driver, or the HTTP-only stub when
// IRIS_TESTING_MODE is set (no Chrome binary required, used in CI).
func setupDriver(cfg *config.Config, log logger.Logger) (driver.Driver, string) {
	if cfg.Browser.TestingMode {
		log.Info("testing mode enabled, using stub driver (no real browser)")
		return driver.NewStub(nil), "stub"
	}

	log.Info("launching browser driver", "type", cfg.Browser.Type, "headless", cfg.Browser.Headless)
	return driver.New(), cfg.Browser.Type
}

func setupLogger(level string) logger.Logger {
	var lvl logger.Level
	switch level {
	case "debug":
		lvl = logger.LevelDebug
	case "warn":
		lvl = logger.LevelWarn
	case "error":
		lvl = logger.LevelError
	default:
		lvl = logger.LevelInfo
	}
	return logger.NewWithLevel(lvl)
}
