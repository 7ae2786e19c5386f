package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache/redisstore"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/health"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/httpclient"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/server"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/dispatch"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/invalidation"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/metrics"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/render"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/service"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

func main() {
	os.Exit(run())
}

func run() int {
	servicesFlag := flag.String("services", "", "services YAML (overrides SERVICES_CONFIG)")
	flag.Parse()

	cfg := config.FromEnv()
	if *servicesFlag != "" {
		cfg.ServicesPath = *servicesFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "tileproxy",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting tile proxy", "addr", cfg.Addr, "version", versioninfo.Short(), "services", cfg.ServicesPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts server.Options
	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   versioninfo.Version,
				Revision:  versioninfo.Revision,
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: buildDate(),
			},
		})
		observability.Init(p.Registerer(), true)
		if cfg.Metrics.Addr == "" {
			opts.Metrics = p.Handler()
		} else {
			serveMetrics(ctx, appLog, p.Server(cfg.Metrics.Addr, cfg.Metrics.Path))
		}
	}

	svcCfg, err := config.LoadServices(cfg.ServicesPath)
	if err != nil {
		appLog.Error("load services config", "err", err)
		return 1
	}
	crs := srs.NewProvider()
	layers, err := layer.Build(appLog, svcCfg, httpclient.NewOutbound(cfg.Render.UpstreamTimeout), crs)
	if err != nil {
		appLog.Error("build layers", "err", err)
		return 1
	}

	tiles, closeCache := buildCache(ctx, cfg, appLog)
	defer closeCache()
	var tileCache cache.Interface = cache.Nop{}
	if tiles != nil {
		tileCache = tiles
		opts.Checks = append(opts.Checks, health.Check{Name: "cache", Probe: tiles.Ping})
	}

	policy := dispatch.Collect
	if cfg.Render.FailFast {
		policy = dispatch.FailFast
	}
	renderer := render.New(appLog, tileCache, render.Options{
		PoolSize:    cfg.Render.Concurrency,
		Policy:      policy,
		TTL:         cfg.Cache.TTLFor,
		TileTimeout: cfg.Render.UpstreamTimeout,
	})
	resolver := query.New(crs, query.WithMaxOutputPixels(cfg.Render.MaxOutputPixels))
	svc := service.New(appLog, layers, renderer, resolver, crs)

	if cfg.Invalidation.Enabled {
		if c := startInvalidation(ctx, cfg, appLog, &zl, tiles, invalidation.NewMapper(layers, crs, 0)); c != nil {
			opts.Checks = append(opts.Checks, health.Check{Name: "invalidation", Optional: true, Probe: c.Ready})
		}
	}

	if err := server.Run(ctx, cfg, appLog, server.Handler(cfg, appLog, svc, opts)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// buildCache returns nil when caching is disabled. An unreachable Redis degrades to the local
// tier instead of failing startup.
func buildCache(ctx context.Context, cfg config.Config, log *slog.Logger) (*cache.Tiered, func()) {
	if !cfg.Cache.Enabled {
		log.Info("tile cache disabled")
		return nil, func() {}
	}
	opts := []cache.Option{cache.WithLRU(cfg.Cache.LRUSize, 30*time.Second), cache.WithOpTimeout(cfg.Cache.OpTimeout)}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rc, err := redisstore.New(dialCtx, cfg.RedisAddr)
	if err != nil {
		log.Warn("redis unavailable, caching in process only", "addr", cfg.RedisAddr, "err", err)
		tiles, err := cache.New(nil, opts...)
		if err != nil {
			return nil, func() {}
		}
		return tiles, func() {}
	}
	tiles, err := cache.New(rc, opts...)
	if err != nil {
		_ = rc.Close()
		return nil, func() {}
	}
	return tiles, func() { _ = rc.Close() }
}

func startInvalidation(ctx context.Context, cfg config.Config, log *slog.Logger, zl *zerolog.Logger,
	tiles *cache.Tiered, mapper *invalidation.Mapper) *kafkaconsumer.Consumer {
	if tiles == nil {
		log.Warn("invalidation enabled without a tile cache, ignoring")
		return nil
	}
	if cfg.Invalidation.Driver != "kafka" {
		log.Warn("unknown invalidation driver, ignoring", "driver", cfg.Invalidation.Driver)
		return nil
	}
	c := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Invalidation), log, zl, tiles, mapper)
	go func() {
		if err := c.Start(ctx); err != nil {
			log.Error("invalidation consumer stopped", "err", err)
		}
	}()
	return c
}

func serveMetrics(ctx context.Context, log *slog.Logger, srv *http.Server) {
	go func() {
		log.Info("metrics listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "err", err)
		}
	}()
}

func buildDate() string {
	if versioninfo.LastCommit.IsZero() {
		return ""
	}
	return versioninfo.LastCommit.UTC().Format(time.RFC3339)
}
