package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mohammed-shakir/geostream/internal/cache"
	"github.com/mohammed-shakir/geostream/internal/cache/memstore"
	"github.com/mohammed-shakir/geostream/internal/cache/redisstore"
	"github.com/mohammed-shakir/geostream/internal/cache/ttlcache"
	"github.com/mohammed-shakir/geostream/internal/core/config"
	"github.com/mohammed-shakir/geostream/internal/core/health"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
	"github.com/mohammed-shakir/geostream/internal/core/server"
	"github.com/mohammed-shakir/geostream/internal/events"
	"github.com/mohammed-shakir/geostream/internal/logger"
	"github.com/mohammed-shakir/geostream/internal/service"
	"github.com/mohammed-shakir/geostream/internal/source"
	"github.com/mohammed-shakir/geostream/internal/source/pgsource"
	"github.com/mohammed-shakir/geostream/internal/source/sqlsource"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	addr := flag.String("addr", "", "listen address (overrides ADDR)")
	driver := flag.String("db-driver", "", "pgx, postgres or sqlite3 (overrides DB_DRIVER)")
	backend := flag.String("cache", "", "memory or redis (overrides CACHE_BACKEND)")
	ttl := flag.Duration("cache-ttl", 0, "cache freshness window (overrides CACHE_TTL)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg := config.FromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *driver != "" {
		cfg.DBDriver = strings.ToLower(*driver)
	}
	if *backend != "" {
		cfg.CacheBackend = strings.ToLower(*backend)
	}
	if *ttl > 0 {
		cfg.CacheTTL = *ttl
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "geostream",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting geostream",
		"addr", cfg.Addr,
		"version", Version,
		"db_driver", cfg.DBDriver,
		"cache", cfg.CacheBackend,
		"ttl", cfg.CacheTTL)

	datasets, err := cfg.Datasets()
	if err != nil {
		appLog.Error("invalid dataset registry", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		appLog.Error("row store unavailable", "err", err)
		return 1
	}
	defer pool.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		appLog.Error("cache backend unavailable", "err", err)
		return 1
	}
	defer closeStore()

	var pub events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		k, err := events.NewKafka(splitCSV(cfg.Events.Brokers), cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("event publisher setup failed", "err", err)
			return 1
		}
		pub = k
	}
	defer func() {
		if err := pub.Close(); err != nil {
			appLog.Warn("event publisher close", "err", err)
		}
	}()

	tc := ttlcache.New(store, cfg.CacheTTL, ttlcache.WithLogger(appLog))
	svc := service.New(datasets, pool, tc, service.WithEvents(pub), service.WithLogger(appLog))

	handler := server.NewHandler(cfg, appLog, svc, map[string]health.Check{
		"db":    pool.Ping,
		"cache": store.Ping,
	})
	if err := server.Run(ctx, cfg, appLog, handler); err != nil {
		appLog.Error("server error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func openPool(ctx context.Context, cfg config.Config) (source.Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.DBDriver == "pgx" {
		p, err := pgsource.New(dialCtx, cfg.DatabaseURL,
			pgsource.WithMaxConns(cfg.DBMaxConns),
			pgsource.WithMinConns(cfg.DBMinConns),
		)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	p, err := sqlsource.Open(dialCtx, cfg.DBDriver, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openStore(ctx context.Context, cfg config.Config) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rc, err := redisstore.New(dialCtx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return rc.WithOpTimeout(cfg.CacheOpTimeout), func() { _ = rc.Close() }, nil
	case "memory", "":
		st, err := memstore.New(cfg.CacheMaxEntries)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
