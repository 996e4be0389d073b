// Package main is the entry point for the edgegate admission gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxvoron/edgegate/internal/audit"
	"github.com/maxvoron/edgegate/internal/config"
	"github.com/maxvoron/edgegate/internal/gateway"
	"github.com/maxvoron/edgegate/internal/observability"
	"github.com/maxvoron/edgegate/internal/permit"
	"github.com/maxvoron/edgegate/internal/ratelimit"
	"github.com/maxvoron/edgegate/internal/router"
	"github.com/maxvoron/edgegate/internal/store"
	"github.com/maxvoron/edgegate/internal/verify"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("EDGEGATE_CONFIG_PATH", "configs/edgegate.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("EDGEGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("EDGEGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("edgegate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting edgegate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen", cfg.Listen),
		observability.String("upstream", cfg.Upstream.Target),
		observability.String("redis", cfg.Redis.Address),
		observability.Duration("route_refresh", cfg.Routes.RefreshInterval.Std()),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server  *http.Server
	store   *store.RedisStore
	auditor audit.Logger
	config  *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	zlog := observability.Zap(logger)

	redisStore, err := store.NewRedisStore(&store.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Logger:       zlog,
	})
	if err != nil {
		logger.Fatal("failed to connect to shared store", observability.Error(err))
	}

	target, err := url.Parse(cfg.Upstream.Target)
	if err != nil {
		logger.Fatal("invalid upstream target", observability.Error(err))
	}

	auditor := audit.NewLogger(logger)

	permitClient := permit.NewHTTPClient(&permit.Config{
		BaseURL: cfg.Permit.BaseURL,
		Timeout: cfg.Permit.Timeout.Std(),
		Logger:  zlog,
	})

	resolver := router.NewResolver(redisStore,
		router.WithRefreshInterval(cfg.Routes.RefreshInterval.Std()),
		router.WithResolverLogger(zlog),
	)

	limiter := ratelimit.NewLimiter(redisStore, zlog)

	verifier := verify.NewManager(redisStore, permitClient, zlog,
		verify.WithAuditLogger(auditor),
	)

	gw := gateway.New(gateway.Options{
		Resolver:      resolver,
		Limiter:       limiter,
		Verifier:      verifier,
		Store:         redisStore,
		Auditor:       auditor,
		Logger:        logger,
		Target:        target,
		FlushInterval: cfg.Upstream.FlushInterval.Std(),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(redisStore))
	mux.Handle("/", gw.Handler())

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &application{
		server:  server,
		store:   redisStore,
		auditor: auditor,
		config:  cfg,
	}
}

// healthHandler reports process liveness and shared store reachability.
func healthHandler(s *store.RedisStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.Client().Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unreachable"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// run starts the HTTP server, the config watcher, and blocks until a
// shutdown signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startConfigWatcher(ctx, configPath, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", observability.String("addr", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", observability.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	}

	_ = app.auditor.Close()
	if err := app.store.Close(); err != nil {
		logger.Error("store close failed", observability.Error(err))
	}

	logger.Info("edgegate stopped")
}

// startConfigWatcher watches the config file and applies what can change at
// runtime. Logging settings take effect immediately; listen address, store,
// and upstream changes require a restart.
func startConfigWatcher(ctx context.Context, configPath string, logger observability.Logger) {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		reloaded, lerr := observability.NewLogger(observability.LogConfig{
			Level:  newCfg.Logging.Level,
			Format: newCfg.Logging.Format,
			Output: newCfg.Logging.Output,
		})
		if lerr != nil {
			logger.Error("reloaded logging config invalid", observability.Error(lerr))
			return
		}
		observability.SetGlobalLogger(reloaded)
		logger.Info("configuration reloaded",
			observability.String("log_level", newCfg.Logging.Level),
		)
	}, observability.Zap(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", observability.Error(err))
		return
	}

	go watcher.Run(ctx)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
