// Package main is the entry point for the brokerd daemon: it loads the
// YAML config, opens the usage store, seeds credentials, runs background
// catalog discovery, and serves metrics and health endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/keypool"
	"github.com/modelmux/modelmux/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("brokerd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(configPath, nil)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting brokerd", "version", modelmux.Version, "store", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	opts := []modelmux.Option{
		modelmux.WithStore(st),
		modelmux.WithLogger(logger),
		modelmux.WithStrategy(cfg.Selection.Strategy),
		modelmux.WithPreferFree(cfg.Selection.PreferFree),
		modelmux.WithMaxFallbacks(cfg.Selection.MaxFallbacks),
		modelmux.WithRegistryTTL(cfg.Registry.TTL),
		modelmux.WithBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout),
		modelmux.WithRetry(cfg.Retry.Count, cfg.Retry.Backoff, cfg.Retry.MaxBackoff),
		modelmux.WithSwitchMargin(cfg.KeyPool.SwitchMargin),
		modelmux.WithSwitchSlack(cfg.KeyPool.SwitchSlack),
		modelmux.WithMinInterval(cfg.KeyPool.MinInterval),
	}
	if cfg.Upstream.BaseURL != "" {
		opts = append(opts, modelmux.WithBaseURL(cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.Timeout > 0 {
		opts = append(opts, modelmux.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}))
	}
	if cfg.KeyPool.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.KeyPool.RedisAddr,
			Password: cfg.KeyPool.RedisPassword,
		})
		opts = append(opts, modelmux.WithSharedLimiter(keypool.NewRedisLimiter(client, cfg.KeyPool.MinInterval)))
		logger.Info("distributed interval limiter enabled", "addr", cfg.KeyPool.RedisAddr)
	}

	broker, err := modelmux.New(opts...)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer broker.Close()

	if err := seedCredentials(ctx, broker, st, cfg.Credentials, logger); err != nil {
		return fmt.Errorf("seed credentials: %w", err)
	}

	go discoveryLoop(ctx, broker, cfg.Registry.RefreshInterval, logger)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg := store.DefaultPostgresConfig()
		pg.Host = cfg.Store.Postgres.Host
		pg.Port = cfg.Store.Postgres.Port
		pg.User = cfg.Store.Postgres.User
		pg.Password = cfg.Store.Postgres.Password
		pg.Database = cfg.Store.Postgres.Database
		if cfg.Store.Postgres.SSLMode != "" {
			pg.SSLMode = cfg.Store.Postgres.SSLMode
		}
		return store.NewPostgresStore(pg)
	default:
		return store.NewMemoryStore(), nil
	}
}

// seedCredentials loads config credentials into the pool, skipping secrets
// already present.
func seedCredentials(ctx context.Context, broker *modelmux.Broker, st store.Store, seeds []config.CredentialSeed, logger *slog.Logger) error {
	existing, err := st.ListCredentials(ctx, false)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, cred := range existing {
		known[cred.Secret] = true
	}

	for _, seed := range seeds {
		if known[seed.Secret] {
			continue
		}
		id, err := broker.AddCredential(ctx, seed.Secret, seed.DailyLimit, seed.QuotaTier)
		if err != nil {
			return err
		}
		logger.Info("credential seeded", "credential", id)
	}
	return nil
}

// discoveryLoop refreshes the catalog on a ticker. Each refresh gets its
// own timeout so a hung upstream cannot wedge the loop.
func discoveryLoop(ctx context.Context, broker *modelmux.Broker, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}

	refresh := func(force bool) {
		refreshCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if _, err := broker.Discover(refreshCtx, force); err != nil {
			logger.Warn("catalog discovery failed", "error", err)
		}
	}

	refresh(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh(true)
		}
	}
}
