package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Razseal/homeassistant-openwebui/internal/agent"
	"github.com/Razseal/homeassistant-openwebui/internal/aitask"
	"github.com/Razseal/homeassistant-openwebui/internal/config"
	"github.com/Razseal/homeassistant-openwebui/internal/httpapi"
	"github.com/Razseal/homeassistant-openwebui/internal/metrics"
	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/secrets"
	"github.com/Razseal/homeassistant-openwebui/internal/session"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting openwebui bridge")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := secrets.NewKeyring(cfg.Secrets.CurrentKeyID, cfg.Secrets.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}
	clients := func(baseURL, apiKey string) openwebui.API {
		return openwebui.New(openwebui.Config{
			BaseURL:     baseURL,
			APIKey:      apiKey,
			HTTPClient:  httpClient,
			MaxRetries:  cfg.Upstream.MaxRetries,
			BackoffBase: cfg.Upstream.BackoffBase,
		})
	}

	history := session.NewHistory(rdb, cfg.Redis.HistoryTTL, cfg.Redis.HistoryMaxTurns)
	rate := session.NewRateLimiter(rdb, cfg.Rate.PerHour)

	api := httpapi.New(httpapi.Config{
		Store:   store,
		Keyring: keyring,
		Agent: agent.New(agent.Config{
			Store:   store,
			Keyring: keyring,
			History: history,
			Rate:    rate,
			Clients: clients,
			Logger:  log.Logger,
			Metrics: m,
		}),
		Tasks: aitask.New(aitask.Config{
			Store:   store,
			Keyring: keyring,
			History: history,
			Rate:    rate,
			Clients: clients,
			Logger:  log.Logger,
			Metrics: m,
		}),
		Clients: clients,
		Logger:  log.Logger,
		Metrics: m,
	})

	if cfg.Bootstrap.APIKey != "" {
		bootstrapEntry(ctx, store, keyring, clients, cfg.Bootstrap)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	api.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// bootstrapEntry seeds one conversation entry from the environment so a fresh
// deployment can talk without calling the entries API first. Failures are
// logged, not fatal: the server is still useful for setup over HTTP.
func bootstrapEntry(ctx context.Context, store *storage.Store, keyring *secrets.Keyring, clients openwebui.Factory, bc config.BootstrapConfig) {
	if _, err := store.GetEntryByKindAndBaseURL(ctx, storage.KindConversation, bc.BaseURL); err == nil {
		log.Info().Str("base_url", bc.BaseURL).Msg("bootstrap entry already exists, skipping")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Msg("bootstrap lookup failed")
		return
	}

	if _, err := clients(bc.BaseURL, bc.APIKey).ListModels(ctx); err != nil {
		log.Error().Err(err).Str("base_url", bc.BaseURL).Msg("bootstrap validation failed, skipping")
		return
	}

	encKey, err := keyring.Seal(bc.APIKey)
	if err != nil {
		log.Error().Err(err).Msg("bootstrap key seal failed")
		return
	}
	id, err := store.CreateEntry(ctx, storage.Entry{
		Kind:      storage.KindConversation,
		Title:     "OpenWebUI Conversation",
		BaseURL:   bc.BaseURL,
		EncAPIKey: encKey,
		Options: storage.EntryOptions{
			Model:       bc.Model,
			Collections: bc.Collections,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("bootstrap entry creation failed")
		return
	}
	_ = store.AppendAudit(ctx, storage.AuditEntry{EntryID: id, Action: "created"})
	log.Info().Int64("entry_id", id).Str("base_url", bc.BaseURL).Msg("bootstrap entry created")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
