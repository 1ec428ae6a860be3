package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/api"
	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/engine"
	"github.com/quantfold/agentsim/internal/llm"
	"github.com/quantfold/agentsim/internal/market"
	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/internal/notify"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/internal/telegram"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting agentsim server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Database
	store, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	// Event bus
	hub := stream.NewHub(stream.HubConfig{
		HeartbeatInterval: time.Duration(cfg.Engine.HeartbeatInterval) * time.Second,
		ConnMaxAge:        time.Duration(cfg.Engine.ConnMaxAge) * time.Second,
		Logger:            config.NewLogger("stream"),
	})
	go hub.Run(ctx)

	// Market data gateway: vendor driver plus the optional Redis hot
	// cache in front of the Postgres candle store.
	vendor := market.NewBinanceVendor(market.BinanceConfig{
		BaseURL: cfg.Market.BaseURL,
	})
	var hot *market.HotCache
	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, running without hot cache")
		} else {
			ttl := time.Duration(cfg.Market.CacheTTL) * time.Second
			hot = market.NewHotCache(rdb, ttl, ttl)
		}
	}
	gateway := market.NewService(market.ServiceOpts{
		Vendor: vendor,
		Hot:    hot,
		Store:  store,
		Retry:  market.RetryConfig{MaxRetries: cfg.Market.MaxRetries},
	})

	// NATS fan-out for alerts; the engine publishes fine without it.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.App.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unreachable, alerts stay in-process")
		} else {
			defer nc.Close()
		}
	}

	var pub engine.Publisher
	if nc != nil {
		pub = nc
	}
	eng, err := engine.NewEngine(cfg, store, gateway, hub, pub, config.NewLogger("engine"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session engine")
	}

	// Push notifications
	var notifier *notify.Notifier
	var relay *notify.Relay
	if cfg.Notifications.Enabled {
		backend, err := notify.NewFCMBackend(ctx, cfg.Notifications.FCMCredentialsFile)
		if err != nil {
			log.Warn().Err(err).Msg("FCM unavailable, push notifications disabled")
		} else {
			notifier = notify.NewNotifier(store, backend)
			if nc != nil {
				relay = notify.NewRelay(nc, notifier, cfg.Notifications.RelaySubject)
				if err := relay.Start(); err != nil {
					log.Warn().Err(err).Msg("Failed to start notification relay")
					relay = nil
				}
			}
		}
	}

	// Prometheus endpoint and the background gauge updater
	var metricsServer *metrics.Server
	var updater *metrics.Updater
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		updater = metrics.NewUpdater(store.Pool(), 15*time.Second)
		updater.Start(ctx)
	}

	// Embeddings for the similar-decisions endpoint share the gateway
	// credentials; an empty model name disables the feature.
	var embedder api.Embedder
	if cfg.LLM.EmbeddingModel != "" {
		embedder = llm.NewClient(llm.ClientConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Timeout: time.Duration(cfg.LLM.Timeout) * time.Millisecond,
		})
	}

	var linkCodes api.LinkCodeFunc
	if cfg.Telegram.Enabled {
		pool := store.Pool()
		linkCodes = func(ctx context.Context, userID uuid.UUID) (string, error) {
			return telegram.CreateLinkCode(ctx, pool, userID)
		}
	}

	server := api.NewServer(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        cfg.App.Version,
		Auth:           api.AuthConfig{Enabled: cfg.Server.AuthEnabled, HeaderName: "X-API-Key", RequireHTTPS: cfg.App.Environment == "production"},
		Store:          store,
		Engine:         eng,
		Hub:            hub,
		Embedder:       embedder,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		LinkCodes:      linkCodes,
		PushTokenValid: notify.ValidateToken,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
	}
	// Pause running sessions so they resume cleanly on restart.
	eng.Shutdown(shutdownCtx)

	if relay != nil {
		relay.Stop()
	}
	if updater != nil {
		updater.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}
	cancel()

	log.Info().Msg("Server stopped")
}
