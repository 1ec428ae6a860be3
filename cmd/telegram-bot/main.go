package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/telegram"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().Msg("Starting agentsim Telegram bot")

	if !cfg.Telegram.Enabled {
		log.Warn().Msg("Telegram bot is disabled in configuration")
		log.Info().Msg("Set telegram.enabled=true or AGENTSIM_TELEGRAM_ENABLED=true to enable")
		os.Exit(0)
	}
	if cfg.Telegram.Token == "" {
		log.Fatal().Msg("telegram.token (AGENTSIM_TELEGRAM_TOKEN) is required")
	}

	ctx := context.Background()
	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	bot, err := telegram.NewBot(&telegram.Config{
		Token:          cfg.Telegram.Token,
		PollingTimeout: cfg.Telegram.PollingTimeout,
		Debug:          cfg.Telegram.Debug,
	}, database.Pool())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Engine alerts arrive over NATS; without it the bot still serves
	// commands and link codes.
	var relay *telegram.AlertRelay
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.App.Name+"-telegram"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unreachable, alert relay disabled")
		} else {
			defer nc.Close()
			relay = telegram.NewAlertRelay(nc, bot, database.Pool(), cfg.Notifications.RelaySubject)
			if err := relay.Start(); err != nil {
				log.Warn().Err(err).Msg("Failed to start alert relay")
				relay = nil
			}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := bot.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Bot error")
	}

	if relay != nil {
		relay.Stop()
	}
	bot.Stop()

	log.Info().Msg("Telegram bot stopped")
}
