// Package telegram answers status commands for linked accounts and
// forwards engine alerts into their chats. The bot runs as its own
// process against the same database as the server.
package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/engine"
)

const commandTimeout = 30 * time.Second

// Bot wraps the Telegram API with command dispatch.
type Bot struct {
	api      *tgbotapi.BotAPI
	db       DBPool
	config   *Config
	handlers map[string]CommandHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

// Config holds the bot configuration.
type Config struct {
	Token          string
	PollingTimeout int // long-poll seconds
	Debug          bool
}

// CommandHandler handles one bot command.
type CommandHandler func(ctx context.Context, bot *Bot, message *tgbotapi.Message) error

// NewBot creates a Telegram bot and registers the default commands.
func NewBot(config *Config, db DBPool) (*Bot, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(config.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	api.Debug = config.Debug

	log.Info().
		Str("username", api.Self.UserName).
		Msg("Telegram bot authorized")

	ctx, cancel := context.WithCancel(context.Background())

	bot := &Bot{
		api:      api,
		db:       db,
		config:   config,
		handlers: make(map[string]CommandHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
	bot.registerDefaultHandlers()

	return bot, nil
}

func (b *Bot) registerDefaultHandlers() {
	b.RegisterHandler("start", handleStart)
	b.RegisterHandler("help", handleHelp)
	b.RegisterHandler("link", handleLink)
	b.RegisterHandler("unlink", handleUnlink)
	b.RegisterHandler("status", handleStatus)
	b.RegisterHandler("trades", handleTrades)
	b.RegisterHandler("decisions", handleDecisions)
	b.RegisterHandler("results", handleResults)
}

// RegisterHandler registers a command handler.
func (b *Bot) RegisterHandler(command string, handler CommandHandler) {
	b.handlers[command] = handler
}

// Start runs the long-polling loop until Stop is called.
func (b *Bot) Start() error {
	log.Info().Msg("Starting Telegram bot in polling mode")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.config.PollingTimeout

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.ctx.Done():
			log.Info().Msg("Telegram bot shutting down")
			return nil
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			go b.handleUpdate(update)
		}
	}
}

// handleUpdate processes a single update from Telegram.
func (b *Bot) handleUpdate(update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	if err := touchLink(ctx, b.db, message.From.ID, message.Chat.ID); err != nil {
		log.Warn().
			Err(err).
			Int64("telegram_id", message.From.ID).
			Msg("Failed to refresh link bookkeeping")
	}
	cancel()

	if message.IsCommand() {
		b.handleCommand(message)
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, "Please use /help to see available commands.")
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send message")
	}
}

// handleCommand dispatches a command message.
func (b *Bot) handleCommand(message *tgbotapi.Message) {
	command := message.Command()

	log.Info().
		Str("command", command).
		Int64("telegram_id", message.From.ID).
		Str("username", message.From.UserName).
		Msg("Received command")

	handler, exists := b.handlers[command]
	if !exists {
		msg := tgbotapi.NewMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
		if _, err := b.api.Send(msg); err != nil {
			log.Error().Err(err).Msg("Failed to send unknown command message")
		}
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := handler(ctx, b, message); err != nil {
		log.Error().
			Err(err).
			Str("command", command).
			Int64("telegram_id", message.From.ID).
			Msg("Command handler failed")

		errorMsg := tgbotapi.NewMessage(message.Chat.ID, "Something went wrong handling that command. Please try again.")
		if _, sendErr := b.api.Send(errorMsg); sendErr != nil {
			log.Error().Err(sendErr).Msg("Failed to send error message")
		}
	}
}

// SendMessage sends a Markdown-formatted message to a chat.
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendAlert forwards an engine alert to a chat.
func (b *Bot) SendAlert(chatID int64, alert engine.Alert) error {
	return b.SendMessage(chatID, alertText(alert))
}

// Stop shuts the bot down gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
}
