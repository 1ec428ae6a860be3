package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quantfold/agentsim/internal/engine"
)

const reportLimit = 5

// handleStart handles the /start command.
func handleStart(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	welcomeText := `Welcome to *AgentSim*! 🤖

I watch your trading agents and ping you when sessions finish, trades close, or the loss guard fires.

*Commands:*
/status - Active sessions
/trades - Recent closed trades
/decisions - Recent agent decisions
/results - Finished session results
/link <code> - Link this chat to your account
/unlink - Remove the link
/help - Command reference

*First time here?*
Generate a link code in the AgentSim dashboard, then send it to me with /link.`

	return bot.SendMessage(message.Chat.ID, welcomeText)
}

// handleHelp handles the /help command.
func handleHelp(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	helpText := `*AgentSim Bot - Command Reference*

*Monitoring:*
/status - Active sessions with trade counts and realized P&L
/trades - Last 5 closed trades across your sessions
/decisions - Last 5 agent decisions with reasoning
/results - Last 5 finished sessions with final stats

*Account:*
/link <code> - Link this chat to your AgentSim account
/unlink - Stop receiving alerts in this chat

Alerts for session completion, closed trades and auto-stops arrive
automatically once the chat is linked.`

	return bot.SendMessage(message.Chat.ID, helpText)
}

// handleLink handles the /link command.
func handleLink(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	args := strings.Fields(message.Text)
	if len(args) < 2 {
		return bot.SendMessage(message.Chat.ID, "Please provide a link code: /link <code>")
	}

	code := strings.ToUpper(args[1])

	linked, err := LinkChat(ctx, bot.db, code, message.From.ID, message.Chat.ID, message.From.UserName)
	if err != nil {
		return fmt.Errorf("link failed: %w", err)
	}
	if !linked {
		return bot.SendMessage(message.Chat.ID, "❌ Invalid or expired link code. Generate a new one from the dashboard.")
	}

	successText := `✅ *Chat Linked*

This chat now receives your AgentSim alerts:
- Session completions and failures
- Closed trades
- Auto-stop triggers

Use /status to check on your sessions, /unlink to stop alerts.`

	return bot.SendMessage(message.Chat.ID, successText)
}

// handleUnlink handles the /unlink command.
func handleUnlink(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	removed, err := UnlinkChat(ctx, bot.db, message.From.ID)
	if err != nil {
		return fmt.Errorf("unlink failed: %w", err)
	}
	if !removed {
		return bot.SendMessage(message.Chat.ID, "This chat was not linked to any account.")
	}
	return bot.SendMessage(message.Chat.ID, "Chat unlinked. You will no longer receive alerts here.")
}

// handleStatus handles the /status command.
func handleStatus(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	userID, linked, err := linkedUser(ctx, bot.db, message.From.ID)
	if err != nil {
		return err
	}
	if !linked {
		return sendLinkRequired(bot, message.Chat.ID)
	}

	sessions, err := activeSessions(ctx, bot.db, userID)
	if err != nil {
		return fmt.Errorf("failed to get active sessions: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("*Active Sessions* 📊\n\n")

	if len(sessions) == 0 {
		sb.WriteString("No active sessions. Start one from the dashboard.\n")
	} else {
		for i, s := range sessions {
			pnlPct := 0.0
			if s.Capital > 0 {
				pnlPct = s.RealizedPnL / s.Capital * 100
			}
			sb.WriteString(fmt.Sprintf("%d. *%s* %s (%s)\n", i+1, s.AgentName, s.Asset, s.Type))
			sb.WriteString(fmt.Sprintf("   Status: %s\n", s.Status))
			sb.WriteString(fmt.Sprintf("   Started: %s\n", s.StartedAt.Format("2006-01-02 15:04")))
			sb.WriteString(fmt.Sprintf("   Trades: %d | Realized P&L: %+.2f%%\n\n", s.TotalTrades, pnlPct))
		}
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

// handleTrades handles the /trades command.
func handleTrades(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	userID, linked, err := linkedUser(ctx, bot.db, message.From.ID)
	if err != nil {
		return err
	}
	if !linked {
		return sendLinkRequired(bot, message.Chat.ID)
	}

	trades, err := recentTrades(ctx, bot.db, userID, reportLimit)
	if err != nil {
		return fmt.Errorf("failed to get trades: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("*Recent Trades* 💼\n\n")

	if len(trades) == 0 {
		sb.WriteString("No closed trades yet.\n")
	} else {
		for i, t := range trades {
			sb.WriteString(fmt.Sprintf("*%d. %s %s*\n", i+1, strings.ToUpper(t.Side), t.Asset))
			sb.WriteString(fmt.Sprintf("   Entry: $%.2f | Exit: $%.2f\n", t.EntryPrice, t.ExitPrice))
			sb.WriteString(fmt.Sprintf("   P&L: %+.2f (%+.2f%%)\n", t.PnL, t.PnLPct))
			sb.WriteString(fmt.Sprintf("   Closed: %s (%s)\n\n", t.ExitTime.Format("2006-01-02 15:04"), t.Reason))
		}
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

// handleDecisions handles the /decisions command.
func handleDecisions(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	userID, linked, err := linkedUser(ctx, bot.db, message.From.ID)
	if err != nil {
		return err
	}
	if !linked {
		return sendLinkRequired(bot, message.Chat.ID)
	}

	decisions, err := recentDecisions(ctx, bot.db, userID, reportLimit)
	if err != nil {
		return fmt.Errorf("failed to get decisions: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("*Recent Agent Decisions* 🤖\n\n")

	if len(decisions) == 0 {
		sb.WriteString("No decisions recorded yet.\n")
	} else {
		for i, d := range decisions {
			sb.WriteString(fmt.Sprintf("*%d. %s: %s* on %s\n", i+1, d.AgentName, d.Decision, d.Asset))
			sb.WriteString(fmt.Sprintf("   Candle #%d at %s\n", d.CandleNumber, d.Timestamp.Format("15:04:05")))
			sb.WriteString(fmt.Sprintf("   Reasoning: %s\n\n", truncate(d.Reasoning, 150)))
		}
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

// handleResults handles the /results command.
func handleResults(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	userID, linked, err := linkedUser(ctx, bot.db, message.From.ID)
	if err != nil {
		return err
	}
	if !linked {
		return sendLinkRequired(bot, message.Chat.ID)
	}

	results, err := recentResults(ctx, bot.db, userID, reportLimit)
	if err != nil {
		return fmt.Errorf("failed to get results: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("*Session Results* 🏁\n\n")

	if len(results) == 0 {
		sb.WriteString("No finished sessions yet.\n")
	} else {
		for i, r := range results {
			sb.WriteString(fmt.Sprintf("%d. *%s* %s (%s)\n", i+1, r.AgentName, r.Asset, r.Type))
			sb.WriteString(fmt.Sprintf("   P&L: %+.2f%% | Trades: %d | Win rate: %.1f%%\n",
				r.TotalPnLPct, r.TotalTrades, r.WinRate))
			sb.WriteString(fmt.Sprintf("   Max drawdown: %.2f%%\n", r.MaxDrawdown))
			if r.AutoStop {
				sb.WriteString("   🛑 Ended by auto-stop\n")
			}
			sb.WriteString(fmt.Sprintf("   Finished: %s\n\n", r.CompletedAt.Format("2006-01-02 15:04")))
		}
	}

	return bot.SendMessage(message.Chat.ID, sb.String())
}

func sendLinkRequired(bot *Bot, chatID int64) error {
	text := `🔒 *Link Required*

Link this chat to your AgentSim account first:

1. Open the AgentSim dashboard
2. Generate a link code
3. Send: /link <code>`

	return bot.SendMessage(chatID, text)
}

// alertText renders an engine alert as a Telegram Markdown message.
func alertText(alert engine.Alert) string {
	var emoji string
	switch alert.Type {
	case engine.AlertSessionCompleted:
		emoji = "✅"
	case engine.AlertSessionFailed:
		emoji = "🚨"
	case engine.AlertTradeClosed:
		emoji = "💰"
	case engine.AlertAutoStop:
		emoji = "🛑"
	default:
		emoji = "📢"
	}

	return fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Body)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
