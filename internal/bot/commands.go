package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/notify"
)

const recentLimit = 5

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start", "help":
		b.handleHelp(message)
	case "recent":
		b.handleRecent(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/help - Show this help message
/recent [rule] - Show the latest claim outcomes, optionally for one rule`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleRecent(ctx context.Context, message *tgbotapi.Message) {
	if b.storage == nil {
		b.sendMessage(message.Chat.ID, "Outcome storage is disabled.")
		return
	}
	rule := strings.TrimSpace(message.CommandArguments())
	list, err := b.storage.ListNotifications(ctx, rule, recentLimit)
	if err != nil {
		b.logger.Error("Failed to list notifications",
			zap.Error(err),
			zap.String("rule", rule))
		b.sendMessage(message.Chat.ID, "Sorry, I couldn't retrieve recent outcomes.")
		return
	}
	if len(list) == 0 {
		b.sendMessage(message.Chat.ID, "No outcomes recorded yet.")
		return
	}

	parts := make([]string, 0, len(list))
	for _, n := range list {
		parts = append(parts, notify.Format(n))
	}
	msg := tgbotapi.NewMessage(message.Chat.ID, strings.Join(parts, "\n\n"))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
