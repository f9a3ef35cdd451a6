package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xaenox/claimbot/internal/models"
)

// Sender is the part of the Bot API client the sink needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram pushes immediate notifications to an operator chat
type Telegram struct {
	api    Sender
	chatID int64
}

func NewTelegram(api Sender, chatID int64) *Telegram {
	return &Telegram{api: api, chatID: chatID}
}

func (t *Telegram) Notify(_ context.Context, n *models.Notification) error {
	if !n.Immediate {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, Format(n))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// Format renders n as MarkdownV2
func Format(n *models.Notification) string {
	icon := "✅"
	if n.Failed() {
		icon = "⚠️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*: %s\n", icon, escapeMarkdown(n.RuleName), escapeMarkdown(string(n.Outcome)))
	if n.Bot != "" {
		fmt.Fprintf(&b, "Bot: %s\n", escapeMarkdown(n.Bot))
	}
	if n.Account != "" {
		fmt.Fprintf(&b, "Account: %s\n", escapeMarkdown(n.Account))
	}
	if n.Attempts > 0 {
		fmt.Fprintf(&b, "Finished on the %s attempt\n", escapeMarkdown(humanize.Ordinal(n.Attempts)))
	}
	if n.Detail != "" {
		fmt.Fprintf(&b, "_%s_\n", escapeMarkdown(n.Detail))
	}
	if !n.CreatedAt.IsZero() {
		b.WriteString(escapeMarkdown(humanize.Time(n.CreatedAt)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
