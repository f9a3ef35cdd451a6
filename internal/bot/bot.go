// Package bot adapts the Telegram Bot API to the chat capability the
// monitors consume, and answers operator commands in the admin chat.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/storage"
)

const maxDownload = 10 << 20

// API is the part of *tgbotapi.BotAPI the adapter needs
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

type Options struct {
	// HistorySize is how many messages are kept per chat
	HistorySize int
	// PollTimeout is the long polling timeout in seconds
	PollTimeout int
	// AdminChatID is the only chat whose commands are answered
	AdminChatID int64
}

type Bot struct {
	api     API
	self    int64
	storage storage.Storage
	opts    Options
	http    *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	chats   map[string][]*models.Event
	changed chan struct{}
}

func New(token string, store storage.Storage, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("Authorized on account", zap.String("username", api.Self.UserName))
	return NewWithAPI(api, api.Self.ID, store, opts, logger), nil
}

// NewWithAPI wraps an already authorized api; self is the bot's own user id
func NewWithAPI(api API, self int64, store storage.Storage, opts Options, logger *zap.Logger) *Bot {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:     api,
		self:    self,
		storage: store,
		opts:    opts,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("telegram"),
		chats:   make(map[string][]*models.Event),
		changed: make(chan struct{}),
	}
}

// API exposes the underlying client, e.g. for notification sinks
func (b *Bot) API() API {
	return b.api
}

// Listen long-polls updates and hands every chat message to handle until
// ctx ends. Commands in the admin chat are answered here instead.
func (b *Bot) Listen(ctx context.Context, handle func(*models.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, edited := message(update)
			if msg == nil {
				continue
			}
			if msg.IsCommand() && b.opts.AdminChatID != 0 && msg.Chat != nil && msg.Chat.ID == b.opts.AdminChatID {
				go b.handleCommand(ctx, msg)
				continue
			}
			ev := convert(msg, edited, b.self, time.Now())
			b.record(ev)
			if handle != nil {
				handle(ev)
			}
		}
	}
}

func message(u tgbotapi.Update) (*tgbotapi.Message, bool) {
	switch {
	case u.Message != nil:
		return u.Message, false
	case u.EditedMessage != nil:
		return u.EditedMessage, true
	case u.ChannelPost != nil:
		return u.ChannelPost, false
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost, true
	}
	return nil, false
}

// convert turns a Telegram message into an event
func convert(msg *tgbotapi.Message, edited bool, self int64, now time.Time) *models.Event {
	ev := &models.Event{
		ID:         int64(msg.MessageID),
		Text:       msg.Text,
		Caption:    msg.Caption,
		Date:       msg.Time(),
		ReceivedAt: now,
		Edited:     edited || msg.EditDate != 0,
	}
	if msg.Chat != nil {
		ev.ChatID = msg.Chat.ID
		ev.ChatUsername = msg.Chat.UserName
	}
	switch {
	case msg.From != nil:
		ev.Sender = &models.Sender{
			ID:       msg.From.ID,
			Username: msg.From.UserName,
			Name:     strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			IsBot:    msg.From.IsBot,
		}
		ev.Outgoing = self != 0 && msg.From.ID == self
	case msg.SenderChat != nil:
		ev.Sender = &models.Sender{
			ID:       msg.SenderChat.ID,
			Username: msg.SenderChat.UserName,
			Name:     msg.SenderChat.Title,
		}
	}
	if msg.ReplyMarkup != nil {
		for _, row := range msg.ReplyMarkup.InlineKeyboard {
			controls := make([]models.Control, 0, len(row))
			for _, button := range row {
				c := models.Control{Label: button.Text}
				if button.CallbackData != nil {
					c.Data = *button.CallbackData
				}
				if button.URL != nil {
					c.URL = *button.URL
				}
				controls = append(controls, c)
			}
			ev.Controls = append(ev.Controls, controls)
		}
	}
	if len(msg.Photo) > 0 {
		// Sizes are ordered from the smallest
		ev.Media = msg.Photo[len(msg.Photo)-1].FileID
	}
	return ev
}

func chatKey(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

func keysOf(ev *models.Event) []string {
	keys := make([]string, 0, 2)
	if ev.ChatID != 0 {
		keys = append(keys, strconv.FormatInt(ev.ChatID, 10))
	}
	if ev.ChatUsername != "" {
		keys = append(keys, chatKey(ev.ChatUsername))
	}
	return keys
}

// record stores ev in the history of its chat and wakes pending waits
func (b *Bot) record(ev *models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keysOf(ev) {
		h := append(b.chats[k], ev)
		if len(h) > b.opts.HistorySize {
			h = h[len(h)-b.opts.HistorySize:]
		}
		b.chats[k] = h
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

func target(chatName, text string) (tgbotapi.MessageConfig, error) {
	name := strings.TrimSpace(chatName)
	if name == "" {
		return tgbotapi.MessageConfig{}, errors.New("empty chat")
	}
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text), nil
	}
	return tgbotapi.NewMessageToChannel("@"+strings.TrimPrefix(name, "@"), text), nil
}

func (b *Bot) Send(ctx context.Context, chatName string, text string) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := target(chatName, text)
	if err != nil {
		return nil, &chat.DeliveryError{Err: err}
	}
	sent, err := b.api.Send(cfg)
	if err != nil {
		b.logger.Error("Failed to send message", zap.Error(err), zap.String("chat", chatName))
		return nil, wrap(err)
	}
	ev := convert(&sent, false, b.self, time.Now())
	ev.Outgoing = true
	b.record(ev)
	return ev, nil
}

// Click presses a control. Bots cannot answer other bots' callbacks, so the
// label is sent as text, which is how reply keyboards work anyway.
func (b *Bot) Click(ctx context.Context, msg *models.Event, label string) (*chat.ClickAnswer, error) {
	found := false
	for _, l := range msg.Labels() {
		if l == label {
			found = true
			break
		}
	}
	if !found {
		return nil, chat.ErrStaleReference
	}
	if _, err := b.Send(ctx, msg.ChatKey(), label); err != nil {
		return nil, err
	}
	return nil, nil
}

// WaitForReply returns the oldest recorded message in chatName accepted by
// filter, waiting for new ones until timeout
func (b *Bot) WaitForReply(ctx context.Context, chatName string, filter chat.Filter, timeout time.Duration) (*models.Event, error) {
	k := chatKey(chatName)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		for _, ev := range b.chats[k] {
			if filter == nil || filter(ev) {
				b.mu.Unlock()
				return ev, nil
			}
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, chat.ErrTimeout
		case <-changed:
		}
	}
}

func (b *Bot) History(ctx context.Context, chatName string, limit int) ([]*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.chats[chatKey(chatName)]
	out := make([]*models.Event, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

// Download fetches the largest photo attached to ev
func (b *Bot) Download(ctx context.Context, ev *models.Event) ([]byte, error) {
	if ev.Media == "" {
		return nil, errors.New("message has no media")
	}
	url, err := b.api.GetFileDirectURL(ev.Media)
	if err != nil {
		return nil, wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &chat.DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &chat.DeliveryError{Err: fmt.Errorf("download status %d", resp.StatusCode)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownload))
}

// wrap maps Telegram errors onto the chat error set
func wrap(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0 {
			return &chat.RateLimitedError{Wait: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		if strings.Contains(apiErr.Message, "message to reply not found") || strings.Contains(apiErr.Message, "message not found") {
			return chat.ErrStaleReference
		}
	}
	return &chat.DeliveryError{Err: err}
}
