package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/storage"
)

const selfID = 777

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	nextID  int
	err     error
	updates chan tgbotapi.Update
	fileURL string
	stopped bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 100, updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	cfg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, cfg)
	f.nextID++
	return tgbotapi.Message{
		MessageID: f.nextID,
		From:      &tgbotapi.User{ID: selfID, IsBot: true, UserName: "claimbot"},
		Chat:      &tgbotapi.Chat{ID: cfg.ChatID, UserName: strings.TrimPrefix(cfg.ChannelUsername, "@")},
		Date:      int(time.Now().Unix()),
		Text:      cfg.Text,
	}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	return f.fileURL + "/" + fileID, nil
}

func (f *fakeAPI) Sent() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func newBot(t *testing.T, api *fakeAPI, store storage.Storage) *Bot {
	return NewWithAPI(api, selfID, store, Options{HistorySize: 3, AdminChatID: 1}, zaptest.NewLogger(t))
}

func incoming(id int, chatID int64, username, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: 55, UserName: "embybot", FirstName: "Emby", IsBot: true},
		Chat:      &tgbotapi.Chat{ID: chatID, UserName: username},
		Date:      int(time.Now().Unix()),
		Text:      text,
	}
}

func TestConvert(t *testing.T) {
	data, url := "claim", "https://example.org"
	msg := incoming(5, 55, "EmbyBot", "")
	msg.Caption = "scan me"
	msg.EditDate = 1
	msg.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	msg.ReplyMarkup = &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "🔑 Claim", CallbackData: &data}, {Text: "Site", URL: &url}},
		{{Text: "Help"}},
	}}
	now := time.Now()

	ev := convert(msg, false, selfID, now)
	assert.Equal(t, int64(5), ev.ID)
	assert.Equal(t, int64(55), ev.ChatID)
	assert.Equal(t, "EmbyBot", ev.ChatUsername)
	assert.Equal(t, "scan me", ev.Content())
	assert.True(t, ev.Edited)
	assert.False(t, ev.Outgoing)
	assert.Equal(t, "large", ev.Media)
	assert.Equal(t, now, ev.ReceivedAt)
	require.NotNil(t, ev.Sender)
	assert.Equal(t, "Emby", ev.Sender.Name)
	assert.True(t, ev.Sender.IsBot)
	assert.Equal(t, []string{"🔑 Claim", "Site", "Help"}, ev.Labels())
	assert.Equal(t, "claim", ev.Controls[0][0].Data)
	assert.Equal(t, url, ev.Controls[0][1].URL)

	post := &tgbotapi.Message{
		MessageID:  9,
		SenderChat: &tgbotapi.Chat{ID: -100, UserName: "deals", Title: "Deals"},
		Chat:       &tgbotapi.Chat{ID: -100, UserName: "deals"},
		Text:       "code",
	}
	ev = convert(post, false, selfID, now)
	require.NotNil(t, ev.Sender)
	assert.Equal(t, "Deals", ev.Sender.Name)

	own := incoming(10, 55, "", "hi")
	own.From = &tgbotapi.User{ID: selfID}
	assert.True(t, convert(own, false, selfID, now).Outgoing)
}

func TestSend_RecordsOutgoing(t *testing.T) {
	api := newFakeAPI()
	b := newBot(t, api, nil)

	ev, err := b.Send(context.Background(), "@EmbyBot", "/start")
	require.NoError(t, err)
	assert.True(t, ev.Outgoing)
	assert.Equal(t, "/start", ev.Text)

	_, err = b.Send(context.Background(), "-1001", "hello")
	require.NoError(t, err)

	sent := api.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "@EmbyBot", sent[0].ChannelUsername)
	assert.Equal(t, int64(-1001), sent[1].ChatID)

	h, err := b.History(context.Background(), "embybot", 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "/start", h[0].Text)
}

func TestSend_ErrorMapping(t *testing.T) {
	api := newFakeAPI()
	b := newBot(t, api, nil)

	api.err = &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}}
	_, err := b.Send(context.Background(), "1", "x")
	wait, ok := chat.AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, wait)

	api.err = &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}
	_, err = b.Send(context.Background(), "1", "x")
	var de *chat.DeliveryError
	assert.ErrorAs(t, err, &de)

	api.err = errors.New("connection reset")
	_, err = b.Send(context.Background(), "1", "x")
	assert.ErrorAs(t, err, &de)

	_, err = b.Send(context.Background(), " ", "x")
	assert.ErrorAs(t, err, &de)
}

func TestHistory_IsBounded(t *testing.T) {
	b := newBot(t, newFakeAPI(), nil)
	for i := 1; i <= 5; i++ {
		b.record(convert(incoming(i, 55, "embybot", "m"), false, selfID, time.Now()))
	}
	h, err := b.History(context.Background(), "55", 10)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, int64(5), h[0].ID)
	assert.Equal(t, int64(3), h[2].ID)

	h, err = b.History(context.Background(), "@EmbyBot", 2)
	require.NoError(t, err)
	assert.Len(t, h, 2)
}

func TestWaitForReply(t *testing.T) {
	b := newBot(t, newFakeAPI(), nil)
	mark := time.Now()

	// A reply that arrived before the wait started is still found
	b.record(convert(incoming(1, 55, "embybot", "early"), false, selfID, time.Now()))
	ev, err := b.WaitForReply(context.Background(), "embybot", chat.ReceivedSince(mark), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", ev.Text)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.record(convert(incoming(2, 55, "embybot", "late"), false, selfID, time.Now()))
	}()
	ev, err = b.WaitForReply(context.Background(), "embybot", chat.After(1), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", ev.Text)

	_, err = b.WaitForReply(context.Background(), "embybot", chat.After(2), 20*time.Millisecond)
	assert.ErrorIs(t, err, chat.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.WaitForReply(ctx, "embybot", chat.After(2), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClick(t *testing.T) {
	api := newFakeAPI()
	b := newBot(t, api, nil)
	panel := &models.Event{ID: 3, ChatUsername: "embybot", Controls: [][]models.Control{{{Label: "🔑 Claim"}}}}

	_, err := b.Click(context.Background(), panel, "Gone")
	assert.ErrorIs(t, err, chat.ErrStaleReference)

	_, err = b.Click(context.Background(), panel, "🔑 Claim")
	require.NoError(t, err)
	sent := api.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "🔑 Claim", sent[0].Text)
	assert.Equal(t, "@embybot", sent[0].ChannelUsername)
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/photo-1", r.URL.Path)
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	api := newFakeAPI()
	api.fileURL = srv.URL
	b := newBot(t, api, nil)

	data, err := b.Download(context.Background(), &models.Event{Media: "photo-1"})
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))

	_, err = b.Download(context.Background(), &models.Event{})
	assert.Error(t, err)
}

func TestListen(t *testing.T) {
	api := newFakeAPI()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveNotification(context.Background(), &models.Notification{
		ID: "n-1", RuleName: "emby", Outcome: models.OutcomeSuccess, CreatedAt: time.Now(),
	}))
	b := newBot(t, api, store)

	command := incoming(1, 1, "", "/recent emby")
	command.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}}
	api.updates <- tgbotapi.Update{Message: command}
	api.updates <- tgbotapi.Update{EditedMessage: incoming(2, -100, "group", "开放注册")}
	api.updates <- tgbotapi.Update{}
	close(api.updates)

	var got []*models.Event
	require.NoError(t, b.Listen(context.Background(), func(ev *models.Event) {
		got = append(got, ev)
	}))

	require.Len(t, got, 1)
	assert.True(t, got[0].Edited)
	assert.Equal(t, int64(-100), got[0].ChatID)

	assert.Eventually(t, func() bool {
		return len(api.Sent()) == 1
	}, time.Second, 10*time.Millisecond)
	sent := api.Sent()[0]
	assert.Equal(t, tgbotapi.ModeMarkdownV2, sent.ParseMode)
	assert.Contains(t, sent.Text, "emby")
	assert.True(t, api.stopped)
}

func TestListen_StopsOnCancel(t *testing.T) {
	api := newFakeAPI()
	b := newBot(t, api, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Listen(ctx, nil), context.Canceled)
}
