// Package chattest provides a scripted in-memory chat.Client for tests.
package chattest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/models"
)

// Sent records one outbound message
type Sent struct {
	Chat string
	Text string
}

// Click records one control click
type Click struct {
	MessageID int64
	Label     string
}

// Fake is a scripted chat client. Replies produced by OnSend and OnClick are
// queued in the addressed chat and handed out by WaitForReply in order.
// WaitForReply never blocks for the full timeout: when nothing matches it
// waits Latency (if any) and reports chat.ErrTimeout.
type Fake struct {
	OnSend  func(chat, text string) ([]*models.Event, error)
	OnClick func(msg *models.Event, label string) (*chat.ClickAnswer, []*models.Event, error)

	// WaitErrors are returned by successive WaitForReply calls before the inbox is consulted
	WaitErrors []error
	// Latency is slept by every call, honoring ctx
	Latency time.Duration

	mu      sync.Mutex
	inbox   map[string][]*models.Event
	history map[string][]*models.Event
	sent    []Sent
	clicks  []Click
	calls   int
	nextID  int64
}

// New returns an empty fake
func New() *Fake {
	return &Fake{
		inbox:   make(map[string][]*models.Event),
		history: make(map[string][]*models.Event),
		nextID:  1000,
	}
}

// Msg builds a bot reply with a single row of controls
func Msg(text string, labels ...string) *models.Event {
	ev := &models.Event{Text: text}
	if len(labels) > 0 {
		row := make([]models.Control, 0, len(labels))
		for _, l := range labels {
			row = append(row, models.Control{Label: l, Data: l})
		}
		ev.Controls = [][]models.Control{row}
	}
	return ev
}

func key(c string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "@"))
}

func (f *Fake) stamp(chatKey string, ev *models.Event) *models.Event {
	f.nextID++
	out := *ev
	out.ID = f.nextID
	if id, err := strconv.ParseInt(chatKey, 10, 64); err == nil {
		out.ChatID = id
	} else {
		out.ChatUsername = chatKey
		if out.Sender == nil && !out.Outgoing {
			out.Sender = &models.Sender{Username: chatKey, IsBot: true}
		}
	}
	now := time.Now()
	if out.Date.IsZero() {
		out.Date = now
	}
	out.ReceivedAt = now
	return &out
}

// Push delivers ev into chat as if the transport had received it
func (f *Fake) Push(chatName string, ev *models.Event) *models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.push(key(chatName), ev)
}

func (f *Fake) push(k string, ev *models.Event) *models.Event {
	out := f.stamp(k, ev)
	f.inbox[k] = append(f.inbox[k], out)
	f.history[k] = append(f.history[k], out)
	return out
}

func (f *Fake) sleep(ctx context.Context) error {
	if f.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Fake) Send(ctx context.Context, chatName string, text string) (*models.Event, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	k := key(chatName)
	var replies []*models.Event
	if f.OnSend != nil {
		var err error
		replies, err = f.OnSend(k, text)
		if err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, Sent{Chat: k, Text: text})
	own := f.stamp(k, &models.Event{Text: text, Outgoing: true})
	f.history[k] = append(f.history[k], own)
	for _, r := range replies {
		f.push(k, r)
	}
	return own, nil
}

func (f *Fake) Click(ctx context.Context, msg *models.Event, label string) (*chat.ClickAnswer, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var (
		answer  *chat.ClickAnswer
		replies []*models.Event
	)
	if f.OnClick != nil {
		var err error
		answer, replies, err = f.OnClick(msg, label)
		if err != nil {
			return nil, err
		}
	}
	f.clicks = append(f.clicks, Click{MessageID: msg.ID, Label: label})
	k := key(msg.ChatKey())
	for _, r := range replies {
		f.push(k, r)
	}
	return answer, nil
}

func (f *Fake) WaitForReply(ctx context.Context, chatName string, filter chat.Filter, timeout time.Duration) (*models.Event, error) {
	f.mu.Lock()
	f.calls++
	if len(f.WaitErrors) > 0 {
		err := f.WaitErrors[0]
		f.WaitErrors = f.WaitErrors[1:]
		f.mu.Unlock()
		return nil, err
	}
	k := key(chatName)
	queue := f.inbox[k]
	for i, ev := range queue {
		if filter == nil || filter(ev) {
			f.inbox[k] = append(queue[:i:i], queue[i+1:]...)
			f.mu.Unlock()
			return ev, nil
		}
	}
	f.mu.Unlock()
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}
	return nil, chat.ErrTimeout
}

func (f *Fake) History(ctx context.Context, chatName string, limit int) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	h := f.history[key(chatName)]
	out := make([]*models.Event, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

// Sent returns every outbound message so far
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Clicks returns every click so far
func (f *Fake) Clicks() []Click {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Click(nil), f.clicks...)
}

// Calls counts every client call, including failed ones
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
