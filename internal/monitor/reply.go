package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/classifier"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/waitutil"
)

const (
	followHistory   = 50
	maxReplyRetries = 3
)

// reply answers the trigger in its own chat, optionally only after enough
// other users posted the same answer
func (m *Monitor) reply(ctx context.Context, ev *models.Event, keys []string, n *models.Notification) {
	chatKey := ev.ChatKey()
	text := strings.ReplaceAll(m.cfg.Reply, "{key}", keys[0])

	if m.cfg.FollowUser > 0 {
		got, err := m.awaitFollowers(ctx, ev, text)
		if err != nil {
			n.Outcome, n.Detail = interrupted(err), "waiting for followers"
			return
		}
		if got < m.cfg.FollowUser {
			n.Outcome = models.OutcomeExhausted
			n.Detail = fmt.Sprintf("only %d of %d users followed", got, m.cfg.FollowUser)
			return
		}
	}

	for n.Attempts < maxReplyRetries {
		n.Attempts++
		if err := m.governor.Throttle(ctx); err != nil {
			n.Outcome, n.Detail = interrupted(err), "throttled"
			return
		}
		_, err := m.client.Send(ctx, chatKey, text)
		if err == nil {
			n.Outcome, n.Detail = models.OutcomeReplied, text
			m.logger.Info("Replied to trigger", zap.String("chat", chatKey), zap.Int64("message_id", ev.ID))
			return
		}
		wait, limited := chat.AsRateLimited(err)
		if !limited {
			n.Outcome, n.Detail = models.OutcomeExhausted, err.Error()
			if ctx.Err() != nil {
				n.Outcome = interrupted(ctx.Err())
			}
			return
		}
		m.logger.Warn("Rate limited while replying", zap.Duration("wait", wait))
		if err := waitutil.Sleep(ctx, wait); err != nil {
			n.Outcome, n.Detail = interrupted(err), "rate limited"
			return
		}
	}
	n.Outcome, n.Detail = models.OutcomeExhausted, "rate limited"
}

// awaitFollowers counts distinct other senders that answered ev with text,
// first from recent history and then from new messages, until FollowUser is
// reached or FollowWait elapses
func (m *Monitor) awaitFollowers(ctx context.Context, ev *models.Event, text string) (int, error) {
	chatKey := ev.ChatKey()
	want := classifier.Fold(text)
	seen := make(map[string]struct{})
	last := ev.ID
	follows := func(e *models.Event) bool {
		return e.ID > last && !e.Outgoing && classifier.Fold(e.Content()) == want
	}
	count := func(e *models.Event) {
		if k := senderKey(e); k != "" {
			seen[k] = struct{}{}
		}
	}

	recent, err := m.client.History(ctx, chatKey, followHistory)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		m.logger.Warn("Failed to read history", zap.Error(err), zap.String("chat", chatKey))
	}
	for _, e := range recent {
		if follows(e) {
			count(e)
		}
	}

	deadline := time.Now().Add(m.cfg.FollowWait)
	for len(seen) < m.cfg.FollowUser {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		e, err := m.client.WaitForReply(ctx, chatKey, follows, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return len(seen), ctx.Err()
			}
			if wait, ok := chat.AsRateLimited(err); ok {
				if err := waitutil.Sleep(ctx, wait); err != nil {
					return len(seen), err
				}
				continue
			}
			if !errors.Is(err, chat.ErrTimeout) {
				m.logger.Warn("Failed waiting for followers", zap.Error(err))
			}
			break
		}
		count(e)
		last = e.ID
	}
	return len(seen), nil
}

func senderKey(e *models.Event) string {
	if e.Sender == nil {
		return ""
	}
	if e.Sender.ID != 0 {
		return strconv.FormatInt(e.Sender.ID, 10)
	}
	return strings.ToLower(e.Sender.Username)
}
