package monitor

import (
	"context"
	"time"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/waitutil"
)

// Hold blocks every call on account until until. Holds only ever extend.
func (r *Registry) Hold(account string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.holds[account]) {
		r.holds[account] = until
	}
}

// HeldUntil reports the end of the current hold on account, zero if none
func (r *Registry) HeldUntil(account string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.holds[account]
	if !until.After(time.Now()) {
		return time.Time{}
	}
	return until
}

// Ready waits out the hold on account. A hold extended while waiting is
// waited out too.
func (r *Registry) Ready(ctx context.Context, account string) error {
	for {
		until := r.HeldUntil(account)
		if until.IsZero() {
			return nil
		}
		if err := waitutil.Until(ctx, until); err != nil {
			return err
		}
	}
}

// Client returns c gated by account's flood hold. Every call waits for the
// hold to pass, and a rate limit reported by any call holds the whole
// account for the mandated wait.
func (r *Registry) Client(account string, c chat.Client) chat.Client {
	g := &gatedClient{registry: r, account: account, client: c}
	if dl, ok := c.(chat.Downloader); ok {
		return &gatedDownloader{gatedClient: g, dl: dl}
	}
	return g
}

type gatedClient struct {
	registry *Registry
	account  string
	client   chat.Client
}

func (g *gatedClient) observe(err error) error {
	if wait, ok := chat.AsRateLimited(err); ok {
		g.registry.Hold(g.account, time.Now().Add(wait))
	}
	return err
}

func (g *gatedClient) Send(ctx context.Context, chatName string, text string) (*models.Event, error) {
	if err := g.registry.Ready(ctx, g.account); err != nil {
		return nil, err
	}
	ev, err := g.client.Send(ctx, chatName, text)
	return ev, g.observe(err)
}

func (g *gatedClient) Click(ctx context.Context, msg *models.Event, label string) (*chat.ClickAnswer, error) {
	if err := g.registry.Ready(ctx, g.account); err != nil {
		return nil, err
	}
	answer, err := g.client.Click(ctx, msg, label)
	return answer, g.observe(err)
}

func (g *gatedClient) WaitForReply(ctx context.Context, chatName string, filter chat.Filter, timeout time.Duration) (*models.Event, error) {
	if err := g.registry.Ready(ctx, g.account); err != nil {
		return nil, err
	}
	ev, err := g.client.WaitForReply(ctx, chatName, filter, timeout)
	return ev, g.observe(err)
}

func (g *gatedClient) History(ctx context.Context, chatName string, limit int) ([]*models.Event, error) {
	if err := g.registry.Ready(ctx, g.account); err != nil {
		return nil, err
	}
	list, err := g.client.History(ctx, chatName, limit)
	return list, g.observe(err)
}

type gatedDownloader struct {
	*gatedClient
	dl chat.Downloader
}

func (g *gatedDownloader) Download(ctx context.Context, ev *models.Event) ([]byte, error) {
	if err := g.registry.Ready(ctx, g.account); err != nil {
		return nil, err
	}
	data, err := g.dl.Download(ctx, ev)
	return data, g.observe(err)
}
