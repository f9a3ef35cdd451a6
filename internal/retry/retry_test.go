package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/claimbot/internal/session"
)

func failed(kind session.Kind) session.Result {
	return session.Result{State: session.Failed, Kind: kind}
}

var succeeded = session.Result{State: session.Succeeded}

// script returns an attempt replaying results in order, repeating the last
func script(results ...session.Result) (Attempt, *int) {
	calls := 0
	return func(_ context.Context, n int) session.Result {
		calls++
		if n > len(results) {
			return results[len(results)-1]
		}
		return results[n-1]
	}, &calls
}

type recorder struct{ waits []time.Duration }

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newController(t *testing.T, p Policy) (*Controller, *recorder) {
	rec := &recorder{}
	return New(p, zaptest.NewLogger(t)).WithSleep(rec.sleep), rec
}

func TestRun_TransientBudgetExhausted(t *testing.T) {
	c, _ := newController(t, DefaultPolicy())
	attempt, calls := script(failed(session.KindTimeout))

	out := c.Run(context.Background(), attempt)
	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 3, out.Transient)
}

func TestRun_RecoversWithinBudget(t *testing.T) {
	c, _ := newController(t, DefaultPolicy())
	attempt, calls := script(failed(session.KindTimeout), failed(session.KindNoControl), succeeded)

	out := c.Run(context.Background(), attempt)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 2, out.Transient)
}

func TestRun_RateLimitsAreNotCharged(t *testing.T) {
	c, rec := newController(t, DefaultPolicy())
	rl := session.Result{State: session.Failed, Kind: session.KindRateLimited, Wait: 30 * time.Second}
	attempt, _ := script(rl, rl, rl, rl, rl, succeeded)

	out := c.Run(context.Background(), attempt)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 0, out.Transient)
	assert.Equal(t, 5, out.RateLimited)
	require.Len(t, rec.waits, 5)
	for _, w := range rec.waits {
		assert.GreaterOrEqual(t, w, 30*time.Second)
	}
}

func TestRun_RateLimitWaitFloor(t *testing.T) {
	c, rec := newController(t, DefaultPolicy())
	attempt, _ := script(failed(session.KindRateLimited), succeeded)

	c.Run(context.Background(), attempt)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.waits)
}

func TestRun_TerminalStopsImmediately(t *testing.T) {
	for _, tc := range []struct {
		kind   session.Kind
		status Status
	}{
		{session.KindTerminal, StatusTerminal},
		{session.KindConfig, StatusConfig},
		{session.KindCancelled, StatusCancelled},
		{session.KindBudget, StatusExhausted},
	} {
		c, rec := newController(t, DefaultPolicy())
		attempt, calls := script(failed(tc.kind))
		out := c.Run(context.Background(), attempt)
		assert.Equal(t, tc.status, out.Status, tc.kind)
		assert.Equal(t, 1, *calls, tc.kind)
		assert.Empty(t, rec.waits, tc.kind)
	}
}

func TestRun_AttemptCeiling(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 6
	p.TransientBudget = 100
	c, _ := newController(t, p)
	attempt, calls := script(failed(session.KindRateLimited), failed(session.KindTimeout),
		failed(session.KindRateLimited), failed(session.KindTimeout),
		failed(session.KindRateLimited), failed(session.KindTimeout),
		failed(session.KindRateLimited), failed(session.KindTimeout))

	out := c.Run(context.Background(), attempt)
	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, 6, *calls)
}

func TestRun_LinearDelay(t *testing.T) {
	p := DefaultPolicy()
	p.Delay = time.Second
	p.Linear = true
	c, rec := newController(t, p)
	attempt, _ := script(failed(session.KindTimeout))

	c.Run(context.Background(), attempt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestRun_CancelledDuringWait(t *testing.T) {
	c := New(DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	attempt := func(context.Context, int) session.Result {
		cancel()
		return failed(session.KindTimeout)
	}

	out := c.Run(ctx, attempt)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, 1, out.Attempts)
}
