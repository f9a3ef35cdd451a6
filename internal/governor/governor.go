// Package governor admits trigger events at most once and bounds how many
// negotiations run at a time and how fast they act.
package governor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/waitutil"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Options are the per-monitor governance tunables
type Options struct {
	// Validity is both the dedup TTL and the maximum accepted event age
	Validity time.Duration
	// MaxParallel bounds in-flight negotiations
	MaxParallel int
	// MinInterval separates chat-altering actions
	MinInterval time.Duration
	// DedupSize bounds the in-memory dedup store. Admission is at-most-once
	// only while fewer than DedupSize distinct events arrive per Validity;
	// beyond that the oldest ids are evicted early.
	DedupSize int
}

// Governor is owned by exactly one monitor
type Governor struct {
	dedup    DedupStore
	validity time.Duration
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inflight atomic.Int64
	now      func() time.Time
}

// New builds a governor over dedup. A nil dedup gets an in-memory store.
func New(opts Options, dedup DedupStore) *Governor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if dedup == nil {
		dedup = NewMemoryDedup(opts.DedupSize, opts.Validity)
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Governor{
		dedup:    dedup,
		validity: opts.Validity,
		sem:      semaphore.NewWeighted(int64(opts.MaxParallel)),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// EventKey identifies ev across edits within its chat
func EventKey(ev *models.Event) string {
	return ev.ChatKey() + ":" + strconv.FormatInt(ev.ID, 10)
}

// Admit accepts ev at most once within the validity window. Events older
// than the window are rejected without touching the cache.
func (g *Governor) Admit(ctx context.Context, ev *models.Event) (bool, error) {
	if g.validity > 0 && !ev.Date.IsZero() && g.now().Sub(ev.Date) > g.validity {
		return false, nil
	}
	ok, err := g.dedup.Admit(ctx, EventKey(ev))
	if err != nil {
		return false, fmt.Errorf("admit event %d: %w", ev.ID, err)
	}
	return ok, nil
}

// AcquireSlot blocks until a negotiation slot is free or ctx ends. The
// returned release is idempotent.
func (g *Governor) AcquireSlot(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inflight.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Throttle suspends the caller until the minimum interval since the last
// admitted action has elapsed. Concurrent callers are serialized. When ctx
// ends first the reservation is returned and ctx's error reported, so a
// budget deadline surfaces as context.DeadlineExceeded.
func (g *Governor) Throttle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := g.limiter.Reserve()
	if err := waitutil.Sleep(ctx, r.Delay()); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// InFlight reports negotiations currently holding a slot
func (g *Governor) InFlight() int {
	return int(g.inflight.Load())
}
