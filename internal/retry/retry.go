// Package retry wraps negotiation attempts with the retry and backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/session"
	"github.com/xaenox/claimbot/internal/waitutil"
)

// Policy bounds how often and how fast attempts are repeated
type Policy struct {
	// TransientBudget is the number of transient failures tolerated
	TransientBudget int
	// MaxAttempts caps attempts of every kind
	MaxAttempts int
	// Delay separates transient retries
	Delay time.Duration
	// Linear grows the delay with each transient failure
	Linear bool
	// RateLimitWait is the minimum wait after a flood signal
	RateLimitWait time.Duration
}

// DefaultPolicy returns the policy used when a rule sets none
func DefaultPolicy() Policy {
	return Policy{
		TransientBudget: 3,
		MaxAttempts:     10,
		Delay:           2 * time.Second,
		RateLimitWait:   5 * time.Second,
	}
}

// Status is how a trigger occurrence ended
type Status string

const (
	StatusSuccess Status = "success"
	// StatusTerminal means the remote confirmed the resource is gone or the input is wrong
	StatusTerminal Status = "terminal"
	// StatusExhausted means the engine gave up
	StatusExhausted Status = "exhausted"
	StatusCancelled Status = "cancelled"
	StatusConfig    Status = "config"
)

// Outcome summarizes all attempts of one trigger occurrence
type Outcome struct {
	Status      Status
	Attempts    int
	Transient   int
	RateLimited int
	Last        session.Result
}

// Attempt runs attempt number n
type Attempt func(ctx context.Context, n int) session.Result

// Controller applies a Policy
type Controller struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New normalizes policy; a nil logger discards logs
func New(policy Policy, logger *zap.Logger) *Controller {
	if policy.TransientBudget <= 0 {
		policy.TransientBudget = 3
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{policy: policy, logger: logger, sleep: waitutil.Sleep}
}

// WithSleep replaces the wait function, for tests
func (c *Controller) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Controller {
	c.sleep = fn
	return c
}

// Run calls attempt until it succeeds, fails terminally or a budget runs out.
// Rate-limited attempts are never charged against the transient budget.
func (c *Controller) Run(ctx context.Context, attempt Attempt) Outcome {
	var out Outcome
	for out.Attempts < c.policy.MaxAttempts {
		out.Attempts++
		res := attempt(ctx, out.Attempts)
		out.Last = res

		if res.Succeeded() {
			out.Status = StatusSuccess
			return out
		}

		var wait time.Duration
		switch res.Kind {
		case session.KindTerminal:
			out.Status = StatusTerminal
			return out
		case session.KindConfig:
			out.Status = StatusConfig
			return out
		case session.KindCancelled:
			out.Status = StatusCancelled
			return out
		case session.KindBudget:
			out.Status = StatusExhausted
			return out
		case session.KindRateLimited:
			out.RateLimited++
			wait = max(res.Wait, c.policy.RateLimitWait)
			c.logger.Info("Attempt rate limited",
				zap.Int("attempt", out.Attempts),
				zap.Duration("wait", wait))
		default:
			out.Transient++
			if out.Transient >= c.policy.TransientBudget {
				c.logger.Warn("Transient retry budget exhausted",
					zap.Int("attempt", out.Attempts),
					zap.String("kind", string(res.Kind)))
				out.Status = StatusExhausted
				return out
			}
			wait = c.policy.Delay
			if c.policy.Linear {
				wait *= time.Duration(out.Transient)
			}
			c.logger.Info("Attempt failed, retrying",
				zap.Int("attempt", out.Attempts),
				zap.String("kind", string(res.Kind)),
				zap.Duration("delay", wait))
		}

		if out.Attempts >= c.policy.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				out.Status = StatusExhausted
			} else {
				out.Status = StatusCancelled
			}
			return out
		}
	}
	c.logger.Warn("Attempt ceiling reached", zap.Int("attempts", out.Attempts))
	out.Status = StatusExhausted
	return out
}
