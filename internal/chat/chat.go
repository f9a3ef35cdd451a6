// Package chat defines the narrow capability the engine needs from a chat
// transport. Connecting, authenticating and delivering messages are the
// transport's business; the engine only sends, clicks, waits and reads history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/claimbot/internal/models"
)

var (
	// ErrTimeout is returned when no matching reply arrived in time
	ErrTimeout = errors.New("chat: timed out waiting for reply")
	// ErrStaleReference is returned when the clicked message or control no longer exists
	ErrStaleReference = errors.New("chat: message or control no longer exists")
)

// DeliveryError wraps a transport rejection of an outbound call
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("chat: delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RateLimitedError is raised whenever the remote system enforces flood
// control. No further call may be made on the account before Wait elapses.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("chat: rate limited, retry after %s", e.Wait)
}

// AsRateLimited extracts the mandated wait from err
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// ClickAnswer is the immediate answer a bot may give to a control click
type ClickAnswer struct {
	Message string
	Alert   bool
}

// Filter selects which replies WaitForReply accepts
type Filter func(ev *models.Event) bool

// Client is the chat capability consumed by the engine.
type Client interface {
	// Send posts text to chat and returns the sent message
	Send(ctx context.Context, chat string, text string) (*models.Event, error)
	// Click presses the control labelled label on msg
	Click(ctx context.Context, msg *models.Event, label string) (*ClickAnswer, error)
	// WaitForReply returns the next message in chat accepted by filter
	WaitForReply(ctx context.Context, chat string, filter Filter, timeout time.Duration) (*models.Event, error)
	// History returns at most limit recent messages, most recent first
	History(ctx context.Context, chat string, limit int) ([]*models.Event, error)
}

// Downloader is implemented by clients able to fetch media attached to a message
type Downloader interface {
	Download(ctx context.Context, ev *models.Event) ([]byte, error)
}

// All combines filters; a nil filter accepts everything
func All(filters ...Filter) Filter {
	return func(ev *models.Event) bool {
		for _, f := range filters {
			if f != nil && !f(ev) {
				return false
			}
		}
		return true
	}
}

// ReceivedSince accepts messages received at or after mark. Passing the
// mark taken before an action lets callers pick up replies that raced ahead
// of the wait.
func ReceivedSince(mark time.Time) Filter {
	return func(ev *models.Event) bool {
		return !ev.ReceivedAt.Before(mark)
	}
}

// After accepts messages newer than id. Message ids grow monotonically
// within a chat; zero accepts everything.
func After(id int64) Filter {
	return func(ev *models.Event) bool {
		return id == 0 || ev.ID > id
	}
}

// NotOutgoing drops the account's own messages
func NotOutgoing() Filter {
	return func(ev *models.Event) bool {
		return !ev.Outgoing
	}
}
