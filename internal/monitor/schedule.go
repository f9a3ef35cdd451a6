package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/waitutil"
)

// Schedule starts a negotiation once a day at a random time inside a
// window of the local day, with no trigger message. Used for daily
// check-ins.
type Schedule struct {
	// Start and End are offsets from midnight, Start <= End
	Start time.Duration
	End   time.Duration
	// Location defaults to time.Local
	Location *time.Location
}

// ParseWindow reads "HH:MM" or "HH:MM-HH:MM"
func ParseWindow(s string) (*Schedule, error) {
	from, to, found := strings.Cut(strings.TrimSpace(s), "-")
	start, err := clockOffset(from)
	if err != nil {
		return nil, err
	}
	end := start
	if found {
		if end, err = clockOffset(to); err != nil {
			return nil, err
		}
	}
	if end < start {
		return nil, fmt.Errorf("window %q ends before it starts", s)
	}
	return &Schedule{Start: start, End: end}, nil
}

func clockOffset(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad time of day %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (s *Schedule) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

func (s *Schedule) midnight(t time.Time) time.Time {
	t = t.In(s.location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.location())
}

// Next picks a random run time not before after: in what is left of
// after's window, or in the next day's window once it has closed.
func (s *Schedule) Next(after time.Time, rnd *rand.Rand) time.Time {
	day := s.midnight(after)
	lo, hi := day.Add(s.Start), day.Add(s.End)
	if hi.Before(after) {
		day = day.AddDate(0, 0, 1)
		lo, hi = day.Add(s.Start), day.Add(s.End)
	}
	if lo.Before(after) {
		lo = after
	}
	if span := hi.Sub(lo); span > 0 {
		lo = lo.Add(time.Duration(rnd.Int63n(int64(span) + 1)))
	}
	return lo
}

// following is the first instant of the day after t
func (s *Schedule) following(t time.Time) time.Time {
	return s.midnight(t).AddDate(0, 0, 1)
}

// schedule fires Trigger once per day until ctx ends
func (m *Monitor) schedule(ctx context.Context) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	from := time.Now()
	for {
		at := m.cfg.Schedule.Next(from, rnd)
		m.logger.Info("Next scheduled run", zap.Time("at", at))
		if err := waitutil.Until(ctx, at); err != nil {
			return
		}
		m.Trigger(ctx)
		from = m.cfg.Schedule.following(at)
	}
}
