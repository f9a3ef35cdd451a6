// Package matcher decides which inbound chat events are triggers and extracts
// the keys a negotiation works with.
package matcher

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/claimbot/internal/models"
)

// Options is the matching part of a trigger rule
type Options struct {
	Chats         []string
	Keywords      []string
	Exclusions    []string
	Senders       []string
	Probability   float64
	AllowEdit     bool
	AllowCaption  bool
	AllowText     bool
	AllowOutgoing bool
}

// Rule is a compiled, immutable trigger rule
type Rule struct {
	chats         []string
	keywords      []*regexp.Regexp
	exclusions    []*regexp.Regexp
	senders       []string
	probability   float64
	allowEdit     bool
	allowCaption  bool
	allowText     bool
	allowOutgoing bool
}

// Compile validates opts and compiles its patterns case-insensitively
func Compile(opts Options) (*Rule, error) {
	if opts.Probability < 0 || opts.Probability > 1 {
		return nil, fmt.Errorf("probability %v out of range [0, 1]", opts.Probability)
	}
	keywords, err := compileAll(opts.Keywords)
	if err != nil {
		return nil, fmt.Errorf("keyword: %w", err)
	}
	exclusions, err := compileAll(opts.Exclusions)
	if err != nil {
		return nil, fmt.Errorf("exclusion: %w", err)
	}
	return &Rule{
		chats:         normalizeAll(opts.Chats),
		keywords:      keywords,
		exclusions:    exclusions,
		senders:       normalizeAll(opts.Senders),
		probability:   opts.Probability,
		allowEdit:     opts.AllowEdit,
		allowCaption:  opts.AllowCaption,
		allowText:     opts.AllowText,
		allowOutgoing: opts.AllowOutgoing,
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func normalizeAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(it), "@"))
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}

// Match evaluates ev against the rule. draw is a uniform value in [0, 1)
// used for the probability gate, once per event.
func (r *Rule) Match(ev *models.Event, draw float64) []string {
	if ev == nil {
		return nil
	}
	if ev.Edited && !r.allowEdit {
		return nil
	}
	if ev.Outgoing && !r.allowOutgoing {
		return nil
	}
	text := ev.Content()
	if ev.Text != "" && !r.allowText {
		return nil
	}
	if ev.Text == "" && ev.Caption != "" && !r.allowCaption {
		return nil
	}
	if !r.inScope(ev) || !r.senderAllowed(ev) {
		return nil
	}
	for _, re := range r.exclusions {
		if re.MatchString(text) {
			return nil
		}
	}

	keys := r.extract(text)
	if len(keys) == 0 {
		return nil
	}
	if draw > r.probability {
		return nil
	}
	return keys
}

func (r *Rule) extract(text string) []string {
	if len(r.keywords) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	var keys []string
	for _, re := range r.keywords {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m) == 1 {
				keys = append(keys, m[0])
				continue
			}
			for _, group := range m[1:] {
				keys = append(keys, group)
			}
		}
	}
	return keys
}

func (r *Rule) inScope(ev *models.Event) bool {
	if len(r.chats) == 0 {
		return true
	}
	for _, c := range r.chats {
		if ev.FromChat(c) {
			return true
		}
	}
	return false
}

func (r *Rule) senderAllowed(ev *models.Event) bool {
	if len(r.senders) == 0 {
		return true
	}
	if ev.Sender == nil {
		return false
	}
	id := strconv.FormatInt(ev.Sender.ID, 10)
	username := strings.ToLower(ev.Sender.Username)
	for _, s := range r.senders {
		if s == id || (username != "" && s == username) {
			return true
		}
	}
	return false
}

// Matcher pairs a rule with its random source
type Matcher struct {
	rule *Rule
	mu   sync.Mutex
	rng  *rand.Rand
}

// New returns a matcher seeded from the clock
func New(rule *Rule) *Matcher {
	return NewWithSource(rule, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource returns a matcher drawing from src
func NewWithSource(rule *Rule, src rand.Source) *Matcher {
	return &Matcher{rule: rule, rng: rand.New(src)}
}

// Match draws once and evaluates ev
func (m *Matcher) Match(ev *models.Event) []string {
	m.mu.Lock()
	draw := m.rng.Float64()
	m.mu.Unlock()
	return m.rule.Match(ev, draw)
}
