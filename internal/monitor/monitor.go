// Package monitor wires a trigger rule to the governor, the negotiation
// session and the notification sinks. One Monitor serves one rule.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/classifier"
	"github.com/xaenox/claimbot/internal/credential"
	"github.com/xaenox/claimbot/internal/governor"
	"github.com/xaenox/claimbot/internal/matcher"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/notify"
	"github.com/xaenox/claimbot/internal/ocr"
	"github.com/xaenox/claimbot/internal/retry"
	"github.com/xaenox/claimbot/internal/session"
	"github.com/xaenox/claimbot/internal/waitutil"
)

// ErrConfiguration marks every error that prevents a monitor from starting
var ErrConfiguration = errors.New("monitor: configuration error")

const (
	ActionNegotiate = "negotiate"
	ActionReply     = "reply"
)

// Config is one compiled-to-be trigger rule
type Config struct {
	Name    string
	Account string
	// Action is negotiate (drive a session with a bot) or reply (answer in the trigger chat)
	Action string

	Match    matcher.Options
	Governor governor.Options
	// Delay is waited after a match before acting
	Delay time.Duration
	// Budget bounds the wall-clock time of one trigger occurrence
	Budget time.Duration

	// Reply is sent by the reply action; {key} is replaced by the first key
	Reply string
	// FollowUser requires that many other senders post Reply first
	FollowUser int
	// FollowWait bounds the wait for followers
	FollowWait time.Duration

	Session    session.Config
	Format     credential.Format
	Payload    credential.Payload
	Classifier classifier.Config
	Retry      retry.Policy

	// Schedule, when set, also starts the negotiation daily without a trigger
	Schedule *Schedule

	// Notify enables notifications; Immediate marks them for push delivery
	Notify    bool
	Immediate bool
}

// Deps are the collaborators shared between monitors
type Deps struct {
	Client   chat.Client
	Registry *Registry
	// Dedup is optional; nil keeps handled ids in memory
	Dedup      governor.DedupStore
	Notifier   notify.Notifier
	Recognizer ocr.Recognizer
	Logger     *zap.Logger
	// Source seeds the probability gate; nil uses the clock
	Source rand.Source
}

type Monitor struct {
	cfg        Config
	client     chat.Client
	registry   *Registry
	notifier   notify.Notifier
	matcher    *matcher.Matcher
	governor   *governor.Governor
	runner     *session.Runner
	controller *retry.Controller
	logger     *zap.Logger
	wg         conc.WaitGroup
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// New compiles cfg. Any error wraps ErrConfiguration and no monitor is created.
func New(deps Deps, cfg Config) (*Monitor, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, configErr("monitor name is required")
	}
	if deps.Client == nil {
		return nil, configErr("%s: chat client is required", cfg.Name)
	}
	if cfg.Action == "" {
		cfg.Action = ActionNegotiate
	}
	if cfg.Action != ActionNegotiate && cfg.Action != ActionReply {
		return nil, configErr("%s: unknown action %q", cfg.Name, cfg.Action)
	}
	if cfg.Action == ActionReply && strings.TrimSpace(cfg.Reply) == "" {
		return nil, configErr("%s: reply action needs a reply text", cfg.Name)
	}
	if cfg.FollowUser < 0 || cfg.Budget < 0 || cfg.Delay < 0 {
		return nil, configErr("%s: negative follow_user, budget or delay", cfg.Name)
	}
	if cfg.Schedule != nil {
		if cfg.Action != ActionNegotiate || cfg.Session.StartCommand == "" {
			return nil, configErr("%s: a schedule needs the negotiate action and a start command", cfg.Name)
		}
		if cfg.Schedule.End < cfg.Schedule.Start || cfg.Schedule.End > 24*time.Hour {
			return nil, configErr("%s: bad schedule window", cfg.Name)
		}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
		deps.Registry.Attach(cfg.Account)
	}
	if !deps.Registry.Attached(cfg.Account) {
		return nil, configErr("%s: account %q is not attached", cfg.Name, cfg.Account)
	}
	logger := deps.Logger.Named("monitor").With(zap.String("monitor", cfg.Name), zap.String("account", cfg.Account))

	rule, err := matcher.Compile(cfg.Match)
	if err != nil {
		return nil, configErr("%s: %v", cfg.Name, err)
	}
	m := &Monitor{
		cfg:      cfg,
		client:   deps.Registry.Client(cfg.Account, deps.Client),
		registry: deps.Registry,
		notifier: deps.Notifier,
		governor: governor.New(cfg.Governor, deps.Dedup),
		logger:   logger,
	}
	if deps.Source != nil {
		m.matcher = matcher.NewWithSource(rule, deps.Source)
	} else {
		m.matcher = matcher.New(rule)
	}

	if cfg.Action == ActionNegotiate {
		if err := m.compileNegotiation(deps); err != nil {
			return nil, configErr("%s: %v", cfg.Name, err)
		}
	}
	return m, nil
}

func (m *Monitor) compileNegotiation(deps Deps) error {
	cfg := m.cfg
	if len(cfg.Classifier.Sets) == 0 {
		cfg.Classifier.Sets = classifier.DefaultSets()
	}
	clf, err := classifier.New(cfg.Classifier)
	if err != nil {
		return err
	}
	rules, err := credential.Compile(cfg.Format)
	if err != nil {
		return err
	}
	// Configured credentials are checked once here so a bad one never starts
	if !rules.Empty() {
		if err := rules.ValidateIdentifier(cfg.Payload); err != nil {
			return err
		}
		if cfg.Payload.Secret != "" {
			if err := rules.Validate(cfg.Payload); err != nil {
				return err
			}
		}
	}
	m.runner, err = session.New(session.Deps{
		Client:     m.client,
		Classifier: clf,
		Rules:      rules,
		Recognizer: deps.Recognizer,
		Throttler:  m.governor,
		Logger:     m.logger.Named("session"),
	}, cfg.Session)
	if err != nil {
		return err
	}
	m.controller = retry.New(cfg.Retry, m.logger.Named("retry"))
	return nil
}

func (m *Monitor) Name() string {
	return m.cfg.Name
}

// Handle evaluates ev and, when it is an admitted trigger, starts handling
// it in the background. It reports whether ev was admitted.
func (m *Monitor) Handle(ctx context.Context, ev *models.Event) bool {
	keys := m.matcher.Match(ev)
	if len(keys) == 0 {
		return false
	}
	admitted, err := m.governor.Admit(ctx, ev)
	if err != nil {
		m.logger.Error("Failed to admit event", zap.Error(err), zap.Int64("message_id", ev.ID))
		return false
	}
	if !admitted {
		m.logger.Debug("Event already handled or stale", zap.Int64("message_id", ev.ID))
		return false
	}
	m.logger.Info("Trigger admitted",
		zap.Int64("chat_id", ev.ChatID),
		zap.Int64("message_id", ev.ID),
		zap.Strings("keys", keys))

	m.wg.Go(func() {
		m.handle(ctx, ev, keys)
	})
	return true
}

// Trigger starts a negotiation without a trigger message, the way the
// schedule does
func (m *Monitor) Trigger(ctx context.Context) {
	m.logger.Info("Scheduled run started")
	m.wg.Go(func() {
		m.handle(ctx, nil, nil)
	})
}

// Run feeds events to Handle until the stream closes or ctx ends, then
// waits for in-flight negotiations. A scheduled monitor also fires daily
// while Run is active.
func (m *Monitor) Run(ctx context.Context, events <-chan *models.Event) error {
	defer m.Wait()
	if m.cfg.Schedule != nil {
		scheduled, cancel := context.WithCancel(ctx)
		defer cancel()
		m.wg.Go(func() {
			m.schedule(scheduled)
		})
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(ctx, ev)
		}
	}
}

// Wait blocks until every spawned negotiation finished
func (m *Monitor) Wait() {
	if r := m.wg.WaitAndRecover(); r != nil {
		m.logger.Error("Negotiation panicked", zap.Error(r.AsError()))
	}
}

func (m *Monitor) handle(ctx context.Context, ev *models.Event, keys []string) {
	if m.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Budget)
		defer cancel()
	}

	n := &models.Notification{
		ID:        uuid.NewString(),
		RuleName:  m.cfg.Name,
		Account:   m.cfg.Account,
		Bot:       m.bot(ev),
		Immediate: m.cfg.Immediate,
	}
	defer func() {
		n.CreatedAt = time.Now()
		m.notify(n)
	}()

	release, err := m.governor.AcquireSlot(ctx)
	if err != nil {
		n.Outcome, n.Detail = interrupted(err), "no free negotiation slot"
		return
	}
	defer release()

	if err := waitutil.Sleep(ctx, m.cfg.Delay); err != nil {
		n.Outcome, n.Detail = interrupted(err), "interrupted during delay"
		return
	}

	switch m.cfg.Action {
	case ActionReply:
		m.reply(ctx, ev, keys, n)
	default:
		m.negotiate(ctx, ev, keys, n)
	}
}

func (m *Monitor) negotiate(ctx context.Context, ev *models.Event, keys []string, n *models.Notification) {
	unlock, err := m.registry.Lock(ctx, m.cfg.Account, n.Bot)
	if err != nil {
		if errors.Is(err, ErrNotAttached) {
			n.Outcome, n.Detail = models.OutcomeCancelled, err.Error()
			return
		}
		n.Outcome, n.Detail = interrupted(err), "waiting for bot lock"
		return
	}
	defer unlock()

	payload := m.cfg.Payload
	if len(keys) > 0 {
		payload.Key = keys[0]
	}
	out := m.controller.Run(ctx, func(ctx context.Context, attempt int) session.Result {
		return m.runner.Run(ctx, session.Request{Trigger: ev, Payload: payload, Attempt: attempt})
	})

	n.Attempts = out.Attempts
	n.Detail = out.Last.Detail
	switch out.Status {
	case retry.StatusSuccess:
		n.Outcome = models.OutcomeSuccess
	case retry.StatusTerminal:
		n.Outcome = models.OutcomeTerminal
	case retry.StatusCancelled:
		n.Outcome = models.OutcomeCancelled
	case retry.StatusConfig:
		n.Outcome = models.OutcomeConfig
	default:
		n.Outcome = models.OutcomeExhausted
	}
}

// bot is the chat a negotiation for ev talks to, and the lock key
func (m *Monitor) bot(ev *models.Event) string {
	if m.cfg.Action == ActionNegotiate && m.cfg.Session.Bot != "" {
		return m.cfg.Session.Bot
	}
	if ev == nil {
		return ""
	}
	return ev.ChatKey()
}

func (m *Monitor) notify(n *models.Notification) {
	if !m.cfg.Notify || m.notifier == nil {
		return
	}
	// The trigger context may already be gone; the report must still go out
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Error("Failed to send notification", zap.Error(err), zap.String("outcome", string(n.Outcome)))
	}
}

func interrupted(err error) models.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeExhausted
	}
	return models.OutcomeCancelled
}
