// Package session drives one negotiation attempt with a remote bot: obtain
// the panel, click the control, read the prompt, send the credential and
// read the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/classifier"
	"github.com/xaenox/claimbot/internal/credential"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/ocr"
	"github.com/xaenox/claimbot/internal/waitutil"
)

// State is a step of the negotiation
type State string

const (
	Idle                 State = "idle"
	PanelObtained        State = "panel_obtained"
	ControlClicked       State = "control_clicked"
	PromptObtained       State = "prompt_obtained"
	CredentialsValidated State = "credentials_validated"
	CredentialsSent      State = "credentials_sent"
	ResultObtained       State = "result_obtained"
	Succeeded            State = "succeeded"
	Failed               State = "failed"
)

// Kind says why a session failed
type Kind string

const (
	KindNone        Kind = ""
	KindTimeout     Kind = "timeout"
	KindNoControl   Kind = "no_control"
	KindTerminal    Kind = "terminal"
	KindConfig      Kind = "config"
	KindUnknown     Kind = "unknown"
	KindCancelled   Kind = "cancelled"
	KindBudget      Kind = "budget"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
)

// Result is the terminal state of one attempt
type Result struct {
	ID string
	// State is Succeeded or Failed
	State State
	// Reached is the last state entered before the session ended
	Reached State
	Kind    Kind
	Class   classifier.Class
	// Wait is the delay the remote system mandated, if any
	Wait   time.Duration
	Prompt string
	Detail string
	Err    error
}

// Succeeded reports whether the claim went through
func (r Result) Succeeded() bool {
	return r.State == Succeeded
}

// Config is the bot-specific part of a trigger rule
type Config struct {
	// Bot is the chat the negotiation happens in
	Bot string
	// StartCommand opens the panel; empty uses the trigger message as the panel
	StartCommand string
	// ControlKeywords select the control to click; empty treats the panel as the prompt
	ControlKeywords []string
	// ControlSequence clicks every keyword in order instead of the first one
	// found, each on the panel the previous click produced
	ControlSequence bool
	// PromptFilter, when set, only accepts replies matching it as the prompt
	PromptFilter string

	PanelTimeout  time.Duration
	PromptTimeout time.Duration
	ResultTimeout time.Duration

	ClickDelayMin time.Duration
	ClickDelayMax time.Duration

	// AssumeSuccessOnTimeout reports success when no result arrives after sending
	AssumeSuccessOnTimeout bool
	// AmbiguousIsTerminal treats unreadable replies as a final rejection
	AmbiguousIsTerminal bool
	// GenerateSecret draws a random secret when none is configured or recognized
	GenerateSecret bool
	// MaxRateLimitWaits bounds consecutive flood waits honored inside one attempt
	MaxRateLimitWaits int
	// HistoryScan is how many recent messages are checked after a result timeout
	HistoryScan int
}

// DefaultConfig holds the tunables used when a rule leaves them unset
func DefaultConfig() Config {
	return Config{
		PanelTimeout:      10 * time.Second,
		PromptTimeout:     30 * time.Second,
		ResultTimeout:     60 * time.Second,
		ClickDelayMin:     500 * time.Millisecond,
		ClickDelayMax:     1500 * time.Millisecond,
		MaxRateLimitWaits: 3,
		HistoryScan:       10,
	}
}

// Throttler spaces chat-altering actions
type Throttler interface {
	Throttle(ctx context.Context) error
}

// Deps are the collaborators of a Runner
type Deps struct {
	Client     chat.Client
	Classifier classifier.Classifier
	Rules      *credential.Rules
	// Recognizer is optional; it resolves image challenges when no secret is configured
	Recognizer ocr.Recognizer
	// Throttler is optional
	Throttler Throttler
	Logger    *zap.Logger
	// Sleep replaces the context-aware sleep, mainly for tests
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand drives the click delay and generated secrets
	Rand *rand.Rand
}

// Request is one attempt's input
type Request struct {
	Trigger *models.Event
	Payload credential.Payload
	Attempt int
}

// Runner executes attempts for one bot. It is safe for concurrent use, but
// attempts against the same bot must be serialized by the caller.
type Runner struct {
	cfg  Config
	deps Deps
	// steps holds the folded keywords of each click; one step unless
	// ControlSequence is set
	steps  [][]string
	prompt *regexp.Regexp
	rndMu  sync.Mutex
}

// New compiles cfg against deps
func New(deps Deps, cfg Config) (*Runner, error) {
	if deps.Client == nil {
		return nil, errors.New("session: chat client is required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("session: classifier is required")
	}
	if deps.Rules == nil {
		return nil, errors.New("session: credential rules are required")
	}
	if strings.TrimSpace(cfg.Bot) == "" && cfg.StartCommand != "" {
		return nil, errors.New("session: start command needs a bot")
	}
	if cfg.ClickDelayMax < cfg.ClickDelayMin {
		return nil, fmt.Errorf("session: click delay range %s..%s", cfg.ClickDelayMin, cfg.ClickDelayMax)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sleep == nil {
		deps.Sleep = waitutil.Sleep
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.MaxRateLimitWaits <= 0 {
		cfg.MaxRateLimitWaits = 3
	}
	if cfg.HistoryScan <= 0 {
		cfg.HistoryScan = 10
	}

	r := &Runner{cfg: cfg, deps: deps}
	var controls []string
	for _, k := range cfg.ControlKeywords {
		if f := classifier.Fold(k); f != "" {
			controls = append(controls, f)
		}
	}
	switch {
	case len(controls) == 0:
	case cfg.ControlSequence:
		for _, k := range controls {
			r.steps = append(r.steps, []string{k})
		}
	default:
		r.steps = [][]string{controls}
	}
	if cfg.PromptFilter != "" {
		re, err := regexp.Compile("(?i)" + cfg.PromptFilter)
		if err != nil {
			return nil, fmt.Errorf("session: prompt filter: %w", err)
		}
		r.prompt = re
	}
	return r, nil
}

// attempt is the mutable state of one Run
type attempt struct {
	id        string
	state     State
	payload   credential.Payload
	prompt    string
	rateWaits int
	logger    *zap.Logger
}

func (a *attempt) enter(s State) {
	a.state = s
	a.logger.Debug("Session state", zap.String("state", string(s)))
}

// errRateLimitExceeded ends an attempt after too many consecutive flood waits
type errRateLimitExceeded struct {
	wait time.Duration
}

func (e *errRateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limited too many times, last wait %s", e.wait)
}

// Run executes one attempt. It never returns an error: every failure below
// the session becomes a Failed result.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	a := &attempt{
		id:      uuid.NewString(),
		state:   Idle,
		payload: req.Payload,
	}
	a.logger = r.deps.Logger.With(
		zap.String("session", a.id),
		zap.String("bot", r.cfg.Bot),
		zap.Int("attempt", req.Attempt),
	)

	res := r.run(ctx, a, req.Trigger)
	res.ID = a.id
	res.Reached = a.state
	res.Prompt = a.prompt
	if res.Succeeded() {
		a.logger.Info("Session succeeded", zap.String("detail", res.Detail))
	} else {
		a.logger.Info("Session failed",
			zap.String("kind", string(res.Kind)),
			zap.String("state", string(a.state)),
			zap.String("detail", res.Detail),
			zap.Error(res.Err))
	}
	return res
}

func (r *Runner) run(ctx context.Context, a *attempt, trigger *models.Event) Result {
	rules := r.deps.Rules
	if !rules.Empty() {
		if err := rules.ValidateIdentifier(a.payload); err != nil {
			return configFailure(err)
		}
		if a.payload.Secret != "" || !rules.NeedsSecret() {
			if err := rules.Validate(a.payload); err != nil {
				return configFailure(err)
			}
		}
	}

	if r.deps.Throttler != nil {
		if err := r.deps.Throttler.Throttle(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	panel, res, ok := r.obtainPanel(ctx, a, trigger)
	if !ok {
		return res
	}

	reply := panel
	var mark time.Time
	if len(r.steps) > 0 {
		var done bool
		mark, res, done = r.clickControl(ctx, a, panel)
		if done {
			return res
		}
		reply = nil
	}

	bot := r.bot(panel)
	after := idIn(panel, bot)
	if rules.Empty() {
		if reply == nil {
			var err error
			reply, err = r.wait(ctx, a, bot, mark, after, nil, r.cfg.ResultTimeout)
			if err != nil {
				if errors.Is(err, chat.ErrTimeout) {
					return r.resultTimeout(ctx, a, bot, mark, after)
				}
				return r.fail(ctx, err)
			}
		}
		a.enter(ResultObtained)
		return r.judge(reply)
	}

	if reply == nil {
		var err error
		reply, err = r.wait(ctx, a, bot, mark, after, r.promptFilter(), r.cfg.PromptTimeout)
		if err != nil {
			return r.fail(ctx, err)
		}
	}
	a.prompt = reply.Content()
	a.enter(PromptObtained)
	if res, done := r.readPrompt(a, reply); done {
		return res
	}

	if res, ok := r.resolveSecret(ctx, a, reply); !ok {
		return res
	}
	if err := rules.Validate(a.payload); err != nil {
		return configFailure(err)
	}
	a.enter(CredentialsValidated)

	bot = r.bot(reply)
	mark = time.Now()
	var sent *models.Event
	err := r.call(ctx, a, func() error {
		var err error
		sent, err = r.deps.Client.Send(ctx, bot, rules.Render(a.payload))
		return err
	})
	if err != nil {
		return r.fail(ctx, err)
	}
	a.enter(CredentialsSent)

	after = idIn(sent, bot)
	result, err := r.wait(ctx, a, bot, mark, after, nil, r.cfg.ResultTimeout)
	if err != nil {
		if errors.Is(err, chat.ErrTimeout) {
			return r.resultTimeout(ctx, a, bot, mark, after)
		}
		return r.fail(ctx, err)
	}
	a.enter(ResultObtained)
	return r.judge(result)
}

// idIn is the id of ev when it belongs to chat, zero otherwise
func idIn(ev *models.Event, chatKey string) int64 {
	if ev == nil || !ev.FromChat(chatKey) {
		return 0
	}
	return ev.ID
}

// bot is the chat replies are expected in
func (r *Runner) bot(ev *models.Event) string {
	if r.cfg.Bot != "" {
		return r.cfg.Bot
	}
	if ev != nil {
		return ev.ChatKey()
	}
	return ""
}

func (r *Runner) obtainPanel(ctx context.Context, a *attempt, trigger *models.Event) (*models.Event, Result, bool) {
	if r.cfg.StartCommand == "" {
		if trigger == nil {
			return nil, configFailure(errors.New("no start command and no trigger message to act on")), false
		}
		a.enter(PanelObtained)
		return trigger, Result{}, true
	}

	mark := time.Now()
	var sent *models.Event
	err := r.call(ctx, a, func() error {
		var err error
		sent, err = r.deps.Client.Send(ctx, r.cfg.Bot, r.cfg.StartCommand)
		return err
	})
	if err != nil {
		return nil, r.fail(ctx, err), false
	}
	panel, err := r.wait(ctx, a, r.cfg.Bot, mark, idIn(sent, r.cfg.Bot), nil, r.cfg.PanelTimeout)
	if err != nil {
		return nil, r.fail(ctx, err), false
	}
	a.enter(PanelObtained)
	return panel, Result{}, true
}

// findControl returns the first label matching one of keys, keys taking
// priority in their configured order.
func findControl(ev *models.Event, keys []string) (string, bool) {
	labels := ev.Labels()
	for _, k := range keys {
		for _, l := range labels {
			if strings.Contains(classifier.Fold(l), k) {
				return l, true
			}
		}
	}
	return "", false
}

// clickControl runs every click step. Each later step waits for a panel,
// new or edited, that carries its control.
func (r *Runner) clickControl(ctx context.Context, a *attempt, panel *models.Event) (time.Time, Result, bool) {
	var mark time.Time
	for i, keys := range r.steps {
		if i > 0 {
			next, err := r.wait(ctx, a, r.bot(panel), mark, 0, func(ev *models.Event) bool {
				_, ok := findControl(ev, keys)
				return ok
			}, r.cfg.PanelTimeout)
			if err != nil {
				return time.Time{}, r.fail(ctx, err), true
			}
			panel = next
		}
		var (
			res  Result
			done bool
		)
		mark, res, done = r.click(ctx, a, panel, keys, i == len(r.steps)-1)
		if done {
			return mark, res, true
		}
	}
	return mark, Result{}, false
}

// click presses the control matching keys on panel. Only the last step may
// turn the click answer into the result.
func (r *Runner) click(ctx context.Context, a *attempt, panel *models.Event, keys []string, last bool) (time.Time, Result, bool) {
	label, ok := findControl(panel, keys)
	if !ok {
		// A panel without the control usually says why
		c := r.deps.Classifier.Classify(panel.Content(), panel.HasControls())
		if c.Class.Terminal() {
			return time.Time{}, terminal(c, panel.Content()), true
		}
		if c.Class == classifier.RateLimited {
			return time.Time{}, rateLimited(c), true
		}
		return time.Time{}, Result{
			State:  Failed,
			Kind:   KindNoControl,
			Class:  c.Class,
			Detail: fmt.Sprintf("no control matching %v", keys),
		}, true
	}

	if err := r.deps.Sleep(ctx, r.clickDelay()); err != nil {
		return time.Time{}, r.fail(ctx, err), true
	}
	mark := time.Now()
	var answer *chat.ClickAnswer
	err := r.call(ctx, a, func() error {
		var err error
		answer, err = r.deps.Client.Click(ctx, panel, label)
		return err
	})
	if err != nil {
		return time.Time{}, r.fail(ctx, err), true
	}
	a.enter(ControlClicked)
	a.logger.Debug("Clicked control", zap.String("label", label))

	if answer == nil || strings.TrimSpace(answer.Message) == "" {
		return mark, Result{}, false
	}
	c := r.deps.Classifier.Classify(answer.Message, false)
	if last && r.deps.Rules.Empty() {
		// Nothing to send: the answer is the result
		a.enter(ResultObtained)
		return mark, r.verdict(c, answer.Message), true
	}
	switch {
	case c.Class.Terminal():
		return mark, terminal(c, answer.Message), true
	case c.Class == classifier.RateLimited:
		return mark, rateLimited(c), true
	}
	return mark, Result{}, false
}

func (r *Runner) clickDelay() time.Duration {
	lo, hi := r.cfg.ClickDelayMin, r.cfg.ClickDelayMax
	if hi <= lo {
		return lo
	}
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return lo + time.Duration(r.deps.Rand.Int63n(int64(hi-lo)+1))
}

// readPrompt classifies the prompt; done means the session ends here
func (r *Runner) readPrompt(a *attempt, prompt *models.Event) (Result, bool) {
	c := r.deps.Classifier.Classify(prompt.Content(), prompt.HasControls())
	a.logger.Debug("Classified prompt",
		zap.String("class", string(c.Class)),
		zap.Float64("confidence", c.Confidence))
	switch c.Class {
	case classifier.AwaitingInput:
		return Result{}, false
	case classifier.AlreadyUsed, classifier.Invalid:
		return terminal(c, prompt.Content()), true
	case classifier.RateLimited:
		return rateLimited(c), true
	case classifier.Success:
		return Result{State: Succeeded, Class: c.Class, Detail: prompt.Content()}, true
	case classifier.TransientError:
		return Result{State: Failed, Kind: KindTransient, Class: c.Class, Detail: prompt.Content()}, true
	}
	// The filter already vouched for this reply being the prompt
	if r.prompt != nil {
		return Result{}, false
	}
	return r.ambiguous(c, prompt.Content()), true
}

func (r *Runner) resolveSecret(ctx context.Context, a *attempt, prompt *models.Event) (Result, bool) {
	rules := r.deps.Rules
	if !rules.NeedsSecret() || a.payload.Secret != "" {
		return Result{}, true
	}
	if r.deps.Recognizer != nil && prompt.Media != "" {
		if dl, ok := r.deps.Client.(chat.Downloader); ok {
			secret, err := r.recognize(ctx, dl, prompt)
			if err != nil {
				if ctx.Err() != nil {
					return r.fail(ctx, err), false
				}
				a.logger.Warn("Failed to recognize challenge", zap.Error(err))
				if !r.cfg.GenerateSecret {
					return Result{State: Failed, Kind: KindTransient, Detail: "challenge not recognized", Err: err}, false
				}
			} else if secret != "" {
				a.payload.Secret = secret
				return Result{}, true
			}
		}
	}
	if r.cfg.GenerateSecret {
		r.rndMu.Lock()
		a.payload.Secret = rules.GenerateSecret(r.deps.Rand)
		r.rndMu.Unlock()
		return Result{}, true
	}
	return configFailure(errors.New("no secret configured and none could be recognized or generated")), false
}

func (r *Runner) recognize(ctx context.Context, dl chat.Downloader, prompt *models.Event) (string, error) {
	image, err := dl.Download(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("download challenge: %w", err)
	}
	text, err := r.deps.Recognizer.Recognize(ctx, image)
	if err != nil {
		return "", err
	}
	return ocr.Clean(text), nil
}

// judge classifies the final reply
func (r *Runner) judge(reply *models.Event) Result {
	c := r.deps.Classifier.Classify(reply.Content(), reply.HasControls())
	return r.verdict(c, reply.Content())
}

func (r *Runner) verdict(c classifier.Result, text string) Result {
	switch c.Class {
	case classifier.Success:
		return Result{State: Succeeded, Class: c.Class, Detail: text}
	case classifier.AlreadyUsed, classifier.Invalid:
		return terminal(c, text)
	case classifier.RateLimited:
		return rateLimited(c)
	case classifier.TransientError:
		return Result{State: Failed, Kind: KindTransient, Class: c.Class, Detail: text}
	}
	return r.ambiguous(c, text)
}

// resultTimeout looks for a result that arrived outside the wait before
// giving up on it.
func (r *Runner) resultTimeout(ctx context.Context, a *attempt, bot string, mark time.Time, after int64) Result {
	var recent []*models.Event
	err := r.call(ctx, a, func() error {
		var err error
		recent, err = r.deps.Client.History(ctx, bot, r.cfg.HistoryScan)
		return err
	})
	if err != nil && ctx.Err() != nil {
		return r.fail(ctx, err)
	}
	accept := chat.All(chat.NotOutgoing(), chat.ReceivedSince(mark), chat.After(after))
	for _, ev := range recent {
		if !accept(ev) {
			continue
		}
		c := r.deps.Classifier.Classify(ev.Content(), ev.HasControls())
		if c.Class == classifier.Unknown || c.Class == classifier.AwaitingInput {
			continue
		}
		a.enter(ResultObtained)
		return r.verdict(c, ev.Content())
	}

	if r.cfg.AssumeSuccessOnTimeout {
		a.logger.Warn("No result before timeout, assuming success")
		return Result{State: Succeeded, Class: classifier.Unknown, Detail: "no reply, success assumed"}
	}
	return Result{State: Failed, Kind: KindUnknown, Class: classifier.Unknown, Detail: "no result before timeout", Err: chat.ErrTimeout}
}

func (r *Runner) ambiguous(c classifier.Result, text string) Result {
	kind := KindUnknown
	if r.cfg.AmbiguousIsTerminal {
		kind = KindTerminal
	}
	return Result{State: Failed, Kind: kind, Class: c.Class, Detail: text}
}

func (r *Runner) promptFilter() chat.Filter {
	if r.prompt == nil {
		return nil
	}
	return func(ev *models.Event) bool {
		return r.prompt.MatchString(ev.Content())
	}
}

// wait returns the next bot reply newer than both mark and the message
// after and accepted by match, honoring flood waits.
func (r *Runner) wait(ctx context.Context, a *attempt, bot string, mark time.Time, after int64, match chat.Filter, timeout time.Duration) (*models.Event, error) {
	filter := chat.All(chat.NotOutgoing(), chat.ReceivedSince(mark), chat.After(after), match)
	var reply *models.Event
	err := r.call(ctx, a, func() error {
		var err error
		reply, err = r.deps.Client.WaitForReply(ctx, bot, filter, timeout)
		return err
	})
	return reply, err
}

// call runs fn, sleeping out flood waits and repeating the same step
func (r *Runner) call(ctx context.Context, a *attempt, fn func() error) error {
	for {
		err := fn()
		wait, limited := chat.AsRateLimited(err)
		if !limited {
			a.rateWaits = 0
			return err
		}
		a.rateWaits++
		if a.rateWaits > r.cfg.MaxRateLimitWaits {
			return &errRateLimitExceeded{wait: wait}
		}
		a.logger.Warn("Rate limited by remote, waiting",
			zap.Duration("wait", wait),
			zap.String("state", string(a.state)))
		if err := r.deps.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// fail turns an error from below the session into a result
func (r *Runner) fail(ctx context.Context, err error) Result {
	res := Result{State: Failed, Err: err}
	var rl *errRateLimitExceeded
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		res.Kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Kind = KindBudget
	case errors.As(err, &rl):
		res.Kind = KindRateLimited
		res.Wait = rl.wait
	case errors.Is(err, chat.ErrTimeout):
		res.Kind = KindTimeout
	case credential.IsFormatError(err):
		res.Kind = KindConfig
	default:
		res.Kind = KindTransient
	}
	res.Detail = err.Error()
	return res
}

func configFailure(err error) Result {
	return Result{State: Failed, Kind: KindConfig, Detail: err.Error(), Err: err}
}

func terminal(c classifier.Result, text string) Result {
	return Result{State: Failed, Kind: KindTerminal, Class: c.Class, Detail: text}
}

func rateLimited(c classifier.Result) Result {
	return Result{State: Failed, Kind: KindRateLimited, Class: c.Class, Wait: c.Wait, Detail: "remote asked to slow down"}
}
