package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/claimbot/internal/chat"
	"github.com/xaenox/claimbot/internal/chat/chattest"
	"github.com/xaenox/claimbot/internal/classifier"
	"github.com/xaenox/claimbot/internal/credential"
	"github.com/xaenox/claimbot/internal/models"
)

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, d := range s.slept {
		total += d
	}
	return total
}

func registerConfig() Config {
	cfg := DefaultConfig()
	cfg.Bot = "embybot"
	cfg.StartCommand = "/start"
	cfg.ControlKeywords = []string{"创建账户"}
	cfg.ClickDelayMin = 0
	cfg.ClickDelayMax = 0
	return cfg
}

func newRunner(t *testing.T, client chat.Client, cfg Config, format credential.Format, opts ...func(*Deps)) (*Runner, *sleepRecorder) {
	t.Helper()
	rules, err := credential.Compile(format)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	deps := Deps{
		Client:     client,
		Classifier: classifier.NewDefault(),
		Rules:      rules,
		Logger:     zaptest.NewLogger(t),
		Sleep:      rec.Sleep,
	}
	for _, o := range opts {
		o(&deps)
	}
	r, err := New(deps, cfg)
	require.NoError(t, err)
	return r, rec
}

// registrationBot scripts the usual /start -> panel -> prompt -> result flow
func registrationBot(result string) *chattest.Fake {
	f := chattest.New()
	f.OnSend = func(_, text string) ([]*models.Event, error) {
		if text == "/start" {
			return []*models.Event{chattest.Msg("欢迎使用本服务", "🔑 创建账户", "❓ 帮助")}, nil
		}
		if result == "" {
			return nil, nil
		}
		return []*models.Event{chattest.Msg(result)}, nil
	}
	f.OnClick = func(_ *models.Event, label string) (*chat.ClickAnswer, []*models.Event, error) {
		return nil, []*models.Event{chattest.Msg("您已进入注册状态，请在 120s 内发送 用户名 安全码")}, nil
	}
	return f
}

var alice = credential.Payload{Identifier: "alice", Secret: "4821"}

func TestRun_HappyPath(t *testing.T) {
	f := registrationBot("🎉 注册成功，欢迎加入")
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: alice, Attempt: 1})
	require.True(t, res.Succeeded(), res.Detail)
	assert.Equal(t, ResultObtained, res.Reached)
	assert.Equal(t, classifier.Success, res.Class)
	assert.NotEmpty(t, res.ID)
	assert.Contains(t, res.Prompt, "进入注册状态")

	sent := f.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "/start", sent[0].Text)
	assert.Equal(t, "alice 4821", sent[1].Text)
	require.Len(t, f.Clicks(), 1)
	assert.Equal(t, "🔑 创建账户", f.Clicks()[0].Label)
}

func TestRun_NoControl(t *testing.T) {
	f := chattest.New()
	f.OnSend = func(_, _ string) ([]*models.Event, error) {
		return []*models.Event{chattest.Msg("服务维护中", "❓ 帮助")}, nil
	}
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, KindNoControl, res.Kind)
	assert.Empty(t, f.Clicks())
}

func TestRun_PanelExplainsRejection(t *testing.T) {
	f := chattest.New()
	f.OnSend = func(_, _ string) ([]*models.Event, error) {
		return []*models.Event{chattest.Msg("🚫 注册已关闭，暂时停止注册")}, nil
	}
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindTerminal, res.Kind)
	assert.Equal(t, classifier.AlreadyUsed, res.Class)
}

func TestRun_TerminalPrompt(t *testing.T) {
	f := registrationBot("")
	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		return nil, []*models.Event{chattest.Msg("❌ 注册码已被使用")}, nil
	}
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindTerminal, res.Kind)
	assert.Equal(t, PromptObtained, res.Reached)
	assert.Len(t, f.Sent(), 1)
}

func TestRun_PanelTimeout(t *testing.T) {
	f := chattest.New()
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Equal(t, Idle, res.Reached)
}

// codeBot is a bot whose panel arrives as the trigger and takes a single code
func codeBot() (*chattest.Fake, *models.Event) {
	f := chattest.New()
	trigger := f.Push("embybot", chattest.Msg("欢迎，请选择操作", "使用注册码"))
	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		return nil, []*models.Event{chattest.Msg("请发送注册码")}, nil
	}
	f.OnSend = func(_, _ string) ([]*models.Event, error) {
		return []*models.Event{chattest.Msg("注册成功")}, nil
	}
	return f, trigger
}

func codeConfig() Config {
	cfg := DefaultConfig()
	cfg.Bot = "embybot"
	cfg.ControlKeywords = []string{"使用注册码"}
	cfg.ClickDelayMin = 0
	cfg.ClickDelayMax = 0
	return cfg
}

func TestRun_RateLimitedAtPromptResumesSameStep(t *testing.T) {
	f, trigger := codeBot()
	f.WaitErrors = []error{&chat.RateLimitedError{Wait: 5 * time.Second}}
	r, rec := newRunner(t, f, codeConfig(), credential.Format{Template: "{key}"})

	res := r.Run(context.Background(), Request{Trigger: trigger, Payload: credential.Payload{Key: "SHUFU-ABC"}})
	require.True(t, res.Succeeded(), res.Detail)
	assert.GreaterOrEqual(t, rec.Total(), 5*time.Second)
	assert.Len(t, f.Clicks(), 1)
	require.Len(t, f.Sent(), 1)
	assert.Equal(t, "SHUFU-ABC", f.Sent()[0].Text)
}

func TestRun_RateLimitWaitIsReallySlept(t *testing.T) {
	f, trigger := codeBot()
	f.WaitErrors = []error{&chat.RateLimitedError{Wait: 50 * time.Millisecond}}
	rules, err := credential.Compile(credential.Format{Template: "{key}"})
	require.NoError(t, err)
	r, err := New(Deps{Client: f, Classifier: classifier.NewDefault(), Rules: rules}, codeConfig())
	require.NoError(t, err)

	start := time.Now()
	res := r.Run(context.Background(), Request{Trigger: trigger, Payload: credential.Payload{Key: "K"}})
	assert.True(t, res.Succeeded())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRun_TooManyRateLimits(t *testing.T) {
	f, trigger := codeBot()
	for i := 0; i < 4; i++ {
		f.WaitErrors = append(f.WaitErrors, &chat.RateLimitedError{Wait: time.Duration(i+1) * time.Second})
	}
	r, _ := newRunner(t, f, codeConfig(), credential.Format{Template: "{key}"})

	res := r.Run(context.Background(), Request{Trigger: trigger, Payload: credential.Payload{Key: "K"}})
	assert.Equal(t, KindRateLimited, res.Kind)
	assert.Equal(t, 4*time.Second, res.Wait)
}

func TestRun_RateLimitedReply(t *testing.T) {
	f, trigger := codeBot()
	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		return nil, []*models.Event{chattest.Msg("操作过于频繁，请 30 秒后再试")}, nil
	}
	r, _ := newRunner(t, f, codeConfig(), credential.Format{Template: "{key}"})

	res := r.Run(context.Background(), Request{Trigger: trigger, Payload: credential.Payload{Key: "K"}})
	assert.Equal(t, KindRateLimited, res.Kind)
	assert.Equal(t, 30*time.Second, res.Wait)
	assert.Empty(t, f.Sent())
}

func TestRun_InvalidCredentialMakesNoCalls(t *testing.T) {
	f := registrationBot("注册成功")
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	res := r.Run(context.Background(), Request{Payload: credential.Payload{Identifier: "alice", Secret: "123"}})
	assert.Equal(t, KindConfig, res.Kind)
	assert.Equal(t, 0, f.Calls())

	format := credential.DefaultFormat()
	format.IdentifierPattern = ""
	format.Denylist = "@"
	r, _ = newRunner(t, f, registerConfig(), format)
	res = r.Run(context.Background(), Request{Payload: credential.Payload{Identifier: "user@name", Secret: "4821"}})
	assert.Equal(t, KindConfig, res.Kind)
	assert.Equal(t, 0, f.Calls())
}

func TestRun_ResultTimeout(t *testing.T) {
	t.Run("unknown by default", func(t *testing.T) {
		f := registrationBot("")
		r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())
		res := r.Run(context.Background(), Request{Payload: alice})
		assert.Equal(t, KindUnknown, res.Kind)
		assert.Equal(t, CredentialsSent, res.Reached)
	})

	t.Run("assumed success when enabled", func(t *testing.T) {
		f := registrationBot("")
		cfg := registerConfig()
		cfg.AssumeSuccessOnTimeout = true
		r, _ := newRunner(t, f, cfg, credential.DefaultFormat())
		res := r.Run(context.Background(), Request{Payload: alice})
		assert.True(t, res.Succeeded())
	})

	t.Run("result found in history", func(t *testing.T) {
		f := registrationBot("")
		f.OnSend = func(_, text string) ([]*models.Event, error) {
			if text == "/start" {
				return []*models.Event{chattest.Msg("欢迎", "创建账户")}, nil
			}
			// The reply lands but the wait misses it
			f.WaitErrors = []error{chat.ErrTimeout}
			return []*models.Event{chattest.Msg("注册成功")}, nil
		}
		r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())
		res := r.Run(context.Background(), Request{Payload: alice})
		assert.True(t, res.Succeeded(), res.Detail)
		assert.Equal(t, ResultObtained, res.Reached)
	})
}

func TestRun_AmbiguousResult(t *testing.T) {
	f := registrationBot("嗯？")
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())
	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindUnknown, res.Kind)

	f = registrationBot("嗯？")
	cfg := registerConfig()
	cfg.AmbiguousIsTerminal = true
	r, _ = newRunner(t, f, cfg, credential.DefaultFormat())
	res = r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindTerminal, res.Kind)
}

func TestRun_Cancelled(t *testing.T) {
	f := registrationBot("注册成功")
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Run(ctx, Request{Payload: alice})
	assert.Equal(t, KindCancelled, res.Kind)

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	res = r.Run(ctx, Request{Payload: alice})
	assert.Equal(t, KindBudget, res.Kind)
}

type countingThrottler struct{ n atomic.Int32 }

func (c *countingThrottler) Throttle(ctx context.Context) error {
	c.n.Add(1)
	return ctx.Err()
}

func TestRun_ThrottlesOncePerAttempt(t *testing.T) {
	f := registrationBot("注册成功")
	th := &countingThrottler{}
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat(), func(d *Deps) { d.Throttler = th })

	require.True(t, r.Run(context.Background(), Request{Payload: alice}).Succeeded())
	assert.Equal(t, int32(1), th.n.Load())
}

func TestRun_RedEnvelopeClickAnswer(t *testing.T) {
	f := chattest.New()
	trigger := f.Push("-100123", chattest.Msg("🧧 发了一个红包", "领取"))
	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		return &chat.ClickAnswer{Message: "恭喜，已经收到了 0.5 元", Alert: true}, nil, nil
	}
	cfg := DefaultConfig()
	cfg.ControlKeywords = []string{"领取"}
	cfg.ClickDelayMin, cfg.ClickDelayMax = 0, 0
	r, _ := newRunner(t, f, cfg, credential.Format{})

	res := r.Run(context.Background(), Request{Trigger: trigger})
	assert.True(t, res.Succeeded(), res.Detail)
	assert.Empty(t, f.Sent())

	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		return &chat.ClickAnswer{Message: "来晚了，红包已被使用完", Alert: true}, nil, nil
	}
	res = r.Run(context.Background(), Request{Trigger: trigger})
	assert.Equal(t, KindTerminal, res.Kind)
}

// checkinBot scripts a panel that needs three clicks in order
func checkinBot() *chattest.Fake {
	f := chattest.New()
	f.OnSend = func(_, text string) ([]*models.Event, error) {
		return []*models.Event{chattest.Msg("签到面板", "F1", "帮助")}, nil
	}
	f.OnClick = func(_ *models.Event, label string) (*chat.ClickAnswer, []*models.Event, error) {
		switch label {
		case "F1":
			return nil, []*models.Event{chattest.Msg("准备开始", "准备好了")}, nil
		case "准备好了":
			return nil, []*models.Event{chattest.Msg("比赛中", "加速", "退出")}, nil
		case "加速":
			return &chat.ClickAnswer{Message: "🎉 签到成功，获得 10 积分"}, nil, nil
		}
		return nil, nil, nil
	}
	return f
}

func checkinConfig() Config {
	cfg := DefaultConfig()
	cfg.Bot = "checkinbot"
	cfg.StartCommand = "/start"
	cfg.ControlKeywords = []string{"F1", "准备好了", "加速"}
	cfg.ControlSequence = true
	cfg.ClickDelayMin, cfg.ClickDelayMax = 0, 0
	return cfg
}

func TestRun_ControlSequence(t *testing.T) {
	f := checkinBot()
	r, _ := newRunner(t, f, checkinConfig(), credential.Format{})

	res := r.Run(context.Background(), Request{Attempt: 1})
	require.True(t, res.Succeeded(), res.Detail)
	assert.Contains(t, res.Detail, "签到成功")

	var labels []string
	for _, c := range f.Clicks() {
		labels = append(labels, c.Label)
	}
	assert.Equal(t, []string{"F1", "准备好了", "加速"}, labels)
	require.Len(t, f.Sent(), 1)
	assert.Equal(t, "/start", f.Sent()[0].Text)
}

func TestRun_ControlSequenceStepMissing(t *testing.T) {
	f := checkinBot()
	f.OnClick = func(_ *models.Event, label string) (*chat.ClickAnswer, []*models.Event, error) {
		return nil, []*models.Event{chattest.Msg("准备开始", "稍后再来")}, nil
	}
	cfg := checkinConfig()
	cfg.PanelTimeout = 10 * time.Millisecond
	r, _ := newRunner(t, f, cfg, credential.Format{})

	res := r.Run(context.Background(), Request{Attempt: 1})
	assert.False(t, res.Succeeded())
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Len(t, f.Clicks(), 1)
}

func TestRun_WithoutSequenceClicksOnce(t *testing.T) {
	f := checkinBot()
	cfg := checkinConfig()
	cfg.ControlSequence = false
	cfg.ResultTimeout = 10 * time.Millisecond
	r, _ := newRunner(t, f, cfg, credential.Format{})

	r.Run(context.Background(), Request{Attempt: 1})
	require.Len(t, f.Clicks(), 1)
	assert.Equal(t, "F1", f.Clicks()[0].Label)
}

type stubRecognizer struct{ text string }

func (s stubRecognizer) Recognize(context.Context, []byte) (string, error) {
	return s.text, nil
}

type downloadingFake struct {
	*chattest.Fake
}

func (downloadingFake) Download(context.Context, *models.Event) ([]byte, error) {
	return []byte("image"), nil
}

func TestRun_SecretFromChallengeImage(t *testing.T) {
	f := registrationBot("注册成功")
	f.OnClick = func(_ *models.Event, _ string) (*chat.ClickAnswer, []*models.Event, error) {
		prompt := chattest.Msg("您已进入注册状态，请发送 用户名 和图中的安全码")
		prompt.Media = "photo"
		return nil, []*models.Event{prompt}, nil
	}
	r, _ := newRunner(t, downloadingFake{f}, registerConfig(), credential.DefaultFormat(), func(d *Deps) {
		d.Recognizer = stubRecognizer{text: " 48 21 "}
	})

	res := r.Run(context.Background(), Request{Payload: credential.Payload{Identifier: "alice"}})
	require.True(t, res.Succeeded(), res.Detail)
	assert.Equal(t, "alice 4821", f.Sent()[1].Text)
}

func TestRun_SecretResolution(t *testing.T) {
	f := registrationBot("注册成功")
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())
	res := r.Run(context.Background(), Request{Payload: credential.Payload{Identifier: "alice"}})
	assert.Equal(t, KindConfig, res.Kind)
	assert.Equal(t, PromptObtained, res.Reached)

	f = registrationBot("注册成功")
	cfg := registerConfig()
	cfg.GenerateSecret = true
	r, _ = newRunner(t, f, cfg, credential.DefaultFormat())
	res = r.Run(context.Background(), Request{Payload: credential.Payload{Identifier: "alice"}})
	require.True(t, res.Succeeded(), res.Detail)
	assert.Regexp(t, `^alice \d{4,7}$`, f.Sent()[1].Text)
}

func TestRun_DeliveryErrorIsTransient(t *testing.T) {
	f := chattest.New()
	f.OnSend = func(_, _ string) ([]*models.Event, error) {
		return nil, &chat.DeliveryError{Err: errors.New("bot was blocked")}
	}
	r, _ := newRunner(t, f, registerConfig(), credential.DefaultFormat())
	res := r.Run(context.Background(), Request{Payload: alice})
	assert.Equal(t, KindTransient, res.Kind)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	rules, err := credential.Compile(credential.DefaultFormat())
	require.NoError(t, err)
	deps := Deps{Client: chattest.New(), Classifier: classifier.NewDefault(), Rules: rules}

	cfg := registerConfig()
	cfg.PromptFilter = "("
	_, err = New(deps, cfg)
	assert.Error(t, err)

	cfg = registerConfig()
	cfg.ClickDelayMin = time.Second
	cfg.ClickDelayMax = time.Millisecond
	_, err = New(deps, cfg)
	assert.Error(t, err)

	_, err = New(Deps{}, registerConfig())
	assert.Error(t, err)
}
