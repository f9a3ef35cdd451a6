package config

import (
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/xaenox/claimbot/internal/credential"
	"github.com/xaenox/claimbot/internal/governor"
)

// MonitorConfig is one trigger rule as written in the config file
type MonitorConfig struct {
	Name    string `mapstructure:"name"`
	Account string `mapstructure:"account"`
	// Action is negotiate or reply
	Action string `mapstructure:"action"`

	Match      MatchConfig      `mapstructure:"match"`
	Governor   GovernorConfig   `mapstructure:"governor"`
	Delay      time.Duration    `mapstructure:"delay"`
	Budget     time.Duration    `mapstructure:"budget"`
	Reply      ReplyConfig      `mapstructure:"reply"`
	Session    SessionConfig    `mapstructure:"session"`
	Credential CredentialConfig `mapstructure:"credential"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Notify     MonitorNotify    `mapstructure:"notify"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

type MatchConfig struct {
	Chats      []string `mapstructure:"chats"`
	Keywords   []string `mapstructure:"keywords"`
	Exclusions []string `mapstructure:"exclusions"`
	Senders    []string `mapstructure:"senders"`
	// Probability defaults to 1
	Probability  *float64 `mapstructure:"probability"`
	AllowEdit    bool     `mapstructure:"allow_edit"`
	AllowCaption bool     `mapstructure:"allow_caption"`
	// AllowText defaults to true
	AllowText     *bool `mapstructure:"allow_text"`
	AllowOutgoing bool  `mapstructure:"allow_outgoing"`
}

type GovernorConfig struct {
	Validity    time.Duration `mapstructure:"validity"`
	MaxParallel int           `mapstructure:"max_parallel"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	// DedupSize bounds the in-memory dedup cache; keep it above the number
	// of distinct triggers expected per validity window
	DedupSize int `mapstructure:"dedup_size"`
}

type ReplyConfig struct {
	Text       string        `mapstructure:"text"`
	FollowUser int           `mapstructure:"follow_user"`
	FollowWait time.Duration `mapstructure:"follow_wait"`
}

type SessionConfig struct {
	Bot                    string        `mapstructure:"bot"`
	StartCommand           string        `mapstructure:"start_command"`
	ControlKeywords        []string      `mapstructure:"control_keywords"`
	ControlSequence        bool          `mapstructure:"control_sequence"`
	PromptFilter           string        `mapstructure:"prompt_filter"`
	PanelTimeout           time.Duration `mapstructure:"panel_timeout"`
	PromptTimeout          time.Duration `mapstructure:"prompt_timeout"`
	ResultTimeout          time.Duration `mapstructure:"result_timeout"`
	ClickDelayMin          time.Duration `mapstructure:"click_delay_min"`
	ClickDelayMax          time.Duration `mapstructure:"click_delay_max"`
	AssumeSuccessOnTimeout bool          `mapstructure:"assume_success_on_timeout"`
	AmbiguousIsTerminal    bool          `mapstructure:"ambiguous_is_terminal"`
	GenerateSecret         bool          `mapstructure:"generate_secret"`
	MaxRateLimitWaits      int           `mapstructure:"max_rate_limit_waits"`
	HistoryScan            int           `mapstructure:"history_scan"`
}

type CredentialConfig struct {
	// Template is empty when the bot takes no credential
	Template          string `mapstructure:"template"`
	IdentifierPattern string `mapstructure:"identifier_pattern"`
	Denylist          string `mapstructure:"denylist"`
	IdentifierMin     int    `mapstructure:"identifier_min"`
	IdentifierMax     int    `mapstructure:"identifier_max"`
	SecretMin         int    `mapstructure:"secret_min"`
	SecretMax         int    `mapstructure:"secret_max"`
	Identifier        string `mapstructure:"identifier"`
	Secret            string `mapstructure:"secret"`
}

type IndicatorConfig struct {
	Text   string  `mapstructure:"text"`
	Regex  string  `mapstructure:"regex"`
	Weight float64 `mapstructure:"weight"`
}

type IndicatorSetConfig struct {
	Class       string            `mapstructure:"class"`
	Indicators  []IndicatorConfig `mapstructure:"indicators"`
	Anchors     []string          `mapstructure:"anchors"`
	Threshold   float64           `mapstructure:"threshold"`
	WaitPattern string            `mapstructure:"wait_pattern"`
}

// ClassifierConfig replaces the built-in indicator sets when Sets is not empty
type ClassifierConfig struct {
	Sets          []IndicatorSetConfig `mapstructure:"sets"`
	EmptyFallback string               `mapstructure:"empty_fallback"`
}

type RetryConfig struct {
	TransientBudget int           `mapstructure:"transient_budget"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Delay           time.Duration `mapstructure:"delay"`
	Linear          bool          `mapstructure:"linear"`
	RateLimitWait   time.Duration `mapstructure:"rate_limit_wait"`
}

// ScheduleConfig runs a negotiate monitor daily, e.g. at: "09:00-12:00"
type ScheduleConfig struct {
	At string `mapstructure:"at"`
}

type MonitorNotify struct {
	// Send defaults to true
	Send      *bool `mapstructure:"send"`
	Immediate bool  `mapstructure:"immediate"`
}

func (m *MonitorConfig) applyDefaults() {
	if m.Action == "" {
		m.Action = "negotiate"
	}
	if m.Account == "" {
		m.Account = "default"
	}
	if m.Match.Probability == nil {
		p := 1.0
		m.Match.Probability = &p
	}
	if m.Match.AllowText == nil {
		t := true
		m.Match.AllowText = &t
	}
	if m.Budget == 0 {
		m.Budget = 2 * time.Minute
	}

	g := &m.Governor
	if g.Validity == 0 {
		g.Validity = 10 * time.Minute
	}
	if g.MaxParallel == 0 {
		g.MaxParallel = 1
	}
	if g.DedupSize == 0 {
		g.DedupSize = governor.DefaultDedupSize
	}

	if m.Reply.FollowWait == 0 {
		m.Reply.FollowWait = 30 * time.Second
	}

	s := &m.Session
	if s.PanelTimeout == 0 {
		s.PanelTimeout = 10 * time.Second
	}
	if s.PromptTimeout == 0 {
		s.PromptTimeout = 30 * time.Second
	}
	if s.ResultTimeout == 0 {
		s.ResultTimeout = 60 * time.Second
	}
	if s.ClickDelayMin == 0 && s.ClickDelayMax == 0 {
		s.ClickDelayMin = 500 * time.Millisecond
		s.ClickDelayMax = 1500 * time.Millisecond
	}
	if s.MaxRateLimitWaits == 0 {
		s.MaxRateLimitWaits = 3
	}
	if s.HistoryScan == 0 {
		s.HistoryScan = 10
	}

	c := &m.Credential
	// A configured credential with no template would never be sent
	hasCredential := c.Identifier != "" || c.Secret != "" || s.GenerateSecret
	if c.Template == "" && m.Action == "negotiate" && hasCredential {
		c.Template = credential.DefaultFormat().Template
	}
	if c.IdentifierPattern == "" {
		c.IdentifierPattern = `^\w+$`
	}
	if c.IdentifierMin == 0 {
		c.IdentifierMin = 1
	}
	if c.IdentifierMax == 0 {
		c.IdentifierMax = 32
	}
	if c.SecretMin == 0 {
		c.SecretMin = 4
	}
	if c.SecretMax == 0 {
		c.SecretMax = 7
	}

	r := &m.Retry
	if r.TransientBudget == 0 {
		r.TransientBudget = 3
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 10
	}
	if r.Delay == 0 {
		r.Delay = 2 * time.Second
	}
	if r.RateLimitWait == 0 {
		r.RateLimitWait = 5 * time.Second
	}

	if m.Notify.Send == nil {
		send := true
		m.Notify.Send = &send
	}
}

func (m MonitorConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&m.Action,
			validation.In("negotiate", "reply"),
			validation.When(m.Schedule.At != "", validation.In("negotiate").Error("a schedule needs the negotiate action"))),
		validation.Field(&m.Delay, validation.Min(time.Duration(0))),
		validation.Field(&m.Budget, validation.Min(time.Duration(0))),
		validation.Field(&m.Match),
		validation.Field(&m.Governor),
		validation.Field(&m.Reply),
		validation.Field(&m.Session),
		validation.Field(&m.Classifier),
		validation.Field(&m.Retry),
		validation.Field(&m.Schedule, validation.By(func(interface{}) error {
			if m.Schedule.At != "" && m.Session.StartCommand == "" {
				return errors.New("a schedule needs a start command")
			}
			return nil
		})),
	)
}

func (m MatchConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Probability, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&m.Keywords, validation.Each(validation.By(isRegex))),
		validation.Field(&m.Exclusions, validation.Each(validation.By(isRegex))),
	)
}

func (g GovernorConfig) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.Validity, validation.Min(time.Duration(0))),
		validation.Field(&g.MaxParallel, validation.Min(1)),
		validation.Field(&g.MinInterval, validation.Min(time.Duration(0))),
		validation.Field(&g.DedupSize, validation.Min(1)),
	)
}

var window = regexp.MustCompile(`^\d{2}:\d{2}(\s*-\s*\d{2}:\d{2})?$`)

func (s ScheduleConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.At, validation.Match(window)),
	)
}

func (r ReplyConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FollowUser, validation.Min(0)),
		validation.Field(&r.FollowWait, validation.Min(time.Duration(0))),
	)
}

func (s SessionConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Bot, validation.When(s.StartCommand != "", validation.Required)),
		validation.Field(&s.PromptFilter, validation.By(isRegex)),
		validation.Field(&s.ClickDelayMax, validation.Min(s.ClickDelayMin)),
	)
}

func (c ClassifierConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Sets),
		validation.Field(&c.EmptyFallback, validation.In(classes...)),
	)
}

var classes = []interface{}{"awaiting_input", "success", "already_used", "invalid", "rate_limited", "transient_error", "unknown"}

func (s IndicatorSetConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Class, validation.Required, validation.In(classes...)),
		validation.Field(&s.WaitPattern, validation.By(isRegex)),
	)
}

func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TransientBudget, validation.Min(1)),
		validation.Field(&r.MaxAttempts, validation.Min(1)),
		validation.Field(&r.Delay, validation.Min(time.Duration(0))),
		validation.Field(&r.RateLimitWait, validation.Min(time.Duration(0))),
	)
}

func isRegex(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := regexp.Compile(s)
	return err
}
