package main

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xaenox/claimbot/internal/classifier"
	"github.com/xaenox/claimbot/internal/credential"
	"github.com/xaenox/claimbot/internal/governor"
	"github.com/xaenox/claimbot/internal/matcher"
	"github.com/xaenox/claimbot/internal/monitor"
	"github.com/xaenox/claimbot/internal/retry"
	"github.com/xaenox/claimbot/internal/session"
	"github.com/xaenox/claimbot/internal/storage"
	"github.com/xaenox/claimbot/pkg/config"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func storageConfig(db config.DatabaseConfig) storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Driver:   db.Driver,
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.DBName,
		SSLMode:  db.SSLMode,
		Path:     db.Path,
	}
}

// monitorConfig maps a config file rule onto the engine's rule
func monitorConfig(mc config.MonitorConfig) (monitor.Config, error) {
	sets, err := indicatorSets(mc.Classifier.Sets)
	if err != nil {
		return monitor.Config{}, err
	}
	probability := 1.0
	if mc.Match.Probability != nil {
		probability = *mc.Match.Probability
	}
	allowText := mc.Match.AllowText == nil || *mc.Match.AllowText
	send := mc.Notify.Send == nil || *mc.Notify.Send
	var schedule *monitor.Schedule
	if mc.Schedule.At != "" {
		if schedule, err = monitor.ParseWindow(mc.Schedule.At); err != nil {
			return monitor.Config{}, err
		}
	}

	return monitor.Config{
		Name:    mc.Name,
		Account: mc.Account,
		Action:  mc.Action,
		Match: matcher.Options{
			Chats:         mc.Match.Chats,
			Keywords:      mc.Match.Keywords,
			Exclusions:    mc.Match.Exclusions,
			Senders:       mc.Match.Senders,
			Probability:   probability,
			AllowEdit:     mc.Match.AllowEdit,
			AllowCaption:  mc.Match.AllowCaption,
			AllowText:     allowText,
			AllowOutgoing: mc.Match.AllowOutgoing,
		},
		Governor: governor.Options{
			Validity:    mc.Governor.Validity,
			MaxParallel: mc.Governor.MaxParallel,
			MinInterval: mc.Governor.MinInterval,
			DedupSize:   mc.Governor.DedupSize,
		},
		Delay:      mc.Delay,
		Budget:     mc.Budget,
		Reply:      mc.Reply.Text,
		FollowUser: mc.Reply.FollowUser,
		FollowWait: mc.Reply.FollowWait,
		Session: session.Config{
			Bot:                    mc.Session.Bot,
			StartCommand:           mc.Session.StartCommand,
			ControlKeywords:        mc.Session.ControlKeywords,
			ControlSequence:        mc.Session.ControlSequence,
			PromptFilter:           mc.Session.PromptFilter,
			PanelTimeout:           mc.Session.PanelTimeout,
			PromptTimeout:          mc.Session.PromptTimeout,
			ResultTimeout:          mc.Session.ResultTimeout,
			ClickDelayMin:          mc.Session.ClickDelayMin,
			ClickDelayMax:          mc.Session.ClickDelayMax,
			AssumeSuccessOnTimeout: mc.Session.AssumeSuccessOnTimeout,
			AmbiguousIsTerminal:    mc.Session.AmbiguousIsTerminal,
			GenerateSecret:         mc.Session.GenerateSecret,
			MaxRateLimitWaits:      mc.Session.MaxRateLimitWaits,
			HistoryScan:            mc.Session.HistoryScan,
		},
		Format: credential.Format{
			Template:          mc.Credential.Template,
			IdentifierPattern: mc.Credential.IdentifierPattern,
			Denylist:          mc.Credential.Denylist,
			IdentifierMin:     mc.Credential.IdentifierMin,
			IdentifierMax:     mc.Credential.IdentifierMax,
			SecretMin:         mc.Credential.SecretMin,
			SecretMax:         mc.Credential.SecretMax,
		},
		Payload: credential.Payload{
			Identifier: mc.Credential.Identifier,
			Secret:     mc.Credential.Secret,
		},
		Classifier: classifier.Config{
			Sets:          sets,
			EmptyFallback: classifier.Class(mc.Classifier.EmptyFallback),
		},
		Retry: retry.Policy{
			TransientBudget: mc.Retry.TransientBudget,
			MaxAttempts:     mc.Retry.MaxAttempts,
			Delay:           mc.Retry.Delay,
			Linear:          mc.Retry.Linear,
			RateLimitWait:   mc.Retry.RateLimitWait,
		},
		Schedule:  schedule,
		Notify:    send,
		Immediate: mc.Notify.Immediate,
	}, nil
}

func indicatorSets(in []config.IndicatorSetConfig) ([]classifier.Set, error) {
	sets := make([]classifier.Set, 0, len(in))
	for _, s := range in {
		class := classifier.Class(s.Class)
		if !class.Valid() {
			return nil, fmt.Errorf("unknown class %q", s.Class)
		}
		set := classifier.Set{
			Class:       class,
			Anchors:     s.Anchors,
			Threshold:   s.Threshold,
			WaitPattern: s.WaitPattern,
		}
		for _, ind := range s.Indicators {
			weight := ind.Weight
			if weight == 0 {
				weight = 1
			}
			set.Indicators = append(set.Indicators, classifier.Indicator{Text: ind.Text, Regex: ind.Regex, Weight: weight})
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// buildMonitors compiles every rule; one bad rule fails the whole set
func buildMonitors(cfg *config.Config, deps monitor.Deps, dedup func(name string, ttl time.Duration) governor.DedupStore) ([]*monitor.Monitor, error) {
	if deps.Registry == nil {
		deps.Registry = monitor.NewRegistry()
	}
	for _, mc := range cfg.Monitors {
		deps.Registry.Attach(mc.Account)
	}
	monitors := make([]*monitor.Monitor, 0, len(cfg.Monitors))
	for i, mc := range cfg.Monitors {
		mcfg, err := monitorConfig(mc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", monitor.ErrConfiguration, mc.Name, err)
		}
		d := deps
		if dedup != nil {
			d.Dedup = dedup(mc.Name, mc.Governor.Validity)
		}
		d.Source = rand.NewSource(time.Now().UnixNano() + int64(i))
		m, err := monitor.New(d, mcfg)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, nil
}
