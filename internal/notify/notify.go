// Package notify reports the outcome of every trigger occurrence.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/storage"
)

// Notifier receives one notification per terminal outcome
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Log writes notifications to the structured log
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, n *models.Notification) error {
	fields := []zap.Field{
		zap.String("rule", n.RuleName),
		zap.String("account", n.Account),
		zap.String("bot", n.Bot),
		zap.String("outcome", string(n.Outcome)),
		zap.String("detail", n.Detail),
		zap.Int("attempts", n.Attempts),
	}
	if n.Failed() {
		l.logger.Warn("Claim failed", fields...)
	} else {
		l.logger.Info("Claim finished", fields...)
	}
	return nil
}

// Store persists notifications for the digest
type Store struct {
	storage storage.Storage
}

func NewStore(s storage.Storage) *Store {
	return &Store{storage: s}
}

func (s *Store) Notify(ctx context.Context, n *models.Notification) error {
	return s.storage.SaveNotification(ctx, n)
}

// Multi fans a notification out to every sink and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n *models.Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
