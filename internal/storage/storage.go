package storage

import (
	"context"
	"fmt"

	"github.com/xaenox/claimbot/internal/models"
)

// Storage keeps the outcome history of every monitor
type Storage interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	// ListNotifications returns up to limit notifications, most recent first.
	// An empty rule lists every monitor.
	ListNotifications(ctx context.Context, rule string, limit int) ([]*models.Notification, error)
	Close() error
}

type DatabaseConfig struct {
	// Driver is one of memory, postgres or sqlite
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the SQLite database file; ":memory:" keeps it in memory
	Path string
}

// Open builds the backend selected by cfg.Driver
func Open(cfg DatabaseConfig) (Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "postgres":
		s, err := NewPostgresStorage(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
