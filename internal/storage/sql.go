package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/claimbot/internal/models"
)

// textTime is fixed width so that stored timestamps sort as text
const textTime = "2006-01-02T15:04:05.000000000Z07:00"

// sqlStorage holds the queries shared by the PostgreSQL and SQLite backends.
// Queries are written with ? placeholders and rebound per driver.
type sqlStorage struct {
	db         *sql.DB
	numbered   bool
	timeAsText bool
}

func (s *sqlStorage) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStorage) migrate(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing migrations: %w", err)
		}
	}
	return nil
}

func (s *sqlStorage) SaveNotification(ctx context.Context, n *models.Notification) error {
	query := s.rebind(`
		INSERT INTO notifications (id, rule_name, account, bot, outcome, detail, attempts, immediate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var created any = n.CreatedAt.UTC()
	if s.timeAsText {
		created = n.CreatedAt.UTC().Format(textTime)
	}
	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.RuleName,
		n.Account,
		n.Bot,
		string(n.Outcome),
		n.Detail,
		n.Attempts,
		n.Immediate,
		created,
	)
	if err != nil {
		return fmt.Errorf("error saving notification: %w", err)
	}
	return nil
}

func (s *sqlStorage) ListNotifications(ctx context.Context, rule string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, rule_name, account, bot, outcome, detail, attempts, immediate, created_at
		FROM notifications`
	args := []any{}
	if rule != "" {
		query += ` WHERE rule_name = ?`
		args = append(args, rule)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var (
			outcome string
			created any
		)
		err := rows.Scan(
			&n.ID,
			&n.RuleName,
			&n.Account,
			&n.Bot,
			&outcome,
			&n.Detail,
			&n.Attempts,
			&n.Immediate,
			&created,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning notification: %w", err)
		}
		n.Outcome = models.Outcome(outcome)
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("error scanning notification %s: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(textTime, t)
	case []byte:
		return time.Parse(textTime, string(t))
	}
	return time.Time{}, fmt.Errorf("unexpected time value %T", v)
}

func (s *sqlStorage) Close() error {
	return s.db.Close()
}
