package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLStore implements Resolver on database/sql. It runs against either
// Postgres (driver "pgx") or SQLite (driver "sqlite"); the SQL below
// sticks to the dialect both accept, including $1 placeholders.
type SQLStore struct {
	db *sql.DB
}

// Open connects per the configured driver. Supported drivers are
// "postgres" and "sqlite".
func Open(driver, dsn string) (*SQLStore, error) {
	var db *sql.DB
	var err error
	switch driver {
	case "postgres":
		db, err = sql.Open("pgx", dsn)
	case "sqlite":
		db, err = sql.Open("sqlite", dsn)
	default:
		return nil, fmt.Errorf("unknown identity driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an already-open handle. Used by tests.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Resolve(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve user: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Upsert(ctx context.Context, userID, displayName string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, message_count, engagement_score, created_at, last_seen_at)
		 VALUES ($1, $2, 0, 0, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, last_seen_at = excluded.last_seen_at`,
		userID, displayName, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordMessage(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET message_count = message_count + 1, last_seen_at = $2 WHERE id = $1`,
		userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

func (s *SQLStore) AddEngagement(ctx context.Context, userID string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET engagement_score = engagement_score + $2 WHERE id = $1`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("add engagement: %w", err)
	}
	return nil
}

func (s *SQLStore) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE last_seen_at >= $1`, since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
