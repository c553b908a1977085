package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GoodEggStudios/nice/internal/metrics"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps totals in SQLite, where an upsert makes Increment atomic.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens dsn and ensures the schema exists.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate counter schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate ensures schema exists.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS button_counts (
			button_id TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Increment(ctx context.Context, buttonID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO button_counts(button_id, count, updated_at) VALUES(?, 1, ?)
		ON CONFLICT(button_id) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		RETURNING count`, buttonID, time.Now().UTC()).Scan(&n)
	if err != nil {
		metrics.CounterIncrements.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("increment count: %w", err)
	}
	metrics.CounterIncrements.WithLabelValues("ok").Inc()
	return n, nil
}

func (s *SQLiteStore) Read(ctx context.Context, buttonID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM button_counts WHERE button_id = ?`, buttonID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read count: %w", err)
	}
	return n, nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
