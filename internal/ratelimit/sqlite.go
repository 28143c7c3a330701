package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"pagerelay/internal/ratelimit/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps timestamp lists in a SQLite file so windows survive
// restarts. Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type rateEvent struct {
	SenderID string `db:"sender_id"`
	TS       int64  `db:"ts"`
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create rate limit db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rate limit db: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyMigrations(db.DB, logger); err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.Error("close rate limit db after migration failure", "err", cerr)
		}
		return nil, err
	}

	logger.Info("rate limit store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func applyMigrations(db *sql.DB, logger *slog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("rate limit schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("rate limit schema migrated")
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]time.Time, error) {
	var ms []int64
	err := s.db.SelectContext(ctx, &ms,
		`SELECT ts FROM rate_events WHERE sender_id = ? ORDER BY ts`, key)
	if err != nil {
		return nil, fmt.Errorf("load rate events for %s: %w", key, err)
	}
	stamps := make([]time.Time, len(ms))
	for i, v := range ms {
		stamps[i] = time.UnixMilli(v)
	}
	return stamps, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, stamps []time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_events WHERE sender_id = ?`, key); err != nil {
		return fmt.Errorf("clear rate events for %s: %w", key, err)
	}
	if len(stamps) > 0 {
		rows := make([]rateEvent, len(stamps))
		for i, ts := range stamps {
			rows[i] = rateEvent{SenderID: key, TS: ts.UnixMilli()}
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO rate_events (sender_id, ts) VALUES (:sender_id, :ts)`, rows); err != nil {
			return fmt.Errorf("insert rate events for %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune rate events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
