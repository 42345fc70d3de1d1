// Package postgres is the durable store for the transaction queue: otx
// rows and their audit trail, locks, nonce counters and sync segments.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultStatementTimeout = 30 * time.Second
	maxStatementTimeout     = time.Hour

	queryTimeout     = 30 * time.Second
	migrationTimeout = 5 * time.Minute

	// Arbitrary key for the advisory lock that serialises schema
	// migrations between cic-eth processes starting together.
	migrationLockKey = 0x63696365
)

//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS

// Migrations returns the schema shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// queryContext bounds a single non-transactional statement.
func queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

type DB struct {
	*sql.DB
	logger *slog.Logger
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration // default 2m
	// StatementTimeoutMS is applied server side to every pooled
	// connection. 0 means 30s, negative disables it.
	StatementTimeoutMS int
	Logger             *slog.Logger
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	dsn, err := withStatementTimeout(cfg.URL, cfg.StatementTimeoutMS)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	db.SetConnMaxIdleTime(idle)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{DB: db, logger: logger.With("component", "postgres")}, nil
}

// withStatementTimeout sets statement_timeout through the libpq options
// parameter so it holds for every connection the pool opens.
func withStatementTimeout(dsn string, ms int) (string, error) {
	timeout := defaultStatementTimeout
	switch {
	case ms < 0:
		return dsn, nil
	case ms > 0:
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > maxStatementTimeout {
		return "", fmt.Errorf("statement timeout %s exceeds %s", timeout, maxStatementTimeout)
	}

	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", fmt.Errorf("db url must be a postgres:// url")
	}
	q := u.Query()
	opt := "-c statement_timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	if existing := q.Get("options"); existing != "" {
		opt = existing + " " + opt
	}
	q.Set("options", opt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RunMigrations applies every *.up.sql in fsys in name order, each once.
// Applied versions are tracked in schema_migrations and every migration
// commits together with its bookkeeping row.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		ok, err := db.migrate(ctx, fsys, name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if ok {
			applied++
		}
	}
	db.logger.Info("schema up to date", "migrations", len(files), "applied", applied)
	return nil
}

func (db *DB) migrate(ctx context.Context, fsys fs.FS, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	var done bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name,
	).Scan(&done); err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false, err
	}
	started := time.Now()
	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	db.logger.Info("migration applied", "version", name, "elapsed", time.Since(started))
	return true, nil
}
