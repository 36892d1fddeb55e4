// ABOUTME: PostgreSQL backend for the Control-State Store using pgx via database/sql
// ABOUTME: Also provides Open, which selects the backend from configuration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ayman-m/yaragent/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore connects to PostgreSQL at dsn and creates the schema.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s, err := newSQLStore(db, &PostgresDialect{})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("PostgreSQL store initialized")
	return s, nil
}

// Open creates the store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
