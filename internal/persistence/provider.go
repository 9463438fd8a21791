// Package persistence opens the configured datastore and hands the stores a
// shared read/write pool.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/config"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
)

// Provide opens the database selected by cfg.Driver and wraps it in a
// read/write pool. SQLite gets a single-writer connection plus a concurrent
// WAL reader pool; postgres shares one pgx-backed pool for both sides. The
// returned cleanup closes every connection.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		pg := sqlx.NewDb(raw, dialect.PGX)
		pool := db.NewPool(pg, pg)
		log.Info("Database initialized",
			zap.String("db_driver", cfg.Driver),
			zap.String("db_host", cfg.Host))
		return pool, pool.Close, nil

	case "sqlite", "":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		)
		cleanup := func() error {
			// PRAGMA optimize refreshes query planner statistics; SQLite
			// recommends running it right before close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		log.Info("Database initialized",
			zap.String("db_driver", "sqlite"),
			zap.String("db_path", cfg.Path))
		return pool, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
