package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/okian/benchrank/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLogger adapts logger.Logger to migrate.Logger.
type migrationLogger struct {
	ctx context.Context
	log logger.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Debug(l.ctx, fmt.Sprintf(format, v...))
}

func (l migrationLogger) Verbose() bool { return false }

// Migrate applies every embedded migration that has not run yet.
func Migrate(ctx context.Context, db *sqlx.DB, log logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	defer src.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	drv, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	m.Log = migrationLogger{ctx: ctx, log: log}

	before, _, _ := m.Version()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info(ctx, "no new migrations to apply", logger.Int64("version", int64(before)))
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	after, _, _ := m.Version()
	log.Info(ctx, "applied migrations",
		logger.Int64("from", int64(before)),
		logger.Int64("to", int64(after)),
	)
	return nil
}
