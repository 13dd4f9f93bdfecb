// internal/storage/init.go
package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps dialect and base FS in package globals.
var migrateMu sync.Mutex

type gooseLogger struct{ log *logger.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.LogDebugf(strings.TrimSuffix(format, "\n"), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Fatal().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

func runMigrations(db *sql.DB, dialect string) error {
	const op = "storage.migrations"

	migrateMu.Lock()
	defer migrateMu.Unlock()

	log := logger.New("Migrations")
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	dir := "migrations/postgres"
	if dialect == dialectSQLite {
		dir = "migrations/sqlite"
	}

	err := goose.Up(db, dir)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.LogDebugf("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	log.LogDebugf("database migrations applied (%s)", dialect)
	return nil
}

// unavailable marks err as an infrastructure failure callers may retry.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

// Postgres error codes the stores translate into business errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func classifyPg(op string, err error, unique, foreign error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && unique != nil:
			return fmt.Errorf("%s: %w: %s", op, unique, pgErr.Detail)
		case pgErr.Code == pgForeignKeyViolation && foreign != nil:
			return fmt.Errorf("%s: %w: %s", op, foreign, pgErr.Detail)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

func classifySQLite(op string, err error, unique, foreign error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed") && unique != nil:
		return fmt.Errorf("%s: %w: %v", op, unique, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed") && foreign != nil:
		return fmt.Errorf("%s: %w: %v", op, foreign, err)
	case strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}
