package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/retry"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"quotadrive/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the configured database, creating the Postgres database if
// it is missing, and brings the schema up to date.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	logger = logger.Named("database")

	if cfg.Driver == DriverPostgres {
		if err := ensurePostgresDatabase(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	dsn := cfg.GetDSN()
	db, err := connectWithRetry(ctx, cfg.Driver, dsn, cfg.ConnectAttempts, cfg.ConnectDelay, logger)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(ctx, cfg.Driver, dsn, cfg.ConnectDelay, logger); err != nil {
		db.Close()
		return nil, err
	}

	configurePool(db, cfg.Driver)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// OpenSQLite opens and migrates a SQLite database file. Used by embedded
// deployments and tests.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := config.SQLiteDSN(path)
	if err := migrateUp(DriverSQLite, dsn, zap.NewNop()); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	configurePool(db, DriverSQLite)
	return db, nil
}

func configurePool(db *sqlx.DB, driver string) {
	if driver == DriverSQLite {
		// SQLite serialises writers anyway; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

func ensurePostgresDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) error {
	system := cfg
	system.Name = "postgres"

	pgDB, err := sqlx.ConnectContext(ctx, DriverPostgres, system.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer pgDB.Close()

	var exists bool
	err = pgDB.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)`, cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		logger.Info("database does not exist, creating", zap.String("name", cfg.Name))
		// CREATE DATABASE does not accept bind parameters.
		if _, err := pgDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %q", cfg.Name)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	return nil
}

func connectWithRetry(ctx context.Context, driver, dsn string, attempts int, delay time.Duration, logger *zap.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			db, err = sqlx.ConnectContext(ctx, driver, dsn)
			return err
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clock.WallClock,
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("failed to connect to database",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
		},
		Stop: ctx.Done(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, retry.LastError(err))
	}
	return db, nil
}

func runMigrations(ctx context.Context, driver, dsn string, delay time.Duration, logger *zap.Logger) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return migrateUp(driver, dsn, logger)
		},
		Attempts: 5,
		Delay:    delay,
		Clock:    clock.WallClock,
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("failed to run migrations", zap.Int("attempt", attempt), zap.Error(err))
		},
		Stop: ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", retry.LastError(err))
	}
	return nil
}

// migrateUp runs the embedded migrations on a dedicated connection so the
// migrate driver can close it without touching the application pool.
func migrateUp(driver, dsn string, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations for %s: %w", driver, err)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	var target database.Driver
	switch driver {
	case DriverPostgres:
		target, err = postgres.WithInstance(conn, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite.WithInstance(conn, &sqlite.Config{})
	default:
		err = fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		src.Close()
		conn.Close()
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		src.Close()
		target.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		logger.Warn("found dirty database state, forcing version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
