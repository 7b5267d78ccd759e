// Package storage provides the SQL persistence layer: conversations and
// their trajectory steps, automations with executions and durable pending
// confirmations, and MCP server records.
//
// The server runs on an embedded SQLite database by default and on
// PostgreSQL when a database URL is configured. Schema is managed through
// embedded migrations.
package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store owns the database handle and exposes the typed repositories.
type Store struct {
	db     *sqlx.DB
	driver string

	Users         *UserRepo
	Conversations *ConversationRepo
	Steps         *StepRepo
	Automations   *AutomationRepo
	Executions    *ExecutionRepo
	Confirmations *ConfirmationRepo
	MCPServers    *MCPServerRepo
}

// Open connects to Postgres when databaseURL is non-empty, otherwise to the
// SQLite file at sqlitePath, runs migrations, and returns the store.
func Open(databaseURL, sqlitePath string) (*Store, error) {
	var (
		db     *sqlx.DB
		driver string
		err    error
	)
	if databaseURL != "" {
		driver = "pgx"
		db, err = sqlx.Connect("pgx", databaseURL)
	} else {
		driver = "sqlite3"
		db, err = sqlx.Connect("sqlite3", sqlitePath+"?_busy_timeout=5000&_foreign_keys=on")
		if err == nil {
			// SQLite allows one writer; serialize through a single connection
			// to avoid SQLITE_BUSY under concurrent runs.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := newStore(db, driver)
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Info("Database ready", "driver", driver)
	return s, nil
}

func newStore(db *sqlx.DB, driver string) *Store {
	s := &Store{db: db, driver: driver}
	s.Users = &UserRepo{db: db}
	s.Conversations = &ConversationRepo{db: db}
	s.Steps = &StepRepo{db: db}
	s.Automations = &AutomationRepo{db: db}
	s.Executions = &ExecutionRepo{db: db}
	s.Confirmations = &ConfirmationRepo{db: db}
	s.MCPServers = &MCPServerRepo{db: db}
	return s
}

// migrate applies all pending schema migrations.
func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.driver {
	case "pgx":
		drv, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	default:
		drv, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Health pings the database with a short timeout.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
