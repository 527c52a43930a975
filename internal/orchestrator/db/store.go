package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Store owns the database handle shared by every repository.
type Store struct {
	db     *gorm.DB
	driver string
}

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:          "sqlite",
		Path:            "./data/orchestrator.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 300,
	}
}

// NewStore opens the configured database and brings the schema up to date.
func NewStore(config *Config, log *applogger.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dialector, err := openDialector(config)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:      newGormLogger(log),
		PrepareStmt: config.Driver != "sqlite",
		NowFunc:     func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}

	if config.Driver == "sqlite" || config.Driver == "" {
		// a single writer avoids SQLITE_BUSY under concurrent workers
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: gdb, driver: config.Driver}
	if err := store.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return store, nil
}

// NewStoreFromDB wraps an already open handle. Used by tests.
func NewStoreFromDB(gdb *gorm.DB) *Store {
	return &Store{db: gdb, driver: gdb.Dialector.Name()}
}

func openDialector(config *Config) (gorm.Dialector, error) {
	switch config.Driver {
	case "", "sqlite":
		if config.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := config.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
		return sqlite.Open(dsn), nil
	case "mysql":
		return mysql.Open(config.DSN), nil
	case "postgres":
		return postgres.Open(config.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}

// DB returns a handle bound to ctx.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Driver returns the configured dialect name.
func (s *Store) Driver() string {
	return s.driver
}

// ExecTx executes a function within a transaction. Inside fn use only tx.
func (s *Store) ExecTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping checks if the database connection is alive
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
