package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erp/stockledger/internal/infrastructure/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// QueryObserver instruments a connection, e.g. with tracing and metrics
type QueryObserver interface {
	Register(db *gorm.DB) error
}

// DatabaseOption customizes NewDatabase
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	logger    gormlogger.Interface
	observers []QueryObserver
	dialector gorm.Dialector
}

// WithGormLogger sets the GORM logger. The default is silent.
func WithGormLogger(l gormlogger.Interface) DatabaseOption {
	return func(o *databaseOptions) { o.logger = l }
}

// WithQueryObserver registers an observer on the opened connection
func WithQueryObserver(obs QueryObserver) DatabaseOption {
	return func(o *databaseOptions) { o.observers = append(o.observers, obs) }
}

// WithDialector replaces the postgres dialector built from the config
func WithDialector(d gorm.Dialector) DatabaseOption {
	return func(o *databaseOptions) { o.dialector = d }
}

// Database is an open GORM connection and its pool.
type Database struct {
	DB    *gorm.DB
	sqlDB *sql.DB
}

// NewDatabase opens the database described by cfg, registers the observers,
// sizes the pool and pings. Nothing is left open when it fails.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig, opts ...DatabaseOption) (*Database, error) {
	o := databaseOptions{logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialector == nil {
		o.dialector = postgres.Open(cfg.DSN())
	}

	db, err := gorm.Open(o.dialector, &gorm.Config{
		Logger: o.logger,
		// every write goes through an explicit line transaction
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}

	for _, obs := range o.observers {
		if err := obs.Register(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("register query observer: %w", err)
		}
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Database{DB: db, sqlDB: sqlDB}, nil
}

// SQL returns the pool under the GORM connection.
func (d *Database) SQL() *sql.DB {
	return d.sqlDB
}

func (d *Database) Close() error {
	return d.sqlDB.Close()
}

// Store returns a GormStore over this connection.
func (d *Database) Store() *GormStore {
	return NewGormStore(d.DB)
}
