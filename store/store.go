// Package store persists gateway records: AI resources, AI connections,
// completion batches and their items. Nested structures (model configs,
// routing, capacity rules) are stored as JSON columns; the schema itself
// is owned by migrations outside this repository.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config selects the database backend.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "file::memory:?cache=shared",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// Store bundles the record stores sharing one gorm handle.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	Resources   *ResourceStore
	Connections *ConnectionStore
	Batches     *BatchStore
}

// Open connects to the configured database and prepares the stores.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewStore(db, logger), nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "store"))
	return &Store{
		db:          db,
		logger:      logger,
		Resources:   &ResourceStore{db: db},
		Connections: &ConnectionStore{db: db},
		Batches:     &BatchStore{db: db, logger: logger},
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates the tables. Intended for tests and local
// development; production schemas come from migrations.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&resourceRow{},
		&connectionRow{},
		&batchRow{},
		&batchItemRow{},
		&usageRow{},
		&auditRow{},
	)
}
