// Package db owns the database handles: a gorm.DB for the ORM
// repositories and a sqlx.DB sharing the same connection pool for the
// importer's bulk SQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
)

// sqlxDriverName sets sqlx's bindvar style; gorm's postgres driver
// runs on pgx.
const sqlxDriverName = "pgx"

// DB bundles the two handles over one pool.
type DB struct {
	orm    *gorm.DB
	sqlx   *sqlx.DB
	logger *common.ContextLogger
}

// Open connects to PostgreSQL and configures the pool. The connection
// is verified with a ping before Open returns.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.LogQueries {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	orm, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return wrap(orm, cfg)
}

// OpenWithConn builds the handles over an existing connection. Tests
// hand in a sqlmock connection here.
func OpenWithConn(conn *sql.DB) (*DB, error) {
	orm, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 conn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to connection: %w", err)
	}
	return &DB{
		orm:    orm,
		sqlx:   sqlx.NewDb(conn, sqlxDriverName),
		logger: common.ServiceLogger("database"),
	}, nil
}

func wrap(orm *gorm.DB, cfg config.DatabaseConfig) (*DB, error) {
	sqlDB, err := orm.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		orm:    orm,
		sqlx:   sqlx.NewDb(sqlDB, sqlxDriverName),
		logger: common.ServiceLogger("database"),
	}, nil
}

// Name identifies this service in the registry.
func (d *DB) Name() string { return "database" }

// Gorm returns the ORM handle.
func (d *DB) Gorm() *gorm.DB { return d.orm }

// SQLx returns the bulk-SQL handle over the same pool.
func (d *DB) SQLx() *sqlx.DB { return d.sqlx }

// Migrate runs schema migration for the given models.
func (d *DB) Migrate(models ...interface{}) error {
	if len(models) == 0 {
		return nil
	}
	if err := d.orm.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	d.logger.WithField("models", len(models)).Info("schema migration complete")
	return nil
}

// HealthCheck pings the pool.
func (d *DB) HealthCheck(ctx context.Context) error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Shutdown closes the pool.
func (d *DB) Shutdown(ctx context.Context) error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
