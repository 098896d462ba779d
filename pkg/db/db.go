// Package db opens the record store and migrates its schema.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/codequality/rule-registry/pkg/config"
	"github.com/codequality/rule-registry/pkg/jobs"
	"github.com/codequality/rule-registry/pkg/rules"
)

// Open connects to the configured database. Driver errors are translated
// so unique violations surface as gorm.ErrDuplicatedKey.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case config.DatabaseSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case config.DatabasePostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DatabaseMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Type, err)
	}

	if gormDB.Dialector.Name() == "sqlite" {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB, nil
}

// Migrate creates or updates every table of the rule registry while holding
// the migration lock, so replicas starting together migrate one at a time.
func Migrate(ctx context.Context, gormDB *gorm.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	return NewMigrationLocker(gormDB).WithLock(ctx, func() error {
		if err := rules.AutoMigrate(gormDB.WithContext(ctx)); err != nil {
			return err
		}
		if err := jobs.NewJobStore(gormDB.WithContext(ctx)).AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate index jobs: %w", err)
		}
		log.Info("database schema migrated", "dialect", gormDB.Dialector.Name())
		return nil
	})
}
