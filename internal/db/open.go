package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver string
	DSN    string
	// MaxOpenConns applies to postgres only; sqlite always uses one
	// connection so transactions serialize instead of failing with SQLITE_BUSY.
	MaxOpenConns int
	Logger       *zap.Logger
}

func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("db: sqlite dsn is required")
		}
		gdb, err := gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := applySQLitePragmas(gdb); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		cfg.Logger.Info("database opened", zap.String("driver", "sqlite"), zap.String("dsn", dsn))
		return gdb, nil

	case "postgres":
		gcfg.PrepareStmt = true
		gdb, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm sql db: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
		}
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
		sqlDB.SetConnMaxLifetime(time.Hour)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		cfg.Logger.Info("database opened", zap.String("driver", "postgres"))
		return gdb, nil
	}
	return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
}

func applySQLitePragmas(gdb *gorm.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if err := gdb.Exec(pragma).Error; err != nil {
			return fmt.Errorf("sqlite %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	return nil
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
