package config

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB connects to the configured database and migrates the schema.
func OpenDB(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows one writer; serialize through a single connection
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(
		&models.Meal{},
		&models.Analysis{},
		&models.Feedback{},
		&models.UserDevice{},
	)
	if err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}
	return db, nil
}
