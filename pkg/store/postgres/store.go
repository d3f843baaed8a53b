package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flowforge/taskflow/pkg/config"
	"github.com/flowforge/taskflow/pkg/model"
)

// DB owns the gorm connection shared by the task store and the repositories.
type DB struct {
	db *gorm.DB
}

func Open(cfg *config.DatabaseConfig) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &DB{db: db}, nil
}

func (d *DB) Gorm() *gorm.DB {
	return d.db
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DB) AutoMigrate() error {
	return d.db.AutoMigrate(
		&model.Task{},
		&model.TaskChange{},
		&model.Execution{},
		&model.DeadLetter{},
	)
}
