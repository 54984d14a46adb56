// Package db provides the PostgreSQL persistence layer for the flow
// service. Authoring models (flows, nodes, connections, subscriptions)
// go through gorm; the session runtime hot path uses pgx directly.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"flow.evalgo.org/flow"
)

// NewGorm opens the authoring-side gorm handle and tunes the underlying
// connection pool.
func NewGorm(dsn string, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// AutoMigrate creates or updates the authoring tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&flow.Flow{},
		&flow.Node{},
		&flow.Connection{},
		&flow.EventSubscription{},
	); err != nil {
		return fmt.Errorf("failed to migrate authoring tables: %w", err)
	}
	return nil
}
