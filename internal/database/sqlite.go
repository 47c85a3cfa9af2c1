package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sibyllinesoft/arbiter-sub005/internal/events"
	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/revisions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutMillis = 5000

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)).Error; err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the ledger schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("database handle is required")
	}
	if err := db.AutoMigrate(
		&projects.Project{},
		&revisions.Fragment{},
		&revisions.FragmentRevision{},
		&events.Event{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
