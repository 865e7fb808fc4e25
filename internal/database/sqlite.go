package database

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrMissingPath indicates that no database file was configured.
var ErrMissingPath = errors.New("database: path is required")

var connectionPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
}

func schemaModels() []any {
	return []any{&revisions.Message{}, &revisions.Edit{}, &migrationRecord{}}
}

func dataSourceName(path string) string {
	query := url.Values{}
	for _, pragma := range connectionPragmas {
		query.Add("_pragma", pragma)
	}
	return path + "?" + query.Encode()
}

// OpenSQLite opens the revision store at path, creates its tables and applies pending data migrations.
// The pool is limited to one connection; SQLite serializes writers anyway.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, ErrMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dataSourceName(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: access pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	models := schemaModels()
	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: migrate schema: %w", err)
	}

	applied, err := applyMigrations(db, logger, dataMigrations())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("path", path),
		zap.Int("tables", len(models)),
		zap.Int("migrations_applied", applied))
	return db, nil
}
