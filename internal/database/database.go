// Package database opens the profile store and keeps its schema current.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/syllabus/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqlitePragmas          = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	defaultPostgresMaxOpen = 25
	defaultPostgresMaxIdle = 5
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Config selects and configures the backing store.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to the configured store, migrates the profile schema and
// applies pending named migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errMissingPath
		}
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errMissingDSN
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time; concurrent connections only produce "database is locked".
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = defaultPostgresMaxOpen
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = defaultPostgresMaxIdle
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxIdle)
	}

	if err := db.AutoMigrate(&users.Profile{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqlitePragmas
}
