package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stridefit/stride-backend/internal/achievement"
	"github.com/stridefit/stride-backend/internal/attendance"
	"github.com/stridefit/stride-backend/internal/gym"
	"github.com/stridefit/stride-backend/internal/ledger"
	"github.com/stridefit/stride-backend/internal/streak"
	"github.com/stridefit/stride-backend/internal/users"
	"github.com/stridefit/stride-backend/internal/weight"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// TranslateError lets callers detect unique index violations as
// gorm.ErrDuplicatedKey instead of driver-specific errors.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.Profile{},
		&gym.Gym{},
		&attendance.Assistance{},
		&streak.Streak{},
		&ledger.Entry{},
		&ledger.Balance{},
		&weight.Sample{},
		&achievement.Definition{},
		&achievement.Progress{},
		&achievement.Event{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
