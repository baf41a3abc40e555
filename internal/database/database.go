package database

import (
	"fmt"
	"strings"

	"github.com/ksred/klear-bullion/internal/database/migrations"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects the driver and DSN for NewDatabase
type Options struct {
	Driver string // sqlite or postgres
	DSN    string
	Debug  bool
}

// NewDatabase opens the configured database and runs migrations
func NewDatabase(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = "klear.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	level := logger.Warn
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info().Str("driver", db.Dialector.Name()).Msg("database ready")
	return db, nil
}

// Migrate runs every migration in order. Each is idempotent.
func Migrate(db *gorm.DB) error {
	if err := migrations.AddSettlementCore(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddCapitalAndJournals(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
