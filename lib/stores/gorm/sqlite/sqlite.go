package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/HORNET-Storage/hornet-relay/lib/search"
	events_gorm "github.com/HORNET-Storage/hornet-relay/lib/stores/gorm"
)

// InitStore opens the sqlite event database at dbPath and migrates it
func InitStore(dbPath string, idx search.Index) (*events_gorm.GormStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// - journal_mode=WAL lets readers proceed while a write is in flight
	// - busy_timeout waits for the lock instead of failing with SQLITE_BUSY
	// - _txlock=immediate takes the write lock at BEGIN so upserts serialize
	// - _foreign_keys=on applies ON DELETE CASCADE on every pooled connection
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate&_synchronous=normal&_foreign_keys=on", dbPath)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		PrepareStmt:          true,
		DisableAutomaticPing: true,
		TranslateError:       true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetConnMaxIdleTime(20 * time.Minute)

	store, err := events_gorm.NewStore(db, idx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	db.Exec("PRAGMA journal_size_limit = 67110000")
	db.Exec("PRAGMA temp_store = MEMORY")

	return store, nil
}
