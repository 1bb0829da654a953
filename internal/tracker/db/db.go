package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Announcement is one peer advertising itself under a topic.
type Announcement struct {
	ID        uint   `gorm:"primaryKey"`
	Topic     string `gorm:"size:64;not null;uniqueIndex:idx_topic_peer"`
	PeerKey   string `gorm:"size:64;not null;uniqueIndex:idx_topic_peer;index"`
	Addr      string `gorm:"not null"`
	ExpiresAt int64  `gorm:"not null;index"`
	UpdatedAt int64  `gorm:"autoUpdateTime"`
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Announcement{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}
