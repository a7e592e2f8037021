package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
)

// KVRecord is the single table backing SQLiteStore
type KVRecord struct {
	Key       string `gorm:"column:store_key;primaryKey;size:512"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler
func (KVRecord) TableName() string {
	return "kv_store"
}

// SQLiteConfig configures the SQLite store
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps it in process
	Path          string
	LogLevel      string
	SlowThreshold time.Duration
	// Plugins are installed before the schema migration, e.g. telemetry
	Plugins []gorm.Plugin
}

// SQLiteStore is a durable single-file store. Every tab opened on the same
// file sees the same values.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (and migrates) the database file
func NewSQLiteStore(cfg SQLiteConfig, log *zap.Logger) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger:                 logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.LogLevel), cfg.SlowThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// one writer; also keeps ":memory:" on a single database
	sqlDB.SetMaxOpenConns(1)

	for _, plugin := range cfg.Plugins {
		if err := db.Use(plugin); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to install %s: %w", plugin.Name(), err)
		}
	}

	if err := db.AutoMigrate(&KVRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements shared.PersistentStore
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec KVRecord
	err := s.db.WithContext(ctx).Where("store_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return rec.Value, nil
}

// Set upserts the value
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	rec := KVRecord{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap implements shared.CompareAndSwapper as a conditional
// update; the row count tells whether the value still matched
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	result := s.db.WithContext(ctx).Model(&KVRecord{}).
		Where("store_key = ? AND value = ?", key, prev).
		Updates(map[string]any{"value": next, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("sqlite cas %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Delete implements shared.PersistentStore
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("store_key = ?", key).Delete(&KVRecord{}).Error; err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

// Keys implements shared.PersistentStore
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	// substr keeps the match case-sensitive, unlike LIKE
	err := s.db.WithContext(ctx).Model(&KVRecord{}).
		Where("substr(store_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).
		Pluck("store_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", prefix, err)
	}
	return keys, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

var (
	_ shared.PersistentStore   = (*SQLiteStore)(nil)
	_ shared.CompareAndSwapper = (*SQLiteStore)(nil)
)
