package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormLedger is the gorm-backed ledger. Production runs use the Postgres
// driver; tests run the same code against SQLite.
type GormLedger struct {
	db *gorm.DB
}

// OpenPostgres connects to Postgres, tunes the pool, and returns the handle.
// Wrap it with NewGormLedger for the ledger table.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// NewGormLedger migrates the ledger table on an existing gorm handle.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	return &rec, nil
}

func (l *GormLedger) Create(ctx context.Context, rec *Record) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("ledger create %s/%s: %w", rec.SyncID, rec.EntityID, err)
	}
	return nil
}

func (l *GormLedger) Update(ctx context.Context, rec *Record, newHash string) error {
	res := l.db.WithContext(ctx).
		Model(&Record{}).
		Where("sync_id = ? AND entity_id = ?", rec.SyncID, rec.EntityID).
		Updates(map[string]any{"hash": newHash, "sync_job_id": rec.SyncJobID})
	if res.Error != nil {
		return fmt.Errorf("ledger update %s/%s: %w", rec.SyncID, rec.EntityID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	rec.Hash = newHash
	return nil
}

func (l *GormLedger) Delete(ctx context.Context, syncID, entityID string) error {
	err := l.db.WithContext(ctx).
		Where("sync_id = ? AND entity_id = ?", syncID, entityID).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("ledger delete %s/%s: %w", syncID, entityID, err)
	}
	return nil
}

func (l *GormLedger) ListEntityIDs(ctx context.Context, syncID string) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).
		Model(&Record{}).
		Where("sync_id = ?", syncID).
		Pluck("entity_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	return ids, nil
}

// DeleteSync cascades all rows of a sync. Called when a sync configuration is
// removed.
func (l *GormLedger) DeleteSync(ctx context.Context, syncID string) error {
	err := l.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("ledger delete sync %s: %w", syncID, err)
	}
	return nil
}
