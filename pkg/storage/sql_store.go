package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/polisai/polis-pdti/pkg/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLAuditStore persists audit records through gorm.
type SQLAuditStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a sqlite database at dsn and migrates the
// audit table.
func OpenSQLite(dsn string) (*SQLAuditStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: sqlite dsn is required", domain.ErrConfigInvalid)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit store: %w", err)
	}
	return NewSQLAuditStore(db)
}

// NewSQLAuditStore wraps an existing gorm handle and migrates the audit table.
func NewSQLAuditStore(db *gorm.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, errors.New("gorm handle is nil")
	}
	if err := db.AutoMigrate(&domain.AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit records: %w", err)
	}
	return &SQLAuditStore{db: db}, nil
}

// Save inserts the record.
func (s *SQLAuditStore) Save(ctx context.Context, record domain.AuditRecord) error {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("save audit record %s: %w", record.ID, err)
	}
	return nil
}

// List returns matching records ordered by timestamp.
func (s *SQLAuditStore) List(ctx context.Context, query AuditQuery) ([]domain.AuditRecord, error) {
	tx := s.db.WithContext(ctx).Model(&domain.AuditRecord{})
	if query.DirectoryID != "" {
		tx = tx.Where("directory_id = ?", query.DirectoryID)
	}
	if query.RequestID != "" {
		tx = tx.Where("request_id = ?", query.RequestID)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var records []domain.AuditRecord
	if err := tx.Order("timestamp ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *SQLAuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
