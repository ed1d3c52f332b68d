// Package storage persists audit records produced by the directory gateway.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-pdti/pkg/domain"
)

// AuditQuery narrows an audit listing. Zero values match everything.
type AuditQuery struct {
	DirectoryID string
	RequestID   string
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// AuditStore persists and lists audit records.
type AuditStore interface {
	domain.AuditService
	List(ctx context.Context, query AuditQuery) ([]domain.AuditRecord, error)
	Close() error
}

// Open builds the audit store for driver. The dsn is required for sqlite.
func Open(driver, dsn string) (AuditStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryAuditStore(), nil
	case "sqlite":
		store, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unsupported audit driver %q", domain.ErrConfigInvalid, driver)
	}
}

func (q AuditQuery) matches(record domain.AuditRecord) bool {
	if q.DirectoryID != "" && record.DirectoryID != q.DirectoryID {
		return false
	}
	if q.RequestID != "" && record.RequestID != q.RequestID {
		return false
	}
	return true
}
