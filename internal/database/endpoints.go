package database

import (
	"fmt"
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Endpoints holds the two synchronized assessor databases. Source is the
// production assessment system; Target is the training/reporting copy.
// Schema on both sides comes from the field configurations, never from
// introspection.
type Endpoints struct {
	Source *gorm.DB
	Target *gorm.DB
}

// NewEndpoints opens both endpoints with a bounded connection pool.
// One connection per pool is held back from batch work so health checks
// and the scheduler never starve behind a long-running job.
func NewEndpoints(sourcePath, targetPath string, poolSize int) (*Endpoints, error) {
	if poolSize < 2 {
		poolSize = 2
	}
	source, err := openEndpoint(sourcePath, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open source endpoint: %w", err)
	}
	target, err := openEndpoint(targetPath, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open target endpoint: %w", err)
	}
	log.Printf("Endpoints opened: source=%s target=%s (pool size %d)", sourcePath, targetPath, poolSize)
	return &Endpoints{Source: source, Target: target}, nil
}

func openEndpoint(path string, poolSize int) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	return db, nil
}

// ForDirection returns (read endpoint, write endpoint) for a sync
// direction: up syncs training to production, down the reverse.
func (e *Endpoints) ForDirection(up bool) (*gorm.DB, *gorm.DB) {
	if up {
		return e.Target, e.Source
	}
	return e.Source, e.Target
}

// Ping verifies both endpoints are reachable.
func (e *Endpoints) Ping() error {
	for name, db := range map[string]*gorm.DB{"source": e.Source, "target": e.Target} {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("%s endpoint: %w", name, err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("%s endpoint unreachable: %w", name, err)
		}
	}
	return nil
}

// Close closes both endpoints.
func (e *Endpoints) Close() error {
	var firstErr error
	for _, db := range []*gorm.DB{e.Source, e.Target} {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
