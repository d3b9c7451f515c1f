package inventory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
)

// GormStore keeps device records in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// OpenStore connects to the configured database and migrates the device table.
func OpenStore(cfg config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open connection and migrates the device table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&DeviceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate device table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// UpsertDeviceRecord creates the hostname's row if needed and updates only the
// given columns. Each call is its own transaction.
func (s *GormStore) UpsertDeviceRecord(ctx context.Context, hostname string, cols map[string]any) (DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("hostname = ?", hostname).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = DeviceRecord{Hostname: hostname}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if len(cols) == 0 {
			return nil
		}
		if err := tx.Model(&rec).Updates(cols).Error; err != nil {
			return err
		}
		return tx.Where("hostname = ?", hostname).Take(&rec).Error
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("upsert %s: %w", hostname, err)
	}
	return rec, nil
}

// Get loads one record by hostname.
func (s *GormStore) Get(ctx context.Context, hostname string) (DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).Where("hostname = ?", hostname).Take(&rec).Error
	return rec, err
}

// List returns every record ordered by hostname.
func (s *GormStore) List(ctx context.Context) ([]DeviceRecord, error) {
	var recs []DeviceRecord
	err := s.db.WithContext(ctx).Order("hostname").Find(&recs).Error
	return recs, err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
