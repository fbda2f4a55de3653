package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// StoredProduct is the SQLite row for one product version.
type StoredProduct struct {
	ID         string `gorm:"primaryKey"`
	Source     string `gorm:"index:idx_product_identity"`
	Type       string `gorm:"index:idx_product_identity"`
	Code       string `gorm:"index:idx_product_identity"`
	UpdateTime int64
	Status     string
	Data       []byte
	CreatedAt  time.Time
}

// SQLite stores products in a SQLite database through gorm.
type SQLite struct {
	db     *gorm.DB
	logger ectologger.Logger
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for a private in-memory database.
func OpenSQLite(path string, logger ectologger.Logger) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&StoredProduct{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite storage: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Store(ctx context.Context, product *models.Product) error {
	ctx, span := tracing.StartSpan(ctx, "storage.SQLite.Store")
	defer span.End()

	data, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	row := StoredProduct{
		ID:         product.ID.String(),
		Source:     product.ID.Source,
		Type:       product.ID.Type,
		Code:       product.ID.Code,
		UpdateTime: product.ID.UpdateTime.UnixMilli(),
		Status:     product.Status,
		Data:       data,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		s.logger.WithContext(ctx).WithError(result.Error).Error("failed to store product")
		return fmt.Errorf("failed to store product %s: %w", product.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", product.ID, ErrAlreadyInStorage)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id models.ProductID) (*models.Product, error) {
	ctx, span := tracing.StartSpan(ctx, "storage.SQLite.Get")
	defer span.End()

	var row StoredProduct
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}

	var product models.Product
	if err := json.Unmarshal(row.Data, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product %s: %w", id, err)
	}
	return &product, nil
}

func (s *SQLite) Remove(ctx context.Context, id models.ProductID) error {
	ctx, span := tracing.StartSpan(ctx, "storage.SQLite.Remove")
	defer span.End()

	if err := s.db.WithContext(ctx).Delete(&StoredProduct{}, "id = ?", id.String()).Error; err != nil {
		return fmt.Errorf("failed to remove product %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
