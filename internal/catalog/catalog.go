// Package catalog persists garment records and scopes every read by owner.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/petermazzocco/garment-catalog/models"
)

var (
	// ErrNotFound is returned when no record matches, including records that
	// exist but belong to another user.
	ErrNotFound = errors.New("garment not found")

	// ErrDuplicateGarmentID is returned by Create when the garmentId unique
	// index rejects the insert.
	ErrDuplicateGarmentID = errors.New("garment id already exists")
)

// Asset kinds addressable through FindOwnedByAsset.
const (
	AssetPreview = "preview"
	AssetModel   = "model"
)

// Store is the gorm-backed garment catalog. The *gorm.DB must be opened with
// TranslateError enabled so unique violations surface as gorm.ErrDuplicatedKey.
type Store struct {
	db *gorm.DB
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the catalog tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&models.User{}, &models.Garment{})
}

// Exists reports whether any record uses garmentID.
func (s *Store) Exists(ctx context.Context, garmentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Garment{}).Where("garment_id = ?", garmentID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count garment id: %w", err)
	}
	return count > 0, nil
}

// Create inserts g.
func (s *Store) Create(ctx context.Context, g *models.Garment) error {
	err := s.db.WithContext(ctx).Create(g).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateGarmentID
	}
	if err != nil {
		return fmt.Errorf("insert garment: %w", err)
	}
	return nil
}

// ListByOwner returns owner's records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner uint) ([]models.Garment, error) {
	garments := []models.Garment{}
	err := s.db.WithContext(ctx).
		Where("created_by = ?", owner).
		Order("created_at DESC").
		Order("id DESC").
		Find(&garments).Error
	if err != nil {
		return nil, fmt.Errorf("list garments: %w", err)
	}
	return garments, nil
}

// FindOwned returns the record with garmentID if owner created it.
func (s *Store) FindOwned(ctx context.Context, owner uint, garmentID string) (*models.Garment, error) {
	var g models.Garment
	err := s.db.WithContext(ctx).
		Where("garment_id = ? AND created_by = ?", garmentID, owner).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find garment: %w", err)
	}
	return &g, nil
}

// FindOwnedByAsset returns the owner's record whose kind asset has key.
func (s *Store) FindOwnedByAsset(ctx context.Context, owner uint, kind, key string) (*models.Garment, error) {
	var column string
	switch kind {
	case AssetPreview:
		column = "preview_key"
	case AssetModel:
		column = "model_key"
	default:
		return nil, ErrNotFound
	}

	var g models.Garment
	err := s.db.WithContext(ctx).
		Where(column+" = ? AND created_by = ?", key, owner).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find garment by asset: %w", err)
	}
	return &g, nil
}

// Delete removes the record with primary key id.
func (s *Store) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Garment{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete garment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
