// Package remotedb is the gateway to the hosted product database: products, scans
// and user profiles over gorm.
package remotedb

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/models"
)

// DefaultHistoryLimit bounds ScansByUser when no limit is given
const DefaultHistoryLimit = 50

// Store implements the remote database calls. Every failure is a Database error;
// a missing row is a nil result, not an error.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables of the stored models
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.Product{},
		&models.UserProfile{},
		&models.ScanRecord{},
	); err != nil {
		return dbErr("migrate schema", err)
	}
	return nil
}

func dbErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.KindDatabase, msg, err)
}

// FindProductByBarcode returns the product with barcode, or nil when there is none
func (s *Store) FindProductByBarcode(ctx context.Context, barcode string) (*models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).Where("barcode = ?", barcode).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("find product "+barcode, err)
	}
	return &p, nil
}

// InsertProduct stores product unless its barcode already exists and returns the
// stored row, which carries the storage-assigned identifier.
func (s *Store) InsertProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	if product == nil || product.Barcode == "" {
		return nil, apperrors.New(apperrors.KindValidation, "product barcode is required")
	}
	row := product.Clone()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "barcode"}}, DoNothing: true}).
		Create(row).Error
	if err != nil {
		return nil, dbErr("insert product "+product.Barcode, err)
	}

	stored, err := s.FindProductByBarcode(ctx, product.Barcode)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, apperrors.Newf(apperrors.KindDatabase, "product %s missing after insert", product.Barcode)
	}
	return stored, nil
}

// UpdateProduct saves every column of an already persisted product
func (s *Store) UpdateProduct(ctx context.Context, product *models.Product) error {
	if product == nil || product.ID == "" || product.IsProvisional() {
		return apperrors.New(apperrors.KindValidation, "only persisted products can be updated")
	}
	if err := s.db.WithContext(ctx).Save(product).Error; err != nil {
		return dbErr("update product "+product.Barcode, err)
	}
	return nil
}

// InsertScan stores scan and bumps the user's scan counter. A scan whose id is
// already stored is accepted without counting it again.
func (s *Store) InsertScan(ctx context.Context, scan *models.ScanRecord) (*models.ScanRecord, error) {
	if scan == nil || scan.ProductID == "" || scan.UserID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "scan requires product and user")
	}
	row := *scan
	row.Product = nil
	row.Synced = true

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&models.UserProfile{}).
			Where("id = ?", row.UserID).
			UpdateColumn("scan_count", gorm.Expr("scan_count + ?", 1)).Error
	})
	if err != nil {
		return nil, dbErr("insert scan", err)
	}
	row.Product = scan.Product
	return &row, nil
}

// ScansByUser returns the user's scans, newest first, with products preloaded
func (s *Store) ScansByUser(ctx context.Context, userID string, limit int) ([]models.ScanRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var scans []models.ScanRecord
	err := s.db.WithContext(ctx).
		Preload("Product").
		Where("user_id = ?", userID).
		Order("scanned_at DESC").
		Limit(limit).
		Find(&scans).Error
	if err != nil {
		return nil, dbErr("list scans", err)
	}
	return scans, nil
}

// GetProfile returns the profile with id, or nil when there is none
func (s *Store) GetProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get profile", err)
	}
	return &p, nil
}

// UpdateProfile creates or replaces the profile
func (s *Store) UpdateProfile(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || strings.TrimSpace(profile.ID) == "" {
		return apperrors.New(apperrors.KindValidation, "profile id is required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "email", "display_name", "dietary_preferences", "allergies", "updated_at"}),
		}).
		Create(profile).Error
	if err != nil {
		return dbErr("update profile", err)
	}
	return nil
}
