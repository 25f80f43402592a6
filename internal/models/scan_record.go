package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScanRecord is one successful barcode lookup by a user
type ScanRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProductID string    `gorm:"type:varchar(64);not null;index" json:"productId"`
	UserID    string    `gorm:"type:varchar(64);not null;index:idx_user_scanned" json:"userId"`
	Barcode   string    `gorm:"type:varchar(14);not null" json:"barcode"`
	ScannedAt time.Time `gorm:"not null;index:idx_user_scanned" json:"scannedAt"`
	Source    Source    `gorm:"type:varchar(20)" json:"source"`
	Synced    bool      `gorm:"default:false" json:"synced"`

	Product *Product `gorm:"foreignKey:ProductID;references:ID" json:"product,omitempty"`
}

// TableName specifies the table name for ScanRecord model
func (ScanRecord) TableName() string {
	return "scans"
}

// BeforeCreate hook
func (s *ScanRecord) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.ScannedAt.IsZero() {
		s.ScannedAt = time.Now().UTC()
	}
	return nil
}
