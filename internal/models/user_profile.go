package models

import (
	"time"

	"gorm.io/datatypes"
)

// UserProfile is the remote profile of an authenticated user
type UserProfile struct {
	ID                 string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Username           string                      `gorm:"unique;not null" json:"username"`
	Email              string                      `json:"email,omitempty"`
	DisplayName        string                      `json:"displayName,omitempty"`
	DietaryPreferences datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"dietaryPreferences,omitempty"`
	Allergies          datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"allergies,omitempty"`
	ScanCount          int                         `gorm:"default:0" json:"scanCount"`
	CreatedAt          time.Time                   `json:"createdAt"`
	UpdatedAt          time.Time                   `json:"updatedAt"`
}

// TableName specifies the table name for UserProfile model
func (UserProfile) TableName() string {
	return "user_profiles"
}
