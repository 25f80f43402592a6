package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProvisionalIDPrefix marks identifiers generated on the client before the
// product has been persisted remotely.
const ProvisionalIDPrefix = "tmp_"

// Source names the tier that resolved a product
type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
	SourceAPI      Source = "api"
)

// Product is the internal product record keyed by barcode
// Standardized: Go (PascalCase) -> DB (snake_case) -> JSON (camelCase)
type Product struct {
	ID          string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Barcode     string                      `gorm:"type:varchar(14);uniqueIndex;not null" json:"barcode"`
	Name        string                      `json:"name"`
	Brand       string                      `json:"brand"`
	HealthScore int                         `gorm:"not null;default:50" json:"healthScore"`
	NutriScore  string                      `gorm:"type:varchar(1)" json:"nutriScore,omitempty"`
	NovaGroup   int                         `json:"novaGroup,omitempty"`
	Nutrition   *NutritionFacts             `gorm:"type:jsonb" json:"nutrition,omitempty"`
	Allergens   datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"allergens,omitempty"`
	Ingredients datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"ingredients,omitempty"`
	Labels      datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"labels,omitempty"`
	Categories  datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"categories,omitempty"`
	Tags        datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"tags,omitempty"`
	ImageURL    string                      `json:"imageUrl,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`

	// Provisional is set while the product only exists on this client.
	Provisional bool `gorm:"-" json:"provisional,omitempty"`
}

// TableName specifies the table name for Product model
func (Product) TableName() string {
	return "products"
}

// BeforeCreate assigns a storage identifier, replacing any provisional one
func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" || IsProvisionalID(p.ID) {
		p.ID = uuid.New().String()
	}
	p.Provisional = false
	return nil
}

// IsProvisional reports whether the product has not been persisted remotely yet
func (p *Product) IsProvisional() bool {
	return p.Provisional || IsProvisionalID(p.ID)
}

// Clone returns a copy that shares no slices with p
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	if p.Nutrition != nil {
		n := *p.Nutrition
		c.Nutrition = &n
	}
	c.Allergens = append(datatypes.JSONSlice[string](nil), p.Allergens...)
	c.Ingredients = append(datatypes.JSONSlice[string](nil), p.Ingredients...)
	c.Labels = append(datatypes.JSONSlice[string](nil), p.Labels...)
	c.Categories = append(datatypes.JSONSlice[string](nil), p.Categories...)
	c.Tags = append(datatypes.JSONSlice[string](nil), p.Tags...)
	return &c
}

// NewProvisionalID generates a client-side identifier
func NewProvisionalID() string {
	return ProvisionalIDPrefix + uuid.New().String()
}

// IsProvisionalID reports whether id was generated by NewProvisionalID
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// NutritionFacts holds per-100g nutrient values
type NutritionFacts struct {
	EnergyKcal    float64 `json:"energyKcal"`
	Fat           float64 `json:"fat"`
	SaturatedFat  float64 `json:"saturatedFat"`
	Carbohydrates float64 `json:"carbohydrates"`
	Sugars        float64 `json:"sugars"`
	Fiber         float64 `json:"fiber"`
	Proteins      float64 `json:"proteins"`
	Salt          float64 `json:"salt"`
}

// Scan implements sql.Scanner interface
func (n *NutritionFacts) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal nutrition value: %v", value)
	}
	return json.Unmarshal(bytes, n)
}

// Value implements driver.Valuer interface
func (n NutritionFacts) Value() (driver.Value, error) {
	return json.Marshal(n)
}
