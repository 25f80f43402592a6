package lookup

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
)

var barcodePattern = regexp.MustCompile(`^[0-9]{8,14}$`)

// ValidateBarcode checks that barcode is an 8 to 14 digit numeric string
func ValidateBarcode(barcode string) error {
	if !barcodePattern.MatchString(barcode) {
		return apperrors.Newf(apperrors.KindValidation, "invalid barcode %q: expected 8-14 digits", barcode)
	}
	return nil
}

// ToProduct maps an Open Food Facts product to the internal shape and scores it.
// The result has no identifier; callers assign one.
func ToProduct(ext *openfoodfacts.ExternalProduct) *models.Product {
	if ext == nil {
		return nil
	}

	name := strings.TrimSpace(ext.ProductName)
	if name == "" {
		name = strings.TrimSpace(ext.GenericName)
	}

	image := ext.ImageFrontURL
	if image == "" {
		image = ext.ImageURL
	}

	p := &models.Product{
		Barcode:     ext.Code,
		Name:        name,
		Brand:       firstBrand(ext.Brands),
		HealthScore: HealthScore(ext.NutriscoreGrade, int(ext.NovaGroup), ext.LabelsTags),
		NutriScore:  strings.ToUpper(strings.TrimSpace(ext.NutriscoreGrade)),
		NovaGroup:   int(ext.NovaGroup),
		Allergens:   datatypes.JSONSlice[string](stripLanguage(ext.AllergensTags)),
		Ingredients: datatypes.JSONSlice[string](ingredients(ext)),
		Labels:      datatypes.JSONSlice[string](stripLanguage(ext.LabelsTags)),
		Categories:  datatypes.JSONSlice[string](stripLanguage(ext.CategoriesTags)),
		Tags:        datatypes.JSONSlice[string](ext.Keywords),
		ImageURL:    image,
	}
	if len(p.NutriScore) != 1 {
		p.NutriScore = ""
	}
	if !ext.Nutriments.Empty() {
		n := ext.Nutriments
		p.Nutrition = &models.NutritionFacts{
			EnergyKcal:    float64(n.EnergyKcal100g),
			Fat:           float64(n.Fat100g),
			SaturatedFat:  float64(n.SaturatedFat100g),
			Carbohydrates: float64(n.Carbohydrates100g),
			Sugars:        float64(n.Sugars100g),
			Fiber:         float64(n.Fiber100g),
			Proteins:      float64(n.Proteins100g),
			Salt:          float64(n.Salt100g),
		}
	}
	if ext.CreatedT > 0 {
		p.CreatedAt = time.Unix(ext.CreatedT, 0).UTC()
	}
	return p
}

func firstBrand(brands string) string {
	first, _, _ := strings.Cut(brands, ",")
	return strings.TrimSpace(first)
}

// stripLanguage turns "en:palm-oil" into "palm-oil"
func stripLanguage(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if len(tag) > 3 && tag[2] == ':' {
			tag = tag[3:]
		}
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func ingredients(ext *openfoodfacts.ExternalProduct) []string {
	if len(ext.IngredientsTags) > 0 {
		return stripLanguage(ext.IngredientsTags)
	}
	if strings.TrimSpace(ext.IngredientsText) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(ext.IngredientsText, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
