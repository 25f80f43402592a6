package openfoodfacts

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ProductResponse is the envelope of GET /api/v0/product/{barcode}.json.
// Status 0 means the product does not exist.
type ProductResponse struct {
	Code          string           `json:"code"`
	Status        int              `json:"status"`
	StatusVerbose string           `json:"status_verbose"`
	Product       *ExternalProduct `json:"product"`
}

// ExternalProduct is the subset of the Open Food Facts product schema this client reads
type ExternalProduct struct {
	Code            string     `json:"code"`
	ProductName     string     `json:"product_name"`
	GenericName     string     `json:"generic_name"`
	Brands          string     `json:"brands"`
	NutriscoreGrade string     `json:"nutriscore_grade"`
	NovaGroup       FlexInt    `json:"nova_group"`
	LabelsTags      []string   `json:"labels_tags"`
	AllergensTags   []string   `json:"allergens_tags"`
	IngredientsText string     `json:"ingredients_text"`
	IngredientsTags []string   `json:"ingredients_tags"`
	CategoriesTags  []string   `json:"categories_tags"`
	Keywords        []string   `json:"_keywords"`
	ImageURL        string     `json:"image_url"`
	ImageFrontURL   string     `json:"image_front_url"`
	Nutriments      Nutriments `json:"nutriments"`
	CreatedT        int64      `json:"created_t"`
}

// Nutriments holds per-100g values; the API sends them as numbers or strings
type Nutriments struct {
	EnergyKcal100g    FlexFloat `json:"energy-kcal_100g"`
	Fat100g           FlexFloat `json:"fat_100g"`
	SaturatedFat100g  FlexFloat `json:"saturated-fat_100g"`
	Carbohydrates100g FlexFloat `json:"carbohydrates_100g"`
	Sugars100g        FlexFloat `json:"sugars_100g"`
	Fiber100g         FlexFloat `json:"fiber_100g"`
	Proteins100g      FlexFloat `json:"proteins_100g"`
	Salt100g          FlexFloat `json:"salt_100g"`
}

// Empty reports whether no nutriment was provided
func (n Nutriments) Empty() bool {
	return n == Nutriments{}
}

// FlexInt accepts a JSON number or numeric string
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexInt(int(v))
	return nil
}

// FlexFloat accepts a JSON number or numeric string
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(v)
	return nil
}

// Tag is one entry of a facet listing (categories, brands)
type Tag struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Products int    `json:"products"`
	URL      string `json:"url,omitempty"`
}

// TagList is the response of /categories.json and /brands.json
type TagList struct {
	Count int   `json:"count"`
	Tags  []Tag `json:"tags"`
}

// SearchResult is one page of the popular products listing
type SearchResult struct {
	Count    int               `json:"count"`
	Page     FlexInt           `json:"page"`
	PageSize FlexInt           `json:"page_size"`
	Products []ExternalProduct `json:"products"`
}

// Ingredient is an entry of the ingredients taxonomy
type Ingredient struct {
	ID      string            `json:"id"`
	Name    map[string]string `json:"name"`
	Parents []string          `json:"parents,omitempty"`
	Vegan   string            `json:"vegan,omitempty"`
}

// writeResponse is returned by the product write endpoints
type writeResponse struct {
	Status        FlexInt `json:"status"`
	StatusVerbose string  `json:"status_verbose"`
}

// taxonomyEntry is one value of the /api/v2/taxonomy map
type taxonomyEntry struct {
	Name    map[string]string `json:"name"`
	Parents []string          `json:"parents"`
	Vegan   map[string]string `json:"vegan"`
}

func decodeTaxonomy(data []byte) (map[string]taxonomyEntry, error) {
	out := make(map[string]taxonomyEntry)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
