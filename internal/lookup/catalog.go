package lookup

import (
	"context"
	"log/slog"

	"github.com/xelth-com/foodlens/internal/cache"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
)

// CatalogAPI lists the browsable facets of the external product database
type CatalogAPI interface {
	Categories(ctx context.Context) (*openfoodfacts.TagList, error)
	Brands(ctx context.Context) (*openfoodfacts.TagList, error)
	PopularProducts(ctx context.Context, page, pageSize int, sortBy string) (*openfoodfacts.SearchResult, error)
	Ingredient(ctx context.Context, id string) (*openfoodfacts.Ingredient, error)
}

// Catalog serves listings from the list cache and fetches them when missing or stale
type Catalog struct {
	api     CatalogAPI
	cache   *cache.ListCache
	network Availability
	logger  *slog.Logger
}

// NewCatalog creates a catalog
func NewCatalog(api CatalogAPI, lists *cache.ListCache, network Availability, logger *slog.Logger) *Catalog {
	return &Catalog{api: api, cache: lists, network: network, logger: logging.OrDiscard(logger)}
}

// Categories returns the category facet
func (c *Catalog) Categories(ctx context.Context) (*openfoodfacts.TagList, error) {
	return cachedList(ctx, c, cache.CategoriesKey, c.api.Categories)
}

// Brands returns the brand facet
func (c *Catalog) Brands(ctx context.Context) (*openfoodfacts.TagList, error) {
	return cachedList(ctx, c, cache.BrandsKey, c.api.Brands)
}

// PopularProducts returns one page of the popular products listing
func (c *Catalog) PopularProducts(ctx context.Context, page, pageSize int, sortBy string) (*openfoodfacts.SearchResult, error) {
	key := cache.PopularKey(page, pageSize, sortBy)
	return cachedList(ctx, c, key, func(ctx context.Context) (*openfoodfacts.SearchResult, error) {
		return c.api.PopularProducts(ctx, page, pageSize, sortBy)
	})
}

// Ingredient returns an ingredient of the taxonomy
func (c *Catalog) Ingredient(ctx context.Context, id string) (*openfoodfacts.Ingredient, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.KindValidation, "ingredient id is required")
	}
	return cachedList(ctx, c, cache.IngredientKey(id), func(ctx context.Context) (*openfoodfacts.Ingredient, error) {
		return c.api.Ingredient(ctx, id)
	})
}

func cachedList[T any](ctx context.Context, c *Catalog, key string, fetch func(context.Context) (*T, error)) (*T, error) {
	var cached T
	if c.cache != nil && c.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	if c.network != nil && !c.network.IsAvailable() {
		return nil, apperrors.Newf(apperrors.KindNetwork, "%s is not cached and the network is unavailable", key)
	}

	v, err := fetch(ctx)
	if err != nil {
		logging.Failure(c.logger, err, "catalog fetch failed", slog.String("key", key))
		return nil, err
	}
	if c.cache != nil {
		c.cache.Put(ctx, key, v)
	}
	return v, nil
}
