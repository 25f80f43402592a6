// Package cache holds the TTL caches layered on the storage adapter: individual
// products keyed by barcode and the cacheable Open Food Facts listings.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/storage"
)

const (
	// ProductKeyPrefix prefixes every cached product key
	ProductKeyPrefix = "product:"

	// DefaultProductTTL is how long a cached product stays fresh
	DefaultProductTTL = 24 * time.Hour
)

// CachedEntry wraps cached data with the time it was written (epoch ms).
type CachedEntry[T any] struct {
	Data     T     `json:"data"`
	CachedAt int64 `json:"cachedAt"`
}

// Expired reports whether the entry is older than ttl at now
func (e CachedEntry[T]) Expired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.CachedAt > ttl.Milliseconds()
}

// ProductKey returns the storage key of a barcode
func ProductKey(barcode string) string {
	return ProductKeyPrefix + barcode
}

// ProductCache stores products keyed by barcode. It is a best-effort accelerator:
// storage failures are logged and never returned.
type ProductCache struct {
	store  *storage.Adapter
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	// mu guards the compare-and-swap of Save and Reconcile
	mu sync.Mutex
}

// NewProductCache creates a product cache over store. A zero ttl selects DefaultProductTTL.
func NewProductCache(store *storage.Adapter, ttl time.Duration, logger *slog.Logger) *ProductCache {
	if ttl <= 0 {
		ttl = DefaultProductTTL
	}
	return &ProductCache{
		store:  store,
		ttl:    ttl,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests)
func (c *ProductCache) SetClock(now func() time.Time) {
	c.now = now
}

// TTL returns the freshness window
func (c *ProductCache) TTL() time.Duration {
	return c.ttl
}

// Save writes product with cachedAt = now. A provisional product never replaces a
// fresh persisted entry for the same barcode.
func (c *ProductCache) Save(ctx context.Context, product *models.Product) {
	if product == nil || product.Barcode == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if product.IsProvisional() {
		if existing, ok := c.read(ctx, product.Barcode); ok && !existing.Expired(c.now(), c.ttl) && !existing.Data.IsProvisional() {
			c.logger.Debug("kept persisted cache entry over provisional copy",
				slog.String("barcode", product.Barcode),
				slog.String("id", existing.Data.ID))
			return
		}
	}
	c.write(ctx, product)
}

// Load returns the cached product for barcode. Expired entries are removed and reported absent.
func (c *ProductCache) Load(ctx context.Context, barcode string) (*models.Product, bool) {
	entry, ok := c.read(ctx, barcode)
	if !ok {
		return nil, false
	}
	if entry.Expired(c.now(), c.ttl) {
		c.remove(ctx, barcode)
		return nil, false
	}
	return entry.Data, true
}

// Reconcile replaces the cached provisional copy of saved with the persisted one.
// It writes when the entry is missing or still carries provisionalID; a newer
// persisted entry is left untouched. Returns true when the entry was written.
func (c *ProductCache) Reconcile(ctx context.Context, provisionalID string, saved *models.Product) bool {
	if saved == nil || saved.Barcode == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.read(ctx, saved.Barcode); ok {
		if existing.Data.ID != provisionalID && !existing.Data.IsProvisional() {
			return false
		}
	}
	return c.write(ctx, saved)
}

// PurgeExpired removes every expired product entry and returns how many were removed.
func (c *ProductCache) PurgeExpired(ctx context.Context) int {
	keys, err := c.store.ListKeys(ctx, ProductKeyPrefix)
	if err != nil {
		logging.Failure(c.logger, err, "product cache purge: list keys failed")
		return 0
	}

	now := c.now()
	removed := 0
	for _, key := range keys {
		barcode := strings.TrimPrefix(key, ProductKeyPrefix)
		entry, ok := c.read(ctx, barcode)
		if !ok || !entry.Expired(now, c.ttl) {
			continue
		}
		if c.remove(ctx, barcode) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("purged expired products", slog.Int("removed", removed))
	}
	return removed
}

// Remove drops the cached entry for barcode
func (c *ProductCache) Remove(ctx context.Context, barcode string) {
	c.remove(ctx, barcode)
}

func (c *ProductCache) read(ctx context.Context, barcode string) (CachedEntry[*models.Product], bool) {
	var entry CachedEntry[*models.Product]
	ok, err := c.store.GetJSON(ctx, ProductKey(barcode), &entry)
	if err != nil {
		logging.Failure(c.logger, err, "product cache read failed", slog.String("barcode", barcode))
		return entry, false
	}
	if !ok || entry.Data == nil {
		return entry, false
	}
	return entry, true
}

func (c *ProductCache) write(ctx context.Context, product *models.Product) bool {
	entry := CachedEntry[*models.Product]{Data: product, CachedAt: c.now().UnixMilli()}
	if err := c.store.SetJSON(ctx, ProductKey(product.Barcode), entry); err != nil {
		logging.Failure(c.logger, err, "product cache write failed", slog.String("barcode", product.Barcode))
		return false
	}
	return true
}

func (c *ProductCache) remove(ctx context.Context, barcode string) bool {
	if err := c.store.Remove(ctx, ProductKey(barcode)); err != nil {
		logging.Failure(c.logger, err, "product cache remove failed", slog.String("barcode", barcode))
		return false
	}
	return true
}
