package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/storage"
)

// DefaultListTTL is how long listing responses stay fresh
const DefaultListTTL = time.Hour

// Listing keys
const (
	CategoriesKey = "categories"
	BrandsKey     = "brands"
)

// PopularKey returns the key of one page of the popular products listing
func PopularKey(page, pageSize int, sortBy string) string {
	return fmt.Sprintf("popular_%d_%d_%s", page, pageSize, sortBy)
}

// IngredientKey returns the key of an ingredient taxonomy entry.
// The id is normalized to lowercase with spaces replaced by dashes.
func IngredientKey(id string) string {
	return "ingredient:" + NormalizeIngredientID(id)
}

// NormalizeIngredientID lowercases id and joins words with dashes
func NormalizeIngredientID(id string) string {
	return strings.Join(strings.Fields(strings.ToLower(id)), "-")
}

// ListCache caches listing payloads with a single TTL.
type ListCache struct {
	store  *storage.Adapter
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewListCache creates a listing cache over store. A zero ttl selects DefaultListTTL.
func NewListCache(store *storage.Adapter, ttl time.Duration, logger *slog.Logger) *ListCache {
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	return &ListCache{store: store, ttl: ttl, logger: logging.OrDiscard(logger), now: time.Now}
}

// SetClock replaces the time source (tests)
func (c *ListCache) SetClock(now func() time.Time) {
	c.now = now
}

// Get decodes the fresh entry under key into dst and reports whether it was found.
func (c *ListCache) Get(ctx context.Context, key string, dst interface{}) bool {
	var entry CachedEntry[json.RawMessage]
	ok, err := c.store.GetJSON(ctx, key, &entry)
	if err != nil {
		logging.Failure(c.logger, err, "list cache read failed", slog.String("key", key))
		return false
	}
	if !ok {
		return false
	}
	if entry.Expired(c.now(), c.ttl) {
		if err := c.store.Remove(ctx, key); err != nil {
			logging.Failure(c.logger, err, "list cache remove failed", slog.String("key", key))
		}
		return false
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		logging.Failure(c.logger, apperrors.Wrap(apperrors.KindStorage, "decode cached listing", err),
			"list cache decode failed", slog.String("key", key))
		return false
	}
	return true
}

// Put stores v under key. Failures are logged.
func (c *ListCache) Put(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Failure(c.logger, apperrors.Wrap(apperrors.KindStorage, "encode cached listing", err),
			"list cache encode failed", slog.String("key", key))
		return
	}
	entry := CachedEntry[json.RawMessage]{Data: data, CachedAt: c.now().UnixMilli()}
	if err := c.store.SetJSON(ctx, key, entry); err != nil {
		logging.Failure(c.logger, err, "list cache write failed", slog.String("key", key))
	}
}
