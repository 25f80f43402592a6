package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newProductCache(t *testing.T) (*ProductCache, *storage.Adapter, *clock) {
	t.Helper()
	store := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test"})
	clk := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	c := NewProductCache(store, 0, nil)
	c.SetClock(clk.now)
	return c, store, clk
}

func product(id, barcode, name string) *models.Product {
	return &models.Product{ID: id, Barcode: barcode, Name: name, HealthScore: 70}
}

func TestSaveTwiceKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newProductCache(t)

	c.Save(ctx, product("p1", "3017620422003", "first"))
	c.Save(ctx, product("p1", "3017620422003", "second"))

	keys, err := store.ListKeys(ctx, ProductKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"product:3017620422003"}, keys)

	got, ok := c.Load(ctx, "3017620422003")
	require.True(t, ok)
	assert.Equal(t, "second", got.Name)
}

func TestLoadMissing(t *testing.T) {
	c, _, _ := newProductCache(t)
	_, ok := c.Load(context.Background(), "12345678")
	assert.False(t, ok)
}

func TestLoadExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newProductCache(t)

	c.Save(ctx, product("p1", "12345678", "milk"))

	clk.advance(DefaultProductTTL)
	_, ok := c.Load(ctx, "12345678")
	assert.True(t, ok, "an entry exactly TTL old is still fresh")

	clk.advance(time.Millisecond)
	_, ok = c.Load(ctx, "12345678")
	assert.False(t, ok, "an entry TTL+1ms old is absent")

	_, exists, err := store.Get(ctx, ProductKey("12345678"))
	require.NoError(t, err)
	assert.False(t, exists, "expired entry removed on load")
}

func TestPurgeExpiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newProductCache(t)

	c.Save(ctx, product("old1", "11111111", "a"))
	c.Save(ctx, product("old2", "22222222", "b"))
	clk.advance(20 * time.Hour)
	c.Save(ctx, product("new", "33333333", "c"))
	require.NoError(t, store.Set(ctx, "brands", `{"data":[],"cachedAt":0}`))

	clk.advance(5 * time.Hour)
	assert.Equal(t, 2, c.PurgeExpired(ctx))
	assert.Equal(t, 0, c.PurgeExpired(ctx))

	_, ok := c.Load(ctx, "33333333")
	assert.True(t, ok)
	_, exists, _ := store.Get(ctx, "brands")
	assert.True(t, exists, "purge only scans product keys")
}

func TestProvisionalDoesNotReplacePersisted(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newProductCache(t)

	persisted := product("db-uuid", "12345678", "persisted")
	c.Save(ctx, persisted)

	provisional := product(models.NewProvisionalID(), "12345678", "provisional")
	provisional.Provisional = true
	c.Save(ctx, provisional)

	got, ok := c.Load(ctx, "12345678")
	require.True(t, ok)
	assert.Equal(t, "db-uuid", got.ID)
}

// The background save finishes after the caller cached the provisional copy.
func TestReconcileAfterProvisionalCached(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newProductCache(t)

	tmpID := models.NewProvisionalID()
	provisional := product(tmpID, "12345678", "chips")
	provisional.Provisional = true
	c.Save(ctx, provisional)

	assert.True(t, c.Reconcile(ctx, tmpID, product("db-uuid", "12345678", "chips")))

	got, ok := c.Load(ctx, "12345678")
	require.True(t, ok)
	assert.Equal(t, "db-uuid", got.ID)
	assert.False(t, got.IsProvisional())
}

// The background save finishes before the caller writes the provisional copy.
func TestReconcileBeforeProvisionalCached(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newProductCache(t)

	tmpID := models.NewProvisionalID()
	assert.True(t, c.Reconcile(ctx, tmpID, product("db-uuid", "12345678", "chips")))

	provisional := product(tmpID, "12345678", "chips")
	provisional.Provisional = true
	c.Save(ctx, provisional)

	got, ok := c.Load(ctx, "12345678")
	require.True(t, ok)
	assert.Equal(t, "db-uuid", got.ID)
}

func TestReconcileLeavesNewerPersistedEntry(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newProductCache(t)

	c.Save(ctx, product("other-uuid", "12345678", "newer"))
	assert.False(t, c.Reconcile(ctx, models.NewProvisionalID(), product("db-uuid", "12345678", "older")))

	got, _ := c.Load(ctx, "12345678")
	assert.Equal(t, "other-uuid", got.ID)
}

func TestListCache(t *testing.T) {
	ctx := context.Background()
	store := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{})
	clk := &clock{t: time.Unix(1700000000, 0)}
	lc := NewListCache(store, 0, nil)
	lc.SetClock(clk.now)

	lc.Put(ctx, CategoriesKey, []string{"snacks", "dairies"})

	var got []string
	require.True(t, lc.Get(ctx, CategoriesKey, &got))
	assert.Equal(t, []string{"snacks", "dairies"}, got)

	clk.advance(DefaultListTTL + time.Millisecond)
	assert.False(t, lc.Get(ctx, CategoriesKey, &got))

	_, exists, _ := store.Get(ctx, CategoriesKey)
	assert.False(t, exists)
}

func TestListingKeys(t *testing.T) {
	assert.Equal(t, "popular_2_20_unique_scans_n", PopularKey(2, 20, "unique_scans_n"))
	assert.Equal(t, "ingredient:palm-oil", IngredientKey("  Palm Oil "))
	assert.Equal(t, "product:12345678", ProductKey("12345678"))
}
