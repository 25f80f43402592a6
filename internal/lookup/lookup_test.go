package lookup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/foodlens/internal/cache"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
	"github.com/xelth-com/foodlens/internal/storage"
)

const nutella = "3017620422003"

type fakeAPI struct {
	mu       sync.Mutex
	products map[string]*openfoodfacts.ExternalProduct
	calls    int32
	err      error

	categories *openfoodfacts.TagList
	listCalls  int32
}

func (f *fakeAPI) GetProduct(_ context.Context, barcode string) (*openfoodfacts.ExternalProduct, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.products[barcode]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, apperrors.Newf(apperrors.KindNotFound, "product %s not found upstream", barcode)
}

func (f *fakeAPI) Categories(context.Context) (*openfoodfacts.TagList, error) {
	atomic.AddInt32(&f.listCalls, 1)
	return f.categories, nil
}

func (f *fakeAPI) Brands(context.Context) (*openfoodfacts.TagList, error) {
	atomic.AddInt32(&f.listCalls, 1)
	return &openfoodfacts.TagList{}, nil
}

func (f *fakeAPI) PopularProducts(_ context.Context, page, pageSize int, _ string) (*openfoodfacts.SearchResult, error) {
	atomic.AddInt32(&f.listCalls, 1)
	return &openfoodfacts.SearchResult{Count: 1, Page: openfoodfacts.FlexInt(page), PageSize: openfoodfacts.FlexInt(pageSize)}, nil
}

func (f *fakeAPI) Ingredient(_ context.Context, id string) (*openfoodfacts.Ingredient, error) {
	atomic.AddInt32(&f.listCalls, 1)
	return &openfoodfacts.Ingredient{ID: id, Name: map[string]string{"en": "Palm oil"}}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	products map[string]*models.Product
	scans    []models.ScanRecord
	findErr  error
	scanErr  error

	// gate, when set, holds InsertProduct until closed
	gate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{products: make(map[string]*models.Product)}
}

func (s *fakeStore) FindProductByBarcode(_ context.Context, barcode string) (*models.Product, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[barcode]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (s *fakeStore) InsertProduct(_ context.Context, product *models.Product) (*models.Product, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.products[product.Barcode]; ok {
		return existing.Clone(), nil
	}
	row := product.Clone()
	row.ID = uuid.New().String()
	row.Provisional = false
	s.products[row.Barcode] = row
	return row.Clone(), nil
}

func (s *fakeStore) InsertScan(_ context.Context, scan *models.ScanRecord) (*models.ScanRecord, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := *scan
	row.ID = uuid.New().String()
	row.Synced = true
	s.scans = append(s.scans, row)
	return &row, nil
}

func (s *fakeStore) ScansByUser(_ context.Context, userID string, _ int) ([]models.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScanRecord
	for _, sc := range s.scans {
		if sc.UserID == userID {
			out = append(out, sc)
		}
	}
	return out, nil
}

type fakeNetwork struct{ online atomic.Bool }

func (n *fakeNetwork) IsAvailable() bool { return n.online.Load() }

type fakeUsers struct{ current string }

func (u fakeUsers) ResolveUserID(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	return u.current, u.current != ""
}

type harness struct {
	api     *fakeAPI
	store   *fakeStore
	network *fakeNetwork
	cache   *cache.ProductCache
	queue   *queue.Queue
	bus     *events.Bus
	orch    *Orchestrator
}

func newHarness(t *testing.T, online bool, user string) *harness {
	t.Helper()
	return newHarnessOn(t, storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test"}), online, user)
}

func newHarnessOn(t *testing.T, adapter *storage.Adapter, online bool, user string) *harness {
	t.Helper()
	bus := events.NewBus(nil)
	h := &harness{
		api:     &fakeAPI{products: make(map[string]*openfoodfacts.ExternalProduct)},
		store:   newFakeStore(),
		network: &fakeNetwork{},
		cache:   cache.NewProductCache(adapter, 0, nil),
		queue:   queue.New(adapter, bus, queue.Options{}),
		bus:     bus,
	}
	h.network.online.Store(online)
	h.orch = NewOrchestrator(Options{
		API:     h.api,
		Store:   h.store,
		Cache:   h.cache,
		Queue:   h.queue,
		Network: h.network,
		Users:   fakeUsers{current: user},
		Bus:     bus,
	})
	return h
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name   string
		grade  string
		nova   int
		labels []string
		want   int
	}{
		{"no data", "", 0, nil, 50},
		{"best grades", "a", 1, nil, 100},
		{"best grades organic clamps", "A", 1, []string{"en:organic"}, 100},
		{"worst grades", "e", 4, nil, 10},
		{"grade only", "c", 0, nil, 60},
		{"nova only", "", 3, nil, 40},
		{"bio label", "d", 2, []string{"fr:bio-europeen"}, 60},
		{"bonus once", "", 0, []string{"en:organic", "en:eu-organic"}, 60},
		{"unknown grade ignored", "z", 7, nil, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthScore(tt.grade, tt.nova, tt.labels))
		})
	}
}

func TestValidateBarcode(t *testing.T) {
	for _, ok := range []string{"12345678", "3017620422003", "12345678901234"} {
		assert.NoError(t, ValidateBarcode(ok), ok)
	}
	for _, bad := range []string{"", "1234567", "123456789012345", "12345a78", " 12345678"} {
		assert.True(t, apperrors.Is(ValidateBarcode(bad), apperrors.KindValidation), bad)
	}
}

func TestToProduct(t *testing.T) {
	p := ToProduct(&openfoodfacts.ExternalProduct{
		Code:            nutella,
		GenericName:     "Hazelnut spread",
		Brands:          "Ferrero, Nutella",
		NutriscoreGrade: "e",
		NovaGroup:       4,
		LabelsTags:      []string{"en:no-gluten"},
		AllergensTags:   []string{"en:milk", "en:nuts"},
		IngredientsText: "sugar, palm oil, hazelnuts",
		ImageURL:        "https://img/full.jpg",
		ImageFrontURL:   "https://img/front.jpg",
		Nutriments:      openfoodfacts.Nutriments{Sugars100g: 56.3},
		CreatedT:        1500000000,
	})
	assert.Equal(t, "Hazelnut spread", p.Name)
	assert.Equal(t, "Ferrero", p.Brand)
	assert.Equal(t, "E", p.NutriScore)
	assert.Equal(t, 10, p.HealthScore)
	assert.Equal(t, []string{"milk", "nuts"}, []string(p.Allergens))
	assert.Equal(t, []string{"sugar", "palm oil", "hazelnuts"}, []string(p.Ingredients))
	assert.Equal(t, "https://img/front.jpg", p.ImageURL)
	require.NotNil(t, p.Nutrition)
	assert.InDelta(t, 56.3, p.Nutrition.Sugars, 0.001)
	assert.Equal(t, int64(1500000000), p.CreatedAt.Unix())
	assert.Nil(t, ToProduct(nil))
}

func TestResolveFromAPI(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "user-1")
	h.api.products[nutella] = &openfoodfacts.ExternalProduct{
		ProductName:     "Nutella",
		NutriscoreGrade: "a",
		NovaGroup:       1,
	}

	res, err := h.orch.Resolve(ctx, nutella, "")
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, models.SourceAPI, res.Source)
	assert.Equal(t, 100, res.Product.HealthScore)
	assert.True(t, res.Product.IsProvisional())

	// provisional products are scanned through the queue
	assert.Nil(t, res.ScanRecord)
	require.NotEmpty(t, res.PendingOperationID)
	op, ok, err := h.queue.Get(ctx, res.PendingOperationID)
	require.NoError(t, err)
	require.True(t, ok)
	var payload models.RecordScanPayload
	require.NoError(t, op.DecodePayload(&payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, nutella, payload.Barcode)
	assert.Equal(t, models.SourceAPI, payload.Source)

	cached, ok := h.cache.Load(ctx, nutella)
	require.True(t, ok)
	assert.False(t, cached.IsProvisional(), "cache holds the persisted copy after reconciliation")
}

func TestResolveOfflineUsesCacheOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, "")
	h.cache.Save(ctx, &models.Product{ID: "p-1", Barcode: nutella, Name: "Nutella", HealthScore: 20})

	res, err := h.orch.Resolve(ctx, nutella, "")
	require.NoError(t, err)

	assert.Equal(t, models.SourceCache, res.Source)
	assert.Equal(t, "p-1", res.Product.ID)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.api.calls), "no network call while offline")

	op, ok, err := h.queue.Get(ctx, res.PendingOperationID)
	require.NoError(t, err)
	require.True(t, ok)
	var payload models.RecordScanPayload
	require.NoError(t, op.DecodePayload(&payload))
	assert.Equal(t, models.PlaceholderUserID, payload.UserID)
}

func TestResolveFallsBackToDatabase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "user-1")
	h.store.products["12345678"] = &models.Product{ID: "db-1", Barcode: "12345678", Name: "Milk", HealthScore: 70}

	res, err := h.orch.Resolve(ctx, "12345678", "")
	require.NoError(t, err)

	assert.Equal(t, models.SourceDatabase, res.Source)
	require.NotNil(t, res.ScanRecord)
	assert.Empty(t, res.PendingOperationID)
	assert.True(t, res.ScanRecord.Synced)
	assert.Equal(t, "db-1", res.ScanRecord.ProductID)

	cached, ok := h.cache.Load(ctx, "12345678")
	require.True(t, ok)
	assert.Equal(t, "db-1", cached.ID)
}

func TestResolveQueuesScanWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "user-1")
	h.store.products["12345678"] = &models.Product{ID: "db-1", Barcode: "12345678"}
	h.store.scanErr = apperrors.New(apperrors.KindDatabase, "down")

	res, err := h.orch.Resolve(ctx, "12345678", "")
	require.NoError(t, err)
	assert.Nil(t, res.ScanRecord)
	assert.NotEmpty(t, res.PendingOperationID)
}

// A full local store must not lose the scan when the direct insert also fails.
func TestResolveKeepsScanWhenStorageIsFull(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test", MaxBytes: 3000})
	require.NoError(t, adapter.Set(ctx, "brands", `{"items":"`+strings.Repeat("b", 2900)+`"}`))
	h := newHarnessOn(t, adapter, true, "user-1")
	h.store.products["12345678"] = &models.Product{ID: "db-1", Barcode: "12345678", Name: "Milk"}
	h.store.scanErr = apperrors.New(apperrors.KindDatabase, "down")

	res, err := h.orch.Resolve(ctx, "12345678", "")
	require.NoError(t, err)
	assert.Nil(t, res.ScanRecord)
	require.NotEmpty(t, res.PendingOperationID)

	ops, err := h.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, res.PendingOperationID, ops[0].ID)
	assert.Equal(t, models.OperationRecordScan, ops[0].Type)
	assert.Equal(t, 1, h.queue.Unsaved())
}

func TestResolveNotFound(t *testing.T) {
	h := newHarness(t, true, "")
	_, err := h.orch.Resolve(context.Background(), "12345678", "")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	ops, err := h.queue.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestResolveSurfacesDatabaseErrorAsLastTier(t *testing.T) {
	h := newHarness(t, true, "")
	h.store.findErr = apperrors.New(apperrors.KindDatabase, "connection refused")

	_, err := h.orch.Resolve(context.Background(), "12345678", "")
	assert.True(t, apperrors.Is(err, apperrors.KindDatabase))
}

func TestResolveAPIFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "")
	h.api.err = apperrors.New(apperrors.KindNetwork, "timeout")
	h.cache.Save(ctx, &models.Product{ID: "p-1", Barcode: nutella})

	res, err := h.orch.Resolve(ctx, nutella, "")
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, res.Source)
}

func TestResolveRejectsMalformedBarcode(t *testing.T) {
	h := newHarness(t, true, "")
	_, err := h.orch.Resolve(context.Background(), "12ab", "")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.api.calls))
}

func TestReconciliationAfterCallerCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "")
	h.api.products[nutella] = &openfoodfacts.ExternalProduct{ProductName: "Nutella"}
	h.store.gate = make(chan struct{})

	var reconciled atomic.Value
	h.bus.Subscribe(events.ProductReconciled, func(e events.Event) error {
		reconciled.Store(e)
		return nil
	})

	res, err := h.orch.Resolve(ctx, nutella, "")
	require.NoError(t, err)

	cached, ok := h.cache.Load(ctx, nutella)
	require.True(t, ok)
	assert.Equal(t, res.Product.ID, cached.ID, "provisional copy cached first")

	close(h.store.gate)
	h.orch.Wait()

	cached, ok = h.cache.Load(ctx, nutella)
	require.True(t, ok)
	assert.False(t, cached.IsProvisional())
	assert.NotEqual(t, res.Product.ID, cached.ID)

	e, ok := reconciled.Load().(events.Event)
	require.True(t, ok)
	assert.Equal(t, res.Product.ID, e.ProvisionalID)
	assert.Equal(t, cached.ID, e.Product.ID)
}

func TestReconciliationConvergesInEitherOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "")
	for i := 0; i < 20; i++ {
		code := fmt.Sprintf("400000000%04d", i)
		h.api.products[code] = &openfoodfacts.ExternalProduct{ProductName: code}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Resolve(ctx, fmt.Sprintf("400000000%04d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	h.orch.Wait()

	for i := 0; i < 20; i++ {
		code := fmt.Sprintf("400000000%04d", i)
		cached, ok := h.cache.Load(ctx, code)
		require.True(t, ok, code)
		assert.False(t, cached.IsProvisional(), code)
		assert.Equal(t, h.store.products[code].ID, cached.ID, code)
	}
}

func TestResolveTriggersPurge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, "")
	h.orch.purgeProbability = 0.5
	h.orch.SetRandom(func() float64 { return 0 })

	past := time.Now().Add(-48 * time.Hour)
	h.cache.SetClock(func() time.Time { return past })
	h.cache.Save(ctx, &models.Product{ID: "old", Barcode: "11111111"})
	h.cache.SetClock(time.Now)
	h.cache.Save(ctx, &models.Product{ID: "p-1", Barcode: nutella})

	_, err := h.orch.Resolve(ctx, nutella, "")
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, 0, h.cache.PurgeExpired(ctx), "expired entry already purged")
}

func TestHistoryMergesQueuedScans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, "user-1")
	now := time.Now().UTC()
	h.orch.SetClock(func() time.Time { return now })

	h.store.scans = []models.ScanRecord{
		{ID: "s-1", UserID: "user-1", Barcode: "12345678", ScannedAt: now.Add(-time.Hour), Synced: true},
		{ID: "s-2", UserID: "other", Barcode: "12345678", ScannedAt: now},
	}
	_, err := h.queue.Enqueue(ctx, models.OperationRecordScan, models.RecordScanPayload{
		Barcode: nutella, ProductID: "tmp_x", UserID: "user-1", Source: models.SourceAPI, ScannedAt: now.UnixMilli(),
	})
	require.NoError(t, err)

	scans, err := h.orch.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, nutella, scans[0].Barcode)
	assert.False(t, scans[0].Synced)
	assert.Equal(t, "s-1", scans[1].ID)

	anon := newHarness(t, true, "")
	_, err = anon.orch.History(ctx, "", 10)
	assert.True(t, apperrors.Is(err, apperrors.KindAuthentication))
}

func TestCatalogCachesListings(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test"})
	api := &fakeAPI{categories: &openfoodfacts.TagList{Count: 1, Tags: []openfoodfacts.Tag{{ID: "en:snacks", Name: "Snacks"}}}}
	network := &fakeNetwork{}
	network.online.Store(true)
	catalog := NewCatalog(api, cache.NewListCache(adapter, 0, nil), network, nil)

	first, err := catalog.Categories(ctx)
	require.NoError(t, err)
	second, err := catalog.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Tags, second.Tags)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.listCalls))

	network.online.Store(false)
	cached, err := catalog.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Snacks", cached.Tags[0].Name)

	_, err = catalog.Brands(ctx)
	assert.True(t, apperrors.Is(err, apperrors.KindNetwork))

	network.online.Store(true)
	ing, err := catalog.Ingredient(ctx, "en:palm-oil")
	require.NoError(t, err)
	assert.Equal(t, "Palm oil", ing.Name["en"])
	ok, err := adapter.GetJSON(ctx, cache.IngredientKey("en:palm-oil"), &struct{}{})
	require.NoError(t, err)
	assert.True(t, ok)

	page, err := catalog.PopularProducts(ctx, 2, 10, "")
	require.NoError(t, err)
	assert.Equal(t, openfoodfacts.FlexInt(2), page.Page)
}

func TestContributorValidatesBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test"})
	q := queue.New(adapter, nil, queue.Options{})
	c := NewContributor(q, nil)

	_, err := c.SubmitProduct(ctx, "123", map[string]string{"product_name": "x"})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = c.SubmitProduct(ctx, nutella, map[string]string{"brands": "Ferrero"})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = c.UpdateProduct(ctx, nutella, map[string]string{" ": "x", "brands": " "})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = c.UploadImage(ctx, nutella, "selfie", "", []byte{1})
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
	_, err = c.UploadImage(ctx, nutella, "front", "", nil)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "invalid contributions are never queued")

	op, err := c.SubmitProduct(ctx, nutella, map[string]string{"product_name": "Nutella", "code": "999"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationSubmitProduct, op.Type)
	var payload models.SubmitProductPayload
	require.NoError(t, op.DecodePayload(&payload))
	assert.Equal(t, map[string]string{"product_name": "Nutella"}, payload.Fields)

	img, err := c.UploadImage(ctx, nutella, "", "", []byte{0xff, 0xd8})
	require.NoError(t, err)
	var up models.UploadImagePayload
	require.NoError(t, img.DecodePayload(&up))
	assert.Equal(t, "front", up.Field)
	assert.Equal(t, nutella+"_front.jpg", up.Filename)
}
