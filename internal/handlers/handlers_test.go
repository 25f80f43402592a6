package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/foodlens/internal/auth"
	"github.com/xelth-com/foodlens/internal/cache"
	"github.com/xelth-com/foodlens/internal/config"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/lookup"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/network"
	"github.com/xelth-com/foodlens/internal/processor"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
	"github.com/xelth-com/foodlens/internal/storage"
)

const nutella = "3017620422003"

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeProfiles) UpdateProfile(_ context.Context, p *models.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = *p
	return nil
}

type harness struct {
	handler  http.Handler
	queue    *queue.Queue
	monitor  *network.Monitor
	session  *auth.Session
	profiles *fakeProfiles
	bearer   string

	productHits atomic.Int32
	listHits    atomic.Int32
	writeHits   atomic.Int32
}

// fakeOFF serves the read and write endpoints used by the client
func (h *harness) fakeOFF(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/v0/product/"+nutella+".json":
		h.productHits.Add(1)
		json.NewEncoder(w).Encode(openfoodfacts.ProductResponse{
			Code:   nutella,
			Status: 1,
			Product: &openfoodfacts.ExternalProduct{
				ProductName:     "Nutella",
				Brands:          "Ferrero",
				NutriscoreGrade: "e",
				NovaGroup:       4,
			},
		})
	case strings.HasPrefix(r.URL.Path, "/api/v0/product/"):
		h.productHits.Add(1)
		w.Write([]byte(`{"status":0,"status_verbose":"product not found"}`))
	case r.URL.Path == "/categories.json":
		h.listHits.Add(1)
		w.Write([]byte(`{"count":1,"tags":[{"id":"en:snacks","name":"Snacks","products":10}]}`))
	case r.URL.Path == "/cgi/product_jqm2.pl", r.URL.Path == "/cgi/product_image_upload.pl":
		h.writeHits.Add(1)
		w.Write([]byte(`{"status":1,"status_verbose":"fields saved"}`))
	default:
		http.NotFound(w, r)
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{profiles: &fakeProfiles{profiles: make(map[string]models.UserProfile)}}
	off := httptest.NewServer(http.HandlerFunc(h.fakeOFF))
	t.Cleanup(off.Close)

	store := storage.NewAdapter(storage.NewMemoryBackend(), storage.Options{Namespace: "test", MaxBytes: 1 << 20, EvictFraction: 0.2})
	bus := events.NewBus(nil)
	h.monitor = network.NewMonitor(config.NetworkConfig{InitialOnline: true}, bus, nil, nil)
	h.session = auth.NewSession("test-secret")
	creds := auth.NewCredentialStore(store, "passphrase", nil)
	api := openfoodfacts.NewClient(config.APIConfig{
		BaseURL:       off.URL,
		UserAgent:     "foodlens-test",
		Timeout:       2 * time.Second,
		WriteInterval: time.Millisecond,
	}, creds, nil)

	h.queue = queue.New(store, bus, queue.Options{})
	proc := processor.New(h.queue, processor.NewDispatcher(api, nil, h.session, nil), h.monitor, bus, processor.Options{})
	t.Cleanup(proc.Stop)

	orch := lookup.NewOrchestrator(lookup.Options{
		API:     api,
		Cache:   cache.NewProductCache(store, time.Hour, nil),
		Queue:   h.queue,
		Network: h.monitor,
		Users:   h.session,
		Bus:     bus,
	})
	t.Cleanup(orch.Wait)

	h.handler = NewRouter(Deps{
		Orchestrator: orch,
		Catalog:      lookup.NewCatalog(api, cache.NewListCache(store, time.Hour, nil), h.monitor, nil),
		Contributor:  lookup.NewContributor(h.queue, nil),
		Queue:        h.queue,
		Processor:    proc,
		Network:      h.monitor,
		Session:      h.session,
		Credentials:  creds,
		Profiles:     h.profiles,
		IssueTokens:  true,
	}).Handler()

	token, err := h.session.IssueToken("admin", "admin", time.Hour)
	require.NoError(t, err)
	h.bearer = "Bearer " + token
	return h
}

// admin sends an authenticated request
func (h *harness) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, method, path, body, "Authorization", h.bearer)
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/API/Status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Network network.Status   `json:"network"`
		Queue   queueCounts      `json:"queue"`
		Proc    processor.Status `json:"processor"`
	}
	decode(t, rec, &status)
	assert.True(t, status.Network.Online)
	assert.Zero(t, status.Queue.Total)
}

func TestScanFromAPIThenCacheWhenOffline(t *testing.T) {
	h := newHarness(t)
	token, err := h.session.IssueToken("user-1", "alice", time.Hour)
	require.NoError(t, err)

	rec := h.do(t, "POST", "/api/scan", ScanRequest{Barcode: nutella}, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first lookup.Result
	decode(t, rec, &first)
	assert.Equal(t, models.SourceAPI, first.Source)
	assert.Equal(t, "Nutella", first.Product.Name)
	assert.Equal(t, 10, first.Product.HealthScore)
	assert.NotEmpty(t, first.PendingOperationID)

	rec = h.admin(t, "PUT", "/api/network", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/scan", ScanRequest{Barcode: nutella, UserID: "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second lookup.Result
	decode(t, rec, &second)
	assert.Equal(t, models.SourceCache, second.Source)
	assert.Equal(t, int32(1), h.productHits.Load())

	rec = h.do(t, "GET", "/api/history?userId=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Scans []models.ScanRecord `json:"scans"`
		Count int                 `json:"count"`
	}
	decode(t, rec, &history)
	assert.Equal(t, 2, history.Count)
	assert.False(t, history.Scans[0].Synced)
}

func TestScanErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/scan", ScanRequest{Barcode: "12ab"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, string(apperrors.KindValidation), body["kind"])

	rec = h.do(t, "POST", "/api/scan", ScanRequest{Barcode: "12345678"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/api/scan", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// nothing queued for failed lookups
	ops, err := h.queue.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestStatusForEveryKind(t *testing.T) {
	want := map[apperrors.Kind]int{
		apperrors.KindNotFound:       http.StatusNotFound,
		apperrors.KindNetwork:        http.StatusServiceUnavailable,
		apperrors.KindRateLimited:    http.StatusTooManyRequests,
		apperrors.KindDatabase:       http.StatusBadGateway,
		apperrors.KindValidation:     http.StatusBadRequest,
		apperrors.KindAuthentication: http.StatusUnauthorized,
		apperrors.KindStorage:        http.StatusInsufficientStorage,
		apperrors.KindInternal:       http.StatusInternalServerError,
	}
	for _, kind := range apperrors.Kinds {
		assert.Equal(t, want[kind], statusFor(kind), kind)
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	r := NewRouter(Deps{Session: auth.NewSession("s")})
	err := apperrors.New(apperrors.KindRateLimited, "slow down")
	err.RetryAfter = 1500 * time.Millisecond

	rec := httptest.NewRecorder()
	r.respondAppError(rec, err)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestContributionsAreQueuedAndProcessed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/products", ContributionRequest{Barcode: "12345678"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "POST", "/api/products", ContributionRequest{
		Barcode: "12345678",
		Fields:  map[string]string{"product_name": "Oat drink", "brands": "Oatly"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var op models.QueuedOperation
	decode(t, rec, &op)
	assert.Equal(t, models.OperationSubmitProduct, op.Type)

	// multipart image upload
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("field", "ingredients"))
	part, err := mw.CreateFormFile("image", "label.jpg")
	require.NoError(t, err)
	part.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", "/api/products/12345678/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	upload := httptest.NewRecorder()
	h.handler.ServeHTTP(upload, req)
	require.Equal(t, http.StatusAccepted, upload.Code, upload.Body.String())

	rec = h.admin(t, "PUT", "/api/credentials", models.APICredentials{Username: "off-user", Password: "off-pass"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.admin(t, "POST", "/api/queue/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var processed map[string]int
	decode(t, rec, &processed)
	assert.Equal(t, 2, processed["completed"])
	assert.Equal(t, int32(2), h.writeHits.Load())

	rec = h.do(t, "GET", "/api/queue", nil)
	var listing struct {
		Count int `json:"count"`
	}
	decode(t, rec, &listing)
	assert.Zero(t, listing.Count)
}

func TestQueueAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.monitor.SetOnline(false)

	op, err := h.queue.Enqueue(ctx, models.OperationUpdateProduct, map[string]interface{}{"barcode": nutella})
	require.NoError(t, err)
	_, _, err = h.queue.Update(ctx, op.ID, func(o *models.QueuedOperation) { o.Status = models.StatusFailed })
	require.NoError(t, err)

	// offline without force processes nothing
	rec := h.admin(t, "POST", "/api/queue/process", nil)
	var processed map[string]int
	decode(t, rec, &processed)
	assert.Zero(t, processed["completed"])

	rec = h.admin(t, "POST", "/api/queue/"+op.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, ok, err := h.queue.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, got.Status)

	rec = h.admin(t, "POST", "/api/queue/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.admin(t, "DELETE", "/api/queue/"+op.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.admin(t, "DELETE", "/api/queue/"+op.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = h.queue.Enqueue(ctx, models.OperationCustom, map[string]interface{}{"name": "noop"})
	require.NoError(t, err)
	rec = h.admin(t, "DELETE", "/api/queue", nil)
	var cleared map[string]int
	decode(t, rec, &cleared)
	assert.Equal(t, 1, cleared["removed"])
}

func TestCatalogIsCached(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		rec := h.do(t, "GET", "/api/catalog/categories", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list openfoodfacts.TagList
		decode(t, rec, &list)
		require.Len(t, list.Tags, 1)
	}
	assert.Equal(t, int32(1), h.listHits.Load())

	h.monitor.SetOnline(false)
	rec := h.do(t, "GET", "/api/catalog/brands", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionAndProfile(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, "POST", "/auth/token", TokenRequest{UserID: "user-7", Username: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var issued map[string]interface{}
	decode(t, rec, &issued)
	token, _ := issued["token"].(string)
	require.NotEmpty(t, token)

	rec = h.do(t, "GET", "/auth/session", nil)
	var sess map[string]interface{}
	decode(t, rec, &sess)
	assert.Equal(t, true, sess["signedIn"])
	assert.Equal(t, "user-7", sess["userId"])

	bearer := "Bearer " + token
	rec = h.do(t, "GET", "/api/profile", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "PUT", "/api/profile", models.UserProfile{ID: "someone-else", Username: "bob", Allergies: []string{"gluten"}}, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, "GET", "/api/profile", nil, "Authorization", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile models.UserProfile
	decode(t, rec, &profile)
	assert.Equal(t, "user-7", profile.ID)
	assert.Equal(t, []string{"gluten"}, []string(profile.Allergies))

	rec = h.admin(t, "POST", "/auth/signout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := h.session.CurrentUserID()
	assert.False(t, ok)

	rec = h.do(t, "POST", "/auth/signin", map[string]string{"token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	routes := []struct{ method, path string }{
		{"PUT", "/api/credentials"},
		{"DELETE", "/api/credentials"},
		{"DELETE", "/api/queue"},
		{"POST", "/api/queue/process"},
		{"POST", "/api/queue/retry"},
		{"POST", "/api/queue/some-id/retry"},
		{"DELETE", "/api/queue/some-id"},
		{"PUT", "/api/network"},
		{"POST", "/api/network/probe"},
		{"POST", "/auth/signout"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := h.do(t, rt.method, rt.path, map[string]bool{"online": false})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.True(t, h.monitor.IsAvailable(), "rejected request must not change state")

	rec := h.do(t, "GET", "/api/queue", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenIssueOnlyWhenEnabled(t *testing.T) {
	r := NewRouter(Deps{Session: auth.NewSession("s")}).Handler()
	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(`{"userId":"anyone"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryRequiresUser(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/api/history", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, "GET", "/api/history?limit=-1&userId=u", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryReportIsPDF(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/scan", ScanRequest{Barcode: nutella, UserID: "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/api/history/report.pdf?userId=user-1", "/api/history/labels.pdf?userId=user-1"} {
		rec = h.do(t, "GET", path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")), path)
	}
}
