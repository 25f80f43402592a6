// Package lookup resolves barcodes to products across the external API, the local
// product cache and the remote database, and records every successful lookup as a scan.
package lookup

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xelth-com/foodlens/internal/cache"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/metric"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
)

// DefaultPurgeProbability is the share of successful lookups that trigger a cache purge
const DefaultPurgeProbability = 0.01

// ProductAPI fetches products from the external product database
type ProductAPI interface {
	GetProduct(ctx context.Context, barcode string) (*openfoodfacts.ExternalProduct, error)
}

// ProductStore is the remote database as seen by the orchestrator
type ProductStore interface {
	FindProductByBarcode(ctx context.Context, barcode string) (*models.Product, error)
	InsertProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	InsertScan(ctx context.Context, scan *models.ScanRecord) (*models.ScanRecord, error)
	ScansByUser(ctx context.Context, userID string, limit int) ([]models.ScanRecord, error)
}

// OperationQueue accepts deferred writes
type OperationQueue interface {
	Enqueue(ctx context.Context, opType models.OperationType, payload interface{}, opts ...queue.EnqueueOption) (*models.QueuedOperation, error)
	List(ctx context.Context) ([]models.QueuedOperation, error)
}

// Availability reports cached connectivity
type Availability interface {
	IsAvailable() bool
}

// UserResolver returns the explicit user or the signed-in one
type UserResolver interface {
	ResolveUserID(explicit string) (string, bool)
}

// Result is the outcome of a resolved lookup. Exactly one of ScanRecord and
// PendingOperationID is set unless the scan could not be recorded at all.
type Result struct {
	Product            *models.Product    `json:"product"`
	Source             models.Source      `json:"source"`
	ScanRecord         *models.ScanRecord `json:"scanRecord,omitempty"`
	PendingOperationID string             `json:"pendingOperationId,omitempty"`
}

// Options configures an Orchestrator. Store may be nil when no remote database is configured.
type Options struct {
	API     ProductAPI
	Store   ProductStore
	Cache   *cache.ProductCache
	Queue   OperationQueue
	Network Availability
	Users   UserResolver
	Bus     events.Publisher

	PurgeProbability float64
	Logger           *slog.Logger
	Metrics          *metric.Metrics
}

// Orchestrator resolves barcodes tier by tier
type Orchestrator struct {
	api     ProductAPI
	store   ProductStore
	cache   *cache.ProductCache
	queue   OperationQueue
	network Availability
	users   UserResolver
	bus     events.Publisher

	purgeProbability float64
	logger           *slog.Logger
	metrics          *metric.Metrics
	now              func() time.Time
	random           func() float64

	// background persistence and purges
	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator from its collaborators
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.PurgeProbability < 0 {
		opts.PurgeProbability = 0
	}
	return &Orchestrator{
		api:              opts.API,
		store:            opts.Store,
		cache:            opts.Cache,
		queue:            opts.Queue,
		network:          opts.Network,
		users:            opts.Users,
		bus:              opts.Bus,
		purgeProbability: opts.PurgeProbability,
		logger:           logging.OrDiscard(opts.Logger),
		metrics:          opts.Metrics,
		now:              time.Now,
		random:           rand.Float64,
	}
}

// SetClock replaces the time source (tests)
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetRandom replaces the source deciding opportunistic purges (tests)
func (o *Orchestrator) SetRandom(f func() float64) {
	o.random = f
}

// Wait blocks until background persistence and purges have finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) online() bool {
	return o.network == nil || o.network.IsAvailable()
}

// Resolve looks barcode up. When online the external API is asked first, then the
// cache, then the remote database. Database and API results are cached, and the
// lookup is recorded as a scan for userID or the signed-in user.
func (o *Orchestrator) Resolve(ctx context.Context, barcode, userID string) (*Result, error) {
	barcode = strings.TrimSpace(barcode)
	if err := ValidateBarcode(barcode); err != nil {
		o.metrics.ObserveLookupFailure(string(apperrors.KindValidation))
		return nil, err
	}

	online := o.online()
	var (
		product *models.Product
		source  models.Source
		dbErr   error
	)

	if online && o.api != nil {
		if p, err := o.fromAPI(ctx, barcode); err != nil {
			logging.Failure(o.logger, err, "api lookup failed", slog.String("barcode", barcode))
		} else {
			product, source = p, models.SourceAPI
		}
	}

	if product == nil && o.cache != nil {
		if p, ok := o.cache.Load(ctx, barcode); ok {
			product, source = p, models.SourceCache
		}
	}

	if product == nil && online && o.store != nil {
		p, err := o.store.FindProductByBarcode(ctx, barcode)
		switch {
		case err != nil:
			dbErr = err
			logging.Failure(o.logger, err, "database lookup failed", slog.String("barcode", barcode))
		case p != nil:
			product, source = p, models.SourceDatabase
		}
	}

	if product == nil {
		// a failing database is only surfaced as the last tier tried
		if dbErr != nil {
			o.metrics.ObserveLookupFailure(string(apperrors.KindOf(dbErr)))
			return nil, dbErr
		}
		o.metrics.ObserveLookupFailure(string(apperrors.KindNotFound))
		return nil, apperrors.Newf(apperrors.KindNotFound, "product %s not found", barcode)
	}

	if source == models.SourceAPI {
		o.persistInBackground(ctx, product)
	}
	if source != models.SourceCache && o.cache != nil {
		o.cache.Save(ctx, product)
	}

	result := &Result{Product: product, Source: source}
	o.recordScan(ctx, result, userID, online)

	o.metrics.ObserveLookup(string(source))
	o.logger.Debug("barcode resolved",
		slog.String("barcode", barcode),
		slog.String("source", string(source)),
		slog.String("productId", product.ID))

	o.maybePurge(ctx)
	return result, nil
}

func (o *Orchestrator) fromAPI(ctx context.Context, barcode string) (*models.Product, error) {
	ext, err := o.api.GetProduct(ctx, barcode)
	if err != nil {
		return nil, err
	}
	p := ToProduct(ext)
	p.Barcode = barcode
	p.ID = models.NewProvisionalID()
	p.Provisional = true
	if p.CreatedAt.IsZero() {
		p.CreatedAt = o.now().UTC()
	}
	return p, nil
}

// persistInBackground inserts the provisional product remotely and swaps the
// cached copy for the stored one. Failures are logged only.
func (o *Orchestrator) persistInBackground(ctx context.Context, provisional *models.Product) {
	if o.store == nil {
		return
	}
	snapshot := provisional.Clone()
	bg := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		saved, err := o.store.InsertProduct(bg, snapshot)
		if err != nil {
			logging.Failure(o.logger, err, "background product persistence failed",
				slog.String("barcode", snapshot.Barcode),
				slog.String("provisionalId", snapshot.ID))
			return
		}
		if o.cache != nil {
			o.cache.Reconcile(bg, snapshot.ID, saved)
		}
		o.logger.Info("provisional product persisted",
			slog.String("barcode", saved.Barcode),
			slog.String("provisionalId", snapshot.ID),
			slog.String("id", saved.ID))
		if o.bus != nil {
			o.bus.Publish(events.Event{
				Kind:          events.ProductReconciled,
				ProvisionalID: snapshot.ID,
				Product:       saved,
			})
		}
	}()
}

// recordScan writes the scan directly when possible and queues it otherwise
func (o *Orchestrator) recordScan(ctx context.Context, result *Result, explicitUser string, online bool) {
	product := result.Product
	scannedAt := o.now().UTC()

	userID, resolved := explicitUser, explicitUser != ""
	if o.users != nil {
		userID, resolved = o.users.ResolveUserID(explicitUser)
	}

	if online && resolved && o.store != nil && !product.IsProvisional() {
		scan, err := o.store.InsertScan(ctx, &models.ScanRecord{
			ProductID: product.ID,
			UserID:    userID,
			Barcode:   product.Barcode,
			ScannedAt: scannedAt,
			Source:    result.Source,
		})
		if err == nil {
			result.ScanRecord = scan
			return
		}
		logging.Failure(o.logger, err, "scan insert failed, queueing",
			slog.String("barcode", product.Barcode))
	}

	if !resolved {
		userID = models.PlaceholderUserID
	}
	if o.queue == nil {
		return
	}
	op, err := o.queue.Enqueue(ctx, models.OperationRecordScan, models.RecordScanPayload{
		Barcode:   product.Barcode,
		ProductID: product.ID,
		UserID:    userID,
		Source:    result.Source,
		ScannedAt: scannedAt.UnixMilli(),
		Product:   product.Clone(),
	})
	if err != nil {
		logging.Failure(o.logger, err, "scan could not be queued",
			slog.String("barcode", product.Barcode))
		return
	}
	result.PendingOperationID = op.ID
}

func (o *Orchestrator) maybePurge(ctx context.Context) {
	if o.cache == nil || o.purgeProbability <= 0 || o.random() >= o.purgeProbability {
		return
	}
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.cache.PurgeExpired(bg)
	}()
}

// History returns the user's scans, newest first: the remote history when online
// plus scans still waiting in the queue.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]models.ScanRecord, error) {
	if o.users != nil {
		userID, _ = o.users.ResolveUserID(userID)
	}
	if userID == "" {
		return nil, apperrors.New(apperrors.KindAuthentication, "no user to list history for")
	}

	var scans []models.ScanRecord
	if o.online() && o.store != nil {
		remote, err := o.store.ScansByUser(ctx, userID, limit)
		if err != nil {
			logging.Failure(o.logger, err, "remote history unavailable", slog.String("userId", userID))
		} else {
			scans = append(scans, remote...)
		}
	}

	if o.queue != nil {
		pending, err := o.pendingScans(ctx, userID)
		if err != nil {
			logging.Failure(o.logger, err, "queued scans unavailable", slog.String("userId", userID))
		}
		scans = append(scans, pending...)
	}

	sort.SliceStable(scans, func(i, j int) bool {
		return scans[i].ScannedAt.After(scans[j].ScannedAt)
	})
	if limit > 0 && len(scans) > limit {
		scans = scans[:limit]
	}
	return scans, nil
}

func (o *Orchestrator) pendingScans(ctx context.Context, userID string) ([]models.ScanRecord, error) {
	ops, err := o.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ScanRecord
	for _, op := range ops {
		if op.Type != models.OperationRecordScan || op.Status == models.StatusCompleted {
			continue
		}
		var p models.RecordScanPayload
		if err := op.DecodePayload(&p); err != nil {
			continue
		}
		if p.UserID != userID && p.UserID != models.PlaceholderUserID {
			continue
		}
		out = append(out, models.ScanRecord{
			ID:        op.ID,
			ProductID: p.ProductID,
			UserID:    userID,
			Barcode:   p.Barcode,
			ScannedAt: time.UnixMilli(p.ScannedAt).UTC(),
			Source:    p.Source,
			Product:   p.Product,
		})
	}
	return out, nil
}
