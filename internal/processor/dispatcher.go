package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
)

// ProductWriter performs the external API writes
type ProductWriter interface {
	SubmitProduct(ctx context.Context, barcode string, fields map[string]string) error
	UpdateProduct(ctx context.Context, barcode string, fields map[string]string) error
	UploadImage(ctx context.Context, barcode, field, filename string, data []byte) error
}

// ScanStore is the remote database as seen by record-scan operations
type ScanStore interface {
	FindProductByBarcode(ctx context.Context, barcode string) (*models.Product, error)
	InsertProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	InsertScan(ctx context.Context, scan *models.ScanRecord) (*models.ScanRecord, error)
}

// UserResolver returns the explicit user or the signed-in one
type UserResolver interface {
	ResolveUserID(explicit string) (string, bool)
}

// CustomHandler executes a custom operation with its raw arguments
type CustomHandler func(ctx context.Context, args json.RawMessage) error

// Dispatcher executes queued operations by type
type Dispatcher struct {
	api    ProductWriter
	store  ScanStore
	users  UserResolver
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CustomHandler
}

// NewDispatcher creates a dispatcher. store may be nil when no remote database is configured.
func NewDispatcher(api ProductWriter, store ScanStore, users UserResolver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:      api,
		store:    store,
		users:    users,
		logger:   logging.OrDiscard(logger),
		handlers: make(map[string]CustomHandler),
	}
}

// Register installs the handler of custom operations named name
func (d *Dispatcher) Register(name string, h CustomHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch performs the remote call of op
func (d *Dispatcher) Dispatch(ctx context.Context, op models.QueuedOperation) error {
	switch op.Type {
	case models.OperationSubmitProduct:
		var p models.SubmitProductPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		if d.api == nil {
			return apperrors.New(apperrors.KindNetwork, "product API not configured")
		}
		return d.api.SubmitProduct(ctx, p.Barcode, p.Fields)

	case models.OperationUpdateProduct:
		var p models.UpdateProductPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		if d.api == nil {
			return apperrors.New(apperrors.KindNetwork, "product API not configured")
		}
		return d.api.UpdateProduct(ctx, p.Barcode, p.Fields)

	case models.OperationUploadImage:
		var p models.UploadImagePayload
		if err := decode(op, &p); err != nil {
			return err
		}
		if d.api == nil {
			return apperrors.New(apperrors.KindNetwork, "product API not configured")
		}
		return d.api.UploadImage(ctx, p.Barcode, p.Field, p.Filename, p.Data)

	case models.OperationRecordScan:
		return d.recordScan(ctx, op)

	case models.OperationCustom:
		var p models.CustomPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		d.mu.RLock()
		h, ok := d.handlers[p.Name]
		d.mu.RUnlock()
		if !ok {
			return apperrors.Newf(apperrors.KindValidation, "no handler registered for custom operation %q", p.Name)
		}
		return h(ctx, p.Args)
	}
	return apperrors.Newf(apperrors.KindValidation, "unknown operation type %q", op.Type)
}

func decode(op models.QueuedOperation, v interface{}) error {
	if err := op.DecodePayload(v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode "+string(op.Type)+" payload", err)
	}
	return nil
}

// recordScan writes a deferred scan. The placeholder user becomes the signed-in
// user, and a provisional product is resolved to its stored row by barcode.
// The scan takes the operation id so a replay does not record it twice.
func (d *Dispatcher) recordScan(ctx context.Context, op models.QueuedOperation) error {
	var p models.RecordScanPayload
	if err := decode(op, &p); err != nil {
		return err
	}
	if p.Barcode == "" {
		return apperrors.New(apperrors.KindValidation, "queued scan has no barcode")
	}

	userID := p.UserID
	if userID == "" || userID == models.PlaceholderUserID {
		resolved, ok := "", false
		if d.users != nil {
			resolved, ok = d.users.ResolveUserID("")
		}
		if !ok {
			return apperrors.New(apperrors.KindAuthentication, "no authenticated user for queued scan")
		}
		userID = resolved
	}

	if d.store == nil {
		return apperrors.New(apperrors.KindDatabase, "remote database not configured")
	}

	productID := p.ProductID
	if productID == "" || models.IsProvisionalID(productID) {
		product, err := d.store.FindProductByBarcode(ctx, p.Barcode)
		if err != nil {
			return err
		}
		if product == nil {
			if p.Product == nil {
				return apperrors.Newf(apperrors.KindNotFound, "product %s is not stored yet", p.Barcode)
			}
			product, err = d.store.InsertProduct(ctx, p.Product)
			if err != nil {
				return err
			}
		}
		d.logger.Debug("resolved provisional product",
			slog.String("barcode", p.Barcode),
			slog.String("provisionalId", productID),
			slog.String("id", product.ID))
		productID = product.ID
	}

	scannedAt := time.UnixMilli(p.ScannedAt).UTC()
	if p.ScannedAt == 0 {
		scannedAt = time.UnixMilli(op.CreatedAt).UTC()
	}
	_, err := d.store.InsertScan(ctx, &models.ScanRecord{
		ID:        op.ID,
		ProductID: productID,
		UserID:    userID,
		Barcode:   p.Barcode,
		ScannedAt: scannedAt,
		Source:    p.Source,
	})
	return err
}
