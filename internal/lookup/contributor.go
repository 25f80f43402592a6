package lookup

import (
	"context"
	"log/slog"
	"strings"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/queue"
)

// MaxImageBytes bounds queued image uploads
const MaxImageBytes = 4 << 20

var imageFields = map[string]bool{
	"front":       true,
	"ingredients": true,
	"nutrition":   true,
	"packaging":   true,
}

// Enqueuer accepts deferred writes
type Enqueuer interface {
	Enqueue(ctx context.Context, opType models.OperationType, payload interface{}, opts ...queue.EnqueueOption) (*models.QueuedOperation, error)
}

// Contributor validates product contributions and queues them for upload.
// Validation errors are returned and nothing is queued.
type Contributor struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewContributor creates a contributor
func NewContributor(q Enqueuer, logger *slog.Logger) *Contributor {
	return &Contributor{queue: q, logger: logging.OrDiscard(logger)}
}

// SubmitProduct queues a new product. fields must carry product_name.
func (c *Contributor) SubmitProduct(ctx context.Context, barcode string, fields map[string]string) (*models.QueuedOperation, error) {
	if err := ValidateBarcode(barcode); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fields["product_name"]) == "" {
		return nil, apperrors.New(apperrors.KindValidation, "product_name is required")
	}
	return c.enqueue(ctx, models.OperationSubmitProduct, models.SubmitProductPayload{
		Barcode: barcode,
		Fields:  cleanFields(fields),
	})
}

// UpdateProduct queues an edit of an existing product
func (c *Contributor) UpdateProduct(ctx context.Context, barcode string, fields map[string]string) (*models.QueuedOperation, error) {
	if err := ValidateBarcode(barcode); err != nil {
		return nil, err
	}
	cleaned := cleanFields(fields)
	if len(cleaned) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "at least one field is required")
	}
	return c.enqueue(ctx, models.OperationUpdateProduct, models.UpdateProductPayload{
		Barcode: barcode,
		Fields:  cleaned,
	})
}

// UploadImage queues an image for a product
func (c *Contributor) UploadImage(ctx context.Context, barcode, field, filename string, data []byte) (*models.QueuedOperation, error) {
	if err := ValidateBarcode(barcode); err != nil {
		return nil, err
	}
	if field == "" {
		field = "front"
	}
	if !imageFields[field] {
		return nil, apperrors.Newf(apperrors.KindValidation, "unknown image field %q", field)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "image data is required")
	}
	if len(data) > MaxImageBytes {
		return nil, apperrors.Newf(apperrors.KindValidation, "image is larger than %d bytes", MaxImageBytes)
	}
	if filename == "" {
		filename = barcode + "_" + field + ".jpg"
	}
	return c.enqueue(ctx, models.OperationUploadImage, models.UploadImagePayload{
		Barcode:  barcode,
		Field:    field,
		Filename: filename,
		Data:     data,
	})
}

func (c *Contributor) enqueue(ctx context.Context, opType models.OperationType, payload interface{}) (*models.QueuedOperation, error) {
	op, err := c.queue.Enqueue(ctx, opType, payload)
	if err != nil {
		logging.Failure(c.logger, err, "contribution could not be queued", slog.String("type", string(opType)))
		return nil, err
	}
	return op, nil
}

// cleanFields drops blank keys and values
func cleanFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" || k == "code" {
			continue
		}
		out[k] = v
	}
	return out
}
